/*
Copyright (c) trftp authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package client

import (
	"hash/crc32"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shkwon98/trftp/netio"
	"github.com/shkwon98/trftp/protocol"
)

func newLoopbackPair(t *testing.T) (*netio.Endpoint, *netio.Endpoint) {
	t.Helper()
	a, err := netio.Open(0)
	require.NoError(t, err)
	b, err := netio.Open(0)
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func newTestTransaction(t *testing.T) (*transaction, *netio.Endpoint) {
	t.Helper()
	clientSide, serverSide := newLoopbackPair(t)
	tr := newTransaction(clientSide, serverSide.LocalAddr(), nil)
	t.Cleanup(func() { os.Remove(tr.stagingPath) })
	return tr, serverSide
}

func drainOne(t *testing.T, ep *netio.Endpoint) protocol.Header {
	t.Helper()
	ep.SetReceiveTimeout(1000000000) // 1s, generous for loopback
	buf, _, err := ep.Receive()
	require.NoError(t, err)
	require.NotNil(t, buf)
	h, _, err := protocol.Decode(buf)
	require.NoError(t, err)
	return h
}

func TestBeginSendsCHK(t *testing.T) {
	tr, serverSide := newTestTransaction(t)

	tr.begin(protocol.NTFPayload{NewVersion: 3}.Encode())
	require.Equal(t, stateCHK, tr.state)
	require.Equal(t, uint32(3), tr.announcedVersion)

	h := drainOne(t, serverSide)
	require.Equal(t, protocol.KindCHK, h.XID)
}

func TestOnDATAOutOfOrderSendsRTX(t *testing.T) {
	tr, serverSide := newTestTransaction(t)
	tr.begin(protocol.NTFPayload{NewVersion: 1}.Encode())
	drainOne(t, serverSide) // CHK

	info := protocol.INFOPayload{NewVersion: 1, FileLength: 4096, CRC32: 0}
	tr.onReceive(protocol.Header{XID: protocol.KindINFO}, info.Encode())
	require.Equal(t, stateRDY, tr.state)
	drainOne(t, serverSide) // RDY

	// First DATA arrives with psn=1 while expecting 0.
	chunk := make([]byte, protocol.MaxPayload)
	h := protocol.Header{XID: protocol.KindDATA, TPN: 3, TPL: 4096, PSN: 1, PL: uint32(len(chunk))}
	tr.onReceive(h, chunk)

	require.Equal(t, stateRDY, tr.state) // unchanged: write skipped
	require.Equal(t, uint32(0), tr.expectedPSN)

	got := drainOne(t, serverSide)
	require.Equal(t, protocol.KindRTX, got.XID)
}

func TestOnDATAInOrderAdvances(t *testing.T) {
	tr, serverSide := newTestTransaction(t)
	tr.begin(protocol.NTFPayload{NewVersion: 1}.Encode())
	drainOne(t, serverSide)

	chunk := make([]byte, protocol.MaxPayload)
	for i := range chunk {
		chunk[i] = byte(i)
	}

	info := protocol.INFOPayload{NewVersion: 1, FileLength: uint32(protocol.MaxPayload), CRC32: crc32.ChecksumIEEE(chunk)}
	tr.onReceive(protocol.Header{XID: protocol.KindINFO}, info.Encode())
	drainOne(t, serverSide) // RDY

	h := protocol.Header{XID: protocol.KindDATA, TPN: 1, TPL: uint32(protocol.MaxPayload), PSN: 0, PL: uint32(len(chunk))}
	tr.onReceive(h, chunk)

	require.Equal(t, uint32(1), tr.expectedPSN)
	got := drainOne(t, serverSide)
	require.Equal(t, protocol.KindDONE, got.XID)
}

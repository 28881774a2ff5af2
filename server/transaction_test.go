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

package server

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shkwon98/trftp/netio"
	"github.com/shkwon98/trftp/protocol"
)

func newTestFile(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	return path
}

func newTestTransaction(t *testing.T, size int) (*Transaction, *netio.Endpoint) {
	t.Helper()
	serverEp, err := netio.Open(0)
	require.NoError(t, err)
	clientEp, err := netio.Open(0)
	require.NoError(t, err)
	t.Cleanup(func() {
		serverEp.Close()
		clientEp.Close()
	})

	cfg := DefaultConfig()
	cfg.NegotiationTimeout = 200 * time.Millisecond
	cfg.DoneTimeout = time.Second

	tr, err := NewTransaction(serverEp, clientEp.LocalAddr(), newTestFile(t, size), 1, Device{}, cfg, noopStats{})
	require.NoError(t, err)
	return tr, clientEp
}

func drainOne(t *testing.T, ep *netio.Endpoint) protocol.Header {
	t.Helper()
	ep.SetReceiveTimeout(time.Second)
	buf, _, err := ep.Receive()
	require.NoError(t, err)
	require.NotNil(t, buf)
	h, _, err := protocol.Decode(buf)
	require.NoError(t, err)
	return h
}

func TestCHKAdvancesToINFO(t *testing.T) {
	tr, clientEp := newTestTransaction(t, 16)

	require.NoError(t, tr.SendMessage(protocol.KindNTF))
	drainOne(t, clientEp) // NTF

	tr.OnReceive(protocol.Header{XID: protocol.KindCHK}, protocol.CHKPayload{CurVersion: 0}.Encode())
	require.Equal(t, protocol.KindINFO, tr.Status())

	h := drainOne(t, clientEp)
	require.Equal(t, protocol.KindINFO, h.XID)
}

func TestCHKWrongStateAborts(t *testing.T) {
	tr, clientEp := newTestTransaction(t, 16)
	require.NoError(t, tr.SendMessage(protocol.KindNTF))
	drainOne(t, clientEp)

	tr.OnReceive(protocol.Header{XID: protocol.KindCHK}, protocol.CHKPayload{}.Encode())
	drainOne(t, clientEp) // INFO

	// CHK again, now in INFO state: protocol error, should CXL.
	tr.OnReceive(protocol.Header{XID: protocol.KindCHK}, protocol.CHKPayload{}.Encode())
	require.Equal(t, protocol.KindCXL, tr.Status())
}

func TestRTXArmsSlotWithoutAdvancingStatus(t *testing.T) {
	// Exercise onRTX directly, without going through SendMessage(KindDATA),
	// which would launch the real paced sender and race this test's own
	// attempt to consume the retransmission slot.
	tr, _ := newTestTransaction(t, protocol.MaxPayload*3)
	tr.setStatus(protocol.KindDATA)
	atomicStorePSN(tr, 2)

	tr.OnReceive(protocol.Header{XID: protocol.KindRTX}, protocol.RTXPayload{RetransmitPSN: 0}.Encode())
	require.Equal(t, protocol.KindDATA, tr.Status())

	slot, ok := tr.takeRetransmitSlot()
	require.True(t, ok)
	require.Equal(t, uint32(0), slot)
}

func atomicStorePSN(tr *Transaction, psn uint32) {
	atomic.StoreUint32(&tr.psn, psn)
}

func TestDoneMismatchIsSilentlyDropped(t *testing.T) {
	tr, clientEp := newTestTransaction(t, 16)
	require.NoError(t, tr.SendMessage(protocol.KindNTF))
	drainOne(t, clientEp)
	tr.OnReceive(protocol.Header{XID: protocol.KindCHK}, protocol.CHKPayload{}.Encode())
	drainOne(t, clientEp)
	tr.OnReceive(protocol.Header{XID: protocol.KindRDY}, protocol.RDYPayload{NewVersion: 1, FileLength: 16, IPGUs: 100}.Encode())
	require.Equal(t, protocol.KindDATA, tr.Status())

	bad := protocol.DONEPayload{NewVersion: 1, FileLength: 16, CRC32: 0xFFFFFFFF}
	tr.OnReceive(protocol.Header{XID: protocol.KindDONE}, bad.Encode())

	// Mismatch must not change status (spec: drop, not escalate to CXL).
	require.Equal(t, protocol.KindDATA, tr.Status())
}

func TestCXLValidatorAcceptsEmptyPayload(t *testing.T) {
	require.NoError(t, protocol.ValidatePayloadLen(protocol.KindCXL, nil))
}

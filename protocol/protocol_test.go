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

package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeControlRoundTrip(t *testing.T) {
	payload := NTFPayload{NewVersion: 7}.Encode()
	buf := EncodeControl(KindNTF, ServerParticipantID, ClientParticipantID, payload)

	h, got, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, KindNTF, h.XID)
	require.Equal(t, ServerParticipantID, h.SPID)
	require.Equal(t, ClientParticipantID, h.DPID)
	require.Equal(t, uint32(1), h.TPN)
	require.Equal(t, uint32(0), h.PSN)
	require.Equal(t, payload, got)

	decoded := DecodeNTFPayload(got)
	require.Equal(t, uint32(7), decoded.NewVersion)
}

func TestEncodeDecodeDataRoundTrip(t *testing.T) {
	fileSize := uint32(4096)
	tpn := TotalPacketNumber(fileSize)
	require.Equal(t, uint32(3), tpn)

	chunk := make([]byte, MaxPayload)
	for i := range chunk {
		chunk[i] = byte(i)
	}
	buf := EncodeData(ServerParticipantID, ClientParticipantID, fileSize, 0, chunk)

	h, got, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, KindDATA, h.XID)
	require.Equal(t, tpn, h.TPN)
	require.Equal(t, fileSize, h.TPL)
	require.Equal(t, uint32(0), h.PSN)
	require.Equal(t, chunk, got)
}

func TestDecodeRejectsBadCRC(t *testing.T) {
	buf := EncodeControl(KindCHK, ClientParticipantID, ServerParticipantID, CHKPayload{CurVersion: 1}.Encode())
	buf[len(buf)-1] ^= 0xFF // corrupt trailing payload byte without touching header shape

	_, _, err := Decode(buf)
	require.Error(t, err)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	h := Header{Magic: ^Magic, SPID: ClientParticipantID, DPID: ServerParticipantID, XID: KindCHK, TPN: 1, TPL: chkPayloadSize, PL: chkPayloadSize}
	buf := Encode(h, CHKPayload{CurVersion: 1}.Encode())

	_, _, err := Decode(buf)
	require.Error(t, err)
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	buf := EncodeControl(KindRDY, ClientParticipantID, ServerParticipantID, RDYPayload{NewVersion: 1, FileLength: 10, IPGUs: 100}.Encode())
	truncated := buf[:len(buf)-2]

	_, _, err := Decode(truncated)
	require.Error(t, err)
}

func TestDecodeRejectsPSNNotLessThanTPN(t *testing.T) {
	h := Header{Magic: Magic, SPID: ServerParticipantID, DPID: ClientParticipantID, XID: KindDATA, TPN: 2, TPL: 100, PSN: 2, PL: 0}
	buf := Encode(h, nil)

	_, _, err := Decode(buf)
	require.Error(t, err)
}

func TestTerminalPayloadLen(t *testing.T) {
	require.Equal(t, uint32(MaxPayload), TerminalPayloadLen(uint32(MaxPayload)*2))
	require.Equal(t, uint32(1280), TerminalPayloadLen(4096))
	require.Equal(t, uint32(1408), TerminalPayloadLen(1408))
}

func TestTotalPacketNumber(t *testing.T) {
	require.Equal(t, uint32(1), TotalPacketNumber(0))
	require.Equal(t, uint32(1), TotalPacketNumber(1))
	require.Equal(t, uint32(1), TotalPacketNumber(MaxPayload))
	require.Equal(t, uint32(2), TotalPacketNumber(MaxPayload+1))
}

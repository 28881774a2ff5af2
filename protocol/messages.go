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

import "encoding/binary"

// Per-kind payload structs and their fixed encoded sizes (spec section 3.2).
// Fields are encoded little-endian in declaration order, packed with no
// padding, the same explicit-offset style as the header codec in protocol.go.

const (
	ntfPayloadSize  = 4
	chkPayloadSize  = 4
	infoPayloadSize = 12
	rdyPayloadSize  = 12
	rtxPayloadSize  = 4
	donePayloadSize = 12
	finPayloadSize  = 0
	cxlPayloadSize  = 0
)

// NTFPayload announces a pending transfer's version.
type NTFPayload struct {
	NewVersion uint32
}

// Encode returns the wire payload for an NTF message.
func (p NTFPayload) Encode() []byte {
	buf := make([]byte, ntfPayloadSize)
	binary.LittleEndian.PutUint32(buf[0:], p.NewVersion)
	return buf
}

// DecodeNTFPayload parses an NTF payload previously validated for length.
func DecodeNTFPayload(buf []byte) NTFPayload {
	return NTFPayload{NewVersion: binary.LittleEndian.Uint32(buf[0:])}
}

// CHKPayload echoes the client's currently held version.
type CHKPayload struct {
	CurVersion uint32
}

// Encode returns the wire payload for a CHK message.
func (p CHKPayload) Encode() []byte {
	buf := make([]byte, chkPayloadSize)
	binary.LittleEndian.PutUint32(buf[0:], p.CurVersion)
	return buf
}

// DecodeCHKPayload parses a CHK payload previously validated for length.
func DecodeCHKPayload(buf []byte) CHKPayload {
	return CHKPayload{CurVersion: binary.LittleEndian.Uint32(buf[0:])}
}

// INFOPayload describes the file about to be transferred.
type INFOPayload struct {
	NewVersion uint32
	FileLength uint32
	CRC32      uint32
}

// Encode returns the wire payload for an INFO message.
func (p INFOPayload) Encode() []byte {
	buf := make([]byte, infoPayloadSize)
	binary.LittleEndian.PutUint32(buf[0:], p.NewVersion)
	binary.LittleEndian.PutUint32(buf[4:], p.FileLength)
	binary.LittleEndian.PutUint32(buf[8:], p.CRC32)
	return buf
}

// DecodeINFOPayload parses an INFO payload previously validated for length.
func DecodeINFOPayload(buf []byte) INFOPayload {
	return INFOPayload{
		NewVersion: binary.LittleEndian.Uint32(buf[0:]),
		FileLength: binary.LittleEndian.Uint32(buf[4:]),
		CRC32:      binary.LittleEndian.Uint32(buf[8:]),
	}
}

// RDYPayload is the client's acceptance of an announced transfer.
type RDYPayload struct {
	NewVersion uint32
	FileLength uint32
	IPGUs      uint32
}

// Encode returns the wire payload for a RDY message.
func (p RDYPayload) Encode() []byte {
	buf := make([]byte, rdyPayloadSize)
	binary.LittleEndian.PutUint32(buf[0:], p.NewVersion)
	binary.LittleEndian.PutUint32(buf[4:], p.FileLength)
	binary.LittleEndian.PutUint32(buf[8:], p.IPGUs)
	return buf
}

// DecodeRDYPayload parses a RDY payload previously validated for length.
func DecodeRDYPayload(buf []byte) RDYPayload {
	return RDYPayload{
		NewVersion: binary.LittleEndian.Uint32(buf[0:]),
		FileLength: binary.LittleEndian.Uint32(buf[4:]),
		IPGUs:      binary.LittleEndian.Uint32(buf[8:]),
	}
}

// RTXPayload requests retransmission starting at the given sequence number.
type RTXPayload struct {
	RetransmitPSN uint32
}

// Encode returns the wire payload for an RTX message.
func (p RTXPayload) Encode() []byte {
	buf := make([]byte, rtxPayloadSize)
	binary.LittleEndian.PutUint32(buf[0:], p.RetransmitPSN)
	return buf
}

// DecodeRTXPayload parses an RTX payload previously validated for length.
func DecodeRTXPayload(buf []byte) RTXPayload {
	return RTXPayload{RetransmitPSN: binary.LittleEndian.Uint32(buf[0:])}
}

// DONEPayload is the client's claim that it received and verified the file.
type DONEPayload struct {
	NewVersion uint32
	FileLength uint32
	CRC32      uint32
}

// Encode returns the wire payload for a DONE message.
func (p DONEPayload) Encode() []byte {
	buf := make([]byte, donePayloadSize)
	binary.LittleEndian.PutUint32(buf[0:], p.NewVersion)
	binary.LittleEndian.PutUint32(buf[4:], p.FileLength)
	binary.LittleEndian.PutUint32(buf[8:], p.CRC32)
	return buf
}

// DecodeDONEPayload parses a DONE payload previously validated for length.
func DecodeDONEPayload(buf []byte) DONEPayload {
	return DONEPayload{
		NewVersion: binary.LittleEndian.Uint32(buf[0:]),
		FileLength: binary.LittleEndian.Uint32(buf[4:]),
		CRC32:      binary.LittleEndian.Uint32(buf[8:]),
	}
}

// expectedPayloadLen returns the exact payload size a kind must carry, or
// -1 for DATA whose length is geometry-dependent rather than fixed.
func expectedPayloadLen(kind MessageKind) int {
	switch kind {
	case KindNTF:
		return ntfPayloadSize
	case KindCHK:
		return chkPayloadSize
	case KindINFO:
		return infoPayloadSize
	case KindRDY:
		return rdyPayloadSize
	case KindRTX:
		return rtxPayloadSize
	case KindDONE:
		return donePayloadSize
	case KindFIN:
		return finPayloadSize
	case KindCXL:
		return cxlPayloadSize
	case KindDATA:
		return -1
	default:
		return -1
	}
}

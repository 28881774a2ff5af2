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

// Package protocol implements the TRFTP wire format: a fixed, packed,
// little-endian datagram header shared by all nine message kinds, plus
// CRC32 framing over the whole datagram.
//
// Encoding and decoding work on explicit byte offsets via encoding/binary,
// the same way the teacher's PTP header codec avoids struct-reinterpretation
// hazards across platforms.
package protocol

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Magic is the constant that opens every TRFTP datagram ("ROBL").
const Magic uint32 = 0x524F424C

// Participant ids used in the spid/dpid header fields.
const (
	ServerParticipantID uint16 = 0xFD00
	ClientParticipantID uint16 = 0x0000
)

// MaxPayload is the largest payload a single datagram may carry.
const MaxPayload = 1408

// HeaderSize is the fixed size of the TRFTP header in bytes.
const HeaderSize = 32

// MaxDatagram is the largest possible TRFTP datagram.
const MaxDatagram = HeaderSize + MaxPayload

// MessageKind identifies the nine TRFTP message kinds (the xid field).
type MessageKind uint32

// Message kind values, see spec section 3.2.
const (
	KindNTF  MessageKind = 0x4500000F
	KindCHK  MessageKind = 0x45FD0001
	KindINFO MessageKind = 0x45FD0002
	KindRDY  MessageKind = 0x45FD0003
	KindDATA MessageKind = 0x45FD000D
	KindRTX  MessageKind = 0x45FD000E
	KindDONE MessageKind = 0x45FD000F
	KindFIN  MessageKind = 0x45FD000A
	KindCXL  MessageKind = 0x45FD000C
)

var kindNames = map[MessageKind]string{
	KindNTF:  "NTF",
	KindCHK:  "CHK",
	KindINFO: "INFO",
	KindRDY:  "RDY",
	KindDATA: "DATA",
	KindRTX:  "RTX",
	KindDONE: "DONE",
	KindFIN:  "FIN",
	KindCXL:  "CXL",
}

// String implements fmt.Stringer.
func (k MessageKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN(0x%08x)", uint32(k))
}

// Header is the common TRFTP datagram header (spec section 3.1).
type Header struct {
	Magic uint32
	SPID  uint16
	DPID  uint16
	TPN   uint32
	TPL   uint32
	XID   MessageKind
	CRC32 uint32
	PSN   uint32
	PL    uint32
}

// encodeHeader writes h into buf[:HeaderSize], little-endian.
func encodeHeader(h *Header, buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], h.Magic)
	binary.LittleEndian.PutUint16(buf[4:], h.SPID)
	binary.LittleEndian.PutUint16(buf[6:], h.DPID)
	binary.LittleEndian.PutUint32(buf[8:], h.TPN)
	binary.LittleEndian.PutUint32(buf[12:], h.TPL)
	binary.LittleEndian.PutUint32(buf[16:], uint32(h.XID))
	binary.LittleEndian.PutUint32(buf[20:], h.CRC32)
	binary.LittleEndian.PutUint32(buf[24:], h.PSN)
	binary.LittleEndian.PutUint32(buf[28:], h.PL)
}

// decodeHeader reads a Header from buf[:HeaderSize].
func decodeHeader(buf []byte) Header {
	return Header{
		Magic: binary.LittleEndian.Uint32(buf[0:]),
		SPID:  binary.LittleEndian.Uint16(buf[4:]),
		DPID:  binary.LittleEndian.Uint16(buf[6:]),
		TPN:   binary.LittleEndian.Uint32(buf[8:]),
		TPL:   binary.LittleEndian.Uint32(buf[12:]),
		XID:   MessageKind(binary.LittleEndian.Uint32(buf[16:])),
		CRC32: binary.LittleEndian.Uint32(buf[20:]),
		PSN:   binary.LittleEndian.Uint32(buf[24:]),
		PL:    binary.LittleEndian.Uint32(buf[28:]),
	}
}

// checksum computes CRC32 (IEEE 802.3 reflected polynomial) over buf with
// the header's crc32 field (offset 20..24) treated as zero, without
// mutating buf.
func checksum(buf []byte) uint32 {
	if len(buf) < HeaderSize {
		return crc32.ChecksumIEEE(buf)
	}
	// Avoid allocating a full copy of the datagram for every checksum:
	// checksum the header up to the crc32 field, the four zero bytes that
	// replace it, and the remainder, as three pieces through one table.
	tbl := crc32.IEEETable
	c := crc32.Update(0, tbl, buf[:20])
	c = crc32.Update(c, tbl, []byte{0, 0, 0, 0})
	c = crc32.Update(c, tbl, buf[24:])
	return c
}

// Encode builds a complete TRFTP datagram for header h and payload, taking
// h's tpn/tpl/psn/pl as given (that bookkeeping is left to the caller) and
// computing CRC32 last. The returned slice is HeaderSize+len(payload) bytes.
func Encode(h Header, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	h.CRC32 = 0
	encodeHeader(&h, buf)
	copy(buf[HeaderSize:], payload)
	h.CRC32 = checksum(buf)
	encodeHeader(&h, buf)
	return buf
}

// Decode parses a received datagram, verifying CRC32, magic, the declared
// length, and 0 <= psn < tpn (spec section 4.1, invariant list in section
// 3.3). It never mutates buf. On any violation it returns an error and the
// caller must drop the datagram without responding (spec section 4.2).
func Decode(buf []byte) (Header, []byte, error) {
	if len(buf) < HeaderSize {
		return Header{}, nil, fmt.Errorf("protocol: datagram shorter than header (%d bytes)", len(buf))
	}

	h := decodeHeader(buf)

	if want, got := checksum(buf), h.CRC32; want != got {
		return Header{}, nil, fmt.Errorf("protocol: crc32 mismatch (want %08x, got %08x)", want, got)
	}

	if h.Magic != Magic {
		return Header{}, nil, fmt.Errorf("protocol: bad magic %08x", h.Magic)
	}

	if len(buf) != HeaderSize+int(h.PL) {
		return Header{}, nil, fmt.Errorf("protocol: length mismatch (declared pl=%d, have %d payload bytes)", h.PL, len(buf)-HeaderSize)
	}

	if h.TPN <= h.PSN {
		return Header{}, nil, fmt.Errorf("protocol: psn (%d) not less than tpn (%d)", h.PSN, h.TPN)
	}

	return h, buf[HeaderSize:], nil
}

// totalPacketNumber returns ceil(size / MaxPayload), with a floor of 1.
func totalPacketNumber(size uint32) uint32 {
	if size == 0 {
		return 1
	}
	return (size + MaxPayload - 1) / MaxPayload
}

// EncodeControl builds a non-DATA datagram: tpn=1, tpl=pl=len(payload), psn=0.
func EncodeControl(kind MessageKind, spid, dpid uint16, payload []byte) []byte {
	h := Header{
		Magic: Magic,
		SPID:  spid,
		DPID:  dpid,
		XID:   kind,
		TPN:   1,
		TPL:   uint32(len(payload)),
		PSN:   0,
		PL:    uint32(len(payload)),
	}
	return Encode(h, payload)
}

// EncodeData builds a DATA datagram for sequence psn of a transfer of total
// size fileSize, per spec section 4.6.
func EncodeData(spid, dpid uint16, fileSize, psn uint32, chunk []byte) []byte {
	tpn := totalPacketNumber(fileSize)
	h := Header{
		Magic: Magic,
		SPID:  spid,
		DPID:  dpid,
		XID:   KindDATA,
		TPN:   tpn,
		TPL:   fileSize,
		PSN:   psn,
		PL:    uint32(len(chunk)),
	}
	return Encode(h, chunk)
}

// TotalPacketNumber exposes totalPacketNumber for components outside this
// package that need to compute tpn from a file size (spec section 3.3).
func TotalPacketNumber(size uint32) uint32 {
	return totalPacketNumber(size)
}

// TerminalPayloadLen returns the payload length of the last DATA packet of
// a transfer of the given size (spec section 3.3 invariant on pl_last).
func TerminalPayloadLen(size uint32) uint32 {
	last := size % MaxPayload
	if last == 0 {
		return MaxPayload
	}
	return last
}

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
	"fmt"
	"hash/crc32"
	"io"
	"net"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/shkwon98/trftp/netio"
	"github.com/shkwon98/trftp/protocol"
)

// fixedStagingName is reused across transactions, matching the original
// ClientTransaction's constructor: the staging path is recreated, not
// renamed, on every new transfer.
const fixedStagingName = "trftp_staged_file"

// state mirrors the server's, but for the client side (spec section 4.4):
// idle (zero value), CHK, RDY, DATA, DONE. NTF/FIN/CXL are transient
// transitions rather than long-lived waits, so they are not held as state.
type state int

const (
	stateIdle state = iota
	stateCHK
	stateRDY
	stateData
	stateDone
)

var stateNames = map[state]string{
	stateIdle: "IDLE",
	stateCHK:  "CHK",
	stateRDY:  "RDY",
	stateData: "DATA",
	stateDone: "DONE",
}

func (s state) String() string { return stateNames[s] }

// transaction is the client's single active inbound transfer.
type transaction struct {
	endpoint *netio.Endpoint
	peer     *net.UDPAddr
	onFile   func(path string, version uint32)
	jitter   *jitterTracker

	state state

	announcedVersion uint32
	fileLength       uint32
	fileCRC          uint32
	tpn              uint32
	expectedPSN      uint32

	stagingPath string
	stagingFile *os.File
}

func newTransaction(endpoint *netio.Endpoint, peer *net.UDPAddr, onFile func(string, uint32)) *transaction {
	return &transaction{
		endpoint:    endpoint,
		peer:        peer,
		onFile:      onFile,
		jitter:      newJitterTracker(),
		stagingPath: fixedStagingPath(),
	}
}

func fixedStagingPath() string {
	return os.TempDir() + string(os.PathSeparator) + fixedStagingName
}

// reset tears down any in-flight staging state, matching
// ClientTransaction::Reset() in the original.
func (t *transaction) reset() {
	if t.stagingFile != nil {
		t.stagingFile.Close()
		t.stagingFile = nil
	}
	t.state = stateIdle
	t.expectedPSN = 0
	t.jitter.Reset()
}

func (t *transaction) send(kind protocol.MessageKind, payload []byte) error {
	buf := protocol.EncodeControl(kind, protocol.ClientParticipantID, protocol.ServerParticipantID, payload)
	if err := t.endpoint.Send(buf, t.peer); err != nil {
		return err
	}
	logSent(kind)
	return nil
}

// abort sends CXL, deletes the staging file, and returns to idle, per
// spec section 4.4's CXL handling and section 4.7's local-fatal policy.
func (t *transaction) abort(reason string) {
	log.Warnf("client: aborting transaction: %s", reason)
	if t.stagingFile != nil {
		t.stagingFile.Close()
		t.stagingFile = nil
	}
	if t.stagingPath != "" {
		os.Remove(t.stagingPath)
	}
	_ = t.send(protocol.KindCXL, nil)
	t.state = stateIdle
}

// begin handles an inbound NTF: only valid while idle (a live transaction
// discards duplicate NTFs at the dispatcher, per spec section 4.4).
func (t *transaction) begin(payload []byte) {
	if err := protocol.ValidatePayloadLen(protocol.KindNTF, payload); err != nil {
		log.Debugf("client: dropping NTF: %v", err)
		return
	}
	t.reset()
	ntf := protocol.DecodeNTFPayload(payload)
	t.announcedVersion = ntf.NewVersion
	logReceive(protocol.KindNTF)

	f, err := os.Create(t.stagingPath)
	if err != nil {
		t.abort(fmt.Sprintf("open staging file: %v", err))
		return
	}
	t.stagingFile = f

	if err := t.send(protocol.KindCHK, protocol.CHKPayload{CurVersion: t.announcedVersion}.Encode()); err != nil {
		t.abort(fmt.Sprintf("send CHK: %v", err))
		return
	}
	t.state = stateCHK
}

func (t *transaction) onReceive(h protocol.Header, payload []byte) {
	switch h.XID {
	case protocol.KindINFO:
		t.onINFO(payload)
	case protocol.KindDATA:
		t.onDATA(h, payload)
	case protocol.KindFIN:
		t.onFIN(payload)
	case protocol.KindCXL:
		logReceive(protocol.KindCXL)
		if t.stagingFile != nil {
			t.stagingFile.Close()
			t.stagingFile = nil
		}
		os.Remove(t.stagingPath)
		_ = t.send(protocol.KindCXL, nil)
		t.state = stateIdle
	default:
		t.abort(fmt.Sprintf("unexpected message %s in state %s", h.XID, t.state))
	}
}

func (t *transaction) onINFO(payload []byte) {
	if t.state != stateCHK {
		t.abort(fmt.Sprintf("INFO received outside CHK state (%s)", t.state))
		return
	}
	if err := protocol.ValidatePayloadLen(protocol.KindINFO, payload); err != nil {
		log.Debugf("client: dropping INFO: %v", err)
		return
	}
	info := protocol.DecodeINFOPayload(payload)
	if info.NewVersion != t.announcedVersion {
		t.abort(fmt.Sprintf("INFO version %d disagrees with announced %d", info.NewVersion, t.announcedVersion))
		return
	}
	if info.FileLength == 0 {
		t.abort("INFO announces zero file length")
		return
	}
	logReceive(protocol.KindINFO)

	t.fileLength = info.FileLength
	t.fileCRC = info.CRC32
	t.tpn = protocol.TotalPacketNumber(info.FileLength)
	t.expectedPSN = 0

	rdy := protocol.RDYPayload{NewVersion: info.NewVersion, FileLength: info.FileLength, IPGUs: protocol.IPGMin}
	if err := t.send(protocol.KindRDY, rdy.Encode()); err != nil {
		t.abort(fmt.Sprintf("send RDY: %v", err))
		return
	}
	t.state = stateRDY
}

func (t *transaction) onDATA(h protocol.Header, payload []byte) {
	if t.state != stateRDY && t.state != stateData {
		t.abort(fmt.Sprintf("DATA received outside RDY/DATA state (%s)", t.state))
		return
	}
	if err := protocol.ValidateData(h, payload); err != nil {
		log.Debugf("client: dropping DATA: %v", err)
		return
	}

	t.jitter.Observe(time.Now())

	if h.PSN != t.expectedPSN {
		if err := t.send(protocol.KindRTX, protocol.RTXPayload{RetransmitPSN: t.expectedPSN}.Encode()); err != nil {
			t.abort(fmt.Sprintf("send RTX: %v", err))
		}
		return
	}

	if _, err := t.stagingFile.WriteAt(payload, int64(h.PSN)*protocol.MaxPayload); err != nil {
		t.abort(fmt.Sprintf("write staging file: %v", err))
		return
	}
	t.state = stateData
	t.expectedPSN++

	if t.expectedPSN < t.tpn {
		return
	}

	t.finishReceiving()
}

// finishReceiving verifies the completed staging file and reports back.
func (t *transaction) finishReceiving() {
	if err := t.stagingFile.Close(); err != nil {
		t.stagingFile = nil
		t.abort(fmt.Sprintf("close staging file: %v", err))
		return
	}
	t.stagingFile = nil

	size, gotCRC, err := fileSizeAndCRC(t.stagingPath)
	if err != nil {
		t.abort(fmt.Sprintf("verify staging file: %v", err))
		return
	}
	if size != t.fileLength || gotCRC != t.fileCRC {
		t.abort(fmt.Sprintf("staging file mismatch: size %d/%d crc %08x/%08x", size, t.fileLength, gotCRC, t.fileCRC))
		return
	}

	log.Infof("client: DATA inter-arrival gap mean=%.0fus stddev=%.0fus", t.jitter.MeanUs(), t.jitter.StddevUs())

	done := protocol.DONEPayload{NewVersion: t.announcedVersion, FileLength: t.fileLength, CRC32: t.fileCRC}
	if err := t.send(protocol.KindDONE, done.Encode()); err != nil {
		t.abort(fmt.Sprintf("send DONE: %v", err))
		return
	}
	t.state = stateDone
}

func (t *transaction) onFIN(payload []byte) {
	if t.state != stateDone {
		t.abort(fmt.Sprintf("FIN received outside DONE state (%s)", t.state))
		return
	}
	if err := protocol.ValidatePayloadLen(protocol.KindFIN, payload); err != nil {
		log.Debugf("client: dropping FIN: %v", err)
		return
	}
	logReceive(protocol.KindFIN)
	t.state = stateIdle
	if t.onFile != nil {
		t.onFile(t.stagingPath, t.announcedVersion)
	}
}

func fileSizeAndCRC(path string) (uint32, uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, 0, err
	}

	h := crc32.NewIEEE()
	if _, err := io.Copy(h, f); err != nil {
		return 0, 0, err
	}

	return uint32(info.Size()), h.Sum32(), nil
}

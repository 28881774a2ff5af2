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
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"

	"github.com/shkwon98/trftp/netio"
	"github.com/shkwon98/trftp/protocol"
)

// noRetransmit is the sentinel value for an empty retransmission slot
// (spec section 5, "single atomic value with a sentinel empty = u32::MAX").
const noRetransmit = math.MaxUint32

// Device identifies which device on the client side a transfer targets,
// forwarded into the wire dpid field (spec.md §6, restored from the
// original's server_transaction.h constructor).
type Device struct {
	ID uint16
}

// Transaction is one server-side outbound transfer, keyed by the client's
// IP in the server's active-transactions map.
type Transaction struct {
	endpoint *netio.Endpoint
	peer     *net.UDPAddr
	device   Device
	stats    Stats
	log      *log.Entry

	filePath string
	version  uint32
	size     uint32
	fileCRC  uint32
	tpn      uint32

	cfg Config

	mu     sync.Mutex
	cond   *sync.Cond
	status protocol.MessageKind

	psn            uint32 // atomic: current server sequence number
	retransmitSlot uint32 // atomic: noRetransmit when empty
	ipgUs          uint32 // atomic
}

// NewTransaction stats filePath to learn its size and CRC32, then builds
// a transaction in the initial NTF state.
func NewTransaction(endpoint *netio.Endpoint, peer *net.UDPAddr, filePath string, version uint32, device Device, cfg Config, stats Stats) (*Transaction, error) {
	size, fileCRC, err := fileSizeAndCRC(filePath)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	t := &Transaction{
		endpoint:       endpoint,
		peer:           peer,
		device:         device,
		stats:          stats,
		log:            log.WithField("peer", peer.IP.String()),
		filePath:       filePath,
		version:        version,
		size:           size,
		fileCRC:        fileCRC,
		tpn:            protocol.TotalPacketNumber(size),
		cfg:            cfg,
		status:         protocol.KindNTF,
		retransmitSlot: noRetransmit,
		ipgUs:          cfg.IPGMinUs,
	}
	t.cond = sync.NewCond(&t.mu)
	return t, nil
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

// Status returns the transaction's current state.
func (t *Transaction) Status() protocol.MessageKind {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Transaction) setStatus(kind protocol.MessageKind) {
	t.mu.Lock()
	t.status = kind
	t.cond.Broadcast()
	t.mu.Unlock()
}

// WaitForStatus blocks until the status becomes one of want, or timeout
// elapses, mirroring the original's condition-variable WaitForStatus. A
// sync.Cond has no native deadline, so a timer broadcasts once on expiry,
// the common Go adaptation of a timed condition wait.
func (t *Transaction) WaitForStatus(timeout time.Duration, want ...protocol.MessageKind) (protocol.MessageKind, bool) {
	deadline := time.Now().Add(timeout)

	t.mu.Lock()
	defer t.mu.Unlock()

	for !containsKind(t.status, want) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return t.status, false
		}
		timer := time.AfterFunc(remaining, func() {
			t.mu.Lock()
			t.cond.Broadcast()
			t.mu.Unlock()
		})
		t.cond.Wait()
		timer.Stop()
	}
	return t.status, true
}

func containsKind(k protocol.MessageKind, set []protocol.MessageKind) bool {
	for _, s := range set {
		if s == k {
			return true
		}
	}
	return false
}

// send emits a non-DATA control message from spid=server to the peer.
func (t *Transaction) send(kind protocol.MessageKind, payload []byte) error {
	buf := protocol.EncodeControl(kind, protocol.ServerParticipantID, t.device.ID, payload)
	if err := t.endpoint.Send(buf, t.peer); err != nil {
		return err
	}
	t.stats.IncTX(kind)
	logSent(kind, t.peer)
	return nil
}

func logSent(kind protocol.MessageKind, peer *net.UDPAddr) {
	log.Infof(color.GreenString("server -> %s: %s", peer, kind))
}

func logReceive(kind protocol.MessageKind, peer *net.UDPAddr) {
	log.Infof(color.BlueString("%s -> server: %s", peer, kind))
}

// SendMessage advances the transaction by sending kind, valid only for
// NTF, INFO, FIN, CXL, and DATA (which instead launches the paced sender
// and returns immediately), per the original's SendMessage restriction.
func (t *Transaction) SendMessage(kind protocol.MessageKind) error {
	switch kind {
	case protocol.KindNTF:
		if err := t.send(kind, protocol.NTFPayload{NewVersion: t.version}.Encode()); err != nil {
			return err
		}
		t.setStatus(protocol.KindNTF)
		return nil

	case protocol.KindINFO:
		payload := protocol.INFOPayload{NewVersion: t.version, FileLength: t.size, CRC32: t.fileCRC}.Encode()
		if err := t.send(kind, payload); err != nil {
			return err
		}
		t.setStatus(protocol.KindINFO)
		return nil

	case protocol.KindFIN:
		if err := t.send(kind, nil); err != nil {
			return err
		}
		t.setStatus(protocol.KindFIN)
		return nil

	case protocol.KindCXL:
		if err := t.send(kind, nil); err != nil {
			return err
		}
		t.setStatus(protocol.KindCXL)
		return nil

	case protocol.KindDATA:
		t.setStatus(protocol.KindDATA)
		go t.runPacedSender()
		return nil

	default:
		return fmt.Errorf("server: SendMessage invalid for %s", kind)
	}
}

// OnReceive dispatches an inbound datagram per the server's state machine
// (spec section 4.3). Validation failures are dropped silently; wrong-state
// receipts abort the transaction with CXL.
func (t *Transaction) OnReceive(h protocol.Header, payload []byte) {
	t.stats.IncRX(h.XID)
	logReceive(h.XID, t.peer)

	switch h.XID {
	case protocol.KindCHK:
		t.onCHK(payload)
	case protocol.KindRDY:
		t.onRDY(payload)
	case protocol.KindRTX:
		t.onRTX(payload)
	case protocol.KindDONE:
		t.onDONE(payload)
	case protocol.KindCXL:
		t.log.Info("received CXL, aborting transfer")
		t.setStatus(protocol.KindCXL)
	default:
		t.log.Warnf("unexpected message %s in state %s, aborting", h.XID, t.Status())
		_ = t.SendMessage(protocol.KindCXL)
	}
}

func (t *Transaction) onCHK(payload []byte) {
	if t.Status() != protocol.KindNTF {
		t.log.Warnf("CHK received outside NTF state (%s), aborting", t.Status())
		_ = t.SendMessage(protocol.KindCXL)
		return
	}
	if err := protocol.ValidatePayloadLen(protocol.KindCHK, payload); err != nil {
		t.stats.IncDropped("bad_length")
		t.log.Debugf("dropping CHK: %v", err)
		return
	}
	if err := t.SendMessage(protocol.KindINFO); err != nil {
		t.log.Errorf("failed to send INFO: %v", err)
	}
}

func (t *Transaction) onRDY(payload []byte) {
	if t.Status() != protocol.KindINFO {
		t.log.Warnf("RDY received outside INFO state (%s), aborting", t.Status())
		_ = t.SendMessage(protocol.KindCXL)
		return
	}
	if err := protocol.ValidatePayloadLen(protocol.KindRDY, payload); err != nil {
		t.stats.IncDropped("bad_length")
		t.log.Debugf("dropping RDY: %v", err)
		return
	}
	rdy := protocol.DecodeRDYPayload(payload)
	atomic.StoreUint32(&t.ipgUs, protocol.ClampIPGRange(rdy.IPGUs, t.cfg.IPGMinUs, t.cfg.IPGMaxUs))
	if err := t.SendMessage(protocol.KindDATA); err != nil {
		t.log.Errorf("failed to start DATA: %v", err)
	}
}

func (t *Transaction) onRTX(payload []byte) {
	if t.Status() != protocol.KindDATA {
		t.log.Warnf("RTX received outside DATA state (%s), aborting", t.Status())
		_ = t.SendMessage(protocol.KindCXL)
		return
	}
	if err := protocol.ValidatePayloadLen(protocol.KindRTX, payload); err != nil {
		t.stats.IncDropped("bad_length")
		return
	}
	rtx := protocol.DecodeRTXPayload(payload)
	current := atomic.LoadUint32(&t.psn)
	if err := protocol.ValidateRTX(rtx, current); err != nil {
		t.stats.IncDropped("bad_rtx")
		t.log.Debugf("dropping RTX: %v", err)
		return
	}
	// Overwrite any earlier unobserved request; only the latest matters.
	atomic.StoreUint32(&t.retransmitSlot, rtx.RetransmitPSN)
	t.stats.IncRetransmit()
}

func (t *Transaction) onDONE(payload []byte) {
	if t.Status() != protocol.KindDATA {
		t.log.Warnf("DONE received outside DATA state (%s), aborting", t.Status())
		_ = t.SendMessage(protocol.KindCXL)
		return
	}
	if err := protocol.ValidatePayloadLen(protocol.KindDONE, payload); err != nil {
		t.stats.IncDropped("bad_length")
		return
	}
	got := protocol.DecodeDONEPayload(payload)
	announced := protocol.DONEPayload{NewVersion: t.version, FileLength: t.size, CRC32: t.fileCRC}
	if err := protocol.ValidateDone(got, announced); err != nil {
		// Mismatch is a silent drop, not a CXL (spec section 4.2 and
		// section 9's "keep drop-only semantics" resolution).
		t.stats.IncDropped("done_mismatch")
		t.log.Debugf("dropping DONE: %v", err)
		return
	}
	t.setStatus(protocol.KindDONE)
}

// takeRetransmitSlot atomically consumes the retransmission slot if armed.
func (t *Transaction) takeRetransmitSlot() (uint32, bool) {
	for {
		cur := atomic.LoadUint32(&t.retransmitSlot)
		if cur == noRetransmit {
			return 0, false
		}
		if atomic.CompareAndSwapUint32(&t.retransmitSlot, cur, noRetransmit) {
			return cur, true
		}
	}
}

// runPacedSender streams the file as DATA datagrams, honoring a single
// retransmission rewind per spec section 4.3/9, then waits for DONE or CXL.
func (t *Transaction) runPacedSender() {
	f, err := os.Open(t.filePath)
	if err != nil {
		t.log.Errorf("paced sender: open: %v", err)
		_ = t.SendMessage(protocol.KindCXL)
		return
	}
	defer f.Close()

	for psn := uint32(0); psn < t.tpn; {
		if t.Status() == protocol.KindCXL {
			return
		}

		if slot, ok := t.takeRetransmitSlot(); ok {
			psn = slot
		}

		start := time.Now()

		chunkLen := protocol.MaxPayload
		if psn+1 == t.tpn {
			chunkLen = int(protocol.TerminalPayloadLen(t.size))
		}
		chunk := make([]byte, chunkLen)
		if _, err := f.ReadAt(chunk, int64(psn)*protocol.MaxPayload); err != nil && err != io.EOF {
			t.log.Errorf("paced sender: read at psn %d: %v", psn, err)
			_ = t.SendMessage(protocol.KindCXL)
			return
		}

		buf := protocol.EncodeData(protocol.ServerParticipantID, t.device.ID, t.size, psn, chunk)
		if err := t.endpoint.Send(buf, t.peer); err != nil {
			t.log.Errorf("paced sender: send psn %d: %v", psn, err)
			_ = t.SendMessage(protocol.KindCXL)
			return
		}
		t.stats.IncTX(protocol.KindDATA)
		atomic.StoreUint32(&t.psn, psn)

		ipg := time.Duration(atomic.LoadUint32(&t.ipgUs)) * time.Microsecond
		if elapsed := time.Since(start); elapsed < ipg {
			time.Sleep(ipg - elapsed)
		}

		psn++
	}

	status, ok := t.WaitForStatus(t.cfg.DoneTimeout, protocol.KindDONE, protocol.KindCXL)
	if !ok {
		t.log.Warn("timed out waiting for DONE")
		_ = t.SendMessage(protocol.KindCXL)
		return
	}
	if status == protocol.KindCXL {
		return
	}
	if err := t.SendMessage(protocol.KindFIN); err != nil {
		t.log.Errorf("failed to send FIN: %v", err)
	}
}

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

// Package netio wraps a plain UDP socket with the receive-timeout and
// empty-on-timeout contract TRFTP's dispatchers rely on. It deliberately
// stays on net.UDPConn rather than raw sockets: nothing in TRFTP needs
// hardware or software transmit timestamps, so the extra control a raw
// socket buys is unneeded weight.
package netio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"
)

// DefaultReceiveTimeout matches the reference UdpSocket's default.
const DefaultReceiveTimeout = 100 * time.Millisecond

// Endpoint is a bound UDP socket with a mutable receive timeout and a
// send path serialized against concurrent callers (the dispatcher and a
// transaction's paced sender may both send on the same endpoint).
type Endpoint struct {
	conn    *net.UDPConn
	timeout time.Duration
	sendMu  sync.Mutex
}

// Open binds 0.0.0.0:port (port == 0 picks an ephemeral port) with
// SO_REUSEADDR set, matching the original UdpSocket constructor, and sets
// the default receive timeout.
func Open(port int) (*Endpoint, error) {
	lc := net.ListenConfig{Control: setReuseAddr}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("netio: listen: %w", err)
	}
	conn := pc.(*net.UDPConn)
	e := &Endpoint{conn: conn, timeout: DefaultReceiveTimeout}
	if err := e.conn.SetReadDeadline(time.Now().Add(e.timeout)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("netio: set initial read deadline: %w", err)
	}
	return e, nil
}

// setReuseAddr sets SO_REUSEADDR on the raw socket before bind, via the
// stdlib syscall package rather than golang.org/x/sys/unix: TRFTP only
// needs this one option, not the timestamping control that justifies the
// teacher's raw-socket dependency elsewhere.
func setReuseAddr(network, address string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return sockErr
}

// LocalAddr returns the endpoint's bound local address.
func (e *Endpoint) LocalAddr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

// SetReceiveTimeout reconfigures the timeout applied to subsequent Receive
// calls.
func (e *Endpoint) SetReceiveTimeout(d time.Duration) {
	e.timeout = d
}

// Receive reads one datagram. On timeout it returns a nil buffer, a nil
// address, and a nil error — callers loop and continue rather than treat
// a timeout as failure, mirroring the reference socket's 0-length-read
// timeout convention.
func (e *Endpoint) Receive() ([]byte, *net.UDPAddr, error) {
	if err := e.conn.SetReadDeadline(time.Now().Add(e.timeout)); err != nil {
		return nil, nil, fmt.Errorf("netio: set read deadline: %w", err)
	}

	buf := make([]byte, 65536)
	n, addr, err := e.conn.ReadFromUDP(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("netio: receive: %w", err)
	}
	return buf[:n], addr, nil
}

// Send writes one datagram to addr. Errors are fatal to the caller, per
// the protocol's failure semantics for network send. Serialized so the
// dispatcher and a transaction's paced sender can share one endpoint.
func (e *Endpoint) Send(buf []byte, addr *net.UDPAddr) error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if _, err := e.conn.WriteToUDP(buf, addr); err != nil {
		return fmt.Errorf("netio: send: %w", err)
	}
	return nil
}

// Close releases the underlying socket.
func (e *Endpoint) Close() error {
	return e.conn.Close()
}

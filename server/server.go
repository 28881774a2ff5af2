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

// Package server implements the TRFTP server side: a single UDP endpoint,
// a dispatcher that demultiplexes inbound datagrams to the active
// transaction for their peer IP, and the public StartTransfer/Abort entry
// points.
package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/shkwon98/trftp/netio"
	"github.com/shkwon98/trftp/protocol"
)

var errDuplicateTransaction = fmt.Errorf("server: transaction already active for this client IP")

// Server owns one UDP endpoint and the map of active outbound transfers,
// keyed by client IP only (spec section 3.3 — "not port").
type Server struct {
	cfg      Config
	stats    Stats
	endpoint *netio.Endpoint

	mu           sync.Mutex
	transactions map[string]*Transaction
}

// New builds a Server bound to cfg.BindPort. Call Start to run its
// dispatcher before issuing any StartTransfer calls.
func New(cfg Config, stats Stats) (*Server, error) {
	if stats == nil {
		stats = noopStats{}
	}
	endpoint, err := netio.Open(cfg.BindPort)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	endpoint.SetReceiveTimeout(cfg.ReceiveTimeout)

	return &Server{
		cfg:          cfg,
		stats:        stats,
		endpoint:     endpoint,
		transactions: make(map[string]*Transaction),
	}, nil
}

// Start runs the dispatcher loop until ctx is canceled, supervised by an
// errgroup the way ptp/sptp/client.RunOnce supervises its goroutines.
func (s *Server) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.dispatch(ctx)
	})
	return g.Wait()
}

func (s *Server) dispatch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		buf, addr, err := s.endpoint.Receive()
		if err != nil {
			return fmt.Errorf("server: dispatch: %w", err)
		}
		if buf == nil {
			continue // receive timeout, keep polling for ctx cancellation
		}

		h, payload, err := protocol.Decode(buf)
		if err != nil {
			s.stats.IncDropped("invalid")
			log.Debugf("server: dropping malformed datagram from %s: %v", addr, err)
			continue
		}

		t := s.transactionFor(addr)
		if t == nil {
			s.stats.IncDropped("unknown_peer")
			log.Warnf("server: datagram from unrecognized peer %s, dropping", addr)
			continue
		}
		t.OnReceive(h, payload)
	}
}

func (s *Server) transactionFor(addr *net.UDPAddr) *Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transactions[addr.IP.String()]
}

// StartTransfer pushes filePath (announced as version) to the peer named
// by clientURI ("ip:port"), returning the terminal status per spec
// section 6: NTF (peer absent), CXL (aborted), FIN (success).
func (s *Server) StartTransfer(clientURI, filePath string, version uint32, device Device) (protocol.MessageKind, error) {
	addr, err := parseClientURI(clientURI)
	if err != nil {
		return 0, err
	}
	if _, err := os.Stat(filePath); err != nil {
		return 0, fmt.Errorf("server: %w", err)
	}

	if err := s.register(addr); err != nil {
		return 0, err
	}
	defer s.unregister(addr)

	t, err := NewTransaction(s.endpoint, addr, filePath, version, device, s.cfg, s.stats)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.transactions[addr.IP.String()] = t
	s.mu.Unlock()
	s.stats.SetActiveTransactions(len(s.transactions))

	if err := t.SendMessage(protocol.KindNTF); err != nil {
		return 0, fmt.Errorf("server: %w", err)
	}
	if status, ok := t.WaitForStatus(s.cfg.NegotiationTimeout, protocol.KindINFO, protocol.KindCXL); !ok {
		return protocol.KindNTF, nil // peer never answered the notification
	} else if status == protocol.KindCXL {
		return protocol.KindCXL, nil
	}

	if status, ok := t.WaitForStatus(s.cfg.NegotiationTimeout, protocol.KindDATA, protocol.KindCXL); !ok {
		_ = t.SendMessage(protocol.KindCXL)
		return protocol.KindCXL, nil
	} else if status == protocol.KindCXL {
		return protocol.KindCXL, nil
	}

	status, ok := t.WaitForStatus(s.cfg.DoneTimeout+s.cfg.NegotiationTimeout, protocol.KindFIN, protocol.KindCXL)
	if !ok {
		_ = t.SendMessage(protocol.KindCXL)
		return protocol.KindCXL, nil
	}
	return status, nil
}

// Abort sends CXL to the active transaction for clientIP, if any.
func (s *Server) Abort(clientIP string) error {
	s.mu.Lock()
	t, ok := s.transactions[clientIP]
	s.mu.Unlock()
	if !ok || t == nil {
		return fmt.Errorf("server: no active transaction for %s", clientIP)
	}
	return t.SendMessage(protocol.KindCXL)
}

func (s *Server) register(addr *net.UDPAddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.transactions[addr.IP.String()]; exists {
		return errDuplicateTransaction
	}
	s.transactions[addr.IP.String()] = nil // placeholder reserving the slot
	return nil
}

func (s *Server) unregister(addr *net.UDPAddr) {
	s.mu.Lock()
	delete(s.transactions, addr.IP.String())
	s.mu.Unlock()
	s.stats.SetActiveTransactions(len(s.transactions))
}

// Close releases the server's UDP endpoint.
func (s *Server) Close() error {
	return s.endpoint.Close()
}

func parseClientURI(uri string) (*net.UDPAddr, error) {
	host, portStr, found := strings.Cut(uri, ":")
	if !found {
		return nil, fmt.Errorf("server: malformed client uri %q, want ip:port", uri)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("server: invalid client ip %q", host)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("server: invalid client port %q: %w", portStr, err)
	}
	return &net.UDPAddr{IP: ip, Port: port}, nil
}

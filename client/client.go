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

// Package client implements the TRFTP client side: one UDP endpoint, at
// most one live inbound transfer at a time, and a callback invoked once a
// file has been fully received and verified.
package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/shkwon98/trftp/netio"
	"github.com/shkwon98/trftp/protocol"
)

// DefaultReceiveTimeout matches the original ClientTransaction's read
// timeout; exceeding it with no datagram aborts the active transfer.
const DefaultReceiveTimeout = 3 * time.Second

// Config configures a Client.
type Config struct {
	Port           int
	ReceiveTimeout time.Duration
}

// DefaultConfig returns sane defaults matching the original reference.
func DefaultConfig(port int) Config {
	return Config{Port: port, ReceiveTimeout: DefaultReceiveTimeout}
}

// Client listens on one UDP port and holds at most one active inbound
// transfer. A newly arriving NTF while one is alive is discarded by the
// dispatcher (spec section 2, "at most one active inbound transaction").
type Client struct {
	cfg      Config
	endpoint *netio.Endpoint

	active  *transaction
	handler func(path string, version uint32)
}

// New binds a Client to cfg.Port.
func New(cfg Config) (*Client, error) {
	endpoint, err := netio.Open(cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	endpoint.SetReceiveTimeout(cfg.ReceiveTimeout)
	return &Client{cfg: cfg, endpoint: endpoint}, nil
}

// AttachHandler registers fn to run when a file transfer completes.
func (c *Client) AttachHandler(fn func(path string, version uint32)) {
	c.handler = fn
}

// DetachHandler removes any previously registered handler.
func (c *Client) DetachHandler() {
	c.handler = nil
}

// LocalAddr returns the client's bound local address.
func (c *Client) LocalAddr() *net.UDPAddr {
	return c.endpoint.LocalAddr()
}

// Close releases the client's UDP endpoint.
func (c *Client) Close() error {
	return c.endpoint.Close()
}

// Run dispatches inbound datagrams until ctx is canceled, supervised by an
// errgroup the way ptp/simpleclient.runInternal drives its receive loop.
func (c *Client) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.dispatch(ctx)
	})
	return g.Wait()
}

func (c *Client) dispatch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		buf, addr, err := c.endpoint.Receive()
		if err != nil {
			return fmt.Errorf("client: dispatch: %w", err)
		}
		if buf == nil {
			c.checkIdleTimeout()
			continue
		}

		h, payload, err := protocol.Decode(buf)
		if err != nil {
			log.Debugf("client: dropping malformed datagram from %s: %v", addr, err)
			continue
		}

		if h.XID == protocol.KindNTF {
			if c.active != nil && c.active.state != stateIdle {
				log.Warnf("client: discarding NTF from %s, a transaction is already active", addr)
				continue
			}
			c.active = newTransaction(c.endpoint, addr, c.handler)
			c.active.begin(payload)
			continue
		}

		if c.active == nil || c.active.state == stateIdle {
			log.Debugf("client: discarding %s with no active transaction", h.XID)
			continue
		}
		c.active.onReceive(h, payload)
	}
}

// checkIdleTimeout aborts the active transfer on a receive timeout, per
// spec section 4.4's "no datagram for the configured window" rule. The
// endpoint's own timeout already matches cfg.ReceiveTimeout, so any empty
// Receive while a transaction is live means the window elapsed.
func (c *Client) checkIdleTimeout() {
	if c.active != nil && c.active.state != stateIdle {
		c.active.abort("receive timeout")
	}
}

func logSent(kind protocol.MessageKind) {
	log.Infof(color.GreenString("client -> %s", kind))
}

func logReceive(kind protocol.MessageKind) {
	log.Infof(color.BlueString("server -> %s", kind))
}

// Copyright (c) 2022 The rcproxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package async implements an asynchronous RESP connection: a per-endpoint
// Context that submits commands against a node.List of candidate endpoints
// over an ae.Loop, reconnecting through the list on an involuntary drop or
// a cluster MOVED redirect.
//
// A Context is not safe for concurrent use. Every exported method is meant
// to run on the goroutine that pumps the owning ae.Loop; confining a
// Context to one goroutine, or serializing access to it, is the caller's
// responsibility.
package async

import (
	"net"
	"strconv"

	"github.com/valyala/bytebufferpool"

	"aeredis/ae"
	"aeredis/async/aerr"
	"aeredis/internal/logging"
	"aeredis/node"
	"aeredis/resp"
)

// Reply is the parsed RESP reply delivered to a Callback.
type Reply = resp.Reply

// ConnectCallback fires once a connect attempt resolves, successfully or
// not. err is nil on success.
type ConnectCallback func(ctx *Context, err error)

// DisconnectCallback fires once a connected Context finally tears down —
// voluntarily, or because every node in the list was exhausted after an
// involuntary drop.
type DisconnectCallback func(ctx *Context, err error)

// flags is the per-context state bitset.
type flags uint8

const (
	flagConnected flags = 1 << iota
	flagBlock
	flagDisconnecting
	flagInCallback
	flagFreeing
)

// Context is the asynchronous connection state machine.
type Context struct {
	nodes    node.List
	registry node.Registry
	loop     *ae.Loop
	slot     *ae.Slot
	fd       int
	attached bool

	f flags

	reader         *resp.Reader
	outbuf         *bytebufferpool.ByteBuffer
	queue          callbackQueue
	everOnline     bool
	pendingDone    bool
	reconnectCount uint64

	onConnect    ConnectCallback
	onDisconnect DisconnectCallback

	lastErr error

	metrics *metrics
}

// NewContext creates a disconnected context with an empty node list. Command
// submission is legal immediately — everything queues in the output buffer
// until Attach completes the first connect.
func NewContext() *Context {
	return &Context{
		fd: -1,
		f:  flagBlock,
	}
}

// Connect appends the master endpoint, the head of the node list. Calling
// it more than once appends additional masters, which is unusual but not
// rejected — AddSlave is the intended way to grow the list past the first
// entry.
func (c *Context) Connect(host string, port int) error {
	return c.addEndpoint(host, port, node.Master)
}

// AddSlave appends an additional failover candidate.
func (c *Context) AddSlave(host string, port int) error {
	return c.addEndpoint(host, port, node.Slave)
}

func (c *Context) addEndpoint(host string, port int, role node.Role) error {
	network, ip, err := resolveEndpoint(host)
	if err != nil {
		return aerr.Wrap(aerr.Other, err, "resolve endpoint")
	}
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))
	n := c.nodes.Append(network, addr, role)
	c.registry.Put(n)
	return nil
}

// Lookup finds a registered candidate by its "ip:port" address in O(1),
// for callers (the admin HTTP surface) that have an address rather than a
// position in the failover list.
func (c *Context) Lookup(address string) (*node.Node, bool) {
	return c.registry.Get(address)
}

// Attach binds the context to loop and starts the first connect attempt
// against the head of the node list.
func (c *Context) Attach(loop *ae.Loop, onConnect ConnectCallback, onDisconnect DisconnectCallback) error {
	if c.attached {
		return aerr.ErrAlreadyAttached
	}
	if c.nodes.Empty() {
		return aerr.ErrEmptyNodes
	}
	c.loop = loop
	c.onConnect = onConnect
	c.onDisconnect = onDisconnect
	c.attached = true
	if err := c.connectLoop(); err != nil {
		c.lastErr = aerr.Wrap(aerr.Other, err, "connect exhausted node list")
		c.finish()
	}
	return nil
}

// Detach forces the context closed, draining any pending callbacks with a
// nil reply and invoking onDisconnect exactly once if it was ever connected.
// Calling Detach on a context that was never attached, or detaching twice,
// is a no-op.
func (c *Context) Detach() {
	if !c.attached || c.f&flagFreeing != 0 {
		return
	}
	c.f |= flagDisconnecting
	c.teardown(nil)
}

// Disconnect requests a graceful teardown. Submitting further commands
// after Disconnect fails with aerr.ErrDisconnecting. A context with no
// socket and nothing pending tears down at once. With a socket open, the
// teardown happens on a later read event: when a reply leaves the pending
// queue empty, or when the peer closes the connection; an open connection
// with nothing pending stays up until one of those happens. Called from
// inside a callback, Disconnect tears down as soon as the outermost
// callback returns, answering every still-pending command with a nil reply.
func (c *Context) Disconnect() {
	if c.f&flagDisconnecting != 0 {
		return
	}
	c.f |= flagDisconnecting
	if c.f&flagInCallback != 0 {
		c.pendingDone = true
		return
	}
	// Only idle, with no in-flight slot and nothing left pending, can close
	// immediately. Otherwise the connection stays up and processCallbacks
	// tears it down for real once the reader reports the queue has drained
	// naturally.
	if c.slot == nil && c.queue.Empty() {
		c.teardown(nil)
	}
}

// CommandArgv submits a command built from argv, delivering its reply to cb.
// privdata is handed back to cb unexamined.
func (c *Context) CommandArgv(argv [][]byte, cb Callback, privdata interface{}) error {
	return c.submit(resp.FormatArgv(nil, argv), cb, privdata)
}

// FormattedCommand submits a pre-encoded RESP command, for callers that
// already have the wire bytes.
func (c *Context) FormattedCommand(encoded []byte, cb Callback, privdata interface{}) error {
	buf := make([]byte, len(encoded))
	copy(buf, encoded)
	return c.submit(buf, cb, privdata)
}

func (c *Context) submit(encoded []byte, cb Callback, privdata interface{}) error {
	if c.f&flagDisconnecting != 0 {
		return aerr.ErrDisconnecting
	}
	if c.outbuf == nil {
		c.outbuf = bytebufferpool.Get()
	}
	_, _ = c.outbuf.Write(encoded)
	c.queue.PushTail(pendingCallback{fn: cb, privdata: privdata})
	if c.metrics != nil {
		c.metrics.commandsSubmitted.Inc()
	}

	if c.f&flagBlock == 0 {
		c.f |= flagBlock
		if c.slot != nil {
			if err := c.loop.EnableWrite(c.slot); err != nil {
				logging.Warnf("async: enable write: %s", err)
			}
		}
		c.loop.PostSynthetic(c.handleWrite)
	}
	return nil
}

// Nodes exposes the failover list for introspection (the admin HTTP
// /nodes endpoint).
func (c *Context) Nodes() []*node.Node { return c.nodes.Snapshot() }

// Connected reports whether the context currently has an established
// connection.
func (c *Context) Connected() bool { return c.f&flagConnected != 0 }

// QueueDepth reports how many submitted commands are still awaiting a
// reply, for the admin HTTP /stats endpoint.
func (c *Context) QueueDepth() int { return c.queue.Len() }

// ReconnectCount reports how many times this context has completed a
// connect, including the first one and every reconnect after a drop.
func (c *Context) ReconnectCount() uint64 { return c.reconnectCount }

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

package async

import (
	"net"
	"strconv"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"

	"aeredis/async/aerr"
	"aeredis/internal/logging"
	"aeredis/node"
	"aeredis/resp"
)

// readChunk is the per-HandleReadable recv size: a fixed-size buffer rather
// than one sized to the next message, since the size of what's coming is
// not known until it's parsed.
const readChunk = 16 * 1024

// connectLoop walks the node list via node.List.SelectNext, creating a
// socket and kicking off a non-blocking connect against each candidate
// until one accepts a connect attempt or the list is exhausted. It is the
// single entry point used both for the first connect under Attach and for
// reconnecting after an involuntary drop.
//
// connectLoop returns nil once a candidate accepts a connect attempt
// (pending or immediate), or the node list's exhaustion error once every
// candidate has been tried.
func (c *Context) connectLoop() error {
	for {
		n, err := c.nodes.SelectNext()
		if err != nil {
			return err
		}

		fd, err := createSocket(n)
		if err != nil {
			logging.Debugf("async: create socket for %s: %s", n.Address, err)
			continue
		}

		slot, err := c.loop.Register(fd, c, true)
		if err != nil {
			_ = unix.Close(fd)
			logging.Warnf("async: register fd for %s: %s", n.Address, err)
			continue
		}

		sa, err := sockaddrFor(n)
		if err != nil {
			c.loop.Deregister(slot)
			_ = unix.Close(fd)
			continue
		}

		err = unix.Connect(fd, sa)
		if err != nil && err != unix.EINPROGRESS {
			c.loop.Deregister(slot)
			_ = unix.Close(fd)
			logging.Debugf("async: connect to %s: %s", n.Address, err)
			continue
		}

		c.fd = fd
		c.slot = slot
		c.lastErr = nil
		return nil
	}
}

// createSocket opens a non-blocking TCP socket for n: TCP_NODELAY, and
// non-blocking mode set explicitly via SetNonblock after creation rather
// than an atomic open flag, so the fd is portable to both pollers.
//
// It also binds the socket to the wildcard address before connecting. An
// overlapped ConnectEx-style API requires that bind up front; plain POSIX
// connect() does not, but the bind is harmless on an ephemeral port and
// keeps the sequencing identical across platforms.
func createSocket(n *node.Node) (int, error) {
	family := unix.AF_INET
	if n.Network == "tcp6" {
		family = unix.AF_INET6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, aerr.Wrap(aerr.IO, err, "socket")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, aerr.Wrap(aerr.IO, err, "set nonblocking")
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	var wildcard unix.Sockaddr
	if family == unix.AF_INET6 {
		wildcard = &unix.SockaddrInet6{}
	} else {
		wildcard = &unix.SockaddrInet4{}
	}
	if err := unix.Bind(fd, wildcard); err != nil {
		_ = unix.Close(fd)
		return -1, aerr.Wrap(aerr.IO, err, "bind wildcard")
	}

	return fd, nil
}

func sockaddrFor(n *node.Node) (unix.Sockaddr, error) {
	host, portStr, err := net.SplitHostPort(n.Address)
	if err != nil {
		return nil, aerr.Wrap(aerr.Other, err, "split host port")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, aerr.Wrap(aerr.Other, err, "parse port")
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, aerr.New(aerr.Other, "invalid resolved address "+n.Address)
	}
	if n.Network == "tcp6" {
		var addr [16]byte
		copy(addr[:], ip.To16())
		return &unix.SockaddrInet6{Port: port, Addr: addr}, nil
	}
	var addr [4]byte
	copy(addr[:], ip.To4())
	return &unix.SockaddrInet4{Port: port, Addr: addr}, nil
}

// HandleConnectable implements ae.Handler: the connect-completion path. It
// is invoked exactly once per socket, the first time it becomes writable
// after a non-blocking connect.
func (c *Context) HandleConnectable() {
	errno, err := unix.GetsockoptInt(c.slot.Fd(), unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || errno != 0 {
		var cause error
		if err != nil {
			cause = err
		} else {
			cause = unix.Errno(errno)
		}
		c.lastErr = aerr.Wrap(aerr.IO, cause, "connect")
		c.teardown(c.lastErr)
		return
	}

	c.reader = resp.NewReader()
	c.f |= flagConnected
	c.everOnline = true
	c.nodes.ResetRetries()
	c.reconnectCount++
	if c.metrics != nil {
		c.metrics.reconnects.Inc()
	}

	if c.onConnect != nil {
		c.invokeCallback(func() { c.onConnect(c, nil) })
	}
	if c.f&flagFreeing != 0 {
		return
	}

	// Flush whatever was queued before the connect completed, or clear
	// BLOCK if nothing was submitted yet.
	c.handleWrite()
}

// HandleReadable implements ae.Handler.
func (c *Context) HandleReadable() {
	var buf [readChunk]byte
	n, err := unix.Read(c.slot.Fd(), buf[:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		c.teardown(aerr.Wrap(aerr.IO, err, "read"))
		return
	}
	if n == 0 {
		c.teardown(aerr.New(aerr.EOF, "connection closed by peer"))
		return
	}

	if err := c.reader.Feed(buf[:n]); err != nil {
		c.teardown(aerr.Wrap(aerr.Protocol, err, "feed"))
		return
	}

	if err := c.processCallbacks(); err != nil {
		c.teardown(err)
		return
	}
}

// processCallbacks drains every complete reply currently buffered in the
// reader, matching each to the oldest pending callback in strict FIFO
// order.
//
// An error-typed reply that arrives with no callback at the head of the
// queue, or whose text is a MOVED redirect, is treated as a spontaneous
// protocol-level error rather than delivered to a waiting callback: it
// never advances the queue. This is also how a server-side condition with
// no request behind it (max clients reached, dataset still loading) shows
// up: the server sends the error and then closes the connection, so this
// must close it first rather than let an EOF overwrite the error. Either
// case marks the current node as tried and forces a reconnect to the next
// candidate in the node list; a MOVED's destination address is not
// resolved directly — a cluster slot-map is out of scope here.
//
// Once DISCONNECTING is set and the reader reports no more buffered
// replies with the pending queue empty, that is the cue that the drain
// Disconnect deferred is complete, and this tears the connection down for
// real.
func (c *Context) processCallbacks() error {
	for {
		reply, err := c.reader.GetReply()
		if err != nil {
			return aerr.Wrap(aerr.Protocol, err, "parse reply")
		}
		if reply == nil {
			if c.f&flagDisconnecting != 0 && c.queue.Empty() {
				c.teardown(nil)
			}
			return nil // need more bytes, or the drain above already tore it down
		}

		movedAddr, isMoved := reply.IsMoved()
		if reply.Type == resp.ErrorReply && (c.queue.Empty() || isMoved) {
			if isMoved {
				logging.Debugf("async: MOVED redirect to %s", movedAddr)
			} else {
				logging.Warnf("async: spontaneous error reply with empty pending queue: %s", reply.Str)
			}
			if head := c.nodes.Head(); head != nil {
				head.RetryCount++
			}
			return aerr.New(aerr.Other, "server error: "+reply.Str)
		}

		cb, ok := c.queue.PopHead()
		if !ok {
			logging.Warnf("async: unsolicited reply with empty pending queue")
			continue
		}
		if c.metrics != nil {
			c.metrics.repliesDispatched.Inc()
		}
		if cb.fn != nil {
			c.invokeCallback(func() { cb.fn(c, reply, cb.privdata) })
			if c.f&flagFreeing != 0 {
				return nil
			}
		}
	}
}

// invokeCallback runs fn with IN_CALLBACK set, saving and restoring the
// previous value rather than assuming it was clear beforehand. That matters
// when callbacks nest — a user callback that itself calls Disconnect or
// triggers another dispatch while an outer invocation is still unwinding —
// so the outer frame's IN_CALLBACK state survives the inner one.
func (c *Context) invokeCallback(fn func()) {
	prev := c.f & flagInCallback
	c.f |= flagInCallback
	fn()
	c.f = (c.f &^ flagInCallback) | prev
	if c.f&flagInCallback == 0 && c.pendingDone {
		c.pendingDone = false
		c.teardown(nil)
	}
}

// HandleWritable implements ae.Handler.
func (c *Context) HandleWritable() {
	c.handleWrite()
}

// handleWrite attempts to flush the entire output buffer in a single
// syscall. An overlapped send has no notion of resuming mid-frame, and this
// implementation keeps that simplification rather than introducing a
// separate resumable-framing design, so a short write tears the connection
// down exactly like a write error would.
func (c *Context) handleWrite() {
	if c.outbuf == nil || c.outbuf.Len() == 0 {
		c.f &^= flagBlock
		if c.slot != nil {
			_ = c.loop.DisableWrite(c.slot)
		}
		return
	}
	if c.slot == nil {
		return // not yet connected; stays queued until HandleConnectable flushes
	}

	pending := c.outbuf.Bytes()
	n, err := unix.Write(c.slot.Fd(), pending)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			if e := c.loop.EnableWrite(c.slot); e != nil {
				logging.Warnf("async: enable write: %s", e)
			}
			return
		}
		c.teardown(aerr.Wrap(aerr.IO, err, "write"))
		return
	}
	if n != len(pending) {
		c.teardown(aerr.New(aerr.IO, "partial write, connection torn down"))
		return
	}

	c.outbuf.Reset()
	bytebufferpool.Put(c.outbuf)
	c.outbuf = nil
	c.f &^= flagBlock
	if err := c.loop.DisableWrite(c.slot); err != nil {
		logging.Warnf("async: disable write: %s", err)
	}
}

// closeSlot deregisters and closes the current socket, if any, invalidating
// fd and slot.
func (c *Context) closeSlot() {
	if c.slot != nil {
		c.loop.Deregister(c.slot)
		_ = unix.Close(c.slot.Fd())
		c.slot = nil
	}
	c.fd = -1
	c.f &^= flagConnected
}

// drainPendingWithNil invokes every still-pending callback with a nil
// reply: every submitted command is answered exactly once, with a nil
// reply standing in for "never got a real one".
func (c *Context) drainPendingWithNil() {
	for {
		cb, ok := c.queue.PopHead()
		if !ok {
			return
		}
		if cb.fn != nil {
			c.invokeCallback(func() { cb.fn(c, nil, cb.privdata) })
		}
	}
}

// teardown is the single path every error and every voluntary
// Disconnect/Detach funnels through.
//
// An involuntary drop (the peer closed the socket, or a read/write/connect
// error, while DISCONNECTING was never requested) first tries to reconnect
// to the next candidate in the node list with the pending queue left
// untouched. The queue is only drained with nil replies once reconnection
// is impossible or the teardown was requested voluntarily.
func (c *Context) teardown(reason error) {
	if reason != nil {
		c.lastErr = reason
	}
	voluntary := c.f&flagDisconnecting != 0
	wasConnected := c.f&flagConnected != 0
	c.closeSlot()

	// Retry the next node on any involuntary teardown: a connect that
	// failed asynchronously (SO_ERROR after a pending EINPROGRESS) and a
	// drop of an already-established connection are both "this candidate
	// didn't work out, try the next one" from the node list's perspective.
	if !voluntary {
		// A successful connect reset every retry counter; mark the dropped
		// head as tried so SelectNext moves past it.
		if head := c.nodes.Head(); wasConnected && head != nil && head.RetryCount < 1 {
			head.RetryCount++
		}
		if err := c.connectLoop(); err == nil {
			return // reconnect attempt under way, queue preserved
		}
	}

	c.finish()
}

// finish drains the pending-callback queue with nil replies, releases the
// output buffer and reader, and either defers or performs the final free.
// It is the common tail of every path that gives up on the node list
// entirely: a voluntary Disconnect/Detach, an involuntary drop with no
// candidate left to retry, and exhausting the node list on the very first
// connect attempt under Attach.
func (c *Context) finish() {
	c.drainPendingWithNil()
	if c.outbuf != nil {
		c.outbuf.Reset()
		bytebufferpool.Put(c.outbuf)
		c.outbuf = nil
	}
	if c.reader != nil {
		c.reader.Free()
		c.reader = nil
	}

	if c.f&flagInCallback != 0 {
		c.pendingDone = true
		return
	}
	c.finalize()
}

// finalize invokes the terminal user hook and marks the context freed.
// onDisconnect fires if the context ever reached CONNECTED; otherwise
// onConnect fires with the failure, since the context never got far enough
// to be meaningfully "disconnected".
func (c *Context) finalize() {
	if c.everOnline {
		if c.onDisconnect != nil {
			c.onDisconnect(c, c.lastErr)
		}
	} else if c.onConnect != nil {
		err := c.lastErr
		if err == nil {
			err = aerr.New(aerr.Other, "disconnected before connect completed")
		}
		c.onConnect(c, err)
	}
	c.nodes = node.List{}
	c.f |= flagFreeing
}

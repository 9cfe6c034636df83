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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aeredis/ae"
	"aeredis/async/aerr"
	"aeredis/node"
)

// startFakeServer listens on loopback and runs handle once per accepted
// connection, in its own goroutine.
func startFakeServer(t *testing.T, handle func(net.Conn)) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

// closedPort reserves and immediately releases a loopback port, so connects
// against it fail fast with "connection refused".
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func pumpUntil(t *testing.T, loop *ae.Loop, done func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !done() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for condition")
		}
		if _, err := loop.Pump(ae.FlagsDontWait); err != nil {
			t.Fatalf("pump: %s", err)
		}
		time.Sleep(time.Millisecond)
	}
}

func Test_Context_ConnectAndCommand_RoundTrips(t *testing.T) {
	host, port := startFakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 256)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		_, _ = conn.Write([]byte("+PONG\r\n"))
	})

	loop, err := ae.NewLoop(8)
	require.NoError(t, err)
	defer loop.Close()

	ctx := NewContext()
	require.NoError(t, ctx.Connect(host, port))

	var connectErr error
	connected := false
	require.NoError(t, ctx.Attach(loop, func(_ *Context, err error) {
		connectErr = err
		connected = true
	}, nil))
	pumpUntil(t, loop, func() bool { return connected }, 2*time.Second)
	require.NoError(t, connectErr)
	assert.True(t, ctx.Connected())

	var reply *Reply
	got := false
	require.NoError(t, ctx.CommandArgv([][]byte{[]byte("PING")}, func(_ *Context, r *Reply, _ interface{}) {
		reply = r
		got = true
	}, nil))
	pumpUntil(t, loop, func() bool { return got }, 2*time.Second)

	require.NotNil(t, reply)
	assert.Equal(t, "PONG", reply.Str)
}

func Test_Context_Pipeline_DispatchesInFIFOOrder(t *testing.T) {
	host, port := startFakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 512)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		// Both replies land in a single write, exercising the reader's
		// ability to carve more than one reply out of one readable event.
		_, _ = conn.Write([]byte("+first\r\n+second\r\n"))
	})

	loop, err := ae.NewLoop(8)
	require.NoError(t, err)
	defer loop.Close()

	ctx := NewContext()
	require.NoError(t, ctx.Connect(host, port))

	connected := false
	require.NoError(t, ctx.Attach(loop, func(_ *Context, err error) {
		require.NoError(t, err)
		connected = true
	}, nil))

	var order []string
	require.NoError(t, ctx.CommandArgv([][]byte{[]byte("GET"), []byte("a")}, func(_ *Context, r *Reply, _ interface{}) {
		order = append(order, r.Str)
	}, nil))
	require.NoError(t, ctx.CommandArgv([][]byte{[]byte("GET"), []byte("b")}, func(_ *Context, r *Reply, _ interface{}) {
		order = append(order, r.Str)
	}, nil))

	pumpUntil(t, loop, func() bool { return connected && len(order) == 2 }, 2*time.Second)
	assert.Equal(t, []string{"first", "second"}, order)
}

func Test_Context_NodeExhaustion_ReportsConnectError(t *testing.T) {
	loop, err := ae.NewLoop(8)
	require.NoError(t, err)
	defer loop.Close()

	ctx := NewContext()
	require.NoError(t, ctx.Connect("127.0.0.1", closedPort(t)))
	require.NoError(t, ctx.AddSlave("127.0.0.1", closedPort(t)))

	var connectErr error
	done := false
	require.NoError(t, ctx.Attach(loop, func(_ *Context, err error) {
		connectErr = err
		done = true
	}, nil))
	pumpUntil(t, loop, func() bool { return done }, 2*time.Second)

	assert.Error(t, connectErr)
	assert.False(t, ctx.Connected())
}

func Test_Context_InvoluntaryDrop_ReconnectsAndPreservesQueue(t *testing.T) {
	host1, port1 := startFakeServer(t, func(conn net.Conn) {
		// Accept the TCP handshake, then drop the connection without
		// reading or answering anything queued against it.
		_ = conn.Close()
	})
	host2, port2 := startFakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 256)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
			_, _ = conn.Write([]byte("+OK\r\n"))
		}
	})

	loop, err := ae.NewLoop(8)
	require.NoError(t, err)
	defer loop.Close()

	ctx := NewContext()
	require.NoError(t, ctx.Connect(host1, port1))
	require.NoError(t, ctx.AddSlave(host2, port2))

	connectCount := 0
	disconnected := false
	require.NoError(t, ctx.Attach(loop, func(_ *Context, err error) {
		if err == nil {
			connectCount++
		}
	}, func(_ *Context, _ error) {
		disconnected = true
	}))

	answered := false
	require.NoError(t, ctx.CommandArgv([][]byte{[]byte("GET"), []byte("k")}, func(_ *Context, _ *Reply, _ interface{}) {
		answered = true
	}, nil))

	pumpUntil(t, loop, func() bool { return connectCount >= 2 }, 3*time.Second)

	assert.True(t, ctx.Connected())
	assert.False(t, disconnected)
	assert.False(t, answered, "a command in flight when the server drops is not auto-resubmitted")
}

func Test_Context_Detach_IsIdempotentAndFiresOnDisconnectOnce(t *testing.T) {
	host, port := startFakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 64)
		_, _ = conn.Read(buf)
	})

	loop, err := ae.NewLoop(8)
	require.NoError(t, err)
	defer loop.Close()

	ctx := NewContext()
	require.NoError(t, ctx.Connect(host, port))

	connected := false
	disconnectCalls := 0
	require.NoError(t, ctx.Attach(loop, func(_ *Context, err error) {
		require.NoError(t, err)
		connected = true
	}, func(_ *Context, _ error) {
		disconnectCalls++
	}))
	pumpUntil(t, loop, func() bool { return connected }, 2*time.Second)

	ctx.Detach()
	assert.Equal(t, 1, disconnectCalls)
	assert.False(t, ctx.Connected())

	ctx.Detach()
	assert.Equal(t, 1, disconnectCalls)
}

func Test_Context_Submit_AfterDisconnect_Fails(t *testing.T) {
	host, port := startFakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 64)
		_, _ = conn.Read(buf)
	})

	loop, err := ae.NewLoop(8)
	require.NoError(t, err)
	defer loop.Close()

	ctx := NewContext()
	require.NoError(t, ctx.Connect(host, port))

	connected := false
	require.NoError(t, ctx.Attach(loop, func(_ *Context, err error) {
		require.NoError(t, err)
		connected = true
	}, nil))
	pumpUntil(t, loop, func() bool { return connected }, 2*time.Second)

	ctx.Disconnect()

	err = ctx.CommandArgv([][]byte{[]byte("PING")}, nil, nil)
	assert.ErrorIs(t, err, aerr.ErrDisconnecting)
}

func Test_Context_AttachTwice_Fails(t *testing.T) {
	loop, err := ae.NewLoop(8)
	require.NoError(t, err)
	defer loop.Close()

	ctx := NewContext()
	require.NoError(t, ctx.Connect("127.0.0.1", closedPort(t)))
	require.NoError(t, ctx.Attach(loop, nil, nil))
	assert.ErrorIs(t, ctx.Attach(loop, nil, nil), aerr.ErrAlreadyAttached)
}

func Test_Context_Lookup_FindsRegisteredNode(t *testing.T) {
	ctx := NewContext()
	require.NoError(t, ctx.Connect("127.0.0.1", 6379))
	require.NoError(t, ctx.AddSlave("127.0.0.1", 6380))

	n, ok := ctx.Lookup("127.0.0.1:6379")
	require.True(t, ok)
	assert.Equal(t, node.Master, n.Role)

	_, ok = ctx.Lookup("127.0.0.1:9999")
	assert.False(t, ok)
}

func Test_Context_Attach_EmptyNodeList_Fails(t *testing.T) {
	loop, err := ae.NewLoop(8)
	require.NoError(t, err)
	defer loop.Close()

	ctx := NewContext()
	assert.ErrorIs(t, ctx.Attach(loop, nil, nil), aerr.ErrEmptyNodes)
}

func Test_Context_FormattedCommand_RoundTrips(t *testing.T) {
	host, port := startFakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 256)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		_, _ = conn.Write([]byte(":42\r\n"))
	})

	loop, err := ae.NewLoop(8)
	require.NoError(t, err)
	defer loop.Close()

	ctx := NewContext()
	require.NoError(t, ctx.Connect(host, port))

	connected := false
	require.NoError(t, ctx.Attach(loop, func(_ *Context, err error) {
		require.NoError(t, err)
		connected = true
	}, nil))

	var reply *Reply
	got := false
	require.NoError(t, ctx.FormattedCommand([]byte("*1\r\n$4\r\nINCR\r\n"), func(_ *Context, r *Reply, _ interface{}) {
		reply = r
		got = true
	}, nil))
	pumpUntil(t, loop, func() bool { return connected && got }, 2*time.Second)

	require.NotNil(t, reply)
	assert.EqualValues(t, 42, reply.Integer)
}

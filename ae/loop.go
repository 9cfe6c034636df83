// Copyright (c) 2022 The rcproxy Authors
// Copyright (c) 2019 Andy Pan
// Copyright (c) 2018 Joshua J Baker
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

// Package ae implements a proactor-style completion event loop: a
// fixed-capacity pool of per-descriptor file-event slots pumped by a
// platform poller (epoll on Linux, kqueue on BSD/Darwin). Overlapped-IO
// vocabulary ("slot", "completion") is mapped onto readiness-based polling:
// the poller reports read/write readiness and the driver performs the
// actual non-blocking syscall at that moment, preserving the contract that
// at most one receive and one send are ever in flight per descriptor.
package ae

import (
	"sync"

	"aeredis/async/aerr"
	"aeredis/internal/logging"
)

// Mask is the per-slot state bitset.
type Mask uint8

const (
	MaskNone       Mask = 0
	MaskAttached   Mask = 1 << 0
	MaskConnecting Mask = 1 << 1
	MaskClosing    Mask = 1 << 2
)

// PumpFlags controls how Pump waits for completions.
type PumpFlags uint8

const (
	FlagsAll PumpFlags = 0
	FlagsFile PumpFlags = 1 << iota
	FlagsTime
	FlagsDontWait
	FlagsCallAfterSleep
)

// Handler is implemented by the connection driver and invoked by the loop
// as completions are routed to their owning slot.
type Handler interface {
	// HandleConnectable fires once, the first time fd becomes writable
	// after a non-blocking connect — the readiness-model analogue of an
	// overlapped connect completion.
	HandleConnectable()
	// HandleReadable fires whenever fd is readable.
	HandleReadable()
	// HandleWritable fires whenever fd is writable and a send is pending.
	HandleWritable()
}

// Slot is the opaque per-descriptor handle returned by Register. Only the
// loop and the owning driver ever see its fields; external callers treat it
// as an opaque cookie.
type Slot struct {
	fd      int
	idx     int
	mask    Mask
	handler Handler

	writeArmed bool
}

// Fd returns the underlying file descriptor, for the driver to issue the
// actual non-blocking read/write/connect syscalls against.
func (s *Slot) Fd() int { return s.fd }

type task func()

// Loop owns the file-event slot pool and the platform poller.
type Loop struct {
	slots  []Slot
	free   []int // free slot indices, reused in lowest-index-first order
	byFd   map[int]*Slot
	maxfd  int
	poller *poller

	mu      sync.Mutex
	tasks   []task
	closing []*Slot

	metrics     metrics
	completions uint64
}

// NewLoop allocates setsize slots and opens the platform poller.
func NewLoop(setsize int) (*Loop, error) {
	if setsize <= 0 {
		return nil, aerr.New(aerr.Other, "setsize must be positive")
	}
	p, err := openPoller()
	if err != nil {
		return nil, aerr.Wrap(aerr.IO, err, "open poller")
	}
	l := &Loop{
		slots: make([]Slot, setsize),
		byFd:  make(map[int]*Slot, setsize),
		free:  make([]int, setsize),
	}
	for i := 0; i < setsize; i++ {
		l.slots[i].idx = i
		l.free[setsize-1-i] = i // Register pops from the end: lowest index first
	}
	l.poller = p
	l.metrics = newMetrics()
	if err := l.poller.watchWake(l.drainWake); err != nil {
		_ = p.close()
		return nil, aerr.Wrap(aerr.IO, err, "watch wake pipe")
	}
	return l, nil
}

// Close tears down the poller. Callers must first Deregister/close every
// attached descriptor.
func (l *Loop) Close() error {
	return l.poller.close()
}

// Register binds fd to the loop: the first free slot is claimed (lowest
// index wins), marked ATTACHED, and the fd is added to the poller's
// interest set. connecting selects whether the first readiness event
// routes to HandleConnectable (true) or HandleReadable/HandleWritable
// (false).
func (l *Loop) Register(fd int, h Handler, connecting bool) (*Slot, error) {
	if len(l.free) == 0 {
		l.metrics.registerFailures.Inc()
		return nil, aerr.ErrRegistryFull
	}
	idx := l.free[len(l.free)-1]
	l.free = l.free[:len(l.free)-1]

	s := &l.slots[idx]
	s.fd = fd
	s.handler = h
	s.mask = MaskAttached
	s.writeArmed = connecting

	mode := interestRead
	if connecting {
		s.mask |= MaskConnecting
		mode = interestReadWrite
	}
	if err := l.poller.add(fd, idx, mode); err != nil {
		s.mask = MaskNone
		l.free = append(l.free, idx)
		l.metrics.registerFailures.Inc()
		return nil, aerr.Wrap(aerr.IO, err, "register fd with poller")
	}

	l.byFd[fd] = s
	if fd > l.maxfd {
		l.maxfd = fd
	}
	l.metrics.activeSlots.Inc()
	return s, nil
}

// EnableWrite arms write-readiness interest for slot, used when a send is
// queued and the descriptor wasn't already being watched for writability.
func (l *Loop) EnableWrite(s *Slot) error {
	if s.writeArmed {
		return nil
	}
	s.writeArmed = true
	return l.poller.modify(s.fd, s.idx, interestReadWrite)
}

// DisableWrite clears write-readiness interest once the output buffer has
// drained, so the poller stops waking the loop on every writable edge.
func (l *Loop) DisableWrite(s *Slot) error {
	if !s.writeArmed {
		return nil
	}
	s.writeArmed = false
	return l.poller.modify(s.fd, s.idx, interestRead)
}

// Deregister detaches slot from the loop. The slot is always marked
// CLOSING, whether or not anything was in flight on it, and is reclaimed
// at the end of the next Pump call; until then Register cannot hand it out
// again.
func (l *Loop) Deregister(s *Slot) {
	if s.mask == MaskNone {
		return
	}
	_ = l.poller.del(s.fd)
	delete(l.byFd, s.fd)
	s.mask = MaskClosing
	l.closing = append(l.closing, s)
}

func (l *Loop) reclaim(s *Slot) {
	s.mask = MaskNone
	s.handler = nil
	s.fd = -1
	s.writeArmed = false
	// Keep l.free sorted in descending order so Register's pop from the
	// end always yields the lowest free index.
	i := len(l.free)
	l.free = append(l.free, s.idx)
	for i > 0 && l.free[i-1] < s.idx {
		l.free[i] = l.free[i-1]
		i--
	}
	l.free[i] = s.idx
	l.metrics.activeSlots.Dec()
}

// PostSynthetic enqueues fn to run on the loop's own goroutine at the next
// Pump call and wakes the loop if it is blocked. Command submission uses
// this to kick a write when the connection was otherwise idle.
func (l *Loop) PostSynthetic(fn func()) {
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	l.poller.wake()
}

func (l *Loop) drainWake() {
	l.mu.Lock()
	pending := l.tasks
	l.tasks = nil
	l.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

// Pump processes ready completions. With FlagsDontWait set it polls with a
// zero timeout; otherwise it blocks until at least one completion is ready.
// It returns the number of completions actually processed, rather than a
// sentinel like -1, so idle-with-no-descriptors unambiguously returns
// (0, nil).
func (l *Loop) Pump(flags PumpFlags) (int, error) {
	if len(l.byFd) == 0 && len(l.closing) == 0 {
		// Nothing to poll, but tasks queued by PostSynthetic still run.
		l.drainWake()
		return 0, nil
	}

	dontWait := flags&FlagsDontWait != 0
	n, err := l.poller.poll(dontWait, l.dispatch)
	if err != nil {
		return n, aerr.Wrap(aerr.IO, err, "pump")
	}

	for _, s := range l.closing {
		l.reclaim(s)
	}
	l.closing = l.closing[:0]

	l.metrics.completionsPumped.Add(float64(n))
	l.completions += uint64(n)
	return n, nil
}

// CompletionsPumped reports the running total of completions processed
// across every Pump call, for the admin HTTP /stats endpoint.
func (l *Loop) CompletionsPumped() uint64 { return l.completions }

func (l *Loop) dispatch(fd int, readable, writable bool) {
	s, ok := l.byFd[fd]
	if !ok || s.mask&MaskAttached == 0 {
		logging.Debugf("ae: stale completion for fd %d, slot already detached", fd)
		return
	}

	if writable {
		if s.mask&MaskConnecting != 0 {
			s.mask &^= MaskConnecting
			s.handler.HandleConnectable()
		} else if s.writeArmed {
			s.handler.HandleWritable()
		}
	}
	// Re-check: the connect/write handler above may have deregistered the
	// slot (a failed connect, or a fatal write) — don't route a read to a
	// handler that just tore itself down.
	if s.mask&MaskAttached == 0 {
		return
	}
	if readable {
		s.handler.HandleReadable()
	}
}

// ActiveSlots reports the number of currently attached descriptors, for
// the admin HTTP /stats surface.
func (l *Loop) ActiveSlots() int { return len(l.byFd) }

// Copyright (c) 2022 The rcproxy Authors
// Copyright (c) 2021 Andy Pan
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

//go:build freebsd || dragonfly || darwin
// +build freebsd dragonfly darwin

package ae

import (
	"os"

	"golang.org/x/sys/unix"
)

const maxKqueueEvents = 256

// poller wraps a kqueue instance: read/write interest is two independent
// EVFILT_READ/EVFILT_WRITE registrations, and the wakeup is a dedicated
// EVFILT_USER identity rather than a self-pipe.
type poller struct {
	fd     int
	events [maxKqueueEvents]unix.Kevent_t
	wakeCB func()
}

const wakeIdent = 0

func openPoller() (*poller, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, os.NewSyscallError("kqueue", err)
	}
	return &poller{fd: fd}, nil
}

func (p *poller) close() error {
	return unix.Close(p.fd)
}

func (p *poller) watchWake(cb func()) error {
	p.wakeCB = cb
	_, err := unix.Kevent(p.fd, []unix.Kevent_t{{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}, nil, nil)
	if err != nil {
		return os.NewSyscallError("kevent add wake", err)
	}
	return nil
}

func (p *poller) wake() {
	_, _ = unix.Kevent(p.fd, []unix.Kevent_t{{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Fflags: unix.NOTE_TRIGGER,
	}}, nil, nil)
}

func (p *poller) add(fd, idx int, mode interest) error {
	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD},
	}
	if mode == interestReadWrite {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD})
	}
	_, err := unix.Kevent(p.fd, changes, nil, nil)
	return err
}

func (p *poller) modify(fd, idx int, mode interest) error {
	flag := uint16(unix.EV_DELETE)
	if mode == interestReadWrite {
		flag = unix.EV_ADD
	}
	_, err := unix.Kevent(p.fd, []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flag},
	}, nil, nil)
	return err
}

func (p *poller) del(fd int) error {
	_, err := unix.Kevent(p.fd, []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}, nil, nil)
	if err != nil && err != unix.ENOENT {
		return err
	}
	return nil
}

func (p *poller) poll(dontWait bool, dispatch dispatchFn) (int, error) {
	var timeout *unix.Timespec
	if dontWait {
		timeout = &unix.Timespec{}
	}

	n, err := unix.Kevent(p.fd, nil, p.events[:], timeout)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, os.NewSyscallError("kevent wait", err)
	}

	// Coalesce EVFILT_READ/EVFILT_WRITE pairs for the same fd into one
	// dispatch call, matching epoll's combined event mask semantics.
	readable := make(map[int]bool, n)
	writable := make(map[int]bool, n)
	order := make([]int, 0, n)
	processed := 0

	for i := 0; i < n; i++ {
		ev := p.events[i]
		if ev.Filter == unix.EVFILT_USER && ev.Ident == wakeIdent {
			p.wakeCB()
			processed++
			continue
		}
		fd := int(ev.Ident)
		if _, seen := readable[fd]; !seen {
			if _, seen = writable[fd]; !seen {
				order = append(order, fd)
			}
		}
		switch ev.Filter {
		case unix.EVFILT_READ:
			readable[fd] = true
		case unix.EVFILT_WRITE:
			writable[fd] = true
		}
	}
	for _, fd := range order {
		dispatch(fd, readable[fd], writable[fd])
		processed++
	}
	return processed, nil
}

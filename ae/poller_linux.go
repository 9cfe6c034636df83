// Copyright (c) 2022 The rcproxy Authors
// Copyright (c) 2019 Andy Pan
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

//go:build linux
// +build linux

package ae

import (
	"os"

	"golang.org/x/sys/unix"

	"aeredis/internal/logging"
)

const maxEpollEvents = 256

// poller wraps an epoll instance.
type poller struct {
	fd     int
	events [maxEpollEvents]unix.EpollEvent
	wakeR  int
	wakeW  int
	wakeCB func()
}

func openPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &poller{fd: fd}, nil
}

func (p *poller) close() error {
	if p.wakeR != 0 {
		_ = unix.Close(p.wakeR)
		_ = unix.Close(p.wakeW)
	}
	return unix.Close(p.fd)
}

func (p *poller) watchWake(cb func()) error {
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return os.NewSyscallError("pipe2", err)
	}
	p.wakeR, p.wakeW = fds[0], fds[1]
	p.wakeCB = cb
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, p.wakeR, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(p.wakeR),
	})
}

func (p *poller) wake() {
	var b [1]byte
	_, err := unix.Write(p.wakeW, b[:])
	if err != nil && err != unix.EAGAIN {
		logging.Warnf("ae: failed to write wake pipe: %s", err)
	}
}

func (p *poller) drainWakePipe() {
	var buf [64]byte
	for {
		_, err := unix.Read(p.wakeR, buf[:])
		if err != nil {
			break
		}
	}
}

func toEvents(m interest) uint32 {
	if m == interestReadWrite {
		return unix.EPOLLIN | unix.EPOLLOUT
	}
	return unix.EPOLLIN
}

func (p *poller) add(fd, idx int, mode interest) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: toEvents(mode),
		Fd:     int32(fd),
	})
}

func (p *poller) modify(fd, idx int, mode interest) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: toEvents(mode),
		Fd:     int32(fd),
	})
}

func (p *poller) del(fd int) error {
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.ENOENT {
		return err
	}
	return nil
}

// poll waits for readiness and invokes dispatch once per ready descriptor,
// returning the number of descriptors processed (the wake pipe counts
// toward this total when it fires).
func (p *poller) poll(dontWait bool, dispatch dispatchFn) (int, error) {
	timeout := -1
	if dontWait {
		timeout = 0
	}

	n, err := unix.EpollWait(p.fd, p.events[:], timeout)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, os.NewSyscallError("epoll_wait", err)
	}

	processed := 0
	for i := 0; i < n; i++ {
		ev := p.events[i]
		fd := int(ev.Fd)
		if fd == p.wakeR {
			p.drainWakePipe()
			p.wakeCB()
			processed++
			continue
		}
		readable := ev.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0
		writable := ev.Events&(unix.EPOLLOUT|unix.EPOLLERR) != 0
		dispatch(fd, readable, writable)
		processed++
	}
	return processed, nil
}

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

// Callback is invoked once per submitted command, in submission order, with
// either the parsed reply or a nil reply on a connection drop that left the
// command unanswered.
type Callback func(ctx *Context, reply *Reply, privdata interface{})

type pendingCallback struct {
	fn       Callback
	privdata interface{}
}

// callbackQueue is a FIFO of pending callbacks: a singly linked list with
// head/tail pointers so PushTail and PopHead are both O(1).
type callbackQueue struct {
	head, tail *callbackNode
	n          int
}

type callbackNode struct {
	cb   pendingCallback
	next *callbackNode
}

func (q *callbackQueue) PushTail(cb pendingCallback) {
	node := &callbackNode{cb: cb}
	if q.tail == nil {
		q.head = node
		q.tail = node
	} else {
		q.tail.next = node
		q.tail = node
	}
	q.n++
}

// PopHead removes and returns the oldest pending callback. ok is false when
// the queue is empty.
func (q *callbackQueue) PopHead() (cb pendingCallback, ok bool) {
	if q.head == nil {
		return pendingCallback{}, false
	}
	cb = q.head.cb
	q.head = q.head.next
	if q.head == nil {
		q.tail = nil
	}
	q.n--
	return cb, true
}

func (q *callbackQueue) Len() int { return q.n }

func (q *callbackQueue) Empty() bool { return q.head == nil }

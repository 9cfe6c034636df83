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

package node

import (
	"github.com/cornelk/hashmap"
)

// Registry is a lock-free address -> *Node index that the admin HTTP
// surface and reconnect path can query without walking the driver's
// single-threaded List — a plain existence/lookup index, not a full
// cluster slot-map.
type Registry struct {
	m hashmap.HashMap
}

// Put indexes n under its address. Called whenever a node is appended to a
// List so the registry stays in sync with the failover list.
func (r *Registry) Put(n *Node) {
	r.m.Insert(n.Address, n)
}

// Get looks up a node by address.
func (r *Registry) Get(address string) (*Node, bool) {
	v, ok := r.m.Get(address)
	if !ok {
		return nil, false
	}
	return v.(*Node), true
}

// Delete removes address from the registry.
func (r *Registry) Delete(address string) {
	r.m.Del(address)
}

// Len reports how many addresses are currently indexed.
func (r *Registry) Len() int {
	return r.m.Len()
}

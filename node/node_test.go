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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aeredis/async/aerr"
)

func Test_List_SelectNext_RotatesToHead(t *testing.T) {
	l := &List{}
	l.Append("tcp4", "10.0.0.1:6379", Master)
	l.Append("tcp4", "10.0.0.2:6379", Slave)
	l.Append("tcp4", "10.0.0.3:6379", Slave)

	// first selection is the master (already head); no rotation needed.
	n, err := l.SelectNext()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:6379", n.Address)
	assert.Equal(t, "10.0.0.1:6379", l.Head().Address)
	assert.Equal(t, 1, n.RetryCount)

	// master now has RetryCount 1, so the second selection rotates node 2
	// to the head.
	n, err = l.SelectNext()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:6379", n.Address)
	assert.Equal(t, "10.0.0.2:6379", l.Head().Address)
}

func Test_List_SelectNext_ExhaustionFailsWithNoMoreNode(t *testing.T) {
	l := &List{}
	l.Append("tcp4", "10.0.0.1:6379", Master)

	_, err := l.SelectNext()
	require.NoError(t, err)

	_, err = l.SelectNext()
	assert.ErrorIs(t, err, aerr.ErrNoMoreNodes)
}

func Test_List_ResetRetries(t *testing.T) {
	l := &List{}
	l.Append("tcp4", "10.0.0.1:6379", Master)
	l.Append("tcp4", "10.0.0.2:6379", Slave)

	_, _ = l.SelectNext()
	_, _ = l.SelectNext()

	l.ResetRetries()
	for _, n := range l.Snapshot() {
		assert.Equal(t, 0, n.RetryCount)
	}
}

func Test_List_Empty_SelectNext(t *testing.T) {
	l := &List{}
	_, err := l.SelectNext()
	assert.ErrorIs(t, err, aerr.ErrEmptyNodes)
}

func Test_Registry_PutGetDelete(t *testing.T) {
	r := &Registry{}
	n := &Node{Address: "10.0.0.1:6379"}
	r.Put(n)

	got, ok := r.Get("10.0.0.1:6379")
	require.True(t, ok)
	assert.Same(t, n, got)

	r.Delete("10.0.0.1:6379")
	_, ok = r.Get("10.0.0.1:6379")
	assert.False(t, ok)
}

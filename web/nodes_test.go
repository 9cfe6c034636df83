// Copyright (c) 2022 The rcproxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License"): you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

package web

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aeredis/ae"
	"aeredis/async"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

func newTestContext(t *testing.T) *async.Context {
	t.Helper()
	ctx := async.NewContext()
	require.NoError(t, ctx.Connect("127.0.0.1", 6379))
	require.NoError(t, ctx.AddSlave("127.0.0.1", 6380))
	return ctx
}

func newTestLoop(t *testing.T) *ae.Loop {
	t.Helper()
	loop, err := ae.NewLoop(8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = loop.Close() })
	return loop
}

func Test_HandleNodes_ListsRegisteredCandidates(t *testing.T) {
	srv := New(newTestContext(t), newTestLoop(t), prometheus.NewRegistry())

	req := httptest.NewRequest(http.MethodGet, "/nodes", nil)
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "127.0.0.1:6379")
	assert.Contains(t, rec.Body.String(), "127.0.0.1:6380")
}

func Test_HandleNodeByAddress_UnknownReturnsNotFound(t *testing.T) {
	srv := New(newTestContext(t), newTestLoop(t), prometheus.NewRegistry())

	req := httptest.NewRequest(http.MethodGet, "/nodes/10.0.0.1:1234", nil)
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func Test_HandleNodeByAddress_FoundReturnsNode(t *testing.T) {
	srv := New(newTestContext(t), newTestLoop(t), prometheus.NewRegistry())

	req := httptest.NewRequest(http.MethodGet, "/nodes/127.0.0.1:6379", nil)
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "master")
}

func Test_HandleStats_ReportsQueueDepthAndConnectionState(t *testing.T) {
	srv := New(newTestContext(t), newTestLoop(t), prometheus.NewRegistry())

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"connected":false`)
	assert.Contains(t, rec.Body.String(), `"pending_queue_depth":0`)
}

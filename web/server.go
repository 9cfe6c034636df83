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

// Package web exposes the admin HTTP surface: node/failover introspection,
// Prometheus metrics and pprof, next to the async connection's own event
// loop rather than behind it.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aeredis/ae"
	"aeredis/async"
)

// Server wraps a gin engine and the *http.Server it is bound to, so callers
// can Shutdown it alongside the rest of the process.
type Server struct {
	engine *gin.Engine
	http   *http.Server
}

// New builds the admin engine: pprof, /metrics, and the node/stats
// introspection routes backed by ctx and loop.
func New(ctx *async.Context, loop *ae.Loop, registry *prometheus.Registry) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	pprof.Register(engine)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	engine.GET("/nodes", handleNodes(ctx))
	engine.GET("/nodes/:address", handleNodeByAddress(ctx))
	engine.GET("/stats", handleStats(ctx, loop))
	engine.GET("/version", handleVersion)

	return &Server{engine: engine}
}

// ListenAndServe starts the HTTP server on addr. It blocks until the server
// stops, returning nil on a clean Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.engine}
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server within timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

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

	"github.com/gin-gonic/gin"

	"aeredis/async"
	"aeredis/node"
)

// nodeView is the JSON shape of one failover candidate.
type nodeView struct {
	Network    string `json:"network"`
	Address    string `json:"address"`
	Role       string `json:"role"`
	RetryCount int    `json:"retry_count"`
	Active     bool   `json:"active"`
}

func roleName(r node.Role) string {
	if r == node.Master {
		return "master"
	}
	return "slave"
}

func handleNodes(ctx *async.Context) gin.HandlerFunc {
	return func(c *gin.Context) {
		nodes := ctx.Nodes()
		views := make([]nodeView, 0, len(nodes))
		for i, n := range nodes {
			views = append(views, nodeView{
				Network:    n.Network,
				Address:    n.Address,
				Role:       roleName(n.Role),
				RetryCount: n.RetryCount,
				Active:     i == 0 && ctx.Connected(),
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"connected": ctx.Connected(),
			"nodes":     views,
		})
	}
}

func handleNodeByAddress(ctx *async.Context) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, ok := ctx.Lookup(c.Param("address"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown address"})
			return
		}
		c.JSON(http.StatusOK, nodeView{
			Network:    n.Network,
			Address:    n.Address,
			Role:       roleName(n.Role),
			RetryCount: n.RetryCount,
		})
	}
}

func handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": version})
}

// version is stamped at build time in a production image; the example
// driver has no build pipeline wiring that in, so it stays a constant.
const version = "dev"

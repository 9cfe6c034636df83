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

	"aeredis/ae"
	"aeredis/async"
)

func handleStats(ctx *async.Context, loop *ae.Loop) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"connected":           ctx.Connected(),
			"pending_queue_depth": ctx.QueueDepth(),
			"reconnect_count":     ctx.ReconnectCount(),
			"completions_pumped":  loop.CompletionsPumped(),
			"active_slots":        loop.ActiveSlots(),
		})
	}
}

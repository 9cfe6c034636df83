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

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"aeredis/ae"
	"aeredis/async"
	"aeredis/config"
	"aeredis/internal/logging"
	"aeredis/web"
)

var (
	configPath      = flag.String("p", "conf", "Config file path")
	basicConfigFile = flag.String("c", "aeredis.yaml", "Config filename")
	showVersion     = flag.Bool("v", false, "Show version")
)

var (
	CommitSHA string
	Tag       string
	BuildTime string
)

func init() {
	if Tag == "" {
		Tag = "unknown"
	}
	if CommitSHA == "" {
		CommitSHA = "unknown"
	}
	if BuildTime == "" {
		BuildTime = "unknown"
	}
}

const banner string = `
  __ _  ___ _ __ ___  __| (_)___
 / _' |/ _ \ '__/ _ \/ _' | / __|
| (_| |  __/ | |  __/ (_| | \__ \
 \__,_|\___|_|  \___|\__,_|_|___/
`

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Printf("version: %s\ncommit: %s\ntime: %s\n", Tag, CommitSHA, BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(path.Join(*configPath, *basicConfigFile))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %s\n", err)
		os.Exit(1)
	}

	if err := logging.Init(
		logging.WithPath(cfg.LogPath),
		logging.WithExpireDay(cfg.LogExpireDay),
		logging.WithLogLevel(cfg.LogLevel),
	); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %s\n", err)
		os.Exit(1)
	}

	fmt.Print(banner)
	logging.Infof("aeredis example starting, pid: %d, version: %s", syscall.Getpid(), Tag)

	loop, err := ae.NewLoop(cfg.Redis.LoopSize)
	if err != nil {
		logging.Errorf("create event loop: %s", err)
		os.Exit(1)
	}
	defer loop.Close()

	ctx := async.NewContext()
	if err := ctx.Connect(cfg.Redis.Master.Host, cfg.Redis.Master.Port); err != nil {
		logging.Errorf("register master %s:%d: %s", cfg.Redis.Master.Host, cfg.Redis.Master.Port, err)
		os.Exit(1)
	}
	knownSlaves := make(map[string]bool, len(cfg.Redis.Slaves))
	for _, slave := range cfg.Redis.Slaves {
		if err := ctx.AddSlave(slave.Host, slave.Port); err != nil {
			logging.Errorf("register slave %s:%d: %s", slave.Host, slave.Port, err)
			os.Exit(1)
		}
		knownSlaves[fmt.Sprintf("%s:%d", slave.Host, slave.Port)] = true
	}

	configFile := path.Join(*configPath, *basicConfigFile)
	watcher, err := watchSlaves(loop, ctx, configFile, knownSlaves)
	if err != nil {
		logging.Warnf("watch config %s: %s", configFile, err)
	} else {
		defer watcher.Close()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(loop.Collectors()...)
	registry.MustRegister(ctx.WithMetrics()...)

	err = ctx.Attach(loop, func(c *async.Context, err error) {
		if err != nil {
			logging.Errorf("connect failed: %s", err)
			return
		}
		logging.Infof("connected to %s", c.Nodes()[0].Address)
		if cfg.Redis.PingOnIdle {
			_ = c.CommandArgv([][]byte{[]byte("PING")}, func(_ *async.Context, reply *async.Reply, _ interface{}) {
				if reply != nil {
					logging.Debugf("ping reply: %s", reply.Str)
				}
			}, nil)
		}
	}, func(_ *async.Context, err error) {
		logging.Warnf("disconnected: %v", err)
	})
	if err != nil {
		logging.Errorf("attach: %s", err)
		os.Exit(1)
	}

	var webSrv *web.Server
	if cfg.WebPort > 0 {
		webSrv = web.New(ctx, loop, registry)
		go func() {
			addr := fmt.Sprintf(":%d", cfg.WebPort)
			if err := webSrv.ListenAndServe(addr); err != nil {
				logging.Errorf("web server: %s", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	var stopping bool
	go func() {
		<-sig
		// PostSynthetic both flips the flag and wakes a Pump that is
		// currently blocked in the poller, so shutdown doesn't wait for
		// the next I/O event to arrive on its own.
		loop.PostSynthetic(func() { stopping = true })
	}()

	for !stopping {
		if _, err := loop.Pump(ae.FlagsAll); err != nil {
			logging.Errorf("pump: %s", err)
			break
		}
	}

	ctx.Detach()
	if webSrv != nil {
		_ = webSrv.Shutdown(5 * time.Second)
	}
	logging.Infof("aeredis example shutdown, pid: %d", syscall.Getpid())
}

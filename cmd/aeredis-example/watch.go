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
	"fmt"

	"github.com/fsnotify/fsnotify"

	"aeredis/ae"
	"aeredis/async"
	"aeredis/config"
	"aeredis/internal/logging"
)

// watchSlaves watches the config file for writes and registers any slave
// entries appended since the last load. ctx is only ever touched from the
// loop goroutine via PostSynthetic, matching its single-goroutine contract.
func watchSlaves(loop *ae.Loop, ctx *async.Context, configFile string, known map[string]bool) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(configFile); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != configFile {
					continue
				}
				if ev.Op&fsnotify.Write != fsnotify.Write && ev.Op&fsnotify.Rename != fsnotify.Rename {
					continue
				}
				cfg, err := config.Load(configFile)
				if err != nil {
					logging.Errorf("reload config: %s", err)
					continue
				}
				loop.PostSynthetic(func() { addNewSlaves(ctx, cfg.Redis.Slaves, known) })
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Errorf("watch config: %s", err)
			}
		}
	}()

	return watcher, nil
}

func addNewSlaves(ctx *async.Context, slaves []config.Endpoint, known map[string]bool) {
	for _, slave := range slaves {
		key := fmt.Sprintf("%s:%d", slave.Host, slave.Port)
		if known[key] {
			continue
		}
		if err := ctx.AddSlave(slave.Host, slave.Port); err != nil {
			logging.Errorf("register slave %s: %s", key, err)
			continue
		}
		known[key] = true
		logging.Infof("registered new slave %s from config reload", key)
	}
}

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

// Package config loads the example driver's YAML configuration.
package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"aeredis/internal/logging"
)

// Config is the example driver's top-level configuration.
type Config struct {
	WebPort      int         `yaml:"web_port"`
	LogPath      string      `yaml:"log_path"`
	LogLevel     string      `yaml:"log_level"`
	LogExpireDay int         `yaml:"log_expire_day"`
	Redis        redisConfig `yaml:"redis"`
}

type redisConfig struct {
	Master     Endpoint   `yaml:"master"`
	Slaves     []Endpoint `yaml:"slaves"`
	LoopSize   int        `yaml:"loop_size"`
	PingOnIdle bool       `yaml:"ping_on_idle"`
}

// Endpoint is a host/port pair for a master or slave node.
type Endpoint struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Load reads and validates a YAML config file.
func Load(fileName string) (*Config, error) {
	file, err := os.ReadFile(fileName)
	if err != nil {
		return nil, errors.Wrapf(err, "read config from %s", fileName)
	}
	var cfg Config
	if err := yaml.Unmarshal(file, &cfg); err != nil {
		return nil, errors.Wrapf(err, "unmarshal config from %s", fileName)
	}
	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, "validate config")
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	c.LogLevel = strings.ToUpper(c.LogLevel)
	if _, ok := logging.LevelMapperRev[c.LogLevel]; !ok {
		return errors.Errorf("unknown log level %q", c.LogLevel)
	}
	if c.Redis.Master.Host == "" {
		return errors.New("redis.master.host is required")
	}
	if c.Redis.Master.Port <= 0 {
		return errors.New("redis.master.port must be positive")
	}
	if c.Redis.LoopSize <= 0 {
		c.Redis.LoopSize = 64
	}
	return nil
}

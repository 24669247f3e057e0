/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/srediag/shmchan/pkg/shm"
)

// fileConfig is the YAML layout of --config.
type fileConfig struct {
	LogLevel *int            `yaml:"log_level"`
	Channels []channelConfig `yaml:"channels"`
	Serve    serveConfig     `yaml:"serve"`
}

type channelConfig struct {
	Name         string `yaml:"name"`
	Size         int    `yaml:"size"`
	LockName     string `yaml:"lock_name"`
	WaitStrategy string `yaml:"wait_strategy"`
	Perm         string `yaml:"perm"`
}

type serveConfig struct {
	Addr        string `yaml:"addr"`
	LockTimeout string `yaml:"lock_timeout"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		Serve: serveConfig{
			Addr:        ":9102",
			LockTimeout: "100ms",
		},
	}
}

func loadFileConfig(path string) (fileConfig, error) {
	cfg := defaultFileConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (s serveConfig) lockTimeout() (time.Duration, error) {
	if s.LockTimeout == "" {
		return 100 * time.Millisecond, nil
	}
	return time.ParseDuration(s.LockTimeout)
}

// options turns a channel entry into shm options on top of base.
func (c channelConfig) options(base []shm.Option) ([]shm.Option, error) {
	opts := append([]shm.Option(nil), base...)
	if c.LockName != "" {
		opts = append(opts, shm.WithLockName(c.LockName))
	}
	if c.WaitStrategy != "" {
		var w shm.WaitStrategy
		if err := w.UnmarshalText([]byte(c.WaitStrategy)); err != nil {
			return nil, err
		}
		opts = append(opts, shm.WithWaitStrategy(w))
	}
	if c.Perm != "" {
		var p shm.Perm
		if err := p.UnmarshalText([]byte(c.Perm)); err != nil {
			return nil, err
		}
		opts = append(opts, shm.WithPerm(p))
	}
	return opts, nil
}

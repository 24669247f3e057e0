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

package shm

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// WaitForever as a timeout blocks until the lock is acquired. Any timeout
// <= 0 has the same meaning.
const WaitForever time.Duration = 0

const (
	defaultPerm          Perm = 0o660
	defaultAttachTimeout      = 5 * time.Second
	defaultCloseTimeout       = 5 * time.Second
	defaultOpenRetry          = 10 * time.Second
	lockSuffix                = "_MTX"
	envPrefix                 = "shmchan"
)

// WaitStrategy selects how a TimedLock waits for a bounded timeout.
type WaitStrategy int

const (
	// WaitBlocking parks the caller in the OS until the lock frees up or the
	// timeout elapses.
	WaitBlocking WaitStrategy = iota
	// WaitBusyPoll spins on non-blocking attempts, yielding between them.
	WaitBusyPoll
)

func (w WaitStrategy) String() string {
	switch w {
	case WaitBlocking:
		return "blocking"
	case WaitBusyPoll:
		return "busy-poll"
	default:
		return "WaitStrategy(" + strconv.Itoa(int(w)) + ")"
	}
}

// UnmarshalText accepts "blocking" or "busy-poll" (also "busy", "poll").
func (w *WaitStrategy) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "blocking", "block", "":
		*w = WaitBlocking
	case "busy-poll", "busypoll", "busy", "poll":
		*w = WaitBusyPoll
	default:
		return fmt.Errorf("%w: unknown wait strategy %q", ErrInvalidConfig, text)
	}
	return nil
}

func (w WaitStrategy) valid() bool {
	return w == WaitBlocking || w == WaitBusyPoll
}

// Perm is the permission mode of newly created segments and locks.
type Perm uint32

// UnmarshalText parses an octal mode such as "0660" or "600".
func (p *Perm) UnmarshalText(text []byte) error {
	s := strings.TrimPrefix(strings.TrimSpace(string(text)), "0o")
	n, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return fmt.Errorf("%w: perm %q: %v", ErrInvalidConfig, text, err)
	}
	*p = Perm(n)
	return nil
}

func (p Perm) String() string {
	return fmt.Sprintf("%#o", uint32(p))
}

// Config is used to tune a channel.
type Config struct {
	// Name identifies the channel on this host.
	Name string `envconfig:"NAME"`
	// Size is the payload size. Only the creating process decides it; 0
	// attaches to an existing channel and never creates one.
	Size int `envconfig:"SIZE"`
	// LockName names the paired lock. Defaults to Name + "_MTX".
	LockName string `envconfig:"LOCK_NAME"`
	// Perm applies when the default System V registry is used.
	Perm         Perm         `envconfig:"PERM" default:"0660"`
	WaitStrategy WaitStrategy `envconfig:"WAIT_STRATEGY" default:"blocking"`
	// AttachTimeout bounds the lock handshake while opening.
	AttachTimeout time.Duration `envconfig:"ATTACH_TIMEOUT" default:"5s"`
	// CloseTimeout bounds the lock wait of the last-detacher check.
	CloseTimeout time.Duration `envconfig:"CLOSE_TIMEOUT" default:"5s"`
	// OpenRetry bounds the total time spent retrying create-or-attach races.
	OpenRetry time.Duration `envconfig:"OPEN_RETRY" default:"10s"`
	LogLevel  int           `envconfig:"LOG_LEVEL" default:"3"`

	Registry Registry     `ignored:"true"`
	Metrics  *Metrics     `ignored:"true"`
	Meter    metric.Meter `ignored:"true"`
	Tracer   trace.Tracer `ignored:"true"`
	Logger   *zap.Logger  `ignored:"true"`
}

// DefaultConfig returns the default config. Name and Size are left empty.
func DefaultConfig() Config {
	return Config{
		Perm:          defaultPerm,
		WaitStrategy:  WaitBlocking,
		AttachTimeout: defaultAttachTimeout,
		CloseTimeout:  defaultCloseTimeout,
		OpenRetry:     defaultOpenRetry,
		LogLevel:      levelWarn,
	}
}

// LoadConfig returns DefaultConfig overridden by SHMCHAN_* environment
// variables, e.g. SHMCHAN_NAME, SHMCHAN_SIZE, SHMCHAN_WAIT_STRATEGY.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// VerifyConfig is used to verify the sanity of configuration
func VerifyConfig(config Config) error {
	if config.Name == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidConfig)
	}
	if config.Size < 0 {
		return fmt.Errorf("%w: size must not be negative, got %d", ErrInvalidConfig, config.Size)
	}
	if config.Perm > 0o777 {
		return fmt.Errorf("%w: perm %s has bits outside 0777", ErrInvalidConfig, config.Perm)
	}
	if !config.WaitStrategy.valid() {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, config.WaitStrategy)
	}
	if config.AttachTimeout < 0 || config.CloseTimeout < 0 || config.OpenRetry < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalidConfig)
	}
	return nil
}

func (c Config) lockName() string {
	if c.LockName != "" {
		return c.LockName
	}
	return DefaultLockName(c.Name)
}

// DefaultLockName returns the lock name paired with a channel name.
func DefaultLockName(name string) string {
	return name + lockSuffix
}

// Option customizes a Config passed to Open.
type Option func(*Config)

// WithRegistry opens the channel's objects through r instead of the System V
// registry.
func WithRegistry(r Registry) Option {
	return func(c *Config) { c.Registry = r }
}

func WithLockName(name string) Option {
	return func(c *Config) { c.LockName = name }
}

func WithWaitStrategy(w WaitStrategy) Option {
	return func(c *Config) { c.WaitStrategy = w }
}

// WithPerm sets the creation mode. It has no effect when WithRegistry is used.
func WithPerm(p Perm) Option {
	return func(c *Config) { c.Perm = p }
}

func WithAttachTimeout(d time.Duration) Option {
	return func(c *Config) { c.AttachTimeout = d }
}

func WithCloseTimeout(d time.Duration) Option {
	return func(c *Config) { c.CloseTimeout = d }
}

func WithMetrics(m *Metrics) Option {
	return func(c *Config) { c.Metrics = m }
}

func WithMeter(m metric.Meter) Option {
	return func(c *Config) { c.Meter = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Config) { c.Tracer = t }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

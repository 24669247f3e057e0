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
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/srediag/shmchan/pkg/shm"
)

type app struct {
	configPath string
	logLevel   int
	debug      bool
	lockName   string
	wait       string
	timeout    time.Duration
	size       int
	hex        bool

	session string
	env     shm.Config
	file    fileConfig
	log     *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "shmchan",
		Short:         "Work with named shared-memory channels",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}
	f := root.PersistentFlags()
	f.StringVarP(&a.configPath, "config", "c", "", "YAML config file")
	f.IntVar(&a.logLevel, "log-level", -1, "library log level, 0=trace .. 5=off (default from SHMCHAN_LOG_LEVEL)")
	f.BoolVar(&a.debug, "debug", false, "human-readable development logging")
	f.StringVar(&a.lockName, "lock-name", "", "lock name (default <name>_MTX)")
	f.StringVar(&a.wait, "wait", "", "wait strategy: blocking or busy-poll")
	f.DurationVarP(&a.timeout, "timeout", "t", 30*time.Millisecond, "lock wait; 0 waits forever")

	root.AddCommand(
		newWriteCmd(a),
		newReadCmd(a),
		newInspectCmd(a),
		newRemoveCmd(a),
		newWatchCmd(a),
		newServeCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	var err error
	a.session = uuid.NewString()
	if a.debug {
		a.log, err = zap.NewDevelopment()
	} else {
		a.log, err = zap.NewProduction()
	}
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	a.log = a.log.With(zap.String("session", a.session), zap.String("command", cmd.Name()))
	shm.SetLogger(a.log)

	if a.env, err = shm.LoadConfig(); err != nil {
		return err
	}
	if a.file, err = loadFileConfig(a.configPath); err != nil {
		return err
	}
	level := a.env.LogLevel
	if a.file.LogLevel != nil {
		level = *a.file.LogLevel
	}
	if a.logLevel >= 0 {
		level = a.logLevel
	}
	shm.SetLogLevel(level)
	return nil
}

// channelOptions returns the options shared by every command, from the
// environment overridden by flags.
func (a *app) channelOptions() ([]shm.Option, error) {
	strategy := a.env.WaitStrategy
	if a.wait != "" {
		if err := strategy.UnmarshalText([]byte(a.wait)); err != nil {
			return nil, err
		}
	}
	opts := []shm.Option{
		shm.WithWaitStrategy(strategy),
		shm.WithPerm(a.env.Perm),
		shm.WithAttachTimeout(a.env.AttachTimeout),
		shm.WithCloseTimeout(a.env.CloseTimeout),
		shm.WithLogger(a.log),
	}
	if name := a.lockName; name != "" {
		opts = append(opts, shm.WithLockName(name))
	} else if a.env.LockName != "" {
		opts = append(opts, shm.WithLockName(a.env.LockName))
	}
	return opts, nil
}

func (a *app) open(name string) (*shm.Channel, error) {
	if a.size <= 0 && a.env.Size > 0 {
		a.size = a.env.Size
	}
	opts, err := a.channelOptions()
	if err != nil {
		return nil, err
	}
	return shm.Open(name, a.size, opts...)
}

// channelName takes the name from args, falling back to SHMCHAN_NAME.
func (a *app) channelName(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if a.env.Name != "" {
		return a.env.Name, nil
	}
	return "", fmt.Errorf("channel name required (argument or SHMCHAN_NAME)")
}

// payload decodes value as text or hex and zero-pads it to size.
func payload(value string, isHex bool, size int) ([]byte, error) {
	var raw []byte
	if isHex {
		b, err := hex.DecodeString(strings.TrimPrefix(value, "0x"))
		if err != nil {
			return nil, fmt.Errorf("hex payload: %w", err)
		}
		raw = b
	} else {
		raw = []byte(value)
	}
	if len(raw) > size {
		return nil, &shm.SizeMismatchError{Want: size, Got: len(raw)}
	}
	out := make([]byte, size)
	copy(out, raw)
	return out, nil
}

func format(b []byte, isHex bool) string {
	if isHex {
		return hex.EncodeToString(b)
	}
	return strings.TrimRight(string(b), "\x00")
}

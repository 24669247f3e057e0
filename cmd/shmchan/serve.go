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
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/srediag/shmchan/pkg/health"
	"github.com/srediag/shmchan/pkg/lifecycle"
	"github.com/srediag/shmchan/pkg/shm"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Hold the configured channels open and serve health and metrics",
		Long: "Serve opens every channel listed in the config file, keeps them attached " +
			"and exposes /live, /ready and /metrics until interrupted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(a.file.Channels) == 0 {
				return errors.New("serve: no channels in config")
			}
			if addr == "" {
				addr = a.file.Serve.Addr
			}
			lockTimeout, err := a.file.Serve.lockTimeout()
			if err != nil {
				return fmt.Errorf("serve: lock_timeout: %w", err)
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			base, err := a.channelOptions()
			if err != nil {
				return err
			}
			base = append(base, shm.WithMetrics(shm.NewMetrics(reg)))

			mgr := lifecycle.NewManager(a.log, base...)
			defer func() {
				if err := mgr.CloseAll(); err != nil {
					a.log.Error("close channels", zap.Error(err))
				}
			}()
			mon := health.NewMonitor(reg, lockTimeout)
			for _, c := range a.file.Channels {
				opts, err := c.options(nil)
				if err != nil {
					return fmt.Errorf("serve: channel %q: %w", c.Name, err)
				}
				ch, err := mgr.OpenWith(c.Name, c.Size, opts...)
				if err != nil {
					return err
				}
				mon.Watch(ch)
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
			mux.Handle("/", mon.Handler())
			srv := &http.Server{
				Addr:              addr,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			errc := make(chan error, 1)
			go func() {
				a.log.Info("serving", zap.String("addr", addr), zap.Int("channels", len(a.file.Channels)))
				errc <- srv.ListenAndServe()
			}()
			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("serve: %w", err)
				}
				return nil
			case <-ctx.Done():
			}
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdown)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default serve.addr from config)")
	return cmd
}

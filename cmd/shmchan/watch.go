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
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/srediag/shmchan/pkg/watch"
)

func newWatchCmd(a *app) *cobra.Command {
	cfg := watch.DefaultConfig()
	cmd := &cobra.Command{
		Use:   "watch NAME",
		Short: "Print the channel contents whenever they change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, err := a.open(args[0])
			if err != nil {
				return err
			}
			defer ch.Close()

			cfg.ReadTimeout = a.timeout
			cfg.Logger = a.log
			w, err := watch.New(ch, cfg)
			if err != nil {
				return err
			}
			defer w.Close()
			out := cmd.OutOrStdout()
			w.Subscribe(func(s watch.Snapshot) {
				fmt.Fprintf(out, "%s #%d %s\n", s.Time.Format(time.RFC3339Nano), s.Seq, format(s.Data, a.hex))
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			err = w.Run(ctx)
			if errors.Is(err, context.Canceled) {
				st := w.Stats()
				a.log.Sugar().Infof("watch stopped: reads=%d misses=%d changes=%d", st.Reads, st.Misses, st.Changes)
				return nil
			}
			return err
		},
	}
	sizeFlags(cmd, a)
	cmd.Flags().DurationVarP(&cfg.Period, "period", "p", cfg.Period, "read period")
	return cmd
}

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
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/srediag/shmchan/pkg/shm"
)

var errTimedOut = errors.New("lock not acquired before timeout")

func newWriteCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "write NAME VALUE",
		Short: "Write VALUE, zero-padded to the channel size",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, err := a.open(args[0])
			if err != nil {
				return err
			}
			defer ch.Close()
			p, err := payload(args[1], a.hex, ch.Size())
			if err != nil {
				return err
			}
			ok, err := ch.TryWrite(p, a.timeout)
			if err != nil {
				return err
			}
			if !ok {
				return errTimedOut
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes to %s\n", len(p), ch.Name())
			return nil
		},
	}
	sizeFlags(cmd, a)
	return cmd
}

func newReadCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read [NAME]",
		Short: "Print the current channel contents",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := a.channelName(args)
			if err != nil {
				return err
			}
			ch, err := a.open(name)
			if err != nil {
				return err
			}
			defer ch.Close()
			out := make([]byte, ch.Size())
			ok, err := ch.TryRead(out, a.timeout)
			if err != nil {
				return err
			}
			if !ok {
				return errTimedOut
			}
			fmt.Fprintln(cmd.OutOrStdout(), format(out, a.hex))
			return nil
		},
	}
	sizeFlags(cmd, a)
	return cmd
}

func sizeFlags(cmd *cobra.Command, a *app) {
	cmd.Flags().IntVarP(&a.size, "size", "s", 0, "segment size when creating; 0 attaches to an existing channel only (default SHMCHAN_SIZE)")
	cmd.Flags().BoolVarP(&a.hex, "hex", "x", false, "values are hex encoded")
}

func newInspectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect NAME",
		Short: "Show the OS bookkeeping of a channel without attaching",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := shm.Inspect(args[0], shm.NewSysVRegistry(a.env.Perm, a.env.OpenRetry))
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "name\t%s\n", in.Name)
			fmt.Fprintf(w, "key\t%s\n", in.Key)
			fmt.Fprintf(w, "id\t%d\n", in.ID)
			fmt.Fprintf(w, "size\t%d\n", in.Size)
			fmt.Fprintf(w, "attached\t%d\n", in.Attached)
			fmt.Fprintf(w, "mode\t%#o\n", in.Mode)
			fmt.Fprintf(w, "creator pid\t%d (alive=%t)\n", in.CreatorPID, in.CreatorAlive)
			fmt.Fprintf(w, "last pid\t%d (alive=%t)\n", in.LastPID, in.LastAlive)
			fmt.Fprintf(w, "changed\t%s\n", in.Changed.Format(time.RFC3339))
			fmt.Fprintf(w, "removed\t%t\n", in.Removed)
			fmt.Fprintf(w, "orphaned\t%t\n", in.Orphaned())
			return w.Flush()
		},
	}
}

func newRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove NAME",
		Short: "Forcibly remove a channel's segment and lock",
		Long: "Remove marks the segment for destruction and deletes the lock. Use it to " +
			"recover channels orphaned by processes that exited without closing.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := shm.Remove(args[0], a.lockName, shm.NewSysVRegistry(a.env.Perm, a.env.OpenRetry)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
}

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/tether/activity"
	"pkt.systems/tether/internal/appconfig"
	"pkt.systems/tether/internal/persist"
	"pkt.systems/tether/runapi"
	"pkt.systems/tether/schema"
)

func newStatusCmd() *cobra.Command {
	var cfgPath string
	var threadID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show backend thread status and local activity state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			logger := pslog.Ctx(cmd.Context())
			out := cmd.OutOrStdout()

			kv, err := persist.NewStoreWithLogger(cfg.StateDir, logger)
			if err != nil {
				return err
			}
			store := activity.NewStore(kv, nil, logger)
			defer store.Close()

			fmt.Fprintf(out, "tab:     %s\n", store.TabID())
			state := store.BusyState()
			if len(state.Busy) == 0 {
				fmt.Fprintln(out, "busy:    none")
			}
			for thread, busy := range state.Busy {
				if !busy {
					continue
				}
				owner := state.Owners[thread]
				if owner == "" {
					owner = "unowned"
				}
				fmt.Fprintf(out, "busy:    %s (owner %s)\n", thread, owner)
			}
			for thread, seenMs := range store.LastSeen() {
				fmt.Fprintf(out, "seen:    %s at %s\n", thread,
					time.UnixMilli(seenMs).Format(time.RFC3339))
			}
			if baseline := store.LastSeenBaseline(); baseline > 0 {
				fmt.Fprintf(out, "since:   %s\n", time.UnixMilli(baseline).Format(time.RFC3339))
			}

			if threadID == "" {
				return nil
			}
			client, err := runapi.New(runapi.Config{
				BaseURL:        cfg.Backend.URL,
				APIKey:         cfg.Backend.APIKey,
				RequestTimeout: time.Duration(cfg.Backend.RequestTimeoutSeconds) * time.Second,
			}, logger)
			if err != nil {
				return err
			}
			thread, err := client.GetThread(cmd.Context(), schema.ThreadID(threadID))
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "thread:  %s\n", thread.ThreadID)
			fmt.Fprintf(out, "status:  %s\n", thread.Status)
			if label := schema.ThreadLabelFromMetadata(thread.Metadata); label != "" {
				fmt.Fprintf(out, "label:   %s\n", label)
			}
			runs, err := client.ListRuns(cmd.Context(), thread.ThreadID, "", 10)
			if err != nil {
				return err
			}
			for _, run := range runs {
				fmt.Fprintf(out, "run:     %s %s (%s)\n", run.RunID, run.Status,
					run.FreshTime().Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "thread id to inspect")
	return cmd
}

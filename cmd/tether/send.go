package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/tether/internal/logx"
	"pkt.systems/tether/schema"
)

func newSendCmd() *cobra.Command {
	var cfgPath string
	var threadID string
	var newThread bool
	cmd := &cobra.Command{
		Use:   "send [message...]",
		Short: "Send a message and follow the response to completion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message := strings.TrimSpace(strings.Join(args, " "))
			if message == "" {
				return schema.ErrEmptyMessage
			}
			if threadID == "" && !newThread {
				return fmt.Errorf("either --thread or --new is required")
			}

			sink := newConsoleSink(cmd.OutOrStdout(), pslog.Ctx(cmd.Context()))
			a, err := buildApp(cmd.Context(), cfgPath, sink)
			if err != nil {
				return err
			}
			defer a.Close()
			sink.log = a.log

			if newThread {
				created, err := a.session.NewThread(cmd.Context(), nil)
				if err != nil {
					return err
				}
				threadID = string(created)
				a.log.Info("thread created", "thread", threadID)
			} else if err := a.session.SwitchThread(cmd.Context(), schema.ThreadID(threadID)); err != nil {
				return err
			}

			runID, err := a.session.Submit(cmd.Context(), message)
			if err != nil {
				return err
			}
			logx.WithRun(a.log.With("thread", threadID), runID).Debug("run submitted, following stream")

			status := sink.awaitSettled(cmd.Context().Done())
			sink.flushLine()
			if status == schema.ThreadStatusError {
				return fmt.Errorf("run ended with status %q", status)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "thread id to send to")
	cmd.Flags().BoolVar(&newThread, "new", false, "create a new thread first")
	return cmd
}

package main

import (
	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/tether/schema"
)

func newWatchCmd() *cobra.Command {
	var cfgPath string
	var threadID string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Attach to a thread and follow its stream with auto-reconnect",
		RunE: func(cmd *cobra.Command, args []string) error {
			sink := newConsoleSink(cmd.OutOrStdout(), pslog.Ctx(cmd.Context()))
			a, err := buildApp(cmd.Context(), cfgPath, sink)
			if err != nil {
				return err
			}
			defer a.Close()
			sink.log = a.log

			if err := a.session.SwitchThread(cmd.Context(), schema.ThreadID(threadID)); err != nil {
				return err
			}
			a.log.Info("watching thread", "thread", threadID, "tab", a.activity.TabID())

			<-cmd.Context().Done()
			sink.flushLine()
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "thread id to watch")
	_ = cmd.MarkFlagRequired("thread")
	return cmd
}

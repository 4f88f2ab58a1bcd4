package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sukesh-kandasamy/sense/internal/config"
	"github.com/sukesh-kandasamy/sense/internal/logging"
)

// Dependencies are resolved once in PersistentPreRunE and shared by every
// subcommand.
type Dependencies struct {
	ConfigFile string
	Config     *config.Config
}

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func NewRootCmd() *cobra.Command {
	deps := &Dependencies{}
	var logLevel string

	rootCmd := &cobra.Command{
		Use:   "sense",
		Short: "Live interview sessions over WebRTC",
		Long: `sense joins an interview room as the interviewer or the candidate,
establishes a peer-to-peer call, streams analysis frames (candidate) or shows
live insights (interviewer), records the candidate side and keeps the session
clock. It also runs the signaling relay and analysis hub.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(deps.ConfigFile)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			deps.Config = cfg
			logging.Setup(cfg.LogLevel, cfg.LogPretty)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&deps.ConfigFile, "config", "", "config file (default ./sense.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "trace, debug, info, warn or error")

	rootCmd.AddCommand(NewJoinCmd(deps))
	rootCmd.AddCommand(NewDevicesCmd(deps))
	rootCmd.AddCommand(NewRelayCmd(deps))
	rootCmd.AddCommand(NewMeetingCmd(deps))

	return rootCmd
}

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/encodeous/arbor/core"
	"github.com/encodeous/arbor/state"
	"github.com/spf13/cobra"
)

func loadConfig() (*state.LocalCfg, error) {
	cfg, err := state.ReadLocalConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := state.LocalConfigValidator(cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", configPath, err)
	}
	return cfg, nil
}

// loadCtlPath reads the config of a node that must be running with a control socket.
func loadCtlPath() (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	if cfg.CtlPath == "" {
		return "", fmt.Errorf("%s: ctl_path is not set, the node has no control socket", configPath)
	}
	return cfg.CtlPath, nil
}

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run arbor",
	Long:  `This will run an arbor node on the current host, connecting to the configured peers and accepting links on the configured listeners.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}

		level := slog.LevelInfo
		if ok, _ := cmd.Flags().GetBool("verbose"); ok {
			level = slog.LevelDebug
		}
		if p, _ := cmd.Flags().GetString("log"); p != "" {
			cfg.LogPath = p
		}
		if ok, _ := cmd.Flags().GetBool("dump-tree"); ok {
			cfg.DumpTree = true
		}
		peers, _ := cmd.Flags().GetStringSlice("peer")
		for _, p := range peers {
			if err := state.PeerURLValidator(p); err != nil {
				fmt.Fprintln(os.Stderr, "Error:", err)
				os.Exit(1)
			}
		}
		cfg.Peers = append(cfg.Peers, peers...)

		err = core.Start(context.Background(), *cfg, level)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
	},
	GroupID: "ar",
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolP("verbose", "v", false, "Verbose output")
	runCmd.Flags().StringP("log", "l", "", "Also write logs to this file")
	runCmd.Flags().BoolP("dump-tree", "t", false, "Periodically log the tree and dht state")
	runCmd.Flags().StringSliceP("peer", "p", nil, "Additional peer url to connect to, may be repeated")
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/encodeous/arbor/core"
	"github.com/encodeous/arbor/state"
	"github.com/encodeous/arbor/store"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
)

type inspectOutput struct {
	Key     state.PublicKey   `yaml:"key"`
	Address string            `yaml:"address"`
	Subnet  string            `yaml:"subnet"`
	Listen  []string          `yaml:"listen,omitempty"`
	Peers   []string          `yaml:"peers,omitempty"`
	Known   []store.KnownPeer `yaml:"known,omitempty"`
}

var inspectCmd = &cobra.Command{
	Use:     "inspect",
	Aliases: []string{"i"},
	Short:   "Shows the identity of this node and the peers it has seen",
	Long: `Reads the node config and its known peer database. The node does not need to be running, but the database is locked while it is.
With --live, asks the running node for its tree, dht and links over the control socket instead.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Println("Error:", err.Error())
			os.Exit(1)
		}
		if live, _ := cmd.Flags().GetBool("live"); live {
			path, err := loadCtlPath()
			if err != nil {
				fmt.Println("Error:", err.Error())
				os.Exit(1)
			}
			result, err := core.IPCGet(path, "inspect")
			if err != nil {
				fmt.Println("Error:", err.Error())
				os.Exit(1)
			}
			fmt.Print(result)
			return
		}
		key, err := cfg.ResolveKey()
		if err != nil {
			fmt.Println("Error:", err.Error())
			os.Exit(1)
		}
		pub := key.Public()
		out := inspectOutput{
			Key:     pub,
			Address: state.AddrForKey(pub).String(),
			Subnet:  state.SubnetForKey(pub).String(),
			Listen:  cfg.Listen,
			Peers:   cfg.Peers,
		}
		if path := cfg.DbPath(); path != "" {
			st, err := store.Open(path)
			if err != nil {
				fmt.Println("Error:", err.Error())
				os.Exit(1)
			}
			out.Known, err = st.List()
			_ = st.Close()
			if err != nil {
				fmt.Println("Error:", err.Error())
				os.Exit(1)
			}
		}
		res, err := yaml.Marshal(out)
		if err != nil {
			panic(err)
		}
		fmt.Print(string(res))
	},
	GroupID: "ar",
}

var peerCmd = &cobra.Command{
	Use:   "peer [url]",
	Short: "Asks a running node to connect to another peer",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := state.PeerURLValidator(args[0]); err != nil {
			fmt.Println("Error:", err.Error())
			os.Exit(1)
		}
		path, err := loadCtlPath()
		if err != nil {
			fmt.Println("Error:", err.Error())
			os.Exit(1)
		}
		result, err := core.IPCGet(path, "peer "+args[0])
		if err != nil {
			fmt.Println("Error:", err.Error())
			os.Exit(1)
		}
		fmt.Print(result)
	},
	GroupID: "ar",
}

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Streams router events from a running node until interrupted",
	Run: func(cmd *cobra.Command, args []string) {
		path, err := loadCtlPath()
		if err != nil {
			fmt.Println("Error:", err.Error())
			os.Exit(1)
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := core.IPCTrace(ctx, path, os.Stdout); err != nil {
			fmt.Println("Error:", err.Error())
			os.Exit(1)
		}
	},
	GroupID: "ar",
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().BoolP("live", "l", false, "query the running node over its control socket")

	rootCmd.AddCommand(peerCmd)
	rootCmd.AddCommand(traceCmd)
}

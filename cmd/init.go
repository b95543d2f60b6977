package cmd

import (
	"fmt"
	"os"

	"github.com/encodeous/arbor/state"
	"github.com/spf13/cobra"
)

var newCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a node configuration",
	Run: func(cmd *cobra.Command, args []string) {
		outPath := cmd.Flag("output").Value.String()
		if _, err := os.Stat(outPath); err == nil {
			if force, _ := cmd.Flags().GetBool("force"); !force {
				fmt.Fprintf(os.Stderr, "%s already exists, use --force to overwrite it\n", outPath)
				os.Exit(1)
			}
		}

		listen, _ := cmd.Flags().GetStringSlice("listen")
		peers, _ := cmd.Flags().GetStringSlice("peer")
		multicast, _ := cmd.Flags().GetStringSlice("multicast")
		dataDir := cmd.Flag("data").Value.String()

		nodeCfg := state.LocalCfg{
			Listen:              listen,
			Peers:               peers,
			MulticastInterfaces: multicast,
			DataDir:             dataDir,
		}
		key := state.GenerateKey()
		if keyFile := cmd.Flag("key-file").Value.String(); keyFile != "" {
			if err := state.WriteKeyFile(keyFile, key); err != nil {
				panic(err)
			}
			nodeCfg.KeyFile = keyFile
		} else {
			nodeCfg.Key = key
		}
		if err := state.LocalConfigValidator(&nodeCfg); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}

		if err := state.WriteLocalConfig(outPath, &nodeCfg); err != nil {
			panic(err)
		}
		fmt.Printf("wrote %s for node %s (%s)\n", outPath, key.Public(), state.AddrForKey(key.Public()))
	},
	GroupID: "init",
}

func init() {
	rootCmd.AddCommand(newCmd)
	newCmd.Flags().StringP("output", "o", "arbor.yaml", "node config output file path")
	newCmd.Flags().BoolP("force", "f", false, "overwrite an existing config")
	newCmd.Flags().StringSliceP("listen", "l", []string{"tcp://[::]:7750"}, "peer urls to accept links on")
	newCmd.Flags().StringSliceP("peer", "p", nil, "peer urls to connect to")
	newCmd.Flags().StringSliceP("multicast", "m", nil, "interface patterns to discover peers on")
	newCmd.Flags().StringP("data", "d", "", "directory for the known peer database")
	newCmd.Flags().String("key-file", "", "store the private key in this PEM file instead of the config")
}

package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath = "arbor.yaml"

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "arbor",
	Short: "Arbor Overlay Routing CLI",
	Long: `Arbor is a self-organizing overlay network.
Nodes are addressed by their ed25519 public key, and packets are routed greedily over a spanning tree and a keyspace DHT, without any central configuration.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddGroup(&cobra.Group{
		ID:    "init",
		Title: "Initialize Arbor",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "ar",
		Title: "Arbor Commands",
	})
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", configPath, "node config")
}

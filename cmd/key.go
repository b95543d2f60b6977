package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/encodeous/arbor/state"
	"github.com/spf13/cobra"
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Generates a new Arbor Keypair. Outputs Private Key to stdout, Public Key to Stderr.",
	Run: func(cmd *cobra.Command, args []string) {
		key := state.GenerateKey()
		if out := cmd.Flag("pem").Value.String(); out != "" {
			if err := state.WriteKeyFile(out, key); err != nil {
				panic(err)
			}
		} else {
			privKey, err := key.MarshalText()
			if err != nil {
				panic(err)
			}
			fmt.Println(string(privKey))
		}
		_, err := fmt.Fprintln(os.Stderr, key.Public().String())
		if err != nil {
			panic(err)
		}
	},
	GroupID: "init",
}

var addrCmd = &cobra.Command{
	Use:   "addr",
	Short: "Reads a Private Key (or Public Key with --public) from stdin and prints the overlay address and subnet it owns",
	Run: func(cmd *cobra.Command, args []string) {
		in := bufio.NewReader(os.Stdin)
		ln, err := in.ReadString('\n')
		if err != nil && ln == "" {
			panic(err)
		}
		ln = strings.TrimSpace(ln)

		// a private seed and a public key have the same length, so the caller has to say
		var pub state.PublicKey
		if ok, _ := cmd.Flags().GetBool("public"); ok {
			err = pub.UnmarshalText([]byte(ln))
		} else {
			var priv state.PrivateKey
			if err = priv.UnmarshalText([]byte(ln)); err == nil {
				pub = priv.Public()
			}
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error: input is not a key:", err)
			os.Exit(1)
		}
		fmt.Printf("PublicKey=%s\n", pub)
		fmt.Printf("Address=%s\n", state.AddrForKey(pub))
		fmt.Printf("Subnet=%s\n", state.SubnetForKey(pub))
	},
	GroupID: "init",
}

func init() {
	rootCmd.AddCommand(keyCmd)
	keyCmd.Flags().String("pem", "", "write the private key to this PEM file instead of stdout")

	rootCmd.AddCommand(addrCmd)
	addrCmd.Flags().Bool("public", false, "stdin holds a public key")
}

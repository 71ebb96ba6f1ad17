package main

import (
	"fmt"
	"os"

	"ledger-project/config"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "ledger",
		Short:         "PoW/stake ledger node with payment channels and watchtowers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath, "path to the config file")

	serve := newServeCmd(&cfgPath)
	root.AddCommand(serve, newKeygenCmd())

	// serve is the default when no subcommand is given
	root.RunE = serve.RunE
	return root
}

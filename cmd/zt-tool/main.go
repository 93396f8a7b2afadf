// SPDX-FileCopyrightText: 2022 The ztpipe authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// zt-tool is a small command line companion for the zt transport: an echo
// listener, a dialer, a file exchange and an event monitor, all running on
// the in-process switch backend.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ztpipe/ztpipe-go/pkg/memoverlay"
	"github.com/ztpipe/ztpipe-go/pkg/zt"
)

var (
	configFile string
	homeDir    string
	spProtocol uint16
)

var rootCmd = &cobra.Command{
	Use:   "zt-tool",
	Short: "Exercise the zt transport from the command line",
	Long: `zt-tool drives the zt message transport: listen for and dial pipes,
exchange files over a pipe, and observe transport events.

All subcommands run on the in-process switch backend, so dialer and
listener must live in the same zt-tool invocation or share its switch.`,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configFile != "" {
			conf, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			applyConfig(conf)
		}

		zt.DefaultOverlayFactory = memoverlay.NewSwitch().Factory
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"TOML configuration file")
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "",
		"overlay home directory, empty for in-memory state")
	rootCmd.PersistentFlags().Uint16Var(&spProtocol, "protocol", 32,
		"SP protocol number to announce")

	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(dialCmd)
	rootCmd.AddCommand(exchangeCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// SPDX-FileCopyrightText: 2022 The ztpipe authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/spf13/cobra"

	"github.com/ztpipe/ztpipe-go/pkg/monitor"
	"github.com/ztpipe/ztpipe-go/pkg/zt"
)

var monitorListen string

var serveCmd = &cobra.Command{
	Use:   "serve URL",
	Short: "Run the echo listener with a websocket event monitor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if monitorListen == "" {
			monitorListen = ":8742"
		}

		ep, err := zt.Listen(args[0], spProtocol, homeDir)
		if err != nil {
			return err
		}
		defer func() { _ = ep.Close() }()

		mon := monitor.NewServer()
		mon.Attach(ep.Node())
		defer func() { _ = mon.Close() }()

		go func() {
			if err := mon.ListenAndServe(monitorListen); err != nil {
				log.WithError(err).Error("Monitor server failed")
			}
		}()

		log.WithFields(log.Fields{
			"laddr":   ep.LocalAddress(),
			"monitor": monitorListen,
		}).Info("Serving")

		for {
			aio := zt.NewAio()
			ep.Accept(aio)
			if err := aio.Wait(); err != nil {
				if errors.Is(err, zt.ErrClosed) {
					return nil
				}
				return err
			}

			go echo(aio.Pipe())
		}
	},
}

func init() {
	serveCmd.Flags().StringVar(&monitorListen, "monitor", "",
		"listen address of the websocket event monitor")
}

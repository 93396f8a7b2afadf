// SPDX-FileCopyrightText: 2022 The ztpipe authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/spf13/cobra"

	"github.com/ztpipe/ztpipe-go/pkg/zt"
)

var listenCmd = &cobra.Command{
	Use:   "listen URL",
	Short: "Accept pipes on the URL and echo every received message back",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ep, err := zt.Listen(args[0], spProtocol, homeDir)
		if err != nil {
			return err
		}
		defer func() { _ = ep.Close() }()

		log.WithField("laddr", ep.LocalAddress()).Info("Listening")

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

// echo reads messages from a pipe and sends each one back, until the pipe
// closes.
func echo(p *zt.Pipe) {
	defer func() { _ = p.Close() }()

	log.WithFields(log.Fields{
		"laddr": p.LocalAddress(),
		"raddr": p.RemoteAddress(),
	}).Info("Accepted pipe")

	for {
		recvAio := zt.NewAio()
		p.Recv(recvAio)
		if err := recvAio.Wait(); err != nil {
			log.WithError(err).Info("Pipe read ended")
			return
		}

		sendAio := zt.NewAio()
		p.Send(sendAio, recvAio.Message())
		if err := sendAio.Wait(); err != nil {
			log.WithError(err).Warn("Echoing message back errored")
			return
		}
	}
}

// SPDX-FileCopyrightText: 2022 The ztpipe authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ztpipe/ztpipe-go/pkg/zt"
)

var dialTimeout time.Duration

var dialCmd = &cobra.Command{
	Use:   "dial URL MESSAGE...",
	Short: "Dial the URL, send a message and print the reply",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := zt.Dial(args[0], spProtocol, homeDir)
		if err != nil {
			return err
		}
		defer func() { _ = p.Close() }()

		sendAio := zt.NewAio()
		p.Send(sendAio, []byte(strings.Join(args[1:], " ")))
		if err := sendAio.Wait(); err != nil {
			return err
		}

		recvAio := zt.NewAio()
		p.Recv(recvAio)

		select {
		case <-recvAio.Done():
		case <-time.After(dialTimeout):
			recvAio.Cancel(nil)
		}

		if err := recvAio.Wait(); err != nil {
			return err
		}

		fmt.Printf("%s\n", recvAio.Message())
		return nil
	},
}

func init() {
	dialCmd.Flags().DurationVar(&dialTimeout, "timeout", 10*time.Second,
		"how long to wait for the reply")
}

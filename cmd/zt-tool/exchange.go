// SPDX-FileCopyrightText: 2022 The ztpipe authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/ztpipe/ztpipe-go/pkg/zt"
)

var exchangeListen bool

var exchangeCmd = &cobra.Command{
	Use:   "exchange URL DIRECTORY",
	Short: "Ship files dropped into the directory over a pipe",
	Long: `exchange connects a directory to a pipe: every file created in the
directory is sent as one message, and every received message is stored
as a new file. With --listen the pipe is accepted instead of dialed.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := exchangePipe(args[0])
		if err != nil {
			return err
		}

		ex := &exchange{
			directory: args[1],
			pipe:      p,
		}
		return ex.run()
	},
}

func init() {
	exchangeCmd.Flags().BoolVar(&exchangeListen, "listen", false,
		"accept the pipe instead of dialing it")
}

// exchangePipe establishes the single pipe an exchange runs on.
func exchangePipe(rawurl string) (*zt.Pipe, error) {
	if !exchangeListen {
		return zt.Dial(rawurl, spProtocol, homeDir)
	}

	ep, err := zt.Listen(rawurl, spProtocol, homeDir)
	if err != nil {
		return nil, err
	}
	defer func() { _ = ep.Close() }()

	aio := zt.NewAio()
	ep.Accept(aio)
	if err := aio.Wait(); err != nil {
		return nil, err
	}
	return aio.Pipe(), nil
}

// exchange moves files between a directory and a pipe.
type exchange struct {
	directory  string
	pipe       *zt.Pipe
	knownFiles sync.Map
	watcher    *fsnotify.Watcher
	recvNo     int
}

func (ex *exchange) run() error {
	var err error
	if ex.watcher, err = fsnotify.NewWatcher(); err != nil {
		return err
	}
	if err = ex.watcher.Add(ex.directory); err != nil {
		_ = ex.watcher.Close()
		return err
	}

	defer func() {
		_ = ex.watcher.Close()
		_ = ex.pipe.Close()
	}()

	go ex.handlePipeRead()

	log.WithFields(log.Fields{
		"directory": ex.directory,
		"raddr":     ex.pipe.RemoteAddress(),
	}).Info("Exchange started")

	for {
		select {
		case event, ok := <-ex.watcher.Events:
			if !ok {
				log.Error("fsnotify's Event channel was closed")
				return nil
			}
			ex.handleFileEvent(event)

		case watchErr, ok := <-ex.watcher.Errors:
			if !ok {
				log.Error("fsnotify's Error channel was closed")
				return nil
			}
			log.WithError(watchErr).Warn("Watching the directory errored")
		}
	}
}

// handleFileEvent ships a freshly created file over the pipe.
func (ex *exchange) handleFileEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Create == 0 {
		return
	}

	name := filepath.Base(event.Name)
	if _, known := ex.knownFiles.LoadOrStore(name, struct{}{}); known {
		return
	}

	data, err := os.ReadFile(event.Name)
	if err != nil {
		log.WithField("file", event.Name).WithError(err).Warn("Reading new file errored")
		return
	}

	aio := zt.NewAio()
	ex.pipe.Send(aio, data)
	if err := aio.Wait(); err != nil {
		log.WithField("file", event.Name).WithError(err).Warn("Sending file errored")
		return
	}

	log.WithFields(log.Fields{
		"file": name,
		"size": len(data),
	}).Info("Sent file")
}

// handlePipeRead stores every received message as a new file.
func (ex *exchange) handlePipeRead() {
	for {
		aio := zt.NewAio()
		ex.pipe.Recv(aio)
		if err := aio.Wait(); err != nil {
			if !errors.Is(err, zt.ErrClosed) {
				log.WithError(err).Error("Reading from pipe errored")
			}
			return
		}

		ex.recvNo++
		name := fmt.Sprintf("recv-%04d", ex.recvNo)
		ex.knownFiles.Store(name, struct{}{})

		path := filepath.Join(ex.directory, name)
		if err := os.WriteFile(path, aio.Message(), 0644); err != nil {
			log.WithField("file", path).WithError(err).Warn("Storing received message errored")
			continue
		}

		log.WithFields(log.Fields{
			"file": name,
			"size": len(aio.Message()),
		}).Info("Stored received message")
	}
}

// SPDX-FileCopyrightText: 2022 The ztpipe authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package monitor exposes a node's transport events over HTTP: a
// websocket endpoint streams every Event as JSON to any number of
// observers. Events are informational; a slow observer loses events
// instead of stalling the transport.
package monitor

import (
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/ztpipe/ztpipe-go/pkg/zt"
)

// Server fans a node's events out to websocket observers. It implements
// http.Handler and can either be mounted into an existing server or run
// standalone through ListenAndServe.
type Server struct {
	router   *mux.Router
	upgrader websocket.Upgrader

	httpServer *http.Server

	clients   map[*websocket.Conn]struct{}
	clientsMu sync.Mutex

	events chan zt.Event

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewServer creates a monitor Server, ready to be mounted or started.
func NewServer() *Server {
	s := &Server{
		router:   mux.NewRouter(),
		upgrader: websocket.Upgrader{},
		clients:  make(map[*websocket.Conn]struct{}),
		events:   make(chan zt.Event, 32),
		stopSyn:  make(chan struct{}),
		stopAck:  make(chan struct{}),
	}

	s.router.HandleFunc("/ws/events", s.handleWebsocket)

	go s.handler()

	return s
}

// Attach subscribes the Server to a node's events. Multiple nodes may be
// attached; their event streams are merged.
func (s *Server) Attach(n *zt.Node) {
	go func() {
		for event := range n.Subscribe() {
			select {
			case s.events <- event:
			case <-s.stopSyn:
				return
			}
		}
	}()
}

// handler distributes events to the connected observers.
func (s *Server) handler() {
	defer close(s.stopAck)

	for {
		select {
		case <-s.stopSyn:
			return

		case event := <-s.events:
			s.clientsMu.Lock()
			for conn := range s.clients {
				if err := conn.WriteJSON(event); err != nil {
					log.WithFields(log.Fields{
						"client": conn.RemoteAddr(),
						"error":  err,
					}).Debug("Monitor dropping observer after write error")

					_ = conn.Close()
					delete(s.clients, conn)
				}
			}
			s.clientsMu.Unlock()
		}
	}
}

// ServeHTTP serves the monitor's routes.
func (s *Server) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(rw, r)
}

// handleWebsocket upgrades an observer connection and registers it for
// the event stream.
func (s *Server) handleWebsocket(rw http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		log.WithError(err).Warn("Upgrading monitor request to WebSocket errored")
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = struct{}{}
	s.clientsMu.Unlock()

	log.WithField("client", conn.RemoteAddr()).Debug("Monitor observer connected")
}

// ListenAndServe runs the monitor on its own HTTP server. It blocks until
// the server fails or Close is called.
func (s *Server) ListenAndServe(listenAddress string) error {
	s.httpServer = &http.Server{
		Addr:    listenAddress,
		Handler: s,
	}
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close shuts the monitor down, disconnecting all observers.
func (s *Server) Close() error {
	var err error

	close(s.stopSyn)
	<-s.stopAck

	s.clientsMu.Lock()
	for conn := range s.clients {
		if closeErr := conn.Close(); closeErr != nil {
			err = multierror.Append(err, closeErr)
		}
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.httpServer != nil {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			err = multierror.Append(err, closeErr)
		}
	}

	return err
}

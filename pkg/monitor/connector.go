// SPDX-FileCopyrightText: 2022 The ztpipe authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package monitor

import (
	"fmt"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/ztpipe/ztpipe-go/pkg/zt"
)

// Connector is the client side of a monitor Server's event stream.
type Connector struct {
	conn *websocket.Conn
}

// NewConnector connects to a monitor Server. The address is the HTTP
// host:port the Server listens on.
func NewConnector(address string) (*Connector, error) {
	wsURL := url.URL{Scheme: "ws", Host: address, Path: "/ws/events"}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dialing monitor %s errored: %w", wsURL.String(), err)
	}

	return &Connector{conn: conn}, nil
}

// Next blocks until the next event arrives.
func (c *Connector) Next() (event zt.Event, err error) {
	err = c.conn.ReadJSON(&event)
	return
}

// Close disconnects from the monitor.
func (c *Connector) Close() error {
	return c.conn.Close()
}

// SPDX-FileCopyrightText: 2022 The ztpipe authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package monitor

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ztpipe/ztpipe-go/pkg/memoverlay"
	"github.com/ztpipe/ztpipe-go/pkg/zt"
)

func TestMonitorEventStream(t *testing.T) {
	sw := memoverlay.NewSwitch()

	lep, err := zt.NewListener("zt://a09acf0233/*:9001", 16)
	if err != nil {
		t.Fatal(err)
	}
	lep.SetOverlayFactory(sw.Factory)
	if err := lep.SetOption(zt.OptHome, t.TempDir()); err != nil {
		t.Fatal(err)
	}
	if err := lep.Bind(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lep.Close() }()

	mon := NewServer()
	mon.Attach(lep.Node())
	defer func() { _ = mon.Close() }()

	httpServer := httptest.NewServer(mon)
	defer httpServer.Close()

	connector, err := NewConnector(strings.TrimPrefix(httpServer.URL, "http://"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = connector.Close() }()

	// Establishing a pipe publishes a pipe-opened event.
	self, err := lep.GetOption(zt.OptNode)
	if err != nil {
		t.Fatal(err)
	}

	acceptAio := zt.NewAio()
	lep.Accept(acceptAio)

	dialer, err := zt.NewDialer(fmt.Sprintf("zt://a09acf0233/%x:9001", self), 16)
	if err != nil {
		t.Fatal(err)
	}
	dialer.SetOverlayFactory(sw.Factory)
	if err := dialer.SetOption(zt.OptHome, t.TempDir()); err != nil {
		t.Fatal(err)
	}

	connAio := zt.NewAio()
	dialer.Connect(connAio)
	if err := connAio.Wait(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = connAio.Pipe().Close() }()
	defer func() { _ = dialer.Close() }()

	if err := acceptAio.Wait(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = acceptAio.Pipe().Close() }()

	eventChan := make(chan zt.Event, 1)
	go func() {
		for {
			event, readErr := connector.Next()
			if readErr != nil {
				return
			}
			if event.Kind == zt.EventPipeOpened {
				eventChan <- event
				return
			}
		}
	}()

	select {
	case event := <-eventChan:
		if event.Node != lep.Node().Self() {
			t.Fatalf("event names node %x instead of %x", event.Node, lep.Node().Self())
		}
		if event.Local == 0 {
			t.Fatal("pipe-opened event misses the local address")
		}

	case <-time.After(2 * time.Second):
		t.Fatal("no pipe-opened event arrived")
	}
}

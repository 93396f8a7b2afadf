// SPDX-FileCopyrightText: 2022 The ztpipe authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package memoverlay

import (
	"bytes"
	"testing"

	"github.com/ztpipe/ztpipe-go/pkg/zt"
)

// stubCallbacks collects everything an overlay reports, backed by an
// in-memory state map.
type stubCallbacks struct {
	state  map[zt.StateObjectType][]byte
	frames []Frame
	events []zt.EventType
}

func newStubCallbacks() *stubCallbacks {
	return &stubCallbacks{state: make(map[zt.StateObjectType][]byte)}
}

func (sc *stubCallbacks) callbacks() zt.Callbacks {
	return zt.Callbacks{
		VirtualNetworkFrame: func(nwid, srcMAC, dstMAC uint64, etherType uint16, data []byte) {
			sc.frames = append(sc.frames, Frame{
				NWID: nwid, SrcMAC: srcMAC, DstMAC: dstMAC, EtherType: etherType,
				Data: append([]byte(nil), data...),
			})
		},
		StatePut: func(objType zt.StateObjectType, data []byte) {
			if data == nil {
				delete(sc.state, objType)
			} else {
				sc.state[objType] = append([]byte(nil), data...)
			}
		},
		StateGet: func(objType zt.StateObjectType) []byte {
			return sc.state[objType]
		},
		Event: func(event zt.EventType) {
			sc.events = append(sc.events, event)
		},
	}
}

func TestIdentityPersistence(t *testing.T) {
	sw := NewSwitch()
	cb := newStubCallbacks()

	first, err := sw.Factory("", cb.callbacks(), 0)
	if err != nil {
		t.Fatal(err)
	}
	addr := first.Address()
	if addr == 0 || addr > 0xffffffffff {
		t.Fatalf("node id %x is out of the 40 bit range", addr)
	}

	if _, ok := cb.state[zt.StateIdentitySecret]; !ok {
		t.Fatal("no secret identity was persisted")
	}
	if _, ok := cb.state[zt.StateIdentityPublic]; !ok {
		t.Fatal("no public identity was persisted")
	}

	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	// A second overlay over the same state adopts the identity.
	second, err := sw.Factory("", cb.callbacks(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if second.Address() != addr {
		t.Fatalf("restored node id %x does not match %x", second.Address(), addr)
	}
	_ = second.Close()
}

func TestParseIdentityReject(t *testing.T) {
	tests := []string{"", "zz", "0", "ffffffffffff"}

	for _, test := range tests {
		if _, err := parseIdentity(test); err == nil {
			t.Fatalf("parsing identity %q succeeded", test)
		}
	}
}

func TestFrameDelivery(t *testing.T) {
	sw := NewSwitch()

	sender, err := sw.Factory("", newStubCallbacks().callbacks(), 0)
	if err != nil {
		t.Fatal(err)
	}
	receiverCb := newStubCallbacks()
	receiver, err := sw.Factory("", receiverCb.callbacks(), 0)
	if err != nil {
		t.Fatal(err)
	}

	const nwid = 0xa09acf0233000001

	if err := sender.Join(nwid); err != nil {
		t.Fatal(err)
	}
	if err := receiver.Join(nwid); err != nil {
		t.Fatal(err)
	}

	srcMAC := zt.NodeToMAC(sender.Address(), nwid)
	dstMAC := zt.NodeToMAC(receiver.Address(), nwid)
	payload := []byte{0xC0, 0xFF, 0xEE}

	if _, err := sender.ProcessVirtualNetworkFrame(nwid, srcMAC, dstMAC, 0x0901, payload, 0); err != nil {
		t.Fatal(err)
	}

	if len(receiverCb.frames) != 1 {
		t.Fatalf("receiver saw %d frames instead of 1", len(receiverCb.frames))
	}
	if f := receiverCb.frames[0]; !bytes.Equal(f.Data, payload) || f.EtherType != 0x0901 {
		t.Fatalf("received frame %v does not match", f)
	}

	// Without membership no frame is delivered.
	if err := receiver.Leave(nwid); err != nil {
		t.Fatal(err)
	}
	if _, err := sender.ProcessVirtualNetworkFrame(nwid, srcMAC, dstMAC, 0x0901, payload, 0); err != nil {
		t.Fatal(err)
	}
	if len(receiverCb.frames) != 1 {
		t.Fatal("a frame was delivered to a non-member")
	}
}

func TestSendWithoutMembership(t *testing.T) {
	sw := NewSwitch()

	ov, err := sw.Factory("", newStubCallbacks().callbacks(), 0)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := ov.ProcessVirtualNetworkFrame(1, 2, 3, 0x0901, nil, 0); err == nil {
		t.Fatal("sending without membership succeeded")
	}
}

func TestTapDropAndDuplicate(t *testing.T) {
	sw := NewSwitch()

	sender, _ := sw.Factory("", newStubCallbacks().callbacks(), 0)
	receiverCb := newStubCallbacks()
	receiver, _ := sw.Factory("", receiverCb.callbacks(), 0)

	const nwid = 17
	_ = sender.Join(nwid)
	_ = receiver.Join(nwid)

	srcMAC := zt.NodeToMAC(sender.Address(), nwid)
	dstMAC := zt.NodeToMAC(receiver.Address(), nwid)

	sw.SetTap(func(Frame) []Frame { return nil })
	if _, err := sender.ProcessVirtualNetworkFrame(nwid, srcMAC, dstMAC, 0x0901, []byte{1}, 0); err != nil {
		t.Fatal(err)
	}
	if len(receiverCb.frames) != 0 {
		t.Fatal("a dropped frame was delivered")
	}

	sw.SetTap(func(f Frame) []Frame { return []Frame{f, f} })
	if _, err := sender.ProcessVirtualNetworkFrame(nwid, srcMAC, dstMAC, 0x0901, []byte{2}, 0); err != nil {
		t.Fatal(err)
	}
	if len(receiverCb.frames) != 2 {
		t.Fatalf("a duplicated frame was delivered %d times instead of 2", len(receiverCb.frames))
	}
}

func TestWirePacketRoundTrip(t *testing.T) {
	f := Frame{
		NWID:      0xa09acf0233000001,
		SrcMAC:    0x0123456789ab,
		DstMAC:    0xba9876543210,
		EtherType: 0x0901,
		Data:      []byte{0xDE, 0xAD, 0xBE, 0xEF},
	}

	parsed, err := DecodeWirePacket(EncodeWirePacket(f))
	if err != nil {
		t.Fatal(err)
	}

	if parsed.NWID != f.NWID || parsed.SrcMAC != f.SrcMAC || parsed.DstMAC != f.DstMAC ||
		parsed.EtherType != f.EtherType || !bytes.Equal(parsed.Data, f.Data) {
		t.Fatalf("round trip %v does not match %v", parsed, f)
	}

	if _, err := DecodeWirePacket([]byte{1, 2, 3}); err == nil {
		t.Fatal("decoding a runt envelope succeeded")
	}
}

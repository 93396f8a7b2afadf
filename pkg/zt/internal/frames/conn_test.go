// SPDX-FileCopyrightText: 2022 The ztpipe authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package frames

import (
	"bytes"
	"testing"
)

func TestConnReqRoundTrip(t *testing.T) {
	req := NewConnReq(9001, 0x800001, 0x0010)

	data, err := Encode(req)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != HeaderSize+2 {
		t.Fatalf("encoded length is %d instead of %d", len(data), HeaderSize+2)
	}

	parsed, parseErr := Decode(data)
	if parseErr != nil {
		t.Fatal(parseErr)
	}

	parsedReq := parsed.(*ConnReq)
	if parsedReq.Protocol != req.Protocol {
		t.Fatalf("protocol is %d instead of %d", parsedReq.Protocol, req.Protocol)
	}
	if parsedReq.DstPort != 9001 || parsedReq.SrcPort != 0x800001 {
		t.Fatalf("ports are %d/%d instead of 9001/%d", parsedReq.DstPort, parsedReq.SrcPort, 0x800001)
	}
}

func TestConnAckRoundTrip(t *testing.T) {
	ack := NewConnAck(0x800001, 0x812345, 0x0011)

	data, err := Encode(ack)
	if err != nil {
		t.Fatal(err)
	}

	parsed, parseErr := Decode(data)
	if parseErr != nil {
		t.Fatal(parseErr)
	}

	if parsedAck := parsed.(*ConnAck); parsedAck.Protocol != ack.Protocol {
		t.Fatalf("protocol is %d instead of %d", parsedAck.Protocol, ack.Protocol)
	}
}

func TestConnFrameLengthStrict(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"conn_req short", []byte{0x10, 0x00, 0x00, 0x01, 0x00, 0x00, 0x23, 0x29, 0x00, 0x80, 0x00, 0x01, 0x00}},
		{"conn_req trailing", append(mustEncode(NewConnReq(9001, 0x800001, 1)), 0xFF)},
		{"conn_ack trailing", append(mustEncode(NewConnAck(9001, 0x800001, 1)), 0x00, 0x00)},
	}

	for _, test := range tests {
		if _, err := Decode(test.raw); err == nil {
			t.Fatalf("%s: decoding succeeded", test.name)
		}
	}
}

func mustEncode(f Frame) []byte {
	data, err := Encode(f)
	if err != nil {
		panic(err)
	}
	return data
}

func TestControlFramesRoundTrip(t *testing.T) {
	tests := []Frame{
		NewDiscReq(9001, 0x800001),
		NewPingReq(9001, 0x800001),
		NewPingAck(0x800001, 9001),
	}

	for _, test := range tests {
		data, err := Encode(test)
		if err != nil {
			t.Fatal(err)
		}
		if len(data) != HeaderSize {
			t.Fatalf("%v: encoded length is %d instead of %d", test, len(data), HeaderSize)
		}

		parsed, parseErr := Decode(data)
		if parseErr != nil {
			t.Fatal(parseErr)
		}
		if !bytes.Equal(mustEncode(parsed), data) {
			t.Fatalf("%v: re-encoding does not match", test)
		}
	}
}

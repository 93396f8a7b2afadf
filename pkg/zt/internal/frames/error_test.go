// SPDX-FileCopyrightText: 2022 The ztpipe authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package frames

import "testing"

func TestErrorFrameRoundTrip(t *testing.T) {
	tests := []struct {
		code   ErrorCode
		reason string
	}{
		{CodeRefused, "connection refused"},
		{CodeNotConn, "no such connection"},
		{CodeWrongSP, "protocol mismatch"},
		{CodeProto, ""},
		{CodeMsgSize, "message exceeds receive limit of 1024"},
		{CodeUnknown, "?"},
	}

	for _, test := range tests {
		ef := NewErrorFrame(9001, 0x800001, test.code, test.reason)

		data, err := Encode(ef)
		if err != nil {
			t.Fatal(err)
		}
		if len(data) != HeaderSize+1+len(test.reason) {
			t.Fatalf("encoded length is %d instead of %d", len(data), HeaderSize+1+len(test.reason))
		}

		parsed, parseErr := Decode(data)
		if parseErr != nil {
			t.Fatal(parseErr)
		}

		parsedEf := parsed.(*ErrorFrame)
		if parsedEf.Code != test.code {
			t.Fatalf("code is %v instead of %v", parsedEf.Code, test.code)
		}
		if parsedEf.Reason != test.reason {
			t.Fatalf("reason is %q instead of %q", parsedEf.Reason, test.reason)
		}
	}
}

func TestErrorFrameTruncated(t *testing.T) {
	// An ERROR frame without its code octet is invalid.
	raw := mustEncode(NewDiscReq(9001, 0x800001))
	raw[0] = OpError

	if _, err := Decode(raw); err == nil {
		t.Fatal("decoding a code-less ERROR frame succeeded")
	}
}

func TestErrorCodeString(t *testing.T) {
	tests := []struct {
		code ErrorCode
		str  string
	}{
		{CodeRefused, "REFUSED"},
		{CodeNotConn, "NOTCONN"},
		{CodeWrongSP, "WRONGSP"},
		{CodeProto, "PROTO"},
		{CodeMsgSize, "MSGSIZE"},
		{CodeUnknown, "UNKNOWN"},
		{ErrorCode(0x99), "ErrorCode(0x99)"},
	}

	for _, test := range tests {
		if s := test.code.String(); s != test.str {
			t.Fatalf("String of %d is %q instead of %q", uint8(test.code), s, test.str)
		}
	}
}

// SPDX-FileCopyrightText: 2022 The ztpipe authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package frames

import (
	"bytes"
	"testing"
)

func TestDataFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		frame   *DataFrame
		opcode  uint8
		payload []byte
	}{
		{"single", NewDataFrame(9001, 0x800001, 1, 500, 0, 1, []byte("hi")), OpData, []byte("hi")},
		{"first-of-three", NewDataFrame(9001, 0x800001, 2, 500, 0, 3, make([]byte, 500)), OpDataMF, make([]byte, 500)},
		{"middle", NewDataFrame(9001, 0x800001, 2, 500, 1, 3, make([]byte, 500)), OpDataMF, make([]byte, 500)},
		{"last", NewDataFrame(9001, 0x800001, 2, 500, 2, 3, []byte{0xAB}), OpData, []byte{0xAB}},
		{"empty", NewDataFrame(9001, 0x800001, 3, 480, 0, 1, nil), OpData, nil},
	}

	for _, test := range tests {
		if test.frame.Opcode != test.opcode {
			t.Fatalf("%s: opcode is %#02x instead of %#02x", test.name, test.frame.Opcode, test.opcode)
		}

		data, err := Encode(test.frame)
		if err != nil {
			t.Fatal(err)
		}
		if len(data) != DataHeaderSize+len(test.payload) {
			t.Fatalf("%s: encoded length is %d instead of %d",
				test.name, len(data), DataHeaderSize+len(test.payload))
		}

		parsed, parseErr := Decode(data)
		if parseErr != nil {
			t.Fatalf("%s: decoding errored: %v", test.name, parseErr)
		}

		df := parsed.(*DataFrame)
		if df.MessageID != test.frame.MessageID || df.FragmentSize != test.frame.FragmentSize ||
			df.FragmentNo != test.frame.FragmentNo || df.NumFragments != test.frame.NumFragments {
			t.Fatalf("%s: fields %v do not match %v", test.name, df, test.frame)
		}
		if !bytes.Equal(df.Payload, test.payload) {
			t.Fatalf("%s: payload %x does not match %x", test.name, df.Payload, test.payload)
		}
	}
}

func TestDataFrameUnmarshalReject(t *testing.T) {
	valid := func() *DataFrame {
		return NewDataFrame(9001, 0x800001, 7, 500, 1, 3, make([]byte, 500))
	}

	tests := []struct {
		name   string
		mangle func(df *DataFrame)
	}{
		{"zero message id", func(df *DataFrame) { df.MessageID = 0 }},
		{"zero fragment count", func(df *DataFrame) { df.NumFragments = 0; df.FragmentNo = 0 }},
		{"fragment no out of range", func(df *DataFrame) { df.FragmentNo = 3 }},
		{"more-fragments on last", func(df *DataFrame) { df.FragmentNo = 2 }},
		{"final not last", func(df *DataFrame) { df.Opcode = OpData }},
	}

	for _, test := range tests {
		df := valid()
		test.mangle(df)

		data, err := Encode(df)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := Decode(data); err == nil {
			t.Fatalf("%s: decoding succeeded", test.name)
		}
	}
}

// SPDX-FileCopyrightText: 2022 The ztpipe authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package zt

import "testing"

func TestAddressFields(t *testing.T) {
	tests := []struct {
		node uint64
		port uint32
	}{
		{0, 0},
		{0xa09acf0233 & 0xffffffffff, 9001},
		{0xffffffffff, MaxPort},
		{1, EphemeralPort},
	}

	for _, test := range tests {
		addr := MkAddress(test.node, test.port)
		if addr.Node() != test.node {
			t.Fatalf("node of %v is %x instead of %x", addr, addr.Node(), test.node)
		}
		if addr.Port() != test.port {
			t.Fatalf("port of %v is %d instead of %d", addr, addr.Port(), test.port)
		}
	}
}

func TestMACNodeRoundTrip(t *testing.T) {
	nwids := []uint64{
		0xa09acf0233000001,
		0x8056c2e21c000001,
		0x0000000000000000,
		0xffffffffffffffff,
		// An nwid whose low byte would produce the KVM-tainted 0x52 octet.
		0xa09acf0233000050,
	}
	nodes := []uint64{1, 0x627f2e9c1a, 0xffffffffff}

	for _, nwid := range nwids {
		for _, node := range nodes {
			mac := NodeToMAC(node, nwid)

			if back := MACToNode(mac, nwid); back != node {
				t.Fatalf("node %x scrambled to MAC %x unscrambles to %x (nwid %x)",
					node, mac, back, nwid)
			}

			if first := uint8(mac >> 40); first&0x01 != 0 {
				t.Fatalf("MAC %x has the multicast bit set", mac)
			} else if first&0x02 == 0 {
				t.Fatalf("MAC %x misses the locally administered bit", mac)
			} else if first == 0x52 {
				t.Fatalf("MAC %x uses the KVM-tainted first octet", mac)
			}
		}
	}
}

func TestParseURL(t *testing.T) {
	tests := []struct {
		rawurl string
		url    URL
	}{
		{"zt://a09acf0233/627f2e9c1a:9001", URL{NWID: 0xa09acf0233, Node: 0x627f2e9c1a, Port: 9001}},
		{"zt://a09acf0233/*:9001", URL{NWID: 0xa09acf0233, Port: 9001, Wildcard: true}},
		{"zt://a09acf0233:9001", URL{NWID: 0xa09acf0233, Port: 9001, Wildcard: true}},
		{"zt://a09acf0233:0", URL{NWID: 0xa09acf0233, Wildcard: true}},
		{"zt://ffffffffffffffff/1:16777215", URL{NWID: 0xffffffffffffffff, Node: 1, Port: 16777215}},
		{"zt://1/A:1", URL{NWID: 1, Node: 0xa, Port: 1}},
	}

	for _, test := range tests {
		url, err := ParseURL(test.rawurl)
		if err != nil {
			t.Fatalf("parsing %q errored: %v", test.rawurl, err)
		}
		if url != test.url {
			t.Fatalf("parsing %q returned %v instead of %v", test.rawurl, url, test.url)
		}
	}
}

func TestParseURLReject(t *testing.T) {
	tests := []string{
		"",
		"zt://",
		"tcp://a09acf0233/1:9001",
		"zt://a09acf0233",
		"zt://a09acf0233:",
		"zt://a09acf0233/:9001",
		"zt://a09acf0233/1:16777216",
		"zt://a09acf0233/1:-1",
		"zt://a09acf0233/1:9001x",
		"zt://a09acf0233x/1:9001",
		"zt://a09acf0233aabbccddee11/1:9001",
		"zt://a09acf0233/627f2e9c1a22:9001",
		"zt://a09acf0233/*x:9001",
	}

	for _, test := range tests {
		if _, err := ParseURL(test); err != ErrAddrInvalid {
			t.Fatalf("parsing %q returned %v instead of ErrAddrInvalid", test, err)
		}
	}
}

func TestDialerURLRules(t *testing.T) {
	if _, err := NewDialer("zt://a09acf0233/*:9001", 16); err != ErrAddrInvalid {
		t.Fatalf("dialing a wildcard returned %v instead of ErrAddrInvalid", err)
	}
	if _, err := NewDialer("zt://a09acf0233/627f2e9c1a:0", 16); err != ErrAddrInvalid {
		t.Fatalf("dialing port zero returned %v instead of ErrAddrInvalid", err)
	}
	if _, err := NewDialer("zt://a09acf0233/627f2e9c1a:9001", 16); err != nil {
		t.Fatal(err)
	}
}

// SPDX-FileCopyrightText: 2022 The ztpipe authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package zt

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestStateStoreFiles(t *testing.T) {
	home := t.TempDir()
	store := newStateStore(home)

	if data := store.Get(StateIdentityPublic); data != nil {
		t.Fatalf("Get on an empty store returned %x", data)
	}

	identity := []byte("627f2e9c1a")
	store.Put(StateIdentityPublic, identity)

	if data, err := os.ReadFile(filepath.Join(home, "identity.public")); err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(data, identity) {
		t.Fatalf("identity.public holds %x instead of %x", data, identity)
	}

	if data := store.Get(StateIdentityPublic); !bytes.Equal(data, identity) {
		t.Fatalf("Get returned %x instead of %x", data, identity)
	}

	// Whole-file replacement.
	replacement := []byte("fedcba9876")
	store.Put(StateIdentityPublic, replacement)
	if data := store.Get(StateIdentityPublic); !bytes.Equal(data, replacement) {
		t.Fatalf("Get returned %x instead of %x", data, replacement)
	}

	// nil deletes.
	store.Put(StateIdentityPublic, nil)
	if data := store.Get(StateIdentityPublic); data != nil {
		t.Fatalf("Get after delete returned %x", data)
	}
}

func TestStateStoreUnpersistedTypes(t *testing.T) {
	home := t.TempDir()
	store := newStateStore(home)

	for _, objType := range []StateObjectType{StateMoon, StatePeer, StateNetworkConfig} {
		store.Put(objType, []byte("x"))
		if data := store.Get(objType); data != nil {
			t.Fatalf("object type %d was persisted", objType)
		}
	}

	entries, err := os.ReadDir(home)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("home directory contains %d unexpected files", len(entries))
	}
}

func TestStateStoreInMemory(t *testing.T) {
	store := newStateStore("")

	store.Put(StatePlanet, []byte("roots"))
	if data := store.Get(StatePlanet); !bytes.Equal(data, []byte("roots")) {
		t.Fatalf("Get returned %x", data)
	}

	store.Put(StatePlanet, []byte("other"))
	if data := store.Get(StatePlanet); !bytes.Equal(data, []byte("other")) {
		t.Fatalf("Get after replace returned %x", data)
	}

	store.Put(StatePlanet, nil)
	if data := store.Get(StatePlanet); data != nil {
		t.Fatalf("Get after delete returned %x", data)
	}
}

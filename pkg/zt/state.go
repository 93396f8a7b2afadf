// SPDX-FileCopyrightText: 2022 The ztpipe authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package zt

import (
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// stateFiles maps the persisted object types to their file name within the
// home directory. Object types without a file name are never persisted.
var stateFiles = map[StateObjectType]string{
	StateIdentityPublic: "identity.public",
	StateIdentitySecret: "identity.secret",
	StatePlanet:         "planet",
}

// stateStore persists overlay objects for one Node. With a home directory
// it writes whole files, replacing any previous content; no partial-update
// atomicity is required as the objects are small and rarely change. With an
// empty home it keeps one in-memory slot per object type instead.
type stateStore struct {
	home string
	mem  map[StateObjectType][]byte
}

func newStateStore(home string) *stateStore {
	store := &stateStore{home: home}
	if home == "" {
		store.mem = make(map[StateObjectType][]byte)
	}
	return store
}

// Put stores an object, or deletes it if data is nil.
func (store *stateStore) Put(objType StateObjectType, data []byte) {
	fname, ok := stateFiles[objType]
	if !ok {
		return
	}

	if store.mem != nil {
		if data == nil {
			delete(store.mem, objType)
		} else {
			store.mem[objType] = append([]byte(nil), data...)
		}
		return
	}

	path := filepath.Join(store.home, fname)

	if data == nil {
		_ = os.Remove(path)
		return
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		log.WithFields(log.Fields{
			"path":  path,
			"error": err,
		}).Warn("Writing overlay state file errored")

		_ = os.Remove(path)
	}
}

// Get reads an object, or nil if it is absent or not persisted.
func (store *stateStore) Get(objType StateObjectType) []byte {
	fname, ok := stateFiles[objType]
	if !ok {
		return nil
	}

	if store.mem != nil {
		if data, ok := store.mem[objType]; ok {
			return append([]byte(nil), data...)
		}
		return nil
	}

	data, err := os.ReadFile(filepath.Join(store.home, fname))
	if err != nil {
		return nil
	}
	return data
}

// SPDX-FileCopyrightText: 2022 The ztpipe authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package zt

// Dial connects to the URL's node and port and waits for the pipe. The
// temporary dial endpoint is closed again either way; the pipe carries its
// own node reference.
func Dial(rawurl string, proto uint16, home string) (*Pipe, error) {
	ep, err := NewDialer(rawurl, proto)
	if err != nil {
		return nil, err
	}
	if home != "" {
		if err := ep.SetOption(OptHome, home); err != nil {
			return nil, err
		}
	}

	aio := NewAio()
	ep.Connect(aio)
	connErr := aio.Wait()

	_ = ep.Close()

	if connErr != nil {
		return nil, connErr
	}
	return aio.Pipe(), nil
}

// Listen binds a listener on the URL's port.
func Listen(rawurl string, proto uint16, home string) (*Endpoint, error) {
	ep, err := NewListener(rawurl, proto)
	if err != nil {
		return nil, err
	}
	if home != "" {
		if err := ep.SetOption(OptHome, home); err != nil {
			return nil, err
		}
	}

	if err := ep.Bind(); err != nil {
		return nil, err
	}
	return ep, nil
}

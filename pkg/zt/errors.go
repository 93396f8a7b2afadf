// SPDX-FileCopyrightText: 2022 The ztpipe authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package zt

import (
	"errors"
	"fmt"

	"github.com/ztpipe/ztpipe-go/pkg/zt/internal/frames"
)

// Errors returned to the user by endpoint and pipe operations.
var (
	// ErrClosed is returned for operations on a closed endpoint, pipe or node.
	ErrClosed = errors.New("object is closed")

	// ErrCanceled finishes an operation whose Aio was canceled.
	ErrCanceled = errors.New("operation was canceled")

	// ErrTimedOut finishes a connect whose attempts are exhausted.
	ErrTimedOut = errors.New("operation timed out")

	// ErrConnRefused is returned when the peer has no listener on the
	// dialed port.
	ErrConnRefused = errors.New("connection refused by peer")

	// ErrNotConn names a peer that does not know the pipe anymore. No
	// operation of this package returns it: a NOTCONN error from the peer
	// surfaces as ErrClosed.
	ErrNotConn = errors.New("peer is not connected")

	// ErrProto covers protocol violations reported by the peer.
	ErrProto = errors.New("protocol error")

	// ErrMsgSize is returned for messages exceeding a size limit.
	ErrMsgSize = errors.New("message size exceeds limit")

	// ErrAddrInUse is returned when binding to an occupied port.
	ErrAddrInUse = errors.New("address is already in use")

	// ErrAddrInvalid is returned for malformed URLs and addresses.
	ErrAddrInvalid = errors.New("address is invalid")

	// ErrNoAddrSpace is returned when no free ephemeral port is left.
	ErrNoAddrSpace = errors.New("no free port in range")

	// ErrInternal signals a fatal error inside the overlay.
	ErrInternal = errors.New("internal overlay error")

	// ErrPermissionDenied names a failing overlay data store. No operation
	// of this package returns it; state write failures are only logged.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotSupported is returned for unknown options.
	ErrNotSupported = errors.New("operation not supported")

	// ErrInvalidArgument is returned for out-of-range option values.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNoOverlay is returned when no overlay factory is configured.
	ErrNoOverlay = errors.New("no overlay factory configured")
)

// TransportError is a transport-level error received from the peer as an
// ERROR frame.
type TransportError struct {
	Code   frames.ErrorCode
	Reason string
}

func (te *TransportError) Error() string {
	return fmt.Sprintf("transport error %v: %s", te.Code, te.Reason)
}

// Unwrap maps the wire error code to its user-facing sentinel error, so
// callers can match with errors.Is.
func (te *TransportError) Unwrap() error {
	switch te.Code {
	case frames.CodeRefused:
		return ErrConnRefused
	case frames.CodeNotConn:
		return ErrClosed
	case frames.CodeWrongSP:
		return ErrProto
	case frames.CodeMsgSize:
		return ErrMsgSize
	default:
		return ErrProto
	}
}

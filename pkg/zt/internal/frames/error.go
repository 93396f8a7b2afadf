// SPDX-FileCopyrightText: 2022 The ztpipe authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package frames

import (
	"fmt"
	"io"
)

// ErrorCode is the single octet error class carried in an ErrorFrame.
type ErrorCode uint8

const (
	// CodeRefused: no listener is bound to the destination port.
	CodeRefused ErrorCode = 0x01
	// CodeNotConn: no pipe exists for the destination port.
	CodeNotConn ErrorCode = 0x02
	// CodeWrongSP: the SP protocol numbers of both sides do not match.
	CodeWrongSP ErrorCode = 0x03
	// CodeProto: any other protocol violation.
	CodeProto ErrorCode = 0x04
	// CodeMsgSize: a message exceeded the receiver's maximum message size.
	CodeMsgSize ErrorCode = 0x05
	// CodeUnknown: errors not covered by the classes above.
	CodeUnknown ErrorCode = 0x06
)

func (ec ErrorCode) String() string {
	switch ec {
	case CodeRefused:
		return "REFUSED"
	case CodeNotConn:
		return "NOTCONN"
	case CodeWrongSP:
		return "WRONGSP"
	case CodeProto:
		return "PROTO"
	case CodeMsgSize:
		return "MSGSIZE"
	case CodeUnknown:
		return "UNKNOWN"
	default:
		return fmt.Sprintf("ErrorCode(%#02x)", uint8(ec))
	}
}

// ErrorFrame reports a protocol error back to a frame's sender. The reason
// is a short human-readable UTF-8 string filling the rest of the frame.
type ErrorFrame struct {
	Header

	Code   ErrorCode
	Reason string
}

// NewErrorFrame creates an ErrorFrame with the given code and reason.
func NewErrorFrame(dstPort, srcPort uint32, code ErrorCode, reason string) *ErrorFrame {
	return &ErrorFrame{
		Header: Header{
			Opcode:  OpError,
			DstPort: dstPort,
			SrcPort: srcPort,
		},
		Code:   code,
		Reason: reason,
	}
}

func (ef ErrorFrame) String() string {
	return fmt.Sprintf("ERROR(Code=%v, Reason=%q)", ef.Code, ef.Reason)
}

func (ef ErrorFrame) Marshal(w io.Writer) error {
	if err := ef.Header.Marshal(w); err != nil {
		return err
	}

	if _, err := w.Write([]byte{uint8(ef.Code)}); err != nil {
		return err
	}

	if n, err := io.WriteString(w, ef.Reason); err != nil {
		return err
	} else if n != len(ef.Reason) {
		return fmt.Errorf("wrote %d reason octets instead of %d", n, len(ef.Reason))
	}

	return nil
}

func (ef *ErrorFrame) Unmarshal(r io.Reader) error {
	if err := ef.Header.Unmarshal(r); err != nil {
		return err
	}
	if err := ef.Header.expectOpcode(OpError); err != nil {
		return err
	}

	var code [1]byte
	if _, err := io.ReadFull(r, code[:]); err != nil {
		return err
	}
	ef.Code = ErrorCode(code[0])

	if reason, err := io.ReadAll(r); err != nil {
		return err
	} else {
		ef.Reason = string(reason)
	}

	return nil
}

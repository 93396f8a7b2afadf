// SPDX-FileCopyrightText: 2022 The ztpipe authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package frames

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DataFrame carries one fragment of an application message. A message of n
// fragments is sent as n-1 frames with the OpDataMF opcode followed by a
// final frame with the OpData opcode. The message ID associates the
// fragments; the fragment size is fixed for all fragments of one message,
// only the last one may be shorter.
type DataFrame struct {
	Header

	MessageID    uint16
	FragmentSize uint16
	FragmentNo   uint16
	NumFragments uint16
	Payload      []byte
}

// NewDataFrame creates a DataFrame for the given fragment. The opcode is
// derived from the fragment's position: every fragment but the last is
// marked as "more fragments follow".
func NewDataFrame(dstPort, srcPort uint32, msgID, fragSize, fragNo, numFrags uint16, payload []byte) *DataFrame {
	opcode := OpData
	if fragNo < numFrags-1 {
		opcode = OpDataMF
	}

	return &DataFrame{
		Header: Header{
			Opcode:  opcode,
			DstPort: dstPort,
			SrcPort: srcPort,
		},
		MessageID:    msgID,
		FragmentSize: fragSize,
		FragmentNo:   fragNo,
		NumFragments: numFrags,
		Payload:      payload,
	}
}

// Last indicates that this fragment completes its message.
func (df DataFrame) Last() bool {
	return df.Opcode == OpData
}

func (df DataFrame) String() string {
	return fmt.Sprintf("DATA(MsgID=%d, Fragment=%d/%d, FragmentSize=%d, Last=%t)",
		df.MessageID, df.FragmentNo, df.NumFragments, df.FragmentSize, df.Last())
}

func (df DataFrame) Marshal(w io.Writer) error {
	if err := df.Header.Marshal(w); err != nil {
		return err
	}

	var fields = []uint16{df.MessageID, df.FragmentSize, df.FragmentNo, df.NumFragments}
	for _, field := range fields {
		if err := binary.Write(w, binary.BigEndian, field); err != nil {
			return err
		}
	}

	if n, err := w.Write(df.Payload); err != nil {
		return err
	} else if n != len(df.Payload) {
		return fmt.Errorf("wrote %d payload octets instead of %d", n, len(df.Payload))
	}

	return nil
}

func (df *DataFrame) Unmarshal(r io.Reader) error {
	if err := df.Header.Unmarshal(r); err != nil {
		return err
	}
	if err := df.Header.expectOpcode(OpData, OpDataMF); err != nil {
		return err
	}

	var fields = []*uint16{&df.MessageID, &df.FragmentSize, &df.FragmentNo, &df.NumFragments}
	for _, field := range fields {
		if err := binary.Read(r, binary.BigEndian, field); err != nil {
			return err
		}
	}

	if df.MessageID == 0 {
		return fmt.Errorf("DATA message ID must not be zero")
	}
	if df.NumFragments == 0 {
		return fmt.Errorf("DATA fragment count must not be zero")
	}
	if df.FragmentNo >= df.NumFragments {
		return fmt.Errorf("DATA fragment no %d exceeds count %d", df.FragmentNo, df.NumFragments)
	}
	if df.Opcode == OpDataMF && df.FragmentNo >= df.NumFragments-1 {
		return fmt.Errorf("DATA_MF fragment no %d is not followed by further fragments of %d",
			df.FragmentNo, df.NumFragments)
	}
	if df.Opcode == OpData && df.FragmentNo != df.NumFragments-1 {
		return fmt.Errorf("DATA fragment no %d is not the last of %d", df.FragmentNo, df.NumFragments)
	}

	var err error
	if df.Payload, err = io.ReadAll(r); err != nil {
		return err
	}

	return nil
}

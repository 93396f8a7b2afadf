// SPDX-FileCopyrightText: 2022 The ztpipe authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package zt

import (
	"fmt"
	"time"

	"github.com/ztpipe/ztpipe-go/pkg/zt/internal/frames"
)

const (
	// recvQ is the number of messages a pipe reassembles concurrently.
	recvQ = 2

	// fragStale is how long an incomplete message waits for its missing
	// fragments before the slot is reclaimed.
	fragStale = time.Second
)

// reassembly is one in-flight incoming message. A slot with message id zero
// is empty. The missing bitmap holds one bit per expected fragment, LSB
// first; a set bit marks a fragment not yet seen.
type reassembly struct {
	first    time.Time
	msgID    uint16
	ready    bool
	fragSize int
	numFrags int
	length   int
	missing  []byte
	buf      []byte
}

func (ra *reassembly) reset() {
	*ra = reassembly{}
}

// start prepares the slot for a fresh message of numFrags fragments of
// fragSize bytes each.
func (ra *reassembly) start(msgID uint16, fragSize, numFrags int, now time.Time) {
	ra.reset()

	ra.first = now
	ra.msgID = msgID
	ra.fragSize = fragSize
	ra.numFrags = numFrags
	ra.length = fragSize * numFrags
	ra.buf = make([]byte, ra.length)

	ra.missing = make([]byte, (numFrags+7)/8)
	for i := range ra.missing {
		ra.missing[i] = 0xFF
	}
	if rem := numFrags % 8; rem != 0 {
		ra.missing[len(ra.missing)-1] = 0xFF >> (8 - rem)
	}
}

// complete reports whether every fragment arrived.
func (ra *reassembly) complete() bool {
	for _, b := range ra.missing {
		if b != 0 {
			return false
		}
	}
	return true
}

// fragQueue is a pipe's bounded set of reassembly slots.
type fragQueue struct {
	slots   [recvQ]reassembly
	recvMax uint64
}

// gc reclaims slots whose message stayed incomplete past the staleness
// deadline. Ready slots are exempt; only delivery or close clears those.
func (fq *fragQueue) gc(now time.Time) {
	for i := range fq.slots {
		ra := &fq.slots[i]
		if ra.msgID != 0 && !ra.ready && now.Sub(ra.first) > fragStale {
			ra.reset()
		}
	}
}

// deliver runs one DataFrame through reassembly. A non-zero returned error
// code asks the caller to answer the sender with an ERROR frame carrying
// that code; silently dropped frames and accepted fragments return zero.
func (fq *fragQueue) deliver(df *frames.DataFrame, now time.Time) (frames.ErrorCode, string) {
	fq.gc(now)

	ra := fq.choose(df.MessageID)
	if ra == nil {
		// Every slot holds a ready, undelivered message.
		return 0, ""
	}

	fragSize := int(df.FragmentSize)
	numFrags := int(df.NumFragments)

	if ra.msgID != df.MessageID {
		if fragSize == 0 && numFrags > 1 {
			return frames.CodeProto, "zero fragment size"
		}
		// Reject messages that cannot fit the receive limit even with an
		// empty final fragment, before allocating their buffer.
		if fq.recvMax > 0 && uint64(fragSize)*uint64(numFrags-1) > fq.recvMax {
			return frames.CodeMsgSize, "message exceeds receive limit"
		}
		ra.start(df.MessageID, fragSize, numFrags, now)
	}

	switch {
	case ra.fragSize != fragSize || ra.numFrags != numFrags:
		ra.reset()
		return frames.CodeProto, "fragment geometry changed within message"
	case int(df.FragmentNo) >= ra.numFrags:
		ra.reset()
		return frames.CodeProto, "fragment number out of range"
	case !df.Last() && len(df.Payload) != ra.fragSize:
		ra.reset()
		return frames.CodeProto, "short fragment before the last"
	case df.Last() && len(df.Payload) > ra.fragSize:
		ra.reset()
		return frames.CodeProto, "last fragment exceeds fragment size"
	}

	byteNo, bitMask := int(df.FragmentNo)/8, byte(1)<<(df.FragmentNo%8)
	if ra.missing[byteNo]&bitMask == 0 {
		// Duplicate fragment.
		return 0, ""
	}

	copy(ra.buf[int(df.FragmentNo)*ra.fragSize:], df.Payload)
	ra.missing[byteNo] &^= bitMask

	if df.Last() {
		ra.length = int(df.FragmentNo)*ra.fragSize + len(df.Payload)
		if fq.recvMax > 0 && uint64(ra.length) > fq.recvMax {
			ra.reset()
			return frames.CodeMsgSize, fmt.Sprintf("message exceeds receive limit of %d", fq.recvMax)
		}
	}

	if ra.complete() {
		ra.ready = true
		ra.buf = ra.buf[:ra.length]
	}

	return 0, ""
}

// choose selects the slot for a message id: a slot already assembling that
// message if one exists, an empty slot otherwise, and failing that the one
// whose message has waited longest. Evicting an incomplete message is
// silent; tolerance for late stragglers is not a goal.
func (fq *fragQueue) choose(msgID uint16) *reassembly {
	var oldest *reassembly

	for i := range fq.slots {
		ra := &fq.slots[i]

		if ra.msgID == msgID {
			return ra
		}
		if ra.msgID == 0 {
			if oldest == nil || !oldest.empty() {
				oldest = ra
			}
			continue
		}
		if ra.ready {
			continue
		}
		if oldest == nil || (oldest.msgID != 0 && ra.first.Before(oldest.first)) {
			oldest = ra
		}
	}

	return oldest
}

func (ra *reassembly) empty() bool {
	return ra.msgID == 0
}

// takeReady pops the first completely reassembled message, if any.
func (fq *fragQueue) takeReady() ([]byte, bool) {
	for i := range fq.slots {
		ra := &fq.slots[i]
		if ra.ready {
			msg := ra.buf
			ra.reset()
			return msg, true
		}
	}
	return nil, false
}

package mcu

import (
	"encoding/binary"
	"fmt"
)

// Wire framing for the serial link. Every message travels in one frame:
//
//	sync(1) length(1) type(1) seq(2 LE) payload(length) crc(2 LE)
//
// length counts payload bytes only. The CRC covers type, seq and payload.
type frameType byte

const (
	frameCommand  frameType = 0x01
	frameAck      frameType = 0x02
	frameResponse frameType = 0x03
	frameBulk     frameType = 0x04

	frameSync     = 0x7e
	frameOverhead = 7
	// MaxBulkMsgSize is the payload capacity of one bulk data message,
	// exclusive of the leading oid byte.
	MaxBulkMsgSize = 52
	maxPayload     = MaxBulkMsgSize + 1
)

// crc16ccitt computes the CRC-16/CCITT variant used by the firmware.
func crc16ccitt(buf []byte) uint16 {
	crc := uint16(0xffff)
	for _, b := range buf {
		b ^= byte(crc)
		b ^= b << 4
		crc = (uint16(b)<<8 | crc>>8) ^ uint16(b>>4) ^ uint16(b)<<3
	}
	return crc
}

func encodeFrame(ft frameType, seq uint16, payload []byte) ([]byte, error) {
	if len(payload) > maxPayload {
		return nil, fmt.Errorf("mcu: payload too large: %d bytes", len(payload))
	}
	buf := make([]byte, 0, len(payload)+frameOverhead)
	buf = append(buf, frameSync, byte(len(payload)), byte(ft))
	buf = binary.LittleEndian.AppendUint16(buf, seq)
	buf = append(buf, payload...)
	crc := crc16ccitt(buf[2:])
	buf = binary.LittleEndian.AppendUint16(buf, crc)
	return buf, nil
}

// decodeFrame extracts the first complete frame from buf. It returns the
// number of bytes consumed; zero means more data is needed. Corrupt bytes
// before a sync marker are skipped and counted as consumed.
func decodeFrame(buf []byte) (ft frameType, seq uint16, payload []byte, consumed int, err error) {
	// Skip garbage up to the sync byte
	start := 0
	for start < len(buf) && buf[start] != frameSync {
		start++
	}
	if start > 0 {
		return 0, 0, nil, start, nil
	}
	if len(buf) < frameOverhead {
		return 0, 0, nil, 0, nil
	}
	plen := int(buf[1])
	total := plen + frameOverhead
	if plen > maxPayload {
		// Not a real frame start; resync past this byte
		return 0, 0, nil, 1, fmt.Errorf("mcu: oversized frame length %d", plen)
	}
	if len(buf) < total {
		return 0, 0, nil, 0, nil
	}
	want := binary.LittleEndian.Uint16(buf[total-2:])
	if got := crc16ccitt(buf[2 : total-2]); got != want {
		return 0, 0, nil, 1, fmt.Errorf("mcu: frame crc mismatch")
	}
	ft = frameType(buf[2])
	seq = binary.LittleEndian.Uint16(buf[3:5])
	payload = append([]byte(nil), buf[5:5+plen]...)
	return ft, seq, payload, total, nil
}

package s7

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DecodeValue interprets a raw wire buffer according to a descriptor's
// WordLen, converting the big-endian S7 payload into a Go value. Per
// §4.4, Word/DWord/Real payloads are byte-swapped into host order here;
// Byte payloads pass through unchanged, and a Bit payload is the low bit
// of its single byte (the form EncodeBit produces).
func DecodeValue(d AddressDescriptor, raw []byte) (interface{}, error) {
	switch d.WordLen {
	case WordLenBit:
		if len(raw) < 1 {
			return nil, fmt.Errorf("s7: short buffer for bit value")
		}
		return raw[0]&0x01 != 0, nil

	case WordLenByte:
		if int(d.Amount) > 1 {
			return string(raw), nil
		}
		if len(raw) < 1 {
			return nil, fmt.Errorf("s7: short buffer for byte value")
		}
		return raw[0], nil

	case WordLenWord, WordLenCounter, WordLenTimer:
		if len(raw) < 2 {
			return nil, fmt.Errorf("s7: short buffer for word value")
		}
		return binary.BigEndian.Uint16(raw), nil

	case WordLenDWord:
		if len(raw) < 4 {
			return nil, fmt.Errorf("s7: short buffer for dword value")
		}
		return binary.BigEndian.Uint32(raw), nil

	case WordLenReal:
		if len(raw) < 4 {
			return nil, fmt.Errorf("s7: short buffer for real value")
		}
		bits := binary.BigEndian.Uint32(raw)
		return math.Float32frombits(bits), nil

	default:
		return nil, fmt.Errorf("s7: unhandled word length %v", d.WordLen)
	}
}

// SwapToHost returns an owned copy of raw with multi-byte wordlengths
// byte-swapped from the wire's big-endian order into host order; Bit and
// Byte payloads are returned unchanged. This is the wire-level half of
// the variable-type transformation boundary (§4.4): the string/bool/
// scalar interpretation itself belongs to the excluded transformation
// layer, but the endian swap is this packer's job.
func SwapToHost(d AddressDescriptor, raw []byte) []byte {
	out := make([]byte, len(raw))
	copy(out, raw)
	switch d.WordLen {
	case WordLenWord, WordLenCounter, WordLenTimer:
		if len(out) >= 2 {
			out[0], out[1] = out[1], out[0]
		}
	case WordLenDWord, WordLenReal:
		if len(out) >= 4 {
			out[0], out[3] = out[3], out[0]
			out[1], out[2] = out[2], out[1]
		}
	}
	return out
}

// EncodeBit packs a boolean into the single-byte wire representation used
// for bit addresses: the value occupies the low bit.
func EncodeBit(v bool) []byte {
	if v {
		return []byte{0x01}
	}
	return []byte{0x00}
}

// EncodeWord encodes a uint16 into its big-endian wire form.
func EncodeWord(v uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, v)
	return buf
}

// EncodeDWord encodes a uint32 into its big-endian wire form.
func EncodeDWord(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

// EncodeReal encodes a float32 into its big-endian IEEE-754 wire form.
func EncodeReal(v float32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, math.Float32bits(v))
	return buf
}

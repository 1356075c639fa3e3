package s7

import (
	"encoding/binary"
	"errors"
	"fmt"

	"s7200drv/logging"
)

const (
	s7ProtocolID = 0x32

	// Message Types
	s7MsgJob     = 0x01
	s7MsgAckData = 0x03

	// Functions
	s7FuncSetupComm = 0xF0
	s7FuncRead      = 0x04
	s7FuncWrite     = 0x05

	// Area Codes (S7ANY addressing). The S7-200 exposes V-memory as DB1
	// through the generic DB area code; timers and counters use the IEC
	// (S7-200-specific) area codes rather than the S7-300/400 ones.
	s7AreaI    = 0x81 // Inputs
	s7AreaQ    = 0x82 // Outputs
	s7AreaM    = 0x83 // Markers/Flags
	s7AreaDB   = 0x84 // Data blocks (V-memory lives here, DB number 1)
	s7AreaC200 = 0x1E // IEC counters (S7-200)
	s7AreaT200 = 0x1F // IEC timers (S7-200)

	// Transport sizes for S7ANY
	tsBIT   = 0x01
	tsBYTE  = 0x02
	tsWORD  = 0x04
	tsDWORD = 0x06
	tsREAL  = 0x08

	// S7ANY constants
	s7AnySpecType = 0x12
	s7AnyLen      = 0x0A
	s7AnySyntaxID = 0x10
)

// PDU Packer bounds, per §4.4.
const (
	PDUSize           = 240
	ReadVarOverhead   = 5
	ReadMsgOverhead   = 13
	WriteVarOverhead  = 16
	WriteMsgOverhead  = 12
	MaxReadBatch      = 19
	MaxWriteBatch     = 12
)

// buildSetupCommRequest creates an S7 Setup Communication request PDU.
func buildSetupCommRequest(pduSize uint16) []byte {
	header := []byte{
		s7ProtocolID,
		s7MsgJob,
		0x00, 0x00,
		0x00, 0x00,
		0x00, 0x08,
		0x00, 0x00,
	}
	params := []byte{
		s7FuncSetupComm,
		0x00,
		0x00, 0x01,
		0x00, 0x01,
		byte(pduSize >> 8), byte(pduSize),
	}
	return append(header, params...)
}

// parseSetupCommResponse parses an S7 Setup Communication response.
func parseSetupCommResponse(data []byte) (uint16, error) {
	if len(data) < 20 {
		return 0, fmt.Errorf("setup response too short: %d bytes", len(data))
	}
	if data[0] != s7ProtocolID {
		return 0, fmt.Errorf("invalid protocol ID: 0x%02X", data[0])
	}
	if data[1] != s7MsgAckData {
		return 0, fmt.Errorf("unexpected message type: 0x%02X", data[1])
	}
	if data[10] != 0 || data[11] != 0 {
		return 0, S7Error{Class: data[10], Code: data[11]}
	}
	if data[12] != s7FuncSetupComm {
		return 0, fmt.Errorf("unexpected function: 0x%02X", data[12])
	}
	return binary.BigEndian.Uint16(data[18:20]), nil
}

// areaCode maps an AddressDescriptor's Area to its S7ANY area byte and
// effective DB number.
func areaCode(d AddressDescriptor) (code byte, dbNumber int) {
	switch d.Area {
	case AreaDB:
		return s7AreaDB, d.DBNumber
	case AreaInputs:
		return s7AreaI, 0
	case AreaOutputs:
		return s7AreaQ, 0
	case AreaMemory:
		return s7AreaM, 0
	case AreaTimers:
		return s7AreaT200, 0
	case AreaCounters:
		return s7AreaC200, 0
	default:
		return s7AreaDB, d.DBNumber
	}
}

// transportSize returns the S7ANY transport size code for a descriptor.
func transportSize(d AddressDescriptor) byte {
	if d.WordLen == WordLenBit {
		return tsBIT
	}
	switch d.WordLen {
	case WordLenByte:
		return tsBYTE
	case WordLenWord, WordLenCounter, WordLenTimer:
		return tsWORD
	case WordLenDWord, WordLenReal:
		return tsDWORD
	default:
		return tsBYTE
	}
}

// addressToS7Any encodes one AddressDescriptor as an S7ANY item.
func addressToS7Any(d AddressDescriptor) []byte {
	code, db := areaCode(d)
	ts := transportSize(d)

	var count int
	switch d.WordLen {
	case WordLenBit:
		count = 1
	case WordLenByte:
		count = int(d.Amount) // byte-string length
	default:
		count = int(d.Amount)
		if count < 1 {
			count = 1
		}
	}

	bitAddr := int(d.StartByte) * 8
	if d.WordLen == WordLenBit {
		bitAddr += int(d.BitOffset)
	}

	logging.DebugLog("S7", "addressToS7Any: area=%s db=%d start=%d bit=%d transportSize=0x%02X count=%d",
		d.Area, db, d.StartByte, d.BitOffset, ts, count)

	return []byte{
		s7AnySpecType,
		s7AnyLen,
		s7AnySyntaxID,
		ts,
		byte(count >> 8), byte(count),
		byte(db >> 8), byte(db),
		code,
		byte(bitAddr >> 16), byte(bitAddr >> 8), byte(bitAddr),
	}
}

// buildReadRequest builds a multi-var S7 Read Variable request for up to
// MaxReadBatch descriptors.
func buildReadRequest(items []AddressDescriptor, pduRef uint16) []byte {
	itemCount := len(items)
	paramLen := 2 + itemCount*12

	header := []byte{
		s7ProtocolID,
		s7MsgJob,
		0x00, 0x00,
		byte(pduRef >> 8), byte(pduRef),
		byte(paramLen >> 8), byte(paramLen),
		0x00, 0x00,
	}

	params := []byte{s7FuncRead, byte(itemCount)}
	for _, d := range items {
		params = append(params, addressToS7Any(d)...)
	}

	return append(header, params...)
}

// readResult is one item's decoded payload or error from a read response.
type readResult struct {
	data []byte
	err  error
}

// parseReadResponse parses an S7 Read Variable response carrying count items.
func parseReadResponse(data []byte, count int) []readResult {
	results := make([]readResult, count)
	fail := func(msg string) []readResult {
		for i := range results {
			results[i].err = errors.New(msg)
		}
		return results
	}

	if len(data) < 12 {
		return fail("response too short")
	}
	if data[0] != s7ProtocolID {
		return fail(fmt.Sprintf("invalid protocol ID: 0x%02X", data[0]))
	}
	if data[1] != s7MsgAckData {
		if data[1] == 0x02 && len(data) >= 12 {
			err := S7Error{Class: data[10], Code: data[11]}
			for i := range results {
				results[i].err = err
			}
			return results
		}
		return fail(fmt.Sprintf("unexpected message type: 0x%02X", data[1]))
	}
	if data[10] != 0 || data[11] != 0 {
		err := S7Error{Class: data[10], Code: data[11]}
		for i := range results {
			results[i].err = err
		}
		return results
	}

	paramLen := binary.BigEndian.Uint16(data[6:8])
	dataLen := binary.BigEndian.Uint16(data[8:10])
	dataStart := 12 + int(paramLen)
	if dataStart > len(data) || int(dataLen) > len(data)-dataStart {
		return fail("invalid response lengths")
	}

	pos := dataStart
	for i := 0; i < count; i++ {
		if pos >= len(data) {
			for j := i; j < count; j++ {
				results[j].err = fmt.Errorf("unexpected end of data (item %d of %d)", j+1, count)
			}
			break
		}

		returnCode := data[pos]
		if returnCode != dataItemSuccess {
			results[i].err = fmt.Errorf("%s", dataItemError(returnCode))
			pos++
			continue
		}

		if pos+4 > len(data) {
			for j := i; j < count; j++ {
				results[j].err = fmt.Errorf("data item header too short")
			}
			break
		}

		ts := data[pos+1]
		bitLen := binary.BigEndian.Uint16(data[pos+2 : pos+4])
		var byteLen int
		if ts == 0x09 {
			byteLen = int(bitLen)
		} else {
			byteLen = int((bitLen + 7) / 8)
		}
		pos += 4

		if pos+byteLen > len(data) {
			for j := i; j < count; j++ {
				results[j].err = fmt.Errorf("data truncated: need %d bytes, have %d", byteLen, len(data)-pos)
			}
			break
		}

		buf := make([]byte, byteLen)
		copy(buf, data[pos:pos+byteLen])
		results[i].data = buf
		pos += byteLen

		if i < count-1 && byteLen%2 == 1 {
			pos++
		}
	}

	return results
}

// writeItem is one descriptor plus the wire-ready bytes to write.
type writeItem struct {
	desc AddressDescriptor
	data []byte
}

// buildWriteRequest builds a multi-var S7 Write Variable request for up to
// MaxWriteBatch items.
func buildWriteRequest(items []writeItem, pduRef uint16) []byte {
	itemCount := len(items)
	paramLen := 2 + itemCount*12

	dataLen := 0
	for _, it := range items {
		l := 4 + len(it.data)
		if len(it.data)%2 == 1 {
			l++
		}
		dataLen += l
	}

	header := []byte{
		s7ProtocolID,
		s7MsgJob,
		0x00, 0x00,
		byte(pduRef >> 8), byte(pduRef),
		byte(paramLen >> 8), byte(paramLen),
		byte(dataLen >> 8), byte(dataLen),
	}

	params := []byte{s7FuncWrite, byte(itemCount)}
	for _, it := range items {
		params = append(params, addressToS7Any(it.desc)...)
	}

	var payload []byte
	for _, it := range items {
		ts := transportSize(it.desc)
		bitLen := len(it.data) * 8
		if it.desc.WordLen == WordLenBit {
			bitLen = 1
		}
		section := []byte{0x00, ts, byte(bitLen >> 8), byte(bitLen)}
		section = append(section, it.data...)
		if len(it.data)%2 == 1 {
			section = append(section, 0x00)
		}
		payload = append(payload, section...)
	}

	result := append(header, params...)
	result = append(result, payload...)
	return result
}

// parseWriteResponse parses an S7 Write Variable response carrying count
// items and returns one error (nil on success) per item.
func parseWriteResponse(data []byte, count int) []error {
	errs := make([]error, count)
	fail := func(err error) []error {
		for i := range errs {
			errs[i] = err
		}
		return errs
	}

	if len(data) < 12 {
		return fail(fmt.Errorf("response too short"))
	}
	if data[0] != s7ProtocolID {
		return fail(fmt.Errorf("invalid protocol ID: 0x%02X", data[0]))
	}
	if data[1] != s7MsgAckData {
		return fail(fmt.Errorf("unexpected message type: 0x%02X", data[1]))
	}
	if data[10] != 0 || data[11] != 0 {
		return fail(S7Error{Class: data[10], Code: data[11]})
	}

	paramLen := binary.BigEndian.Uint16(data[6:8])
	dataStart := 12 + int(paramLen)

	pos := dataStart
	for i := 0; i < count; i++ {
		if pos >= len(data) {
			errs[i] = fmt.Errorf("no data in response for item %d", i)
			continue
		}
		returnCode := data[pos]
		if returnCode != dataItemSuccess {
			errs[i] = fmt.Errorf("%s", dataItemError(returnCode))
		}
		pos++
	}
	return errs
}

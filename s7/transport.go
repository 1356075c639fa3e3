package s7

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"s7200drv/logging"
)

const (
	defaultS7Port = 102

	// TPKT constants (RFC 1006)
	tpktVersion    = 0x03
	tpktHeaderSize = 4

	// COTP PDU Types (ISO 8073)
	cotpCR = 0xE0
	cotpCC = 0xD0
	cotpDT = 0xF0

	cotpParamSrcTSAP  = 0xC1
	cotpParamDstTSAP  = 0xC2
	cotpParamTPDUSize = 0xC0

	defaultPDUSize   = 240
	maxPDUSize       = 240
	cotpTPDUSize1024 = 0x0A
)

// Transport is the blocking S7 client bound to one IP and two TSAP ports,
// per §2's "Transport Client" component. It is owned exclusively by the
// Session Engine for that IP and never shared.
type Transport struct {
	mu         sync.Mutex
	conn       net.Conn
	address    string
	localTSAP  uint16
	remoteTSAP uint16
	timeout    time.Duration
	pduSize    uint16
	connected  bool
	pduRef     uint16
}

// NewTransport creates an unconnected Transport.
func NewTransport() *Transport {
	return &Transport{
		timeout: 10 * time.Second,
		pduSize: defaultPDUSize,
	}
}

// SetConnectionParams binds this transport to an IP and a pair of TSAP
// ports, matching the §6 S7 client interface's setConnectionParams.
func (t *Transport) SetConnectionParams(ip string, localTSAP, remoteTSAP uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.address = ip
	t.localTSAP = localTSAP
	t.remoteTSAP = remoteTSAP
}

// Connect dials the PLC, performs the COTP handshake and negotiates a PDU
// size. Returns an error if any step fails; the caller (Session Engine)
// treats this as a Transport-connect failure per §7.
func (t *Transport) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	addr := t.address
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = fmt.Sprintf("%s:%d", addr, defaultS7Port)
	}

	logging.DebugConnect("S7", addr)

	conn, err := net.DialTimeout("tcp", addr, t.timeout)
	if err != nil {
		logging.DebugConnectError("S7", addr, err)
		return fmt.Errorf("tcp connect: %w", err)
	}
	t.conn = conn

	if err := t.conn.SetDeadline(time.Now().Add(t.timeout)); err != nil {
		t.conn.Close()
		return fmt.Errorf("set deadline: %w", err)
	}

	if err := t.cotpConnect(); err != nil {
		t.conn.Close()
		t.conn = nil
		logging.DebugConnectError("S7", addr, err)
		return fmt.Errorf("cotp connect: %w", err)
	}

	pduSize, err := t.s7SetupComm()
	if err != nil {
		t.conn.Close()
		t.conn = nil
		logging.DebugConnectError("S7", addr, err)
		return fmt.Errorf("s7 setup: %w", err)
	}
	t.pduSize = pduSize
	t.connected = true

	logging.DebugConnectSuccess("S7", addr, fmt.Sprintf("localTSAP=0x%04X remoteTSAP=0x%04X PDU=%d", t.localTSAP, t.remoteTSAP, pduSize))

	t.conn.SetDeadline(time.Time{})
	return nil
}

// Disconnect closes the connection.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	logging.DebugDisconnect("S7", t.address, "disconnect requested")
	t.connected = false
	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}

// IsConnected reports whether the transport currently believes it has a
// live connection.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// ReadMultiVars issues a batched read for up to MaxReadBatch descriptors
// and returns one byte slice (or error) per descriptor, in order.
func (t *Transport) ReadMultiVars(items []AddressDescriptor) ([][]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil, fmt.Errorf("not connected")
	}

	t.pduRef++
	req := buildReadRequest(items, t.pduRef)
	resp, err := t.sendReceiveLocked(req)
	if err != nil {
		if IsLikelyConnectionError(err) {
			t.connected = false
		}
		return nil, err
	}

	results := parseReadResponse(resp, len(items))
	out := make([][]byte, len(items))
	for i, r := range results {
		if r.err != nil {
			return nil, fmt.Errorf("item %d (%s): %w", i, items[i].Raw, r.err)
		}
		out[i] = r.data
	}
	return out, nil
}

// WriteMultiVars issues a batched write for up to MaxWriteBatch items.
func (t *Transport) WriteMultiVars(items []AddressDescriptor, data [][]byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return fmt.Errorf("not connected")
	}
	if len(items) != len(data) {
		return fmt.Errorf("items/data length mismatch: %d != %d", len(items), len(data))
	}

	wItems := make([]writeItem, len(items))
	for i := range items {
		wItems[i] = writeItem{desc: items[i], data: data[i]}
	}

	t.pduRef++
	req := buildWriteRequest(wItems, t.pduRef)
	resp, err := t.sendReceiveLocked(req)
	if err != nil {
		if IsLikelyConnectionError(err) {
			t.connected = false
		}
		return err
	}

	errs := parseWriteResponse(resp, len(items))
	for i, e := range errs {
		if e != nil {
			return fmt.Errorf("item %d (%s): %w", i, items[i].Raw, e)
		}
	}
	return nil
}

// ReadArea is the single-variable fallback used when one item alone
// exceeds the PDU, per §4.4.
func (t *Transport) ReadArea(item AddressDescriptor) ([]byte, error) {
	results, err := t.ReadMultiVars([]AddressDescriptor{item})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// WriteArea is the single-variable write fallback.
func (t *Transport) WriteArea(item AddressDescriptor, data []byte) error {
	return t.WriteMultiVars([]AddressDescriptor{item}, [][]byte{data})
}

// sendReceiveLocked sends an S7 request and returns the S7 payload of the
// response. Caller must hold t.mu.
func (t *Transport) sendReceiveLocked(s7Request []byte) ([]byte, error) {
	if t.conn == nil {
		return nil, fmt.Errorf("not connected")
	}
	if err := t.conn.SetDeadline(time.Now().Add(t.timeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	cotpDTHeader := []byte{0x02, cotpDT, 0x80}
	payload := append(cotpDTHeader, s7Request...)

	if err := t.sendTPKT(payload); err != nil {
		return nil, err
	}

	resp, err := t.recvTPKT()
	if err != nil {
		return nil, err
	}
	if len(resp) < 3 {
		return nil, fmt.Errorf("response too short")
	}
	if resp[1] != cotpDT {
		return nil, fmt.Errorf("expected COTP DT, got 0x%02X", resp[1])
	}
	return resp[3:], nil
}

func (t *Transport) sendTPKT(data []byte) error {
	length := len(data) + tpktHeaderSize
	header := []byte{tpktVersion, 0x00, byte(length >> 8), byte(length)}
	packet := append(header, data...)
	logging.DebugTX("S7", packet)
	_, err := t.conn.Write(packet)
	if err != nil {
		logging.DebugError("S7", "sendTPKT write", err)
	}
	return err
}

func (t *Transport) recvTPKT() ([]byte, error) {
	header := make([]byte, tpktHeaderSize)
	if _, err := io.ReadFull(t.conn, header); err != nil {
		return nil, fmt.Errorf("read TPKT header: %w", err)
	}
	if header[0] != tpktVersion {
		return nil, fmt.Errorf("invalid TPKT version: %d", header[0])
	}
	length := int(binary.BigEndian.Uint16(header[2:4]))
	if length < tpktHeaderSize {
		return nil, fmt.Errorf("invalid TPKT length: %d", length)
	}
	payload := make([]byte, length-tpktHeaderSize)
	if _, err := io.ReadFull(t.conn, payload); err != nil {
		return nil, fmt.Errorf("read TPKT payload: %w", err)
	}
	full := append(header, payload...)
	logging.DebugRX("S7", full)
	return payload, nil
}

// cotpConnect performs the COTP connection request/confirm exchange using
// the configured local/remote TSAP ports.
func (t *Transport) cotpConnect() error {
	srcTSAP := []byte{byte(t.localTSAP >> 8), byte(t.localTSAP)}
	dstTSAP := []byte{byte(t.remoteTSAP >> 8), byte(t.remoteTSAP)}

	cr := []byte{
		0x00,
		cotpCR,
		0x00, 0x00,
		0x00, 0x01,
		0x00,
	}
	cr = append(cr, cotpParamSrcTSAP, byte(len(srcTSAP)))
	cr = append(cr, srcTSAP...)
	cr = append(cr, cotpParamDstTSAP, byte(len(dstTSAP)))
	cr = append(cr, dstTSAP...)
	cr = append(cr, cotpParamTPDUSize, 0x01, cotpTPDUSize1024)
	cr[0] = byte(len(cr) - 1)

	if err := t.sendTPKT(cr); err != nil {
		return fmt.Errorf("send COTP CR: %w", err)
	}
	cc, err := t.recvTPKT()
	if err != nil {
		return fmt.Errorf("receive COTP CC: %w", err)
	}
	if len(cc) < 2 {
		return fmt.Errorf("COTP CC too short")
	}
	if cc[1] != cotpCC {
		return fmt.Errorf("expected COTP CC (0x%02X), got 0x%02X", cotpCC, cc[1])
	}
	return nil
}

// s7SetupComm negotiates the PDU size and returns it.
func (t *Transport) s7SetupComm() (uint16, error) {
	request := buildSetupCommRequest(maxPDUSize)
	cotpDTHeader := []byte{0x02, cotpDT, 0x80}
	payload := append(cotpDTHeader, request...)

	if err := t.sendTPKT(payload); err != nil {
		return 0, fmt.Errorf("send S7 setup: %w", err)
	}
	resp, err := t.recvTPKT()
	if err != nil {
		return 0, fmt.Errorf("receive S7 setup response: %w", err)
	}
	if len(resp) < 3 {
		return 0, fmt.Errorf("S7 setup response too short")
	}
	if resp[1] != cotpDT {
		return 0, fmt.Errorf("expected COTP DT in response")
	}
	return parseSetupCommResponse(resp[3:])
}

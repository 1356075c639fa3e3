// Package driver implements the Driver Façade (§4.2): the entry point
// the SCADA host calls into, owning the collection of Session Engines,
// forwarding writes, and draining the Dispatch Queue.
package driver

import (
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"s7200drv/config"
	"s7200drv/dispatch"
	"s7200drv/logging"
	"s7200drv/registry"
	"s7200drv/s7"
	"s7200drv/session"
)

// Direction is a SCADA point's data-flow direction, carried alongside
// periphAddr into Configure (the host knows it from the point
// definition; §4.2 only names the address-parsing side of Configure).
type Direction int

const (
	DirectionIn Direction = iota
	DirectionOut
	DirectionInOut
)

// Transformation is the variable-type transformation selected for an
// address (§4.2 step 1). Selection is in scope; performing the
// transformation is not (§1 Non-goal, owned by the host).
type Transformation string

const (
	TransformString Transformation = "String"
	TransformBool   Transformation = "Bool"
	TransformUint8  Transformation = "Uint8"
	TransformInt16  Transformation = "Int16"
	TransformFloat  Transformation = "Float"
)

// SelectTransformation implements §4.2 step 1: String for a multi-byte
// Byte address, else a type keyed off WordLen.
func SelectTransformation(d s7.AddressDescriptor) Transformation {
	if d.WordLen == s7.WordLenByte && d.Amount > 1 {
		return TransformString
	}
	switch d.WordLen {
	case s7.WordLenBit:
		return TransformBool
	case s7.WordLenByte:
		return TransformUint8
	case s7.WordLenWord, s7.WordLenCounter, s7.WordLenTimer:
		return TransformInt16
	case s7.WordLenDWord, s7.WordLenReal:
		return TransformFloat
	default:
		return TransformUint8
	}
}

// ControlHandler processes a write to a single-token control address
// (e.g. "_DEBUGLVL").
type ControlHandler func(data []byte) error

// Facade is the Driver Façade.
type Facade struct {
	reg  *registry.Registry
	disp *dispatch.Queue
	cfg  *config.Config

	localTSAP, remoteTSAP uint16
	newTransport          func() session.Transport

	stop            atomic.Bool
	disableCommands atomic.Bool

	mu       sync.Mutex
	engines  map[string]*session.Engine
	wg       sync.WaitGroup
	controls map[string]ControlHandler

	// Forward receives every DispatchItem drained by WorkProc; items
	// are dropped when it is nil. cmd/s7200drv wires it to the sink
	// fan-out.
	Forward func(dispatch.Item)
}

// New creates a Façade. newTransport constructs a fresh Transport Client
// per Session Engine (normally func() session.Transport { return
// s7.NewTransport() }); it is a parameter so tests can inject fakes.
func New(cfg *config.Config, newTransport func() session.Transport) *Facade {
	f := &Facade{
		reg:          registry.New(),
		disp:         dispatch.New(),
		cfg:          cfg,
		localTSAP:    uint16(cfg.TSAPPortLocal),
		remoteTSAP:   uint16(cfg.TSAPPortRemote),
		newTransport: newTransport,
		engines:      make(map[string]*session.Engine),
		controls:     make(map[string]ControlHandler),
	}
	f.controls["_DEBUGLVL"] = f.handleDebugLevel
	return f
}

func (f *Facade) handleDebugLevel(data []byte) error {
	if len(data) < 1 {
		return fmt.Errorf("driver: _DEBUGLVL write requires at least 1 byte")
	}
	f.cfg.Lock()
	f.cfg.DebugLevel = int(data[0])
	f.cfg.Unlock()
	return nil
}

// Configure implements §4.2 configure(dpId, periphAddr). direction is
// supplied by the host's point definition.
func (f *Facade) Configure(dpId, periphAddr string, direction Direction) (Transformation, error) {
	parts := strings.Split(periphAddr, "$")
	switch len(parts) {
	case 1:
		// Control address: nothing to subscribe.
		return "", nil
	case 3:
		ip, raw, pollStr := parts[0], parts[1], parts[2]
		pollInterval, err := strconv.Atoi(pollStr)
		if err != nil {
			return "", fmt.Errorf("driver: invalid poll interval in %q: %w", periphAddr, err)
		}

		var xform Transformation
		if strings.HasPrefix(raw, "_") {
			xform = "" // special address: host's transformation is authoritative
		} else {
			desc, err := s7.ParseAddress(raw)
			if err != nil {
				return "", fmt.Errorf("driver: configure %q: %w", periphAddr, err)
			}
			xform = SelectTransformation(desc)
		}

		var addErr error
		if direction == DirectionOut {
			_, addErr = f.reg.AddWriteOnly(ip, raw, pollInterval)
		} else {
			_, addErr = f.reg.Add(ip, raw, pollInterval)
		}
		if addErr != nil {
			return "", fmt.Errorf("driver: configure %q: %w", periphAddr, addErr)
		}

		f.ensureSession(ip)
		return xform, nil
	default:
		return "", fmt.Errorf("driver: malformed address %q", periphAddr)
	}
}

// Unconfigure implements §4.2 unconfigure(dpId, periphAddr).
func (f *Facade) Unconfigure(dpId, periphAddr string) error {
	parts := strings.Split(periphAddr, "$")
	if len(parts) != 3 {
		return nil // control addresses have nothing to remove
	}
	ip, raw, pollStr := parts[0], parts[1], parts[2]
	pollInterval, err := strconv.Atoi(pollStr)
	if err != nil {
		return fmt.Errorf("driver: invalid poll interval in %q: %w", periphAddr, err)
	}
	return f.reg.Remove(ip, raw, pollInterval)
}

// WriteData implements §4.2 writeData(periphAddr, bytes).
func (f *Facade) WriteData(periphAddr string, data []byte) error {
	parts := strings.Split(periphAddr, "$")
	if len(parts) == 1 {
		handler, ok := f.controls[parts[0]]
		if !ok {
			logging.DebugLog("driver", "writeData: unknown control address %q", parts[0])
			return nil
		}
		return handler(data)
	}
	if len(parts) != 3 {
		return fmt.Errorf("driver: malformed write address %q", periphAddr)
	}

	ip, raw := parts[0], parts[1]
	var desc s7.AddressDescriptor
	if !s7.IsSpecialAddress(raw) {
		var err error
		desc, err = s7.ParseAddress(raw)
		if err != nil {
			return fmt.Errorf("driver: writeData %q: %w", periphAddr, err)
		}
	}

	f.mu.Lock()
	engine, ok := f.engines[ip]
	f.mu.Unlock()
	if !ok {
		logging.DebugLog("driver", "writeData: no session for ip %q, dropping write to %q", ip, raw)
		return fmt.Errorf("driver: unroutable write, no session for ip %q", ip)
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	engine.EnqueueWrite(raw, desc, buf)
	return nil
}

// Start implements §4.2 start(): spawns a Session Engine for every IP
// already in the Registry, and emits the version announcement before
// any IP-scoped DispatchItem (§8 scenario S6).
func (f *Facade) Start() {
	f.disp.Push(dispatch.VersionKey, []byte(config.DriverVersion))

	f.mu.Lock()
	ips := f.reg.ListIPs()
	f.mu.Unlock()
	for _, ip := range ips {
		f.ensureSession(ip)
	}
}

// Stop implements §4.2 stop(): sets the process-wide stop flag and
// joins every Session task.
func (f *Facade) Stop() {
	f.stop.Store(true)
	f.wg.Wait()
}

// WorkProc implements §4.2 workProc(): discovers IPs with no Session
// yet and spawns them, then drains the Dispatch Queue, invoking
// Forward for each item.
func (f *Facade) WorkProc() {
	f.mu.Lock()
	ips := f.reg.ListIPs()
	f.mu.Unlock()
	for _, ip := range ips {
		f.ensureSession(ip)
	}

	items := f.disp.DrainAll()
	if f.Forward == nil {
		return
	}
	for _, item := range items {
		f.Forward(item)
	}
}

// SetPassive toggles the "disableCommands" flag (§4.3): while true, every
// Session Engine skips its cycle body instead of writing/reading.
func (f *Facade) SetPassive(passive bool) {
	f.disableCommands.Store(passive)
}

func (f *Facade) ensureSession(ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.engines[ip]; exists {
		return
	}
	if !f.reg.Contains(ip) {
		return
	}

	tr := f.newTransport()
	engine := session.New(ip, f.reg, f.disp, tr, f.localTSAP, f.remoteTSAP, &f.stop, &f.disableCommands)
	f.engines[ip] = engine

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		// A parent goroutine cannot recover a child's panic, so each
		// Session Engine task guards itself: log the stack trace with
		// its IP, then re-panic so the process still crashes (§4.2's
		// fatal-signal semantics), rather than silently losing a
		// session with no trace of why.
		defer func() {
			if r := recover(); r != nil {
				logging.DebugLog("driver", "session %s panic: %v\n%s", ip, r, debug.Stack())
				panic(r)
			}
		}()
		engine.Run()
		f.mu.Lock()
		delete(f.engines, ip)
		f.mu.Unlock()
	}()
}

// Package session implements the Session Engine (§4.3): a per-IP task
// owning a Transport Client, a write queue, a last-read timestamp map,
// and the read/write poll cycle.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"s7200drv/dispatch"
	"s7200drv/logging"
	"s7200drv/registry"
	"s7200drv/s7"
)

// State is the Session Engine's connection state (§4.3).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDraining:
		return "Draining"
	default:
		return "Unknown"
	}
}

// Transport is the subset of s7.Transport the engine depends on; a real
// *s7.Transport satisfies it, tests substitute a fake.
type Transport interface {
	SetConnectionParams(ip string, localTSAP, remoteTSAP uint16)
	Connect() error
	Disconnect() error
	IsConnected() bool
	ReadMultiVars(items []s7.AddressDescriptor) ([][]byte, error)
	WriteMultiVars(items []s7.AddressDescriptor, data [][]byte) error
	ReadArea(item s7.AddressDescriptor) ([]byte, error)
	WriteArea(item s7.AddressDescriptor, data []byte) error
}

// writeItem is a WriteItem, per §3: a raw address and an owned,
// already-byte-swapped buffer.
type writeItem struct {
	raw  string
	desc s7.AddressDescriptor
	data []byte
}

// Engine is the Session Engine for one PLC IP.
type Engine struct {
	IP   string
	reg  *registry.Registry
	disp *dispatch.Queue
	tr   Transport

	localTSAP, remoteTSAP uint16

	stop            *atomic.Bool
	disableCommands *atomic.Bool

	// Timing, overridable by tests; defaults match §4.3.
	CycleInterval        time.Duration
	SettleDelay          time.Duration
	ReconnectBackoff      time.Duration
	ReadFailureThreshold int
	DefaultPollInterval  int

	mu        sync.Mutex
	writes    []writeItem
	lastRead  map[string]time.Time

	state         State
	readFailures  int
	everConnected bool

	done chan struct{}
}

// New creates a Session Engine for ip. reg must already contain a live
// IpEntry for ip; the caller (Driver Façade) is responsible for that.
func New(ip string, reg *registry.Registry, disp *dispatch.Queue, tr Transport, localTSAP, remoteTSAP uint16, stop, disableCommands *atomic.Bool) *Engine {
	return &Engine{
		IP:                   ip,
		reg:                  reg,
		disp:                 disp,
		tr:                   tr,
		localTSAP:            localTSAP,
		remoteTSAP:           remoteTSAP,
		stop:                 stop,
		disableCommands:      disableCommands,
		CycleInterval:        time.Second,
		SettleDelay:          3 * time.Second,
		ReconnectBackoff:     5 * time.Second,
		ReadFailureThreshold: 5,
		DefaultPollInterval:  2,
		lastRead:             make(map[string]time.Time),
		done:                 reg.Done(ip),
	}
}

// EnqueueWrite appends a write for raw to this IP's write queue. Called
// by the Driver Façade's writeData path.
func (e *Engine) EnqueueWrite(raw string, desc s7.AddressDescriptor, data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.writes = append(e.writes, writeItem{raw: raw, desc: desc, data: data})
}

func (e *Engine) takeWrites() []writeItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	w := e.writes
	e.writes = nil
	return w
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// State returns the engine's current connection state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Run is the Session Engine's task body. It returns when stop is set or
// the IP has been removed from the Registry, after disconnecting and
// signalling the Registry's teardown barrier.
func (e *Engine) Run() {
	defer e.teardown()

	for {
		if e.shouldExit() {
			return
		}
		if e.connectLoop() {
			return // stop/removed while retrying
		}

		if !e.everConnected {
			time.Sleep(e.SettleDelay)
			e.everConnected = true
		}

		if e.cycleLoop() {
			return // stop/removed mid-cycle
		}
		// cycleLoop returning false-but-disconnected means a forced
		// reconnect is due; loop back to connectLoop.
	}
}

func (e *Engine) shouldExit() bool {
	return e.stop.Load() || !e.reg.Contains(e.IP)
}

// connectLoop blocks until Connected, or returns true if the engine
// should exit instead (stop set or IP removed while retrying).
func (e *Engine) connectLoop() bool {
	for {
		if e.shouldExit() {
			return true
		}
		e.setState(StateConnecting)
		e.tr.SetConnectionParams(e.IP, e.localTSAP, e.remoteTSAP)
		logging.DebugConnect("s7", e.IP)
		if err := e.tr.Connect(); err != nil {
			logging.DebugConnectError("s7", e.IP, err)
			if e.everConnected {
				e.emitError(true)
			}
			e.setState(StateDisconnected)
			time.Sleep(e.ReconnectBackoff)
			continue
		}
		logging.DebugConnectSuccess("s7", e.IP, "connected")
		e.setState(StateConnected)
		e.readFailures = 0
		e.emitError(false)
		return false
	}
}

// cycleLoop runs 1s cycles until exit is requested or a forced
// reconnect is triggered by excess read failures. Returns true only
// when the caller should exit Run entirely.
func (e *Engine) cycleLoop() bool {
	for {
		cycleStart := time.Now()

		if e.shouldExit() {
			return true
		}

		if e.disableCommands.Load() {
			time.Sleep(e.CycleInterval)
			continue
		}

		e.doWrites(cycleStart)

		forceReconnect := e.doReads(cycleStart)
		if forceReconnect {
			e.setState(StateDraining)
			logging.DebugDisconnect("s7", e.IP, "read failure threshold exceeded")
			e.tr.Disconnect()
			e.emitError(true)
			e.setState(StateDisconnected)
			return false
		}

		elapsed := time.Since(cycleStart)
		if remaining := e.CycleInterval - elapsed; remaining > 0 {
			time.Sleep(remaining)
		}
	}
}

// doWrites drains the write queue, packs it through the PDU packer, and
// transmits it ahead of reads for this cycle (§5 ordering guarantee).
func (e *Engine) doWrites(cycleStart time.Time) {
	items := e.takeWrites()
	if len(items) == 0 {
		return
	}

	descs := make([]s7.AddressDescriptor, len(items))
	for i, it := range items {
		descs[i] = it.desc
	}
	batches := s7.PackBatch(descs, s7.DirectionWrite)

	idx := 0
	for _, b := range batches {
		n := len(b.Items)
		sub := items[idx : idx+n]
		data := make([][]byte, n)
		for i, it := range sub {
			data[i] = it.data
		}
		var err error
		if b.Fallback {
			err = e.tr.WriteArea(b.Items[0], data[0])
		} else {
			err = e.tr.WriteMultiVars(b.Items, data)
		}
		if err != nil {
			logging.DebugError("s7", "write", err)
		}
		for _, it := range sub {
			e.lastRead[it.raw] = cycleStart
		}
		idx += n
	}
}

// doReads builds the due-address batch, transmits it, and enqueues a
// DispatchItem per successfully decoded item. Returns true if
// readFailures has exceeded the threshold and a forced reconnect is
// required.
func (e *Engine) doReads(cycleStart time.Time) bool {
	subs := e.reg.Addresses(e.IP)

	type due struct {
		sub  registry.SubscribedAddress
	}
	var batch []due
	for _, s := range subs {
		if !s.Readable {
			continue
		}
		last, ok := e.lastRead[s.Raw]
		interval := s.PollIntervalSeconds
		if interval < e.DefaultPollInterval {
			interval = e.DefaultPollInterval
		}
		if !ok || cycleStart.Sub(last) >= time.Duration(interval)*time.Second {
			batch = append(batch, due{sub: s})
			e.lastRead[s.Raw] = cycleStart
		}
	}
	if len(batch) == 0 {
		return false
	}

	descs := make([]s7.AddressDescriptor, len(batch))
	for i, d := range batch {
		descs[i] = d.sub.Descriptor
	}
	batches := s7.PackBatch(descs, s7.DirectionRead)

	idx := 0
	anyFailure := false
	for _, b := range batches {
		n := len(b.Items)
		sub := batch[idx : idx+n]

		var results [][]byte
		var err error
		if b.Fallback {
			var one []byte
			one, err = e.tr.ReadArea(b.Items[0])
			if err == nil {
				results = [][]byte{one}
			}
		} else {
			results, err = e.tr.ReadMultiVars(b.Items)
		}

		if err != nil {
			logging.DebugError("s7", "read", err)
			anyFailure = true
			idx += n
			continue
		}

		for i, s := range sub {
			encoded := s7.SwapToHost(s.sub.Descriptor, results[i])
			key := dispatch.ValueKey(e.IP, s.sub.Raw, s.sub.PollIntervalSeconds)
			e.disp.Push(key, encoded)
		}
		idx += n
	}

	if anyFailure {
		e.readFailures++
	} else {
		e.readFailures = 0
	}
	return e.readFailures > e.ReadFailureThreshold
}

func (e *Engine) emitError(isError bool) {
	var b byte
	if isError {
		b = 1
	}
	e.disp.Push(dispatch.ErrorKey(e.IP), []byte{b})
}

func (e *Engine) teardown() {
	e.tr.Disconnect()
	e.mu.Lock()
	e.lastRead = make(map[string]time.Time)
	e.mu.Unlock()
	e.emitError(false)
	if e.done != nil {
		e.reg.SessionExited(e.IP, e.done)
	}
}

package driver

import (
	"testing"

	"s7200drv/config"
	"s7200drv/dispatch"
	"s7200drv/s7"
	"s7200drv/session"
)

type nopTransport struct{}

func (nopTransport) SetConnectionParams(ip string, localTSAP, remoteTSAP uint16) {}
func (nopTransport) Connect() error                                             { return nil }
func (nopTransport) Disconnect() error                                          { return nil }
func (nopTransport) IsConnected() bool                                          { return true }
func (nopTransport) ReadMultiVars(items []s7.AddressDescriptor) ([][]byte, error) {
	out := make([][]byte, len(items))
	for i, it := range items {
		out[i] = make([]byte, it.SizeBytes())
	}
	return out, nil
}
func (nopTransport) WriteMultiVars(items []s7.AddressDescriptor, data [][]byte) error { return nil }
func (nopTransport) ReadArea(item s7.AddressDescriptor) ([]byte, error)               { return make([]byte, item.SizeBytes()), nil }
func (nopTransport) WriteArea(item s7.AddressDescriptor, data []byte) error           { return nil }

func newTestFacade(t *testing.T) *Facade {
	t.Helper()
	cfg := config.DefaultConfig()
	return New(cfg, func() session.Transport { return nopTransport{} })
}

func TestConfigureThreeTokenSubscribes(t *testing.T) {
	f := newTestFacade(t)
	xform, err := f.Configure("dp1", "192.0.2.30$VW100$2", DirectionIn)
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if xform != TransformInt16 {
		t.Errorf("expected Int16 transformation for a Word address, got %q", xform)
	}
	if !f.reg.Contains("192.0.2.30") {
		t.Error("expected the IP to be registered")
	}
	addrs := f.reg.Addresses("192.0.2.30")
	if len(addrs) != 1 || addrs[0].Raw != "VW100" {
		t.Errorf("expected one subscribed address VW100, got %+v", addrs)
	}
}

func TestConfigureControlAddressIsNoop(t *testing.T) {
	f := newTestFacade(t)
	xform, err := f.Configure("dp1", "_DEBUGLVL", DirectionIn)
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if xform != "" {
		t.Errorf("control addresses should not select a transformation, got %q", xform)
	}
	if len(f.reg.ListIPs()) != 0 {
		t.Error("a control address should not register any IP")
	}
}

func TestConfigureInvalidAddressRejected(t *testing.T) {
	f := newTestFacade(t)
	if _, err := f.Configure("dp1", "192.0.2.31$GARBAGE$2", DirectionIn); err == nil {
		t.Error("expected an error for an unparsable address")
	}
}

func TestConfigureOutDirectionNotReadable(t *testing.T) {
	f := newTestFacade(t)
	if _, err := f.Configure("dp1", "192.0.2.32$VW10$1", DirectionOut); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	addrs := f.reg.Addresses("192.0.2.32")
	if len(addrs) != 1 || addrs[0].Readable {
		t.Errorf("OUT address should be registered but not readable, got %+v", addrs)
	}
}

func TestUnconfigureRefCounting(t *testing.T) {
	f := newTestFacade(t)
	f.Configure("dp1", "192.0.2.33$VW10$1", DirectionIn)
	f.Configure("dp2", "192.0.2.33$VW10$1", DirectionIn)

	if err := f.Unconfigure("dp1", "192.0.2.33$VW10$1"); err != nil {
		t.Fatalf("Unconfigure: %v", err)
	}
	if !f.reg.Contains("192.0.2.33") {
		t.Error("IP should still be present after one of two Unconfigures")
	}
}

func TestWriteDataControlAddressUpdatesConfig(t *testing.T) {
	f := newTestFacade(t)
	if err := f.WriteData("_DEBUGLVL", []byte{3}); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	f.cfg.RLock()
	level := f.cfg.DebugLevel
	f.cfg.RUnlock()
	if level != 3 {
		t.Errorf("expected DebugLevel=3, got %d", level)
	}
}

func TestWriteDataUnknownControlIsNoop(t *testing.T) {
	f := newTestFacade(t)
	if err := f.WriteData("_NOSUCHCONTROL", []byte{1}); err != nil {
		t.Errorf("unknown control address should be a no-op, got error: %v", err)
	}
}

func TestWriteDataUnroutableWithoutSession(t *testing.T) {
	f := newTestFacade(t)
	f.reg.Add("192.0.2.34", "VW10", 1) // registers the IP directly, so no Session Engine is spawned
	if err := f.WriteData("192.0.2.34$VW10$1", []byte{0x01, 0x02}); err == nil {
		t.Error("expected an unroutable-write error when no Session Engine exists for the IP")
	}
}

func TestWriteDataRoutesToSession(t *testing.T) {
	f := newTestFacade(t)
	f.Configure("dp1", "192.0.2.35$VW10$1", DirectionIn)

	tr := nopTransport{}
	engine := session.New("192.0.2.35", f.reg, f.disp, tr, f.localTSAP, f.remoteTSAP, &f.stop, &f.disableCommands)
	f.mu.Lock()
	f.engines["192.0.2.35"] = engine
	f.mu.Unlock()

	if err := f.WriteData("192.0.2.35$VW10$1", []byte{0x01, 0x02}); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
}

func TestStartEmitsVersionBeforeIPScoped(t *testing.T) {
	f := newTestFacade(t)
	f.reg.Add("192.0.2.36", "VW10", 1)
	f.stop.Store(true) // force any spawned Session to exit immediately

	f.Start()

	item, ok := f.disp.Pop()
	if !ok {
		t.Fatal("expected a _VERSION DispatchItem")
	}
	if item.Key != dispatch.VersionKey {
		t.Errorf("expected the first DispatchItem to be %q, got %q", dispatch.VersionKey, item.Key)
	}
	if string(item.Data) != config.DriverVersion {
		t.Errorf("expected version payload %q, got %q", config.DriverVersion, item.Data)
	}
}

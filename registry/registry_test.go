package registry

import (
	"testing"
	"time"
)

func TestAddCreatesIPOnce(t *testing.T) {
	r := New()

	newIP, err := r.Add("192.0.2.10", "VW100", 2)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !newIP {
		t.Error("first Add for an IP should report newIP=true")
	}

	newIP, err = r.Add("192.0.2.10", "VD200", 3)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if newIP {
		t.Error("second Add for the same IP should report newIP=false")
	}

	addrs := r.Addresses("192.0.2.10")
	if len(addrs) != 2 {
		t.Fatalf("expected 2 addresses, got %d", len(addrs))
	}
}

func TestDuplicateSubscriptionRefCounting(t *testing.T) {
	r := New()
	r.Add("192.0.2.11", "VW50", 1)
	r.Add("192.0.2.11", "VW50", 1) // duplicate (ip, raw, pollInterval)

	addrs := r.Addresses("192.0.2.11")
	if len(addrs) != 1 {
		t.Fatalf("duplicate (ip,raw,pollInterval) should appear once, got %d entries", len(addrs))
	}

	// Removing one reference should not remove the subscription: ref
	// count for (ip, raw) is 2.
	if err := r.Remove("192.0.2.11", "VW50", 1); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !r.Contains("192.0.2.11") {
		t.Error("IP should still be present after one of two Removes")
	}
	addrs = r.Addresses("192.0.2.11")
	if len(addrs) != 1 {
		t.Errorf("subscription should still be present, got %d entries", len(addrs))
	}
}

func TestRemoveLastAddressBlocksUntilSessionExits(t *testing.T) {
	r := New()
	r.Add("192.0.2.12", "VW10", 1)

	done := r.Done("192.0.2.12")
	if done == nil {
		t.Fatal("expected a done channel for a live IP")
	}

	removeReturned := make(chan struct{})
	go func() {
		r.Remove("192.0.2.12", "VW10", 1)
		close(removeReturned)
	}()

	select {
	case <-removeReturned:
		t.Fatal("Remove returned before the session signalled exit")
	case <-time.After(50 * time.Millisecond):
	}

	if r.Contains("192.0.2.12") {
		t.Error("IP should already be absent from the live set once its address list is empty")
	}

	r.SessionExited("192.0.2.12", done)

	select {
	case <-removeReturned:
	case <-time.After(time.Second):
		t.Fatal("Remove did not unblock after SessionExited")
	}
}

func TestInvalidAddressRejected(t *testing.T) {
	r := New()
	if _, err := r.Add("192.0.2.13", "not-an-address", 1); err == nil {
		t.Error("expected error for an unparsable address")
	}
}

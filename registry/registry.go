// Package registry implements the Address Registry (§4.6): the
// process-wide, ref-counted table of live PLC IPs and their subscribed
// addresses, plus the teardown barrier that lets a removed IP's Session
// Engine finish exiting before the IP can be reused.
package registry

import (
	"fmt"
	"sync"

	"s7200drv/s7"
)

// SubscribedAddress is an address the runtime wants polled, per §3.
// Readable is false for OUT-direction addresses (§4.2): the Façade
// still registers them so a Session exists to carry their writes, but
// the Session Engine's read batch must skip them.
type SubscribedAddress struct {
	Raw                 string
	PollIntervalSeconds int
	Descriptor          s7.AddressDescriptor
	Readable            bool
}

// pair is the (raw, pollInterval) dedup key within one IP's address list.
type pair struct {
	raw          string
	pollInterval int
}

type ipEntry struct {
	addresses []SubscribedAddress
	running   bool
	done      chan struct{} // closed by the Session Engine on exit
}

// Registry is the Address Registry. Zero value is not usable; use New.
type Registry struct {
	mu        sync.Mutex
	ips       map[string]*ipEntry
	refCounts map[string]int // key: ip + "\x00" + raw  (§3: AddressRefCount)
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		ips:       make(map[string]*ipEntry),
		refCounts: make(map[string]int),
	}
}

func refKey(ip, raw string) string {
	return ip + "\x00" + raw
}

// Add increments the ref count for (ip, raw) and, if the IP is new,
// creates its IpEntry with running=true. It always appends (raw,
// pollInterval) to the IP's address list if that exact pair isn't
// already present. Returns whether this call created a brand-new IP
// entry (the Façade uses this to decide whether to spawn a Session).
func (r *Registry) Add(ip, raw string, pollInterval int) (newIP bool, err error) {
	return r.add(ip, raw, pollInterval, true)
}

// AddWriteOnly registers (ip, raw) exactly as Add does, but marks the
// subscription unreadable: the Session Engine will carry writes for it
// but never include it in a read batch. Used for OUT-direction
// addresses (§4.2), which are writable but not polled.
func (r *Registry) AddWriteOnly(ip, raw string, pollInterval int) (newIP bool, err error) {
	return r.add(ip, raw, pollInterval, false)
}

func (r *Registry) add(ip, raw string, pollInterval int, readable bool) (newIP bool, err error) {
	var desc s7.AddressDescriptor
	if !s7.IsSpecialAddress(raw) {
		desc, err = s7.ParseAddress(raw)
		if err != nil {
			return false, fmt.Errorf("registry: invalid address %q: %w", raw, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.ips[ip]
	if !exists {
		entry = &ipEntry{running: true, done: make(chan struct{})}
		r.ips[ip] = entry
		newIP = true
	}

	r.refCounts[refKey(ip, raw)]++

	for i, a := range entry.addresses {
		if a.Raw == raw && a.PollIntervalSeconds == pollInterval {
			if readable && !a.Readable {
				entry.addresses[i].Readable = true
			}
			return newIP, nil
		}
	}
	entry.addresses = append(entry.addresses, SubscribedAddress{
		Raw:                 raw,
		PollIntervalSeconds: pollInterval,
		Descriptor:          desc,
		Readable:            readable,
	})
	return newIP, nil
}

// Remove decrements the ref count for (ip, raw); when it reaches zero,
// erases the (raw, pollInterval) pair from the IP's address list. If
// that empties the list, the IP is removed from the live set and Remove
// blocks until the Session Engine observes the removal and exits
// (signalled by the entry's done channel), per the §4.6 teardown
// barrier.
func (r *Registry) Remove(ip, raw string, pollInterval int) error {
	r.mu.Lock()
	entry, exists := r.ips[ip]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("registry: unknown ip %q", ip)
	}

	key := refKey(ip, raw)
	r.refCounts[key]--
	if r.refCounts[key] > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.refCounts, key)

	for i, a := range entry.addresses {
		if a.Raw == raw && a.PollIntervalSeconds == pollInterval {
			entry.addresses = append(entry.addresses[:i], entry.addresses[i+1:]...)
			break
		}
	}

	empty := len(entry.addresses) == 0
	if empty {
		delete(r.ips, ip)
	}
	done := entry.done
	r.mu.Unlock()

	if !empty {
		return nil
	}

	// Blocking barrier: the IP has already been deleted from the live
	// set above, so the Session Engine's next cycle will observe
	// Contains(ip)==false and exit, closing `done`. This mirrors the
	// source's `while(running) sleep(1s)` handshake without the busy
	// poll — Remove simply waits for the close.
	<-done
	return nil
}

// SessionExited is called by a Session Engine exactly once, after it has
// disconnected and torn down its own state, to unblock any Remove call
// waiting on this IP's teardown barrier.
func (r *Registry) SessionExited(ip string, done chan struct{}) {
	close(done)
}

// Running reports the IpEntry.running flag for ip. The flag is set when
// Add creates the entry and is not cleared while the entry exists;
// Running reports false once Remove has dropped the IP from the live
// set, which happens before the Session Engine has exited (Remove's
// return, not Running, marks that exit).
func (r *Registry) Running(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.ips[ip]
	return ok && entry.running
}

// Contains reports whether ip currently has any subscribed addresses.
func (r *Registry) Contains(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ips[ip]
	return ok
}

// ListIPs returns a snapshot of all live IPs.
func (r *Registry) ListIPs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.ips))
	for ip := range r.ips {
		out = append(out, ip)
	}
	return out
}

// Addresses returns a snapshot of ip's subscribed addresses, in
// insertion order.
func (r *Registry) Addresses(ip string) []SubscribedAddress {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.ips[ip]
	if !ok {
		return nil
	}
	out := make([]SubscribedAddress, len(entry.addresses))
	copy(out, entry.addresses)
	return out
}

// Done returns the channel the Session Engine for ip should close on
// exit, or nil if ip is not (or no longer) live.
func (r *Registry) Done(ip string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.ips[ip]
	if !ok {
		return nil
	}
	return entry.done
}

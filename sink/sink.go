// Package sink republishes DispatchItems drained from the Dispatch
// Queue to external telemetry systems, independently of the SCADA
// work routine that remains the primary consumer (§4.5). Each sink
// type wraps one of the pack's transport libraries.
package sink

import (
	"encoding/json"
	"strings"
	"time"

	"s7200drv/dispatch"
)

// Envelope is the JSON document published for every DispatchItem.
type Envelope struct {
	IP            string      `json:"ip,omitempty"`
	Raw           string      `json:"raw,omitempty"`
	PollInterval  int         `json:"pollIntervalSeconds,omitempty"`
	Key           string      `json:"key"`
	Value         interface{} `json:"value,omitempty"`
	Bytes         []byte      `json:"bytes,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// BuildEnvelope always carries the item's raw bytes, and decodes its key
// into (ip, raw, pollInterval) when it follows the polled-value shape,
// or into ip alone for the "<ip>$_Error" shape. Value is left unset.
func BuildEnvelope(item dispatch.Item, at time.Time) Envelope {
	env := Envelope{Key: item.Key, Bytes: item.Data, Timestamp: at}
	parts := strings.Split(item.Key, "$")
	switch len(parts) {
	case 3:
		env.IP = parts[0]
		env.Raw = parts[1]
		if n, err := parseInt(parts[2]); err == nil {
			env.PollInterval = n
		}
	case 2:
		env.IP = parts[0]
	}
	return env
}

func parseInt(s string) (int, error) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errNotInt
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

type sinkError string

func (e sinkError) Error() string { return string(e) }

const errNotInt = sinkError("not an integer")

// marshalEnvelope is shared by every sink implementation.
func marshalEnvelope(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Fanout owns a set of enabled sinks and republishes every DispatchItem
// passed to Publish to each of them. A publish error from one sink is
// logged by that sink and does not block the others.
type Fanout struct {
	sinks []Sink
}

// Sink is the interface every telemetry republisher implements.
type Sink interface {
	Start() error
	Stop()
	Publish(item dispatch.Item)
}

// NewFanout creates a Fanout over the given sinks (nil entries ignored).
func NewFanout(sinks ...Sink) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Start starts every sink, returning the first error encountered (after
// attempting to start the rest).
func (f *Fanout) Start() error {
	var firstErr error
	for _, s := range f.sinks {
		if err := s.Start(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stop stops every sink.
func (f *Fanout) Stop() {
	for _, s := range f.sinks {
		s.Stop()
	}
}

// Publish forwards item to every sink.
func (f *Fanout) Publish(item dispatch.Item) {
	for _, s := range f.sinks {
		s.Publish(item)
	}
}

// Package emr resolves a raw event's provider, event id, and version to a
// decoded field layout, and exposes typed field lookup against that layout.
//
// The metadata events that populate a layout, and the mechanics of turning
// an event's opaque payload into named fields, are the external collaborator
// spec.md calls "event-field decoders" — out of scope here. This package
// only owns the (provider, id, version) -> layout map and the accessor on
// top of it, mirroring how the teacher's procmeta.Manager owns a map keyed
// by pid without knowing how the data it stores was produced.
package emr

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ElysiumPtolemus/presentmon/internal/etwevent"
)

// ErrMissingLayout is returned by Decode and GetField when no layout has
// been registered for an event's (provider, id, version). Callers treat this
// as "skip the event" per spec.md section 7.
var ErrMissingLayout = errors.New("emr: missing field layout")

// FieldLayout names the fields a given (provider, id, version) carries, in
// the order a decoder would extract them, together with a Decode function
// supplied by the out-of-scope decoder that turns a payload into named
// values. Decode is never nil on a registered layout.
type FieldLayout struct {
	Provider etwevent.GUID
	EventID  uint16
	Version  uint8
	Fields   []string
	Decode   func(payload []byte) (map[string]etwevent.Value, error)
}

type layoutKey struct {
	provider etwevent.GUID
	id       uint16
	version  uint8
}

// Resolver maps (provider, event id, version) to a decoded field layout.
type Resolver struct {
	mu      sync.RWMutex
	layouts map[layoutKey]FieldLayout
}

// NewResolver creates an empty Resolver.
func NewResolver() *Resolver {
	return &Resolver{
		layouts: make(map[layoutKey]FieldLayout),
	}
}

// RegisterLayout records a field layout, replacing any prior registration
// for the same (provider, id, version).
func (r *Resolver) RegisterLayout(l FieldLayout) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.layouts[layoutKey{l.Provider, l.EventID, l.Version}] = l
}

// GetEventDescriptor returns the event's descriptor as already carried on
// the raw event — EMR does not infer it, the session already demultiplexed
// provider/id/version/opcode before calling on_event.
func (r *Resolver) GetEventDescriptor(raw etwevent.RawEvent) etwevent.Descriptor {
	return raw.Descr
}

// Fields is a decoded, read-only view over one event's named field values.
type Fields struct {
	values map[string]etwevent.Value
}

// GetField looks up a named field's typed value. Returns ErrMissingLayout
// if this event's layout was never registered, and a wrapped error if the
// field name is absent from the registered layout.
func (r *Resolver) GetField(raw etwevent.RawEvent, name string) (etwevent.Value, error) {
	fields, err := r.Decode(raw)
	if err != nil {
		return etwevent.Value{}, err
	}
	return fields.Get(name)
}

// Decode resolves the layout for raw's descriptor and runs its Decode
// function once, returning a Fields view for repeated GetField-style
// lookups without re-running the decoder. PCT handlers that need several
// fields off one event should call this once rather than calling GetField
// per field.
func (r *Resolver) Decode(raw etwevent.RawEvent) (Fields, error) {
	r.mu.RLock()
	layout, ok := r.layouts[layoutKey{raw.Descr.Provider, raw.Descr.ID, raw.Descr.Version}]
	r.mu.RUnlock()
	if !ok {
		return Fields{}, fmt.Errorf("%w: provider=%x id=%d version=%d", ErrMissingLayout, raw.Descr.Provider, raw.Descr.ID, raw.Descr.Version)
	}

	values, err := layout.Decode(raw.Payload)
	if err != nil {
		return Fields{}, fmt.Errorf("emr: decoding event id %d: %w", raw.Descr.ID, err)
	}
	return Fields{values: values}, nil
}

// Get looks up a single named field.
func (f Fields) Get(name string) (etwevent.Value, error) {
	v, ok := f.values[name]
	if !ok {
		return etwevent.Value{}, fmt.Errorf("emr: field %q not present in decoded event", name)
	}
	return v, nil
}

// Uint32 is a convenience wrapper for a field the caller knows is KindUint32.
func (f Fields) Uint32(name string) (uint32, error) {
	v, err := f.Get(name)
	if err != nil {
		return 0, err
	}
	return v.Uint32(), nil
}

// Uint64 is a convenience wrapper for a field the caller knows is KindUint64.
func (f Fields) Uint64(name string) (uint64, error) {
	v, err := f.Get(name)
	if err != nil {
		return 0, err
	}
	return v.Uint64(), nil
}

// Bool is a convenience wrapper for a field the caller knows is KindBool.
func (f Fields) Bool(name string) (bool, error) {
	v, err := f.Get(name)
	if err != nil {
		return false, err
	}
	return v.Bool(), nil
}

// String is a convenience wrapper for a field the caller knows is KindString.
func (f Fields) String(name string) (string, error) {
	v, err := f.Get(name)
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

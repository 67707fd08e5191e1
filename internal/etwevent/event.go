// Package etwevent defines the wire-level shapes the dispatcher accepts from
// the out-of-scope OS session, and the typed field values the event metadata
// resolver hands back to pipeline handlers. Nothing in this package decodes
// a provider's payload; it only names the boundary.
package etwevent

import "time"

// GUID is a provider identifier. It is compared by value, never parsed here.
type GUID [16]byte

// Descriptor identifies an event's shape within a provider: the event id,
// its schema version, and the opcode the session observed. PCT dispatch
// keys off (Provider, ID); EMR additionally keys layouts off Version.
type Descriptor struct {
	Provider GUID
	ID       uint16
	Version  uint8
	Opcode   uint8
}

// RawEvent is the handler contract from spec.md section 6: "on_event(raw
// event bytes, provider guid, event descriptor, header timestamp, process
// id, thread id)". The core does not retain Payload beyond the call that
// receives it — callers that need Payload's bytes afterward must copy it
// themselves before returning.
type RawEvent struct {
	Payload   []byte
	Provider  GUID
	Descr     Descriptor
	Timestamp time.Time
	ProcessID uint32
	ThreadID  uint32
}

// Kind enumerates the Value's underlying type so GetField callers can assert
// on the expected shape without a type switch on interface{}.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindUint32
	KindUint64
	KindString
	KindBool
	KindBytes
)

// Value is a typed field value resolved by EMR from a RawEvent's payload.
type Value struct {
	kind Kind
	u    uint64
	s    string
	b    []byte
}

func Uint32Value(v uint32) Value { return Value{kind: KindUint32, u: uint64(v)} }
func Uint64Value(v uint64) Value { return Value{kind: KindUint64, u: v} }
func StringValue(v string) Value { return Value{kind: KindString, s: v} }
func BoolValue(v bool) Value {
	var u uint64
	if v {
		u = 1
	}
	return Value{kind: KindBool, u: u}
}
func BytesValue(v []byte) Value { return Value{kind: KindBytes, b: v} }

// Kind reports the value's underlying type.
func (v Value) Kind() Kind { return v.kind }

// Uint32 returns the value as a uint32. Valid only when Kind is KindUint32.
func (v Value) Uint32() uint32 { return uint32(v.u) }

// Uint64 returns the value as a uint64. Valid for KindUint32 or KindUint64.
func (v Value) Uint64() uint64 { return v.u }

// String returns the value as a string. Valid only when Kind is KindString.
func (v Value) String() string { return v.s }

// Bool returns the value as a bool. Valid only when Kind is KindBool.
func (v Value) Bool() bool { return v.u != 0 }

// Bytes returns the value's raw bytes. Valid only when Kind is KindBytes.
func (v Value) Bytes() []byte { return v.b }

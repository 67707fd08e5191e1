//go:build windows

// Package etwsession adapts a live Windows ETW real-time session, read
// through github.com/tekert/goetw, into the consumer.Consumer's on_event
// contract. It owns process lifetime (session start/stop) only; none of
// the present-tracking state lives here, mirroring how the teacher's
// eventstream.Stream owns only the ringbuffer read loop and hands parsed
// events straight to output.EventHandler.
package etwsession

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/tekert/goetw/etw"
	"go.uber.org/zap"

	"github.com/ElysiumPtolemus/presentmon/internal/consumer"
	"github.com/ElysiumPtolemus/presentmon/internal/etwevent"
	"github.com/ElysiumPtolemus/presentmon/internal/providers"
)

// SessionName is the real-time ETW session this process creates, the way
// the original creates a session named "PresentMon".
const SessionName = "presentmon-go"

// Providers lists the providers spec.md section 2 requires a live session
// enable. A zero MatchAnyKeyword traces every keyword the provider defines.
var Providers = []etw.Provider{
	{GUID: toETWGUID(providers.DXGI)},
	{GUID: toETWGUID(providers.D3D9)},
	{GUID: toETWGUID(providers.DxgKrnl)},
	{GUID: toETWGUID(providers.Win32k)},
	{GUID: toETWGUID(providers.DwmCore)},
	{GUID: toETWGUID(providers.NTProcess)},
}

// toETWGUID reinterprets our wire-level GUID as goetw's GUID struct; both
// are 16-byte little-endian layouts of the same Windows GUID.
func toETWGUID(g etwevent.GUID) etw.GUID {
	return *(*etw.GUID)(unsafe.Pointer(&g))
}

// fromETWGUID is the inverse of toETWGUID, used to translate an incoming
// event's provider id back into our wire-level GUID type.
func fromETWGUID(g etw.GUID) etwevent.GUID {
	return *(*etwevent.GUID)(unsafe.Pointer(&g))
}

// Session owns a real-time ETW trace and feeds every decoded event to a
// consumer.Consumer, the way eventstream.Stream feeds a BPF ringbuffer to
// an output.EventHandler.
type Session struct {
	rt       *etw.RealTimeSession
	etwC     *etw.Consumer
	consumer *consumer.Consumer
	log      *zap.Logger
	cancel   context.CancelFunc
}

// New creates (but does not start) a real-time session named SessionName,
// enabling every provider in Providers, routing decoded events to c.
func New(c *consumer.Consumer, log *zap.Logger) (*Session, error) {
	rt, err := etw.NewRealTimeSession(SessionName)
	if err != nil {
		return nil, fmt.Errorf("etwsession: creating session %q: %w", SessionName, err)
	}

	for _, p := range Providers {
		if err := rt.EnableProvider(p); err != nil {
			rt.Stop()
			return nil, fmt.Errorf("etwsession: enabling provider %s: %w", p.GUID.String(), err)
		}
	}

	s := &Session{rt: rt, consumer: c, log: log}

	ec := etw.NewConsumer(context.Background())
	ec.FromSessions(rt)
	ec.EventRecordCallback = s.onEventRecord

	s.etwC = ec
	return s, nil
}

// Start begins consuming events in the background. It returns once the
// consumer goroutine has been launched, matching eventstream.Stream.Start's
// "returns immediately" contract.
func (s *Session) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.etwC.Start(); err != nil {
		cancel()
		return fmt.Errorf("etwsession: starting consumer: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.etwC.Stop()
	}()

	return nil
}

// Stop tears down the consumer and the underlying real-time session.
func (s *Session) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if err := s.etwC.Stop(); err != nil {
		s.log.Warn("stopping etw consumer", zap.Error(err))
	}
	return s.rt.Stop()
}

// onEventRecord translates a goetw EventRecordHelper into the RawEvent
// shape consumer.Consumer.OnEvent expects, per spec.md section 6's
// handler contract: provider guid, descriptor, header timestamp, pid, tid.
func (s *Session) onEventRecord(erh *etw.EventRecordHelper) error {
	hdr := erh.EventRec.EventHeader
	providerGUID := fromETWGUID(hdr.ProviderId)

	raw := etwevent.RawEvent{
		Payload:   payloadBytes(erh),
		Provider:  providerGUID,
		Timestamp: erh.Timestamp(),
		ProcessID: hdr.ProcessId,
		ThreadID:  hdr.ThreadId,
		Descr: etwevent.Descriptor{
			Provider: providerGUID,
			ID:       hdr.EventDescriptor.Id,
			Version:  hdr.EventDescriptor.Version,
			Opcode:   hdr.EventDescriptor.Opcode,
		},
	}

	s.consumer.OnEvent(raw)
	return nil
}

// payloadBytes copies the event's raw user-data buffer, since the goetw
// helper's underlying memory is only valid for the duration of the
// callback; the copy keeps RawEvent.Payload from aliasing that buffer.
func payloadBytes(erh *etw.EventRecordHelper) []byte {
	n := erh.EventRec.UserDataLength
	if n == 0 {
		return nil
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(erh.EventRec.UserData)), n)
	buf := make([]byte, n)
	copy(buf, src)
	return buf
}

// Package replay reads and writes a minimal recorded-trace format: a
// session header (a QPC-style anchor, mirroring clock.ReadCounter's
// single reading at live-session start) followed by newline-delimited
// JSON events timestamped by raw ticks rather than resolved wall-clock
// time. Replaying a trace resolves each entry's ticks through a
// clock.Clock built from the header's anchor, then drives it through a
// consumer.Consumer's on_event entry point exactly as etwsession does,
// so replay exercises the identical dispatch path a live capture uses.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ElysiumPtolemus/presentmon/internal/clock"
	"github.com/ElysiumPtolemus/presentmon/internal/consumer"
	"github.com/ElysiumPtolemus/presentmon/internal/etwevent"
)

// Header anchors a recorded trace's raw tick values to wall-clock time.
type Header struct {
	AnchorTicks int64     `json:"anchor_ticks"`
	AnchorWall  time.Time `json:"anchor_wall"`
	Frequency   int64     `json:"frequency"`
}

// Entry is one recorded event, carrying raw ticks instead of a resolved
// timestamp.
type Entry struct {
	Ticks     int64               `json:"ticks"`
	Provider  etwevent.GUID       `json:"provider"`
	Descr     etwevent.Descriptor `json:"descr"`
	ProcessID uint32              `json:"process_id"`
	ThreadID  uint32              `json:"thread_id"`
	Payload   []byte              `json:"payload"`
}

// Writer appends a header followed by recorded events to an underlying
// stream.
type Writer struct {
	bw          *bufio.Writer
	enc         *json.Encoder
	wroteHeader bool
}

// NewWriter wraps w for sequential header-then-events writes.
func NewWriter(w io.Writer) *Writer {
	bw := bufio.NewWriter(w)
	return &Writer{bw: bw, enc: json.NewEncoder(bw)}
}

// WriteHeader writes h. It must be called exactly once, before any
// WriteEvent call.
func (wr *Writer) WriteHeader(h Header) error {
	if wr.wroteHeader {
		return errors.New("replay: header already written")
	}
	wr.wroteHeader = true
	return wr.enc.Encode(h)
}

// WriteEvent appends one recorded entry.
func (wr *Writer) WriteEvent(e Entry) error {
	if !wr.wroteHeader {
		return errors.New("replay: header must be written before events")
	}
	return wr.enc.Encode(e)
}

// Flush flushes buffered output to the underlying writer.
func (wr *Writer) Flush() error { return wr.bw.Flush() }

// Reader streams etwevent.RawEvents from a recorded trace, resolving each
// entry's raw ticks to wall-clock time via a clock.Clock anchored from the
// trace's header.
type Reader struct {
	dec *json.Decoder
	clk *clock.Clock
}

// NewReader reads r's header and returns a Reader positioned at the first
// event.
func NewReader(r io.Reader) (*Reader, error) {
	dec := json.NewDecoder(r)
	var h Header
	if err := dec.Decode(&h); err != nil {
		return nil, fmt.Errorf("replay: reading header: %w", err)
	}
	return &Reader{dec: dec, clk: clock.NewClock(h.Frequency, h.AnchorTicks, h.AnchorWall)}, nil
}

// Next decodes the next recorded event, returning io.EOF once the trace is
// exhausted.
func (r *Reader) Next() (etwevent.RawEvent, error) {
	var e Entry
	if err := r.dec.Decode(&e); err != nil {
		return etwevent.RawEvent{}, err
	}
	return etwevent.RawEvent{
		Payload:   e.Payload,
		Provider:  e.Provider,
		Descr:     e.Descr,
		Timestamp: r.clk.ToWallClock(e.Ticks),
		ProcessID: e.ProcessID,
		ThreadID:  e.ThreadID,
	}, nil
}

// Run drives every event in a recorded trace through c.OnEvent, in order,
// stopping early if ctx is canceled.
func Run(ctx context.Context, r io.Reader, c *consumer.Consumer) error {
	reader, err := NewReader(r)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		raw, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("replay: reading event: %w", err)
		}
		c.OnEvent(raw)
	}
}

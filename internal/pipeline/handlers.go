// Package pipeline implements PCT: the per-event handlers that classify a
// present into one of the eight pipelines spec.md section 4.4 enumerates
// and advance its state, reading decoded fields through EMR and mutating
// shared records through TT, handing terminal records to CE.
package pipeline

import (
	"github.com/ElysiumPtolemus/presentmon/internal/completion"
	"github.com/ElysiumPtolemus/presentmon/internal/dispatch"
	"github.com/ElysiumPtolemus/presentmon/internal/emr"
	"github.com/ElysiumPtolemus/presentmon/internal/etwevent"
	"github.com/ElysiumPtolemus/presentmon/internal/outputqueue"
	"github.com/ElysiumPtolemus/presentmon/internal/providers"
	"github.com/ElysiumPtolemus/presentmon/internal/record"
	"github.com/ElysiumPtolemus/presentmon/internal/session"
	"github.com/ElysiumPtolemus/presentmon/internal/tracking"
)

// Deps bundles PCT's collaborators: the shared tables it mutates, the
// completion engine it hands terminal records to, the field resolver it
// decodes events through, and the process-event queue (the only output
// queue PCT touches directly; completed/lost flow through CE).
type Deps struct {
	Tables   *tracking.Tables
	Engine   *completion.Engine
	Resolver *emr.Resolver
	Queues   *outputqueue.Queues
}

// Register binds every PCT handler spec.md section 4.4 names into table.
func (d *Deps) Register(table *dispatch.Table) {
	table.Register(providers.DXGI, dxgiPresentStart, d.onRuntimePresentStart(record.RuntimeA))
	table.Register(providers.DXGI, dxgiPresentStop, d.onRuntimePresentStop())
	table.Register(providers.D3D9, d3d9PresentStart, d.onRuntimePresentStart(record.RuntimeB))
	table.Register(providers.D3D9, d3d9PresentStop, d.onRuntimePresentStop())

	table.Register(providers.DxgKrnl, dxgkBlit, d.onKernelBlit())
	table.Register(providers.DxgKrnl, dxgkBlitCancel, d.onKernelBlitCancel())
	table.Register(providers.DxgKrnl, dxgkFlip, d.onKernelFlip())
	table.Register(providers.DxgKrnl, dxgkFlipMultiPlaneOverlay, d.onKernelFlipMultiPlaneOverlay())
	table.Register(providers.DxgKrnl, dxgkQueuePacketStart, d.onQueuePacketStart())
	table.Register(providers.DxgKrnl, dxgkQueuePacketStop, d.onQueuePacketStop())
	table.Register(providers.DxgKrnl, dxgkMMIOFlip, d.onMMIOFlip())
	table.Register(providers.DxgKrnl, dxgkMMIOFlipMultiPlaneOverlay, d.onMMIOFlipMultiPlaneOverlay())
	table.Register(providers.DxgKrnl, dxgkVSyncDPC, d.onSyncDPC())
	table.Register(providers.DxgKrnl, dxgkVSyncDPCMultiPlane, d.onSyncDPC())
	table.Register(providers.DxgKrnl, dxgkHSyncDPC, d.onSyncDPC())
	table.Register(providers.DxgKrnl, dxgkPresentHistoryStart, d.onPresentHistoryStart(false))
	table.Register(providers.DxgKrnl, dxgkPresentHistoryDetailedStart, d.onPresentHistoryStart(true))
	table.Register(providers.DxgKrnl, dxgkPresentHistoryInfo, d.onPresentHistoryInfo())

	table.Register(providers.Win32k, win32kTokenCompositionSurfaceObject, d.onWin32kCompositionSurfaceObject())
	table.Register(providers.Win32k, win32kTokenStateChanged, d.onWin32kTokenStateChanged())

	table.Register(providers.DwmCore, dwmGetPresentHistory, d.onCompositorGetPresentHistory())
	table.Register(providers.DwmCore, dwmFlipChainPending, d.onCompositorFlipChain())
	table.Register(providers.DwmCore, dwmFlipChainComplete, d.onCompositorFlipChain())
	table.Register(providers.DwmCore, dwmFlipChainDirty, d.onCompositorFlipChain())

	table.Register(providers.NTProcess, ntProcessStart, d.onProcessStart())
	table.Register(providers.NTProcess, ntProcessStop, d.onProcessStop())
}

// finalizeAndComplete hands p to CE once its final state is decided,
// first attaching any compositor-parked dependents if p is itself a
// direct-hardware present (spec.md glossary: "the compositor... issues its
// own fullscreen presents whose completion retires all presents it
// composed").
func (d *Deps) finalizeAndComplete(p *record.Present) {
	if p.IsTerminal() || p.Final == record.FinalStateUnknown {
		return
	}
	if isHardwareClassification(p.Classification) {
		if waiting := d.Tables.DrainWaitingForCompositor(); len(waiting) > 0 {
			p.Dependents = append(p.Dependents, waiting...)
		}
	}
	d.Engine.Complete(p)
}

// onRuntimePresentStart handles runtime present-start for runtime (DXGI or
// D3D9). A present-start on a thread that still owns an in-flight record
// marks that prior record lost before the new one is created (spec.md
// section 4.4's first tie-break).
func (d *Deps) onRuntimePresentStart(runtime record.RuntimeKind) dispatch.Handler {
	return func(sess *session.Context, raw etwevent.RawEvent) {
		fields, err := d.Resolver.Decode(raw)
		if err != nil {
			return
		}
		swapChain, _ := fields.Uint64("SwapChainAddress")
		syncInterval, _ := fields.Uint32("SyncInterval")
		presentFlags, _ := fields.Uint32("PresentFlags")

		p := record.New(raw.Timestamp, raw.ProcessID, raw.ThreadID, swapChain, syncInterval, presentFlags, runtime)
		if presentFlags&presentFlagAllowTearing != 0 {
			p.Flags |= record.FlagSupportsTearing
		}

		if prior, had := d.Tables.BindThread(raw.ThreadID, p); had && prior != nil && !prior.IsTerminal() {
			d.Engine.LoseImmediately(prior, "superseded-by-new-present")
		}
		d.Tables.InsertProcessOrdered(p)

		if evicted, didEvict := d.Tables.RingInsert(p); didEvict && evicted != nil && !evicted.IsTerminal() {
			d.Engine.LoseImmediately(evicted, "ring-eviction")
		}
	}
}

// onRuntimePresentStop handles runtime present-stop for either runtime:
// finalizes runtime timing and either lets completion proceed or defers it
// when the record was never classified by a kernel event (spec.md scenario
// 4).
func (d *Deps) onRuntimePresentStop() dispatch.Handler {
	return func(sess *session.Context, raw etwevent.RawEvent) {
		p, ok := d.Tables.ThreadPresent(raw.ThreadID)
		if !ok {
			return
		}
		d.Tables.UnbindThread(raw.ThreadID, p)
		p.RuntimeDuration = raw.Timestamp.Sub(p.StartTime)

		// Tick deferred records for this process before deciding p's own
		// fate, so this stop counts toward records already waiting.
		d.Engine.OnProcessPresentStop(p.ProcessID)

		switch {
		case p.Classification == record.ClassificationUnknown:
			p.Flags |= record.FlagCompletionDeferred
			d.Engine.Complete(p)
		case p.Final != record.FinalStateUnknown && !p.IsTerminal():
			d.finalizeAndComplete(p)
		}
	}
}

// onKernelBlit tentatively classifies the thread's current record as the
// legacy copy-to-front-buffer pipeline; later present-history or
// legacy-blit-token events may upgrade it to a composed copy pipeline.
func (d *Deps) onKernelBlit() dispatch.Handler {
	return func(sess *session.Context, raw etwevent.RawEvent) {
		p, ok := d.Tables.ThreadPresent(raw.ThreadID)
		if !ok {
			return
		}
		if p.Classification == record.ClassificationUnknown {
			p.Classification = record.ClassificationHardwareLegacyCopyToFrontBuffer
		}
		fields, err := d.Resolver.Decode(raw)
		if err == nil {
			if ctx, cerr := fields.Uint64("hContext"); cerr == nil {
				d.Tables.BindGraphicsContext(ctx, p)
			}
		}
	}
}

// onKernelBlitCancel discards the thread's current blit-classified record.
func (d *Deps) onKernelBlitCancel() dispatch.Handler {
	return func(sess *session.Context, raw etwevent.RawEvent) {
		p, ok := d.Tables.ThreadPresent(raw.ThreadID)
		if !ok {
			return
		}
		p.MarkDiscarded()
		d.finalizeAndComplete(p)
	}
}

// onKernelFlip tentatively classifies the thread's current record as
// Hardware Legacy Flip and captures sync interval/mmio/tearing facts.
func (d *Deps) onKernelFlip() dispatch.Handler {
	return func(sess *session.Context, raw etwevent.RawEvent) {
		p, ok := d.Tables.ThreadPresent(raw.ThreadID)
		if !ok {
			return
		}
		if p.Classification == record.ClassificationUnknown || p.Classification == record.ClassificationHardwareLegacyCopyToFrontBuffer {
			p.Classification = record.ClassificationHardwareLegacyFlip
		}
		fields, err := d.Resolver.Decode(raw)
		if err != nil {
			return
		}
		if interval, ferr := fields.Uint32("FlipInterval"); ferr == nil {
			p.SyncInterval = interval
		}
		if mmio, ferr := fields.Bool("MMIOFlip"); ferr == nil && mmio {
			p.Flags |= record.FlagMMIO
		}
	}
}

// onKernelFlipMultiPlaneOverlay classifies an independent-flip record,
// upgrading to the composed variant when more than one plane is reported
// (spec.md classification 4).
func (d *Deps) onKernelFlipMultiPlaneOverlay() dispatch.Handler {
	return func(sess *session.Context, raw etwevent.RawEvent) {
		p, ok := d.Tables.ThreadPresent(raw.ThreadID)
		if !ok {
			return
		}
		p.Flags |= record.FlagMMIO
		fields, err := d.Resolver.Decode(raw)
		if err != nil {
			p.Classification = record.ClassificationHardwareIndependentFlip
			return
		}
		planeCount, _ := fields.Uint32("PlaneCount")
		if planeCount > 1 {
			p.Classification = record.ClassificationHardwareComposedIndependentFlip
		} else {
			p.Classification = record.ClassificationHardwareIndependentFlip
		}
	}
}

// onQueuePacketStart associates the thread's current record with a submit
// sequence.
func (d *Deps) onQueuePacketStart() dispatch.Handler {
	return func(sess *session.Context, raw etwevent.RawEvent) {
		p, ok := d.Tables.ThreadPresent(raw.ThreadID)
		if !ok {
			return
		}
		fields, err := d.Resolver.Decode(raw)
		if err != nil {
			return
		}
		seq, serr := fields.Uint32("SubmitSequence")
		if serr != nil {
			return
		}
		d.Tables.BindSubmitSequence(seq, p)
	}
}

// onQueuePacketStop resolves the completing packet's record by submit
// sequence. A blit packet completing with no present-history token
// indicates a fullscreen blit: ready and screen time are assigned together
// (spec.md section 4.4).
func (d *Deps) onQueuePacketStop() dispatch.Handler {
	return func(sess *session.Context, raw etwevent.RawEvent) {
		fields, err := d.Resolver.Decode(raw)
		if err != nil {
			return
		}
		seq, serr := fields.Uint32("SubmitSequence")
		if serr != nil {
			return
		}
		p, ok := d.Tables.FindBySubmitSequence(seq)
		if !ok {
			return
		}
		packetType, _ := fields.String("PacketType")
		if packetType == "Blit" && !p.HasPresentHistoryToken {
			p.ReadyTime = raw.Timestamp
			p.MarkPresented(raw.Timestamp)
			d.finalizeAndComplete(p)
		}
	}
}

// onMMIOFlip resolves a record by submit sequence and sets its ready time.
// A flip flagged immediate (not waiting on vsync) completes right away.
func (d *Deps) onMMIOFlip() dispatch.Handler {
	return d.mmioFlipHandler()
}

// onMMIOFlipMultiPlaneOverlay is the multi-plane MMIO flip variant; it
// shares onMMIOFlip's logic.
func (d *Deps) onMMIOFlipMultiPlaneOverlay() dispatch.Handler {
	return d.mmioFlipHandler()
}

func (d *Deps) mmioFlipHandler() dispatch.Handler {
	return func(sess *session.Context, raw etwevent.RawEvent) {
		fields, err := d.Resolver.Decode(raw)
		if err != nil {
			return
		}
		seq, serr := fields.Uint32("SubmitSequence")
		if serr != nil {
			return
		}
		p, ok := d.Tables.FindBySubmitSequence(seq)
		if !ok {
			return
		}
		p.ReadyTime = raw.Timestamp
		status, _ := fields.String("FlipEntryStatusAfterFlip")
		if status == "FlipWaitVSync" {
			p.Flags |= record.FlagPresentInDWMWaiting
			return
		}
		p.MarkPresented(raw.Timestamp)
		d.finalizeAndComplete(p)
	}
}

// onSyncDPC handles VSyncDPC and HSyncDPC (single and multi-plane): resolve
// by submit sequence, assign screen time, and complete direct-hardware
// records.
func (d *Deps) onSyncDPC() dispatch.Handler {
	return func(sess *session.Context, raw etwevent.RawEvent) {
		fields, err := d.Resolver.Decode(raw)
		if err != nil {
			return
		}
		seq, serr := fields.Uint32("SubmitSequence")
		if serr != nil {
			return
		}
		p, ok := d.Tables.FindBySubmitSequence(seq)
		if !ok {
			return
		}
		if !isHardwareClassification(p.Classification) {
			return
		}
		p.MarkPresented(raw.Timestamp)
		d.finalizeAndComplete(p)
	}
}

package pipeline

import (
	"github.com/ElysiumPtolemus/presentmon/internal/dispatch"
	"github.com/ElysiumPtolemus/presentmon/internal/etwevent"
	"github.com/ElysiumPtolemus/presentmon/internal/record"
	"github.com/ElysiumPtolemus/presentmon/internal/session"
)

// onPresentHistoryStart assigns a present-history (or, for the legacy-blit
// variant, a legacy-blit) token to the calling thread's current record, and
// upgrades a blit-classified record toward its composed-copy classification
// (spec.md classifications 6 and 7).
func (d *Deps) onPresentHistoryStart(detailed bool) dispatch.Handler {
	return func(sess *session.Context, raw etwevent.RawEvent) {
		p, ok := d.Tables.ThreadPresent(raw.ThreadID)
		if !ok {
			return
		}
		fields, err := d.Resolver.Decode(raw)
		if err != nil {
			return
		}

		if legacyToken, lerr := fields.Uint64("LegacyBlitToken"); lerr == nil && legacyToken != 0 {
			d.Tables.BindLegacyBlitToken(legacyToken, p)
			if p.Classification == record.ClassificationHardwareLegacyCopyToFrontBuffer {
				p.Classification = record.ClassificationComposedCopyCPUGDI
			}
			return
		}

		token, terr := fields.Uint64("Token")
		if terr != nil {
			return
		}
		d.Tables.BindPresentHistoryToken(token, p)

		if model, merr := fields.String("Model"); merr == nil && model == "CompositionAtlas" {
			p.Classification = record.ClassificationComposedCompositionAtlas
		} else if detailed && p.Classification == record.ClassificationHardwareLegacyCopyToFrontBuffer {
			p.Classification = record.ClassificationComposedCopyGPUGDI
		}

		upgradeComposedFlip(p)
	}
}

// onPresentHistoryInfo resolves a record by its present-history token and
// assigns its ready time.
func (d *Deps) onPresentHistoryInfo() dispatch.Handler {
	return func(sess *session.Context, raw etwevent.RawEvent) {
		fields, err := d.Resolver.Decode(raw)
		if err != nil {
			return
		}
		token, terr := fields.Uint64("Token")
		if terr != nil {
			return
		}
		p, ok := d.Tables.FindByPresentHistoryToken(token)
		if !ok {
			return
		}
		p.ReadyTime = raw.Timestamp
	}
}

// onCompositorGetPresentHistory moves every record currently parked in
// by-last-window-present into waiting-for-compositor, per spec.md section
// 4.4.
func (d *Deps) onCompositorGetPresentHistory() dispatch.Handler {
	return func(sess *session.Context, raw etwevent.RawEvent) {
		for _, p := range d.Tables.DrainAllLastWindowPresent() {
			d.Tables.ParkForCompositor(p)
		}
	}
}

// onCompositorFlipChain binds a present-history-token record to a window
// and marks it DWM-notified, for the three flip-chain pending/complete/dirty
// variants (spec.md section 4.4).
func (d *Deps) onCompositorFlipChain() dispatch.Handler {
	return func(sess *session.Context, raw etwevent.RawEvent) {
		fields, err := d.Resolver.Decode(raw)
		if err != nil {
			return
		}
		token, terr := fields.Uint64("Token")
		if terr != nil {
			return
		}
		hwnd, herr := fields.Uint64("hWnd")
		if herr != nil {
			return
		}
		p, ok := d.Tables.FindByPresentHistoryToken(token)
		if !ok {
			return
		}
		window := record.WindowHandle(hwnd)
		if prior, had := d.Tables.ReplaceLastWindowPresent(window, p); had && prior != nil && prior != p && !prior.IsTerminal() {
			prior.MarkDiscarded()
			d.finalizeAndComplete(prior)
		}
		p.Flags |= record.FlagDWMNotified
	}
}

// onWin32kCompositionSurfaceObject assigns the composition triple to the
// calling thread's current record.
func (d *Deps) onWin32kCompositionSurfaceObject() dispatch.Handler {
	return func(sess *session.Context, raw etwevent.RawEvent) {
		p, ok := d.Tables.ThreadPresent(raw.ThreadID)
		if !ok {
			return
		}
		fields, err := d.Resolver.Decode(raw)
		if err != nil {
			return
		}
		luid, lerr := fields.Uint64("CompositionSurfaceLuid")
		count, cerr := fields.Uint32("PresentCount")
		bind, berr := fields.Uint32("BindId")
		if lerr != nil || cerr != nil || berr != nil {
			return
		}
		tok := record.CompositionToken{SurfaceLUID: luid, PresentCount: count, BindID: bind}
		d.Tables.BindCompositionToken(tok, p)
		upgradeComposedFlip(p)
	}
}

// onWin32kTokenStateChanged advances a flip-model record through
// {InFrame, Confirmed, Retired, Discarded}, per spec.md section 4.4. An
// unknown token is dropped (spec.md's tie-break policy).
func (d *Deps) onWin32kTokenStateChanged() dispatch.Handler {
	return func(sess *session.Context, raw etwevent.RawEvent) {
		fields, err := d.Resolver.Decode(raw)
		if err != nil {
			return
		}
		luid, lerr := fields.Uint64("CompositionSurfaceLuid")
		count, cerr := fields.Uint32("PresentCount")
		bind, berr := fields.Uint32("BindId")
		state, serr := fields.Uint32("TokenData")
		if lerr != nil || cerr != nil || berr != nil || serr != nil {
			return
		}
		tok := record.CompositionToken{SurfaceLUID: luid, PresentCount: count, BindID: bind}
		p, ok := d.Tables.FindByCompositionToken(tok)
		if !ok {
			return
		}

		switch win32kTokenState(state) {
		case tokenStateInFrame:
			p.Flags |= record.FlagSeenInFrame
			hwnd, herr := fields.Uint64("hWnd")
			if herr != nil {
				return
			}
			window := record.WindowHandle(hwnd)
			if prior, had := d.Tables.ReplaceLastWindowPresent(window, p); had && prior != nil && prior != p && !prior.IsTerminal() {
				prior.MarkDiscarded()
				d.finalizeAndComplete(prior)
			}
		case tokenStateConfirmed:
			hwnd, herr := fields.Uint64("hWnd")
			if herr != nil {
				return
			}
			d.Tables.RemoveLastWindowPresent(record.WindowHandle(hwnd))
		case tokenStateRetired:
			p.Flags |= record.FlagDWMNotified
		case tokenStateDiscarded:
			p.MarkDiscarded()
			d.finalizeAndComplete(p)
		}
	}
}

package pipeline

import "github.com/ElysiumPtolemus/presentmon/internal/record"

// isHardwareClassification reports whether c is one of the classifications
// whose own screen-time event (not the compositor's) retires it directly —
// the direct-hardware pipelines of spec.md section 4.4's numbered list
// (1-4), as opposed to the Composed-* pipelines (5-8) which wait for the
// compositor.
func isHardwareClassification(c record.Classification) bool {
	switch c {
	case record.ClassificationHardwareLegacyFlip,
		record.ClassificationHardwareLegacyCopyToFrontBuffer,
		record.ClassificationHardwareIndependentFlip,
		record.ClassificationHardwareComposedIndependentFlip:
		return true
	default:
		return false
	}
}

// upgradeComposedFlip promotes a tentatively hardware-classified record to
// Composed Flip once it has acquired both a composition token and a
// present-history token (spec.md section 4.4, classification 5).
func upgradeComposedFlip(p *record.Present) {
	if !p.HasCompositionToken || !p.HasPresentHistoryToken {
		return
	}
	switch p.Classification {
	case record.ClassificationUnknown,
		record.ClassificationHardwareLegacyFlip,
		record.ClassificationHardwareIndependentFlip,
		record.ClassificationHardwareComposedIndependentFlip:
		p.Classification = record.ClassificationComposedFlip
	}
}

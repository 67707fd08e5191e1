// Package record defines PresentRecord, the entity representing one
// in-flight present, and its pure-data satellites. It owns no behavior
// beyond construction and accessors — all mutation happens in the pipeline
// and completion packages, on the single processing thread, per spec.md
// section 4.3.
package record

import "time"

// Classification is the closed set of presentation paths a present can
// take. Modeled as a tagged enum rather than a virtual hierarchy per
// spec.md section 9 ("the classification set is closed and known
// statically").
type Classification uint8

const (
	ClassificationUnknown Classification = iota
	ClassificationHardwareLegacyFlip
	ClassificationHardwareLegacyCopyToFrontBuffer
	ClassificationHardwareIndependentFlip
	ClassificationHardwareComposedIndependentFlip
	ClassificationComposedFlip
	ClassificationComposedCopyGPUGDI
	ClassificationComposedCopyCPUGDI
	ClassificationComposedCompositionAtlas
)

// String renders the classification the way the original's
// PresentModeToString does, for an external consumer to print.
func (c Classification) String() string {
	switch c {
	case ClassificationHardwareLegacyFlip:
		return "Hardware: Legacy Flip"
	case ClassificationHardwareLegacyCopyToFrontBuffer:
		return "Hardware: Legacy Copy to front buffer"
	case ClassificationHardwareIndependentFlip:
		return "Hardware: Independent Flip"
	case ClassificationHardwareComposedIndependentFlip:
		return "Hardware: Composed: Independent Flip"
	case ClassificationComposedFlip:
		return "Composed: Flip"
	case ClassificationComposedCopyGPUGDI:
		return "Composed: Copy with GPU GDI"
	case ClassificationComposedCopyCPUGDI:
		return "Composed: Copy with CPU GDI"
	case ClassificationComposedCompositionAtlas:
		return "Composed: Composition Atlas"
	default:
		return "Unknown"
	}
}

// FinalState is the terminal classification of a present's outcome.
type FinalState uint8

const (
	FinalStateUnknown FinalState = iota
	FinalStatePresented
	FinalStateDiscarded
	FinalStateError
)

// RuntimeKind identifies which of the two tracked present-call runtimes (or
// neither) started a present.
type RuntimeKind uint8

const (
	RuntimeOther RuntimeKind = iota
	RuntimeA
	RuntimeB
)

// Flags are the independent boolean facts spec.md section 3 lists for a
// present record. Stored as a bitmask so adding one never reshapes Present.
type Flags uint16

const (
	FlagSupportsTearing Flags = 1 << iota
	FlagMMIO
	FlagDWMNotified
	FlagSeenInFrame
	FlagSeenDxgkPresent
	FlagSeenWin32kEvents
	FlagCompletionDeferred
	FlagCompleted
	FlagLost
	FlagPresentInDWMWaiting
)

// Has reports whether all bits in mask are set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// CompositionToken is the compositor-side identity of a flip-model present:
// (composition-surface-luid, present-count, bind-id).
type CompositionToken struct {
	SurfaceLUID uint64
	PresentCount uint32
	BindID       uint32
}

// WindowHandle is an opaque HWND-equivalent identity.
type WindowHandle uint64

// ProcessEvent is emitted on process start/stop, independent of any present.
type ProcessEvent struct {
	ImageName string
	Timestamp time.Time
	ProcessID uint32
	IsStart   bool
}

// Present is one in-flight (or just-completed) present. Mutated only by
// PCT/CE on the single processing thread; safe to read freely once it has
// reached a terminal state (Completed or Lost), per spec.md section 3's
// invariant that those states are mutually exclusive and terminal.
type Present struct {
	// Identity & timing.
	StartTime          time.Time
	ProcessID          uint32
	ThreadID           uint32
	RuntimeDuration    time.Duration
	ReadyTime          time.Time
	ScreenTime         time.Time

	// Present parameters.
	SwapChainAddress uint64
	SyncInterval     uint32
	PresentFlags     uint32

	// Correlation keys. Any subset may be set during the record's life.
	GraphicsContext       uint64
	Window                WindowHandle
	CompositionToken      CompositionToken
	HasCompositionToken   bool
	PresentHistoryToken   uint64
	HasPresentHistoryToken bool
	LegacyBlitToken       uint64
	HasLegacyBlitToken    bool
	SubmitSequence        uint32
	HasSubmitSequence     bool
	RingIndex             int
	HasRingIndex          bool

	// Derived.
	DestWidth, DestHeight uint32
	DriverBatchThreadID   uint32
	Runtime               RuntimeKind
	Classification        Classification
	Final                 FinalState
	Flags                 Flags

	// Output-schema deltas (spec.md section 6: "time-between-presents
	// (derived)" and, when display-tracking is enabled,
	// "time-between-display-changes"), filled in by the completion engine
	// at retirement from the tracking tables' per-swap-chain history. The
	// Has* flags distinguish "zero" from "no prior present/display change
	// on this swap chain to measure from".
	TimeSincePriorPresent          time.Duration
	HasTimeSincePriorPresent       bool
	TimeSincePriorDisplayChange    time.Duration
	HasTimeSincePriorDisplayChange bool

	// Dependents are other records retired together with this one (the
	// compositor's own previous subjects), per spec.md section 4.5 step 2.
	Dependents []*Present
}

// New constructs a Present captured at runtime-present-start, owning only
// the header and runtime fields spec.md section 4.3 allows at construction.
func New(start time.Time, pid, tid uint32, swapChain uint64, syncInterval, presentFlags uint32, runtime RuntimeKind) *Present {
	return &Present{
		StartTime:    start,
		ProcessID:    pid,
		ThreadID:     tid,
		SwapChainAddress: swapChain,
		SyncInterval: syncInterval,
		PresentFlags: presentFlags,
		Runtime:      runtime,
	}
}

// IsTerminal reports whether the record has reached Completed or Lost.
func (p *Present) IsTerminal() bool {
	return p.Flags.Has(FlagCompleted) || p.Flags.Has(FlagLost)
}

// MarkDiscarded sets the final state to Discarded if it is still Unknown;
// an already-decided final state (Presented or Error) is left alone, per
// spec.md section 4.4's completion-condition precedence.
func (p *Present) MarkDiscarded() {
	if p.Final == FinalStateUnknown {
		p.Final = FinalStateDiscarded
	}
}

// MarkPresented sets the final state to Presented if it is still Unknown.
func (p *Present) MarkPresented(screen time.Time) {
	if p.Final == FinalStateUnknown {
		p.Final = FinalStatePresented
	}
	if p.ScreenTime.IsZero() {
		p.ScreenTime = screen
	}
}

// AllowsTearing reports the output schema's "allows-tearing" field.
func (p *Present) AllowsTearing() bool { return p.Flags.Has(FlagSupportsTearing) }

// Dropped reports the output schema's "dropped" field: final state is
// Discarded or Error.
func (p *Present) Dropped() bool {
	return p.Final == FinalStateDiscarded || p.Final == FinalStateError
}

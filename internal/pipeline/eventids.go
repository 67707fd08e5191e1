package pipeline

// Event ids within each provider PCT dispatches on, per spec.md section
// 4.4's event groups. Named after the original's TraceConsumer switch
// cases rather than assigned arbitrarily.
const (
	dxgiPresentStart uint16 = 42
	dxgiPresentStop  uint16 = 43

	d3d9PresentStart uint16 = 1
	d3d9PresentStop  uint16 = 2

	dxgkBlit               uint16 = 166
	dxgkBlitCancel         uint16 = 167
	dxgkFlip               uint16 = 168
	dxgkFlipMultiPlaneOverlay uint16 = 169
	dxgkQueuePacketStart    uint16 = 178
	dxgkQueuePacketStop     uint16 = 177
	dxgkMMIOFlip            uint16 = 116
	dxgkMMIOFlipMultiPlaneOverlay uint16 = 117
	dxgkVSyncDPC            uint16 = 17
	dxgkVSyncDPCMultiPlane  uint16 = 171
	dxgkHSyncDPC            uint16 = 94
	dxgkPresentHistoryStart uint16 = 170
	dxgkPresentHistoryInfo  uint16 = 172
	dxgkPresentHistoryDetailedStart uint16 = 173

	win32kTokenCompositionSurfaceObject uint16 = 201
	win32kTokenStateChanged             uint16 = 202

	dwmGetPresentHistory uint16 = 64
	dwmFlipChainPending  uint16 = 65
	dwmFlipChainComplete uint16 = 66
	dwmFlipChainDirty    uint16 = 67

	ntProcessStart uint16 = 1
	ntProcessStop  uint16 = 2
)

// presentFlagAllowTearing mirrors DXGI_PRESENT_ALLOW_TEARING.
const presentFlagAllowTearing uint32 = 0x200

// win32kTokenState values for TokenStateChanged's TokenData field.
type win32kTokenState uint32

const (
	tokenStateInFrame win32kTokenState = iota + 1
	tokenStateConfirmed
	tokenStateRetired
	tokenStateDiscarded
)

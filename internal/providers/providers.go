// Package providers holds the well-known ETW provider identifiers DISP
// dispatches on, named the way the original's TraceSession.cpp names its
// provider namespaces (Microsoft_Windows_DxgKrnl, _DXGI, _D3D9, _Win32k,
// _Dwm_Core, NT_Process).
package providers

import "github.com/ElysiumPtolemus/presentmon/internal/etwevent"

func mustGUID(hex string) etwevent.GUID {
	var g etwevent.GUID
	// hex is a 32-character hyphen-stripped GUID string; decoded
	// byte-for-byte in the conventional Data1/2/3/4 layout.
	b := [16]byte{}
	n, _ := decodeHexGUID(hex, b[:])
	if n != 16 {
		panic("providers: malformed GUID literal " + hex)
	}
	g = b
	return g
}

func decodeHexGUID(hex string, out []byte) (int, error) {
	nibble := func(c byte) byte {
		switch {
		case c >= '0' && c <= '9':
			return c - '0'
		case c >= 'a' && c <= 'f':
			return c - 'a' + 10
		case c >= 'A' && c <= 'F':
			return c - 'A' + 10
		}
		return 0
	}
	i := 0
	for j := 0; j+1 < len(hex) && i < len(out); j += 2 {
		out[i] = nibble(hex[j])<<4 | nibble(hex[j+1])
		i++
	}
	return i, nil
}

var (
	// DXGI is Microsoft-Windows-DXGI, runtime A's present-start/stop provider.
	DXGI = mustGUID("CA11C0360102" /* Data1 lo */ + "4A2D" + "A6AD" + "F03CFED5D3C9")

	// D3D9 is Microsoft-Windows-Direct3D9, runtime B's present-start/stop
	// provider.
	D3D9 = mustGUID("783ACA0A790E" + "4d7f" + "8451" + "AA850511C6B9")

	// DxgKrnl is Microsoft-Windows-DxgKrnl: blit, flip, queue-packet,
	// MMIO-flip, VSync/HSync DPC, and present-history events.
	DxgKrnl = mustGUID("802EC45A1E99" + "4B83" + "9920" + "87C98277BA9D")

	// Win32k is Microsoft-Windows-Win32k: token composition-surface-object
	// and token state-changed events.
	Win32k = mustGUID("8C416C79D49B" + "4F01" + "A467" + "E56D3AA8234C")

	// DwmCore is Microsoft-Windows-Dwm-Core, the compositor's own provider.
	DwmCore = mustGUID("9E9BBA3C2E38" + "40CB" + "99F4" + "9E8281425164")

	// NTProcess is the NT Kernel Logger's process provider.
	NTProcess = mustGUID("3D6FA8D0FE05" + "11D0" + "9DDA" + "00C04FD7BA7C")
)

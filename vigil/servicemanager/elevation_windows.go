//go:build windows

package servicemanager

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// isElevated reports whether the current process holds administrator rights,
// which service database writes require. An indeterminate probe returns true
// and lets the native tool make the call.
func isElevated() bool {
	token := windows.Token(0)
	if err := windows.OpenProcessToken(windows.CurrentProcess(), windows.TOKEN_QUERY, &token); err != nil {
		return true
	}
	defer token.Close()

	type tokenElevation struct {
		TokenIsElevated uint32
	}

	var elevation tokenElevation
	var outLen uint32
	if err := windows.GetTokenInformation(
		token,
		windows.TokenElevation,
		(*byte)(unsafe.Pointer(&elevation)),
		uint32(unsafe.Sizeof(elevation)),
		&outLen,
	); err != nil {
		return true
	}

	return elevation.TokenIsElevated != 0
}

//go:build !windows

package servicemanager

// isElevated only has a real answer where the Windows adapter runs natively.
// Elsewhere privilege problems surface through the native tools themselves.
func isElevated() bool {
	return true
}

//go:build windows

package server

// getPlatformAbsPath returns a valid absolute path for Windows systems
func getPlatformAbsPath() string {
	return `C:\dosrun\games\doom.conf`
}

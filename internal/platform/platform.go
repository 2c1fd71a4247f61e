// Package platform detects the host OS so the clipboard, notification and
// GUI automation code can pick the right external tool.
package platform

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// Platform represents the detected platform
type Platform string

const (
	PlatformMacOS   Platform = "macos"
	PlatformLinux   Platform = "linux"
	PlatformWSL1    Platform = "wsl1"
	PlatformWSL2    Platform = "wsl2"
	PlatformWindows Platform = "windows"
	PlatformUnknown Platform = "unknown"
)

var (
	detectOnce       sync.Once
	detectedPlatform Platform
)

// Detect returns the current platform, caching the result
func Detect() Platform {
	detectOnce.Do(func() {
		detectedPlatform = detectPlatform(runtime.GOOS, os.Getenv("WSL_DISTRO_NAME"), readProcVersion())
	})
	return detectedPlatform
}

func readProcVersion() string {
	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return ""
	}
	return string(data)
}

// detectPlatform classifies the host from its GOOS, the WSL distro variable
// and the contents of /proc/version.
func detectPlatform(goos, wslDistro, procVersion string) Platform {
	switch goos {
	case "darwin":
		return PlatformMacOS
	case "windows":
		return PlatformWindows
	case "linux":
	default:
		return PlatformUnknown
	}

	isWSL := wslDistro != "" ||
		strings.Contains(procVersion, "microsoft") ||
		strings.Contains(procVersion, "Microsoft")
	if !isWSL {
		return PlatformLinux
	}
	// WSL2 kernels report "microsoft-standard"; WSL1 reports a capitalised
	// "Microsoft" without it.
	if strings.Contains(procVersion, "microsoft-standard") {
		return PlatformWSL2
	}
	if _, err := os.Stat("/run/WSL"); err == nil {
		return PlatformWSL2
	}
	return PlatformWSL1
}

// IsWSL returns true if running in any WSL environment
func (p Platform) IsWSL() bool {
	return p == PlatformWSL1 || p == PlatformWSL2
}

// HasDesktop reports whether desktop notifications and a clipboard are
// normally reachable on p.
func (p Platform) HasDesktop() bool {
	switch p {
	case PlatformMacOS, PlatformLinux, PlatformWSL1, PlatformWSL2:
		return true
	default:
		return false
	}
}

// String returns a human-readable platform name
func (p Platform) String() string {
	switch p {
	case PlatformMacOS:
		return "macOS"
	case PlatformLinux:
		return "Linux"
	case PlatformWSL1:
		return "WSL1"
	case PlatformWSL2:
		return "WSL2"
	case PlatformWindows:
		return "Windows"
	default:
		return "Unknown"
	}
}

// CheckFsnotifySupport returns a warning when path lives on a filesystem
// where fsnotify events are unreliable (9p, nfs, cifs, sshfs), or "" when
// file watching should work.
func CheckFsnotifySupport(path string) string {
	if runtime.GOOS != "linux" {
		return ""
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return ""
	}
	mounts, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return ""
	}
	return fsnotifyWarning(mountFsType(string(mounts), absPath))
}

// mountFsType finds the filesystem type of the longest mount point that
// contains absPath. /proc/mounts lines are "device mountpoint fstype options ...".
func mountFsType(mounts, absPath string) string {
	var matchedMount, matchedFsType string
	for _, line := range strings.Split(mounts, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if strings.HasPrefix(absPath, fields[1]) && len(fields[1]) > len(matchedMount) {
			matchedMount = fields[1]
			matchedFsType = fields[2]
		}
	}
	return matchedFsType
}

func fsnotifyWarning(fsType string) string {
	switch {
	case fsType == "9p":
		return "session store on 9p mount (WSL2 Windows filesystem): change watching disabled"
	case fsType == "nfs" || fsType == "nfs4":
		return "session store on NFS mount: change watching may be unreliable"
	case fsType == "cifs" || fsType == "smbfs":
		return "session store on CIFS/SMB mount: change watching may be unreliable"
	case strings.HasPrefix(fsType, "fuse.sshfs"):
		return "session store on SSHFS mount: change watching disabled"
	}
	return ""
}

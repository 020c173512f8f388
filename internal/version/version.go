// Package version holds the application and boundary ABI version numbers.
package version

import "fmt"

const (
	AppID     = "fxn-hash-backend"
	AppName   = "FxN"
	AppDesc   = "FxN GPU hash backend"
	Copyright = "Copyright (C) 2024-2026 Function Network"

	Major = 6
	Minor = 22
	Patch = 1

	// ABI is the boundary compatibility number. A host must refuse a backend
	// reporting a different value.
	ABI = 4
)

// String returns the semantic application version, e.g. "6.22.1".
func String() string {
	return fmt.Sprintf("%d.%d.%d", Major, Minor, Patch)
}

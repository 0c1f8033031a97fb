// Package version reports the omoi build version.
package version

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionContent string

// Override is set at link time (-ldflags "-X .../version.Override=v1.2.3")
// and wins over the embedded VERSION file.
var Override string

// Get returns the current version, with whitespace trimmed
func Get() string {
	if Override != "" {
		return strings.TrimSpace(Override)
	}
	return strings.TrimSpace(versionContent)
}

package version

import (
	"runtime/debug"
	"strings"
)

// These variables are intended to be populated at build time via -ldflags,
// for example:
//
//	-X github.com/ahwetekm/bread-backup/internal/version.Version=v1.2.0
//	-X github.com/ahwetekm/bread-backup/internal/version.Commit=abcdef123
var (
	// Version holds the semantic version of the binary. Defaults to a
	// development placeholder when not set by the build system.
	Version = "0.0.0-dev"

	// Commit holds the VCS commit hash used to build the binary (optional).
	Commit = ""
)

// String returns the effective version string used across the application.
// Preference order:
//  1. Value injected into Version via ldflags.
//  2. Main module version from debug.ReadBuildInfo (if not "(devel)").
//  3. Fallback development placeholder.
//
// The returned version is normalized by stripping any leading "v" prefix.
func String() string {
	v := strings.TrimSpace(Version)

	if v == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			if mv := strings.TrimSpace(info.Main.Version); mv != "" && mv != "(devel)" {
				v = mv
			}
		}
	}

	if v == "" {
		v = "0.0.0-dev"
	}

	v = strings.TrimPrefix(v, "v")

	if c := strings.TrimSpace(Commit); c != "" {
		if len(c) > 12 {
			c = c[:12]
		}
		v += "+" + c
	}
	return v
}

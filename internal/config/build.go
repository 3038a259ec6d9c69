package config

// Build metadata, reported by the health endpoint and logged at startup.
// Set at link time:
//
//	go build -ldflags "-X creditgate/internal/config.version=1.4.0 \
//	    -X creditgate/internal/config.commit=$(git rev-parse --short HEAD) \
//	    -X creditgate/internal/config.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// NewBuildInfo returns the linker-injected build metadata. Unlinked builds
// (go run, tests) report "dev", "none" and "unknown".
func NewBuildInfo() BuildInfo {
	return BuildInfo{Version: version, Commit: commit, BuildTime: buildTime}
}

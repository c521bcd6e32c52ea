// Package version exposes build metadata injected with ldflags:
//
//	go build -ldflags "-X github.com/rickgao/ibkr-data/internal/version.Version=0.3.0 \
//	                   -X github.com/rickgao/ibkr-data/internal/version.Commit=$(git rev-parse --short HEAD)" ./cmd/ibkrsync
package version

var (
	// Version is the release tag, "dev" for local builds.
	Version = "dev"

	// Commit is the short git hash.
	Commit = "unknown"

	// BuildTime is the UTC build timestamp.
	BuildTime = "unknown"
)

// String returns a human-readable version line for the CLI.
func String() string {
	return "ibkrsync " + Version + " (" + Commit + ") built " + BuildTime
}

// UserAgent is sent on every gateway request so sync traffic can be told
// apart from browser sessions in the gateway's own logs.
func UserAgent() string {
	return "ibkr-data/" + Version
}

package version

import (
	"fmt"
	"runtime"
)

// Set via -ldflags at build time:
//
//	go build -ldflags "-X github.com/multisourcesearch/mss/internal/version.Version=0.3.0
//	  -X github.com/multisourcesearch/mss/internal/version.GitCommit=abc1234"
var (
	Version   = "dev"
	GitCommit = "unknown"
)

// String returns a human-readable version string for --version output.
func String(binaryName string) string {
	return fmt.Sprintf("%s %s (commit=%s, go=%s, %s/%s)",
		binaryName, Version, GitCommit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// UserAgent is sent on every outbound provider request.
func UserAgent() string {
	return "mss/" + Version
}

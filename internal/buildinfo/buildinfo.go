// Package buildinfo holds version metadata stamped at compile time via
// -ldflags "-X github.com/nugget/companion-agent/internal/buildinfo.Version=...".
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Set at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Info returns build and runtime details for the version endpoint.
func Info() map[string]string {
	return map[string]string{
		"name":       "companion",
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("companion %s (%s) built %s", Version, GitCommit, BuildTime)
}

// UserAgent returns the User-Agent sent on outbound HTTP requests.
func UserAgent() string {
	return "companion/" + Version
}

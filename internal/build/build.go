// Package build holds version information stamped in at link time.
package build

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

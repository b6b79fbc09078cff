package buildinfo

import (
	"fmt"
	"log"
)

var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, Commit, Date)
}

// UserAgent identifies this client to the remote catalog.
func UserAgent() string {
	return fmt.Sprintf("clms-preload/%s (+%s)", Version, Commit)
}

// Log writes the build summary with the service name.
func Log(service string) {
	log.Printf("%s %s", service, Info())
}

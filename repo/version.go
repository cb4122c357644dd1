package repo

import "fmt"

const (
	appMajor uint = 0
	appMinor uint = 1
	appPatch uint = 0
)

// GitCommit may be set at build time with
// -ldflags "-X github.com/cpacia/fdpindex/repo.GitCommit=<hash>".
var GitCommit = ""

// VersionString returns the semantic version, with the commit appended
// when it was set at build time.
func VersionString() string {
	v := fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)
	if GitCommit != "" {
		v += "+" + GitCommit
	}
	return v
}

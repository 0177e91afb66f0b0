// Package buildinfo reports the version stamped into the binary.
package buildinfo

import (
	"encoding/json"
	"net/http"
	"runtime"
	"runtime/debug"
)

// Set at build time:
//
//	go build -ldflags "-X github.com/otherjamesbrown/canonid/pkg/buildinfo.Version=v0.3.0 \
//	  -X github.com/otherjamesbrown/canonid/pkg/buildinfo.Commit=$(git rev-parse --short HEAD) \
//	  -X github.com/otherjamesbrown/canonid/pkg/buildinfo.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
//
// A binary built without ldflags falls back to the module version and VCS
// settings the go tool embeds, e.g. after go install.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const shortCommit = 7

// Info is the build information served at /version and printed by the
// version command.
type Info struct {
	ServiceName string `json:"service_name"`
	Version     string `json:"version"`
	Commit      string `json:"commit"`
	BuildTime   string `json:"build_time"`
	GoVersion   string `json:"go_version"`
	Modified    bool   `json:"modified,omitempty"`
}

// Get returns build info under serviceName.
func Get(serviceName string) Info {
	info := Info{
		ServiceName: serviceName,
		Version:     Version,
		Commit:      Commit,
		BuildTime:   BuildTime,
		GoVersion:   runtime.Version(),
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.fillFrom(bi)
	}
	return info
}

// fillFrom replaces unstamped fields with the values embedded by the go tool.
func (i *Info) fillFrom(bi *debug.BuildInfo) {
	if i.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		i.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if i.Commit == "unknown" && s.Value != "" {
				i.Commit = s.Value
				if len(i.Commit) > shortCommit {
					i.Commit = i.Commit[:shortCommit]
				}
			}
		case "vcs.time":
			if i.BuildTime == "unknown" && s.Value != "" {
				i.BuildTime = s.Value
			}
		case "vcs.modified":
			i.Modified = s.Value == "true"
		}
	}
}

// String returns a one-liner like "v0.3.0 (1f2e3d4, 2026-10-01T08:00:00Z)",
// with "+modified" after the commit for a dirty tree.
func (i Info) String() string {
	commit := i.Commit
	if i.Modified {
		commit += "+modified"
	}
	return i.Version + " (" + commit + ", " + i.BuildTime + ")"
}

// Handler serves Get(serviceName) as JSON.
func Handler(serviceName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Get(serviceName))
	}
}

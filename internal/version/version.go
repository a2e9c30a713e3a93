// Package version identifies the running scribed binary. The server reports
// it in logs and telemetry; the client sends it in its User-Agent.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

const fallbackModule = "pkt.systems/scribed"

// buildVersion is stamped by release builds:
//
//	go build -ldflags "-X pkt.systems/scribed/internal/version.buildVersion=v1.4.0"
var buildVersion = ""

// Stamp is what the Go toolchain recorded about the checkout a binary was
// built from.
type Stamp struct {
	Module   string
	Release  string
	Revision string
	Time     time.Time
	Dirty    bool
}

// Pseudo formats the stamp the way Go names untagged module versions, with a
// +dirty suffix for builds from a modified working copy. It is empty when the
// build carried no VCS information.
func (s Stamp) Pseudo() string {
	if s.Revision == "" || s.Time.IsZero() {
		return ""
	}
	rev := s.Revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	var b strings.Builder
	b.WriteString("v0.0.0-")
	b.WriteString(s.Time.UTC().Format("20060102150405"))
	b.WriteByte('-')
	b.WriteString(rev)
	if s.Dirty {
		b.WriteString("+dirty")
	}
	return b.String()
}

var readStamp = sync.OnceValue(func() Stamp {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Stamp{Module: fallbackModule}
	}
	return stampFrom(info)
})

func stampFrom(info *debug.BuildInfo) Stamp {
	st := Stamp{Module: fallbackModule}
	if info == nil {
		return st
	}
	if p := strings.TrimSpace(info.Main.Path); p != "" {
		st.Module = p
	}
	if v := strings.TrimSpace(info.Main.Version); v != "(devel)" {
		st.Release = v
	}
	for _, kv := range info.Settings {
		switch kv.Key {
		case "vcs.revision":
			st.Revision = kv.Value
		case "vcs.time":
			st.Time, _ = time.Parse(time.RFC3339, kv.Value)
		case "vcs.modified":
			st.Dirty = kv.Value == "true"
		}
	}
	return st
}

// Current returns the linker-stamped version, then the module version, then
// a pseudo-version from VCS data, in that order of preference.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	st := readStamp()
	if st.Release != "" {
		return st.Release
	}
	if p := st.Pseudo(); p != "" {
		return p
	}
	return "v0.0.0-unknown"
}

// Module returns the main module path.
func Module() string {
	return readStamp().Module
}

// UserAgent identifies the Go SDK, e.g. "scribed-client/v1.4.0 (go1.25.1)".
func UserAgent() string {
	return "scribed-client/" + Current() + " (" + runtime.Version() + ")"
}

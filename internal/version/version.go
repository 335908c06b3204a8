// Package version описывает сборку. Значения задаются через -ldflags
// (-X .../internal/version.version=...), иначе берутся из debug.BuildInfo.
package version

import (
	"fmt"
	"runtime/debug"
	"sync"
)

var (
	version = ""
	commit  = ""
	date    = ""
)

// Build — сведения о сборке бинарника.
type Build struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
	Dirty   bool   `json:"dirty,omitempty"`
}

func (b Build) String() string {
	commit := b.Commit
	if b.Dirty {
		commit += "+dirty"
	}
	return fmt.Sprintf("commerce-api %s (commit %s, built %s)", b.Version, commit, b.Date)
}

var current = sync.OnceValue(func() Build {
	info, _ := debug.ReadBuildInfo()
	return resolve(version, commit, date, info)
})

// Current возвращает сведения о текущей сборке.
func Current() Build { return current() }

// resolve предпочитает ldflags, затем VCS-метки Go toolchain, затем заглушки.
func resolve(v, c, d string, info *debug.BuildInfo) Build {
	b := Build{Version: v, Commit: c, Date: d}
	if info != nil {
		if b.Version == "" && info.Main.Version != "" && info.Main.Version != "(devel)" {
			b.Version = info.Main.Version
		}
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if b.Commit == "" {
					b.Commit = s.Value
				}
			case "vcs.time":
				if b.Date == "" {
					b.Date = s.Value
				}
			case "vcs.modified":
				b.Dirty = s.Value == "true"
			}
		}
	}
	if b.Version == "" {
		b.Version = "dev"
	}
	if b.Commit == "" {
		b.Commit = "unknown"
	}
	if b.Date == "" {
		b.Date = "unknown"
	}
	return b
}

// Package config resolves runtime descriptors from the static configuration.
package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Frohrer/codux/internal/runner/sandbox/profile"
	appErr "github.com/Frohrer/codux/pkg/errors"

	"github.com/coreos/go-semver/semver"
)

// RuntimeRepository looks up runtimes by language and version range.
type RuntimeRepository interface {
	Resolve(language, version string) (profile.Runtime, error)
	List() []profile.Runtime
}

type entry struct {
	runtime profile.Runtime
	version *semver.Version
}

// LocalRepository serves runtimes declared in configuration.
type LocalRepository struct {
	entries []entry
}

// NewLocalRepository validates and indexes runtimes. Versions are semver; missing
// minor or patch components are treated as zero.
func NewLocalRepository(runtimes []profile.Runtime) (*LocalRepository, error) {
	entries := make([]entry, 0, len(runtimes))
	for i, rt := range runtimes {
		if rt.Language == "" {
			return nil, fmt.Errorf("runtime %d: language is required", i)
		}
		if rt.PkgDir == "" {
			return nil, fmt.Errorf("runtime %s: pkgdir is required", rt.ID())
		}
		v, err := parseVersion(rt.Version)
		if err != nil {
			return nil, fmt.Errorf("runtime %s: %w", rt.ID(), err)
		}
		entries = append(entries, entry{runtime: rt, version: v})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].runtime.Language != entries[j].runtime.Language {
			return entries[i].runtime.Language < entries[j].runtime.Language
		}
		return entries[j].version.LessThan(*entries[i].version)
	})
	return &LocalRepository{entries: entries}, nil
}

// Resolve returns the highest runtime version matching the language (or alias) and range.
func (r *LocalRepository) Resolve(language, version string) (profile.Runtime, error) {
	for _, e := range r.entries {
		if !e.runtime.Matches(language) {
			continue
		}
		if matchVersion(e.version, version) {
			return e.runtime, nil
		}
	}
	return profile.Runtime{}, appErr.Newf(appErr.RuntimeNotFound, "%s-%s runtime is unknown", language, version)
}

// List returns every configured runtime, newest version first per language.
func (r *LocalRepository) List() []profile.Runtime {
	out := make([]profile.Runtime, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.runtime)
	}
	return out
}

func parseVersion(raw string) (*semver.Version, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "v")
	if raw == "" {
		return nil, fmt.Errorf("version is required")
	}
	parts := strings.SplitN(raw, "-", 2)
	core := strings.Split(parts[0], ".")
	for len(core) < 3 {
		core = append(core, "0")
	}
	normalized := strings.Join(core, ".")
	if len(parts) == 2 {
		normalized += "-" + parts[1]
	}
	return semver.NewVersion(normalized)
}

// matchVersion supports exact versions, "*", and partial ranges such as "3.x" or "3.10".
func matchVersion(v *semver.Version, pattern string) bool {
	pattern = strings.TrimPrefix(strings.TrimSpace(pattern), "v")
	if pattern == "" || pattern == "*" || pattern == "x" || pattern == "latest" {
		return true
	}
	if exact, err := semver.NewVersion(pattern); err == nil {
		return v.Equal(*exact)
	}
	components := []int64{v.Major, v.Minor, v.Patch}
	parts := strings.Split(pattern, ".")
	if len(parts) > len(components) {
		return false
	}
	for i, part := range parts {
		if part == "*" || part == "x" || part == "X" {
			continue
		}
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil || n != components[i] {
			return false
		}
	}
	return true
}

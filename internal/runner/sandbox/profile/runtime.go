// Package profile describes the language runtimes the sandbox can execute.
package profile

import (
	"strings"
)

// Known web frameworks with a startup handshake.
const (
	FrameworkStreamlit = "streamlit"
)

// StageLimits holds one value per sandboxed stage.
type StageLimits struct {
	Compile int64 `yaml:"compile" json:"compile"`
	Run     int64 `yaml:"run" json:"run"`
}

// Runtime is a configured language runtime.
type Runtime struct {
	Language        string            `yaml:"language" json:"language"`
	Version         string            `yaml:"version" json:"version"`
	Aliases         []string          `yaml:"aliases" json:"aliases"`
	Runtime         string            `yaml:"runtime" json:"runtime,omitempty"`
	Compiled        bool              `yaml:"compiled" json:"-"`
	PkgDir          string            `yaml:"pkgdir" json:"-"`
	Env             map[string]string `yaml:"env" json:"-"`
	Timeouts        StageLimits       `yaml:"timeouts" json:"-"`
	CPUTimes        StageLimits       `yaml:"cpu_times" json:"-"`
	MemoryLimits    StageLimits       `yaml:"memory_limits" json:"-"`
	MaxProcessCount int               `yaml:"max_process_count" json:"-"`
	MaxOpenFiles    int               `yaml:"max_open_files" json:"-"`
	MaxFileSize     int64             `yaml:"max_file_size" json:"-"`
	OutputMaxSize   int64             `yaml:"output_max_size" json:"-"`
	// Web enables listening port detection for generic web applications.
	Web bool `yaml:"web" json:"-"`
	// Framework names a web framework with a known startup handshake.
	Framework string `yaml:"framework" json:"-"`
}

// ID returns the "<language>-<version>" identifier.
func (r Runtime) ID() string {
	return r.Language + "-" + r.Version
}

// Matches reports whether name is the language or one of its aliases.
func (r Runtime) Matches(name string) bool {
	if strings.EqualFold(r.Language, name) {
		return true
	}
	for _, alias := range r.Aliases {
		if strings.EqualFold(alias, name) {
			return true
		}
	}
	return false
}

// WebFramework returns the framework with a startup handshake, if any.
func (r Runtime) WebFramework() string {
	if r.Framework != "" {
		return strings.ToLower(r.Framework)
	}
	if strings.EqualFold(r.Language, FrameworkStreamlit) {
		return FrameworkStreamlit
	}
	return ""
}

// IsWeb reports whether jobs of this runtime get the web capability.
func (r Runtime) IsWeb() bool {
	return r.Web || r.WebFramework() != ""
}

// PackageManagerName returns the name used to pick the dependency install template.
func (r Runtime) PackageManagerName() string {
	if r.Runtime != "" {
		return strings.ToLower(r.Runtime)
	}
	return strings.ToLower(r.Language)
}

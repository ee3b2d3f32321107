// Package sandbox drives the external isolate executable: box lifecycle,
// staged runs with resource limits and forced teardown.
package sandbox

import (
	"context"
	"path/filepath"

	"github.com/Frohrer/codux/internal/runner/event"
	"github.com/Frohrer/codux/internal/runner/sandbox/profile"
	"github.com/Frohrer/codux/internal/runner/sandbox/result"
)

// Stage scripts shipped in every runtime package directory.
const (
	ScriptCompile        = "compile"
	ScriptRun            = "run"
	ScriptPackageManager = "packagemanager"
)

// SubmissionDirName is the directory inside a box that holds job files.
const SubmissionDirName = "submission"

// File encodings accepted for job files.
const (
	EncodingUTF8   = "utf8"
	EncodingBase64 = "base64"
	EncodingHex    = "hex"
)

// File is a job file written into a box.
type File struct {
	Name     string `json:"name"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

// Box is an initialised isolate box.
type Box struct {
	ID           int
	Dir          string
	MetadataPath string
}

// SubmissionDir returns the host path of the submission directory.
func (b *Box) SubmissionDir() string {
	return filepath.Join(b.Dir, SubmissionDirName)
}

// Limits bounds a single stage run. Zero or negative memory means unlimited.
type Limits struct {
	TimeoutMs   int64
	CPUTimeMs   int64
	MemoryBytes int64
}

// RunRequest describes one stage run.
type RunRequest struct {
	Runtime profile.Runtime
	Stage   string
	Script  string
	Args    []string
	Stdin   string
	Limits  Limits
	Env     map[string]string
}

// Provider is the sandbox lifecycle contract used by jobs.
type Provider interface {
	InitBox(ctx context.Context) (*Box, error)
	Populate(ctx context.Context, box *Box, files []File) error
	// Transfer moves the submission directory of from into the fresh box to.
	Transfer(ctx context.Context, from, to *Box) error
	// Run executes a stage. With a nil bus stdin is written once and output is
	// only captured; with a bus output is streamed and stdin/signals are forwarded.
	Run(ctx context.Context, box *Box, req RunRequest, bus *event.Bus) (result.StageResult, error)
	Cleanup(ctx context.Context, box *Box) error
	ForceCleanup(ctx context.Context, boxID int) (CleanupOutcome, error)
}

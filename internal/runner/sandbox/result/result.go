// Package result holds the outcome documents produced by sandbox stages.
package result

// Status is the terminal classification reported by the sandbox.
type Status string

const (
	StatusNone          Status = ""
	StatusTimeout       Status = "TO"
	StatusStdoutLimit   Status = "OL"
	StatusStderrLimit   Status = "EL"
	StatusRuntimeError  Status = "RE"
	StatusSignaled      Status = "SG"
	StatusInternalError Status = "XX"
	// StatusSuccess is used by web applications that started and keep running.
	StatusSuccess Status = "success"
)

// KillsProcess reports whether the status implies the process was killed by the sandbox.
func (s Status) KillsProcess() bool {
	return s == StatusTimeout || s == StatusStdoutLimit || s == StatusStderrLimit
}

// StageResult is the result of one sandboxed stage run.
type StageResult struct {
	Code      *int    `json:"code"`
	Signal    string  `json:"signal"`
	Stdout    string  `json:"stdout"`
	Stderr    string  `json:"stderr"`
	Output    string  `json:"output"`
	Memory    int64   `json:"memory"`
	CPUTime   float64 `json:"cpu_time"`
	WallTime  float64 `json:"wall_time"`
	Status    Status  `json:"status"`
	Message   string  `json:"message"`
	WebAppURL string  `json:"webAppUrl,omitempty"`
}

// ExitCode returns the exit code or -1 when the process did not exit normally.
func (r *StageResult) ExitCode() int {
	if r == nil || r.Code == nil {
		return -1
	}
	return *r.Code
}

// Succeeded reports whether the stage exited with code 0.
func (r *StageResult) Succeeded() bool {
	return r.ExitCode() == 0
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}

// ExecutionResult is the outcome of a whole job execution.
type ExecutionResult struct {
	Compile  *StageResult `json:"compile,omitempty"`
	Run      *StageResult `json:"run,omitempty"`
	Language string       `json:"language"`
	Version  string       `json:"version"`
	// Install is the dependency install stage, when one ran.
	Install *StageResult `json:"-"`
	// InstallFailed marks a Run that is really the failed dependency install.
	InstallFailed bool   `json:"-"`
	WebAppURL     string `json:"webAppUrl,omitempty"`
}

// Package timing records per-stage durations and resource usage of jobs.
package timing

import (
	"sync"
	"time"
)

// Metrics aggregates resource usage. CPU and wall time add up, memory keeps the peak.
type Metrics struct {
	CPUTime  float64 `json:"cpuTime"`
	WallTime float64 `json:"wallTime"`
	Memory   int64   `json:"memory"`
}

func (m *Metrics) add(cpu, wall float64, memory int64) {
	m.CPUTime += cpu
	m.WallTime += wall
	if memory > m.Memory {
		m.Memory = memory
	}
}

// Stage is the timing of one stage.
type Stage struct {
	Name      string     `json:"name"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Duration  int64      `json:"duration"`
	Metrics
}

// Report is the timing document of a job.
type Report struct {
	JobID         string     `json:"jobId"`
	StartTime     time.Time  `json:"startTime"`
	EndTime       *time.Time `json:"endTime,omitempty"`
	TotalDuration int64      `json:"totalDuration"`
	CurrentStage  string     `json:"currentStage,omitempty"`
	Stages        []Stage    `json:"stages"`
	Metrics       Metrics    `json:"metrics"`
}

type record struct {
	start   time.Time
	end     *time.Time
	stages  []*Stage
	current *Stage
	metrics Metrics
}

// Timer tracks timing records by job id.
type Timer struct {
	mu      sync.Mutex
	now     func() time.Time
	records map[string]*record
}

// NewTimer creates a timer using the wall clock.
func NewTimer() *Timer {
	return NewTimerWithClock(time.Now)
}

// NewTimerWithClock creates a timer with a custom clock.
func NewTimerWithClock(now func() time.Time) *Timer {
	return &Timer{now: now, records: make(map[string]*record)}
}

// Start begins timing a job, replacing any previous record.
func (t *Timer) Start(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[jobID] = &record{start: t.now()}
}

// StartStage ends the active stage, if any, and starts a new one.
func (t *Timer) StartStage(jobID, stage string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[jobID]
	if !ok {
		rec = &record{start: t.now()}
		t.records[jobID] = rec
	}
	now := t.now()
	rec.endCurrent(now)
	st := &Stage{Name: stage, StartTime: now}
	rec.stages = append(rec.stages, st)
	rec.current = st
}

// EndStage ends the stage if it is the active one.
func (t *Timer) EndStage(jobID, stage string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[jobID]
	if !ok || rec.current == nil || rec.current.Name != stage {
		return
	}
	rec.endCurrent(t.now())
}

// UpdateMetrics adds usage to the job and to its active stage.
func (t *Timer) UpdateMetrics(jobID string, cpu, wall float64, memory int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[jobID]
	if !ok {
		return
	}
	rec.metrics.add(cpu, wall, memory)
	if rec.current != nil {
		rec.current.add(cpu, wall, memory)
	}
}

// End closes the job record and returns its final report.
func (t *Timer) End(jobID string) (Report, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[jobID]
	if !ok {
		return Report{}, false
	}
	if rec.end == nil {
		now := t.now()
		rec.endCurrent(now)
		rec.end = &now
	}
	return rec.report(jobID, t.now()), true
}

// Report returns the current report without ending anything.
func (t *Timer) Report(jobID string) (Report, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[jobID]
	if !ok {
		return Report{}, false
	}
	return rec.report(jobID, t.now()), true
}

// Forget drops the job record.
func (t *Timer) Forget(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, jobID)
}

func (r *record) endCurrent(now time.Time) {
	if r.current == nil {
		return
	}
	end := now
	r.current.EndTime = &end
	r.current.Duration = end.Sub(r.current.StartTime).Milliseconds()
	r.current = nil
}

func (r *record) report(jobID string, now time.Time) Report {
	rep := Report{
		JobID:     jobID,
		StartTime: r.start,
		Metrics:   r.metrics,
		Stages:    make([]Stage, 0, len(r.stages)),
	}
	for _, st := range r.stages {
		cp := *st
		if cp.EndTime == nil {
			cp.Duration = now.Sub(cp.StartTime).Milliseconds()
		}
		rep.Stages = append(rep.Stages, cp)
	}
	if r.current != nil {
		rep.CurrentStage = r.current.Name
	}
	if r.end != nil {
		end := *r.end
		rep.EndTime = &end
		rep.TotalDuration = end.Sub(r.start).Milliseconds()
	} else {
		rep.TotalDuration = now.Sub(r.start).Milliseconds()
	}
	return rep
}

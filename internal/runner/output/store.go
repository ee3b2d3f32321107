// Package output keeps a bounded line buffer of job output and fans live
// chunks out to subscribers.
package output

import (
	"strings"
	"sync"
)

const (
	defaultMaxLines         = 1000
	defaultSubscriberBuffer = 256
	defaultMaxJobs          = 1000
)

// Stream names a recorded output stream.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	StreamError  Stream = "error"
)

// Chunk is one delivery to a subscriber.
type Chunk struct {
	Stream Stream `json:"type"`
	Data   string `json:"data"`
}

// Snapshot is the buffered output of a job.
type Snapshot struct {
	Stdout []string `json:"stdout"`
	Stderr []string `json:"stderr"`
	Errors []string `json:"errors"`
}

type jobOutput struct {
	stdout []string
	stderr []string
	errors []string
	subs   map[*Subscription]struct{}
}

// Store holds output per job id.
type Store struct {
	mu         sync.Mutex
	maxLines   int
	bufferSize int
	maxJobs    int
	jobs       map[string]*jobOutput
	order      []string
}

// NewStore creates a store keeping maxLines lines per stream for at most
// maxJobs jobs; the oldest job is evicted first.
func NewStore(maxLines, subscriberBuffer, maxJobs int) *Store {
	if maxLines <= 0 {
		maxLines = defaultMaxLines
	}
	if subscriberBuffer <= 0 {
		subscriberBuffer = defaultSubscriberBuffer
	}
	if maxJobs <= 0 {
		maxJobs = defaultMaxJobs
	}
	return &Store{
		maxLines:   maxLines,
		bufferSize: subscriberBuffer,
		maxJobs:    maxJobs,
		jobs:       make(map[string]*jobOutput),
	}
}

// Record appends data to a stream and notifies subscribers. Subscribers whose
// buffer is full are dropped.
func (s *Store) Record(jobID string, stream Stream, data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.job(jobID)
	for _, line := range strings.Split(data, "\n") {
		if line == "" {
			continue
		}
		switch stream {
		case StreamStdout:
			job.stdout = s.push(job.stdout, line)
		case StreamStderr:
			job.stderr = s.push(job.stderr, line)
		case StreamError:
			job.errors = s.push(job.errors, line)
		}
	}
	chunk := Chunk{Stream: stream, Data: data}
	for sub := range job.subs {
		select {
		case sub.ch <- chunk:
		default:
			sub.dropped = true
			delete(job.subs, sub)
			close(sub.ch)
		}
	}
}

// Subscribe returns a subscription that first yields the backlog (stdout, then
// stderr) and then every new chunk.
func (s *Store) Subscribe(jobID string) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.job(jobID)
	sub := &Subscription{store: s, jobID: jobID, ch: make(chan Chunk, s.bufferSize+2)}
	if len(job.stdout) > 0 {
		sub.ch <- Chunk{Stream: StreamStdout, Data: strings.Join(job.stdout, "\n")}
	}
	if len(job.stderr) > 0 {
		sub.ch <- Chunk{Stream: StreamStderr, Data: strings.Join(job.stderr, "\n")}
	}
	job.subs[sub] = struct{}{}
	return sub
}

// Snapshot returns copies of the buffered lines.
func (s *Store) Snapshot(jobID string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		Stdout: append([]string{}, job.stdout...),
		Stderr: append([]string{}, job.stderr...),
		Errors: append([]string{}, job.errors...),
	}, true
}

// Clear drops the job's buffers and closes its subscriptions.
func (s *Store) Clear(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return
	}
	s.drop(jobID, job)
	for i, id := range s.order {
		if id == jobID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of jobs with buffered output.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Store) drop(jobID string, job *jobOutput) {
	for sub := range job.subs {
		close(sub.ch)
	}
	delete(s.jobs, jobID)
}

func (s *Store) job(jobID string) *jobOutput {
	job, ok := s.jobs[jobID]
	if !ok {
		job = &jobOutput{subs: make(map[*Subscription]struct{})}
		s.jobs[jobID] = job
		s.order = append(s.order, jobID)
		for len(s.order) > s.maxJobs {
			oldest := s.order[0]
			s.order = s.order[1:]
			if old, ok := s.jobs[oldest]; ok {
				s.drop(oldest, old)
			}
		}
	}
	return job
}

func (s *Store) push(lines []string, line string) []string {
	lines = append(lines, line)
	if over := len(lines) - s.maxLines; over > 0 {
		copy(lines, lines[over:])
		lines = lines[:s.maxLines]
	}
	return lines
}

// Subscription receives chunks for one job.
type Subscription struct {
	store   *Store
	jobID   string
	ch      chan Chunk
	dropped bool
}

// Chunks is closed on Close, on Clear, or when the subscriber fell behind.
func (s *Subscription) Chunks() <-chan Chunk {
	return s.ch
}

// Dropped reports whether the subscriber fell behind.
func (s *Subscription) Dropped() bool {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription.
func (s *Subscription) Close() {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	job, ok := s.store.jobs[s.jobID]
	if !ok {
		return
	}
	if _, ok := job.subs[s]; ok {
		delete(job.subs, s)
		close(s.ch)
	}
}

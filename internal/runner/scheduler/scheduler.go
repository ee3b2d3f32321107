// Package scheduler bounds the number of jobs running in the sandbox at once.
package scheduler

import (
	"container/list"
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const defaultCapacity = 64

// Stats is a point-in-time view of slot usage.
type Stats struct {
	Capacity int `json:"capacity"`
	InUse    int `json:"in_use"`
	Waiting  int `json:"waiting"`
}

// Scheduler hands out a fixed number of slots, FIFO among waiters.
type Scheduler struct {
	mu       sync.Mutex
	capacity int
	inUse    int
	waiters  *list.List
}

// New creates a scheduler with capacity slots.
func New(capacity int) *Scheduler {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Scheduler{capacity: capacity, waiters: list.New()}
}

// Admit blocks until a slot is reserved or ctx is done. A caller that gives up
// is removed from the queue and holds no slot.
func (s *Scheduler) Admit(ctx context.Context) error {
	s.mu.Lock()
	if s.inUse < s.capacity && s.waiters.Len() == 0 {
		s.inUse++
		s.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	elem := s.waiters.PushBack(ready)
	s.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		select {
		case <-ready:
			// Granted while giving up: pass the slot on.
			s.mu.Unlock()
			s.Release()
		default:
			s.waiters.Remove(elem)
			s.mu.Unlock()
		}
		return ctx.Err()
	}
}

// TryAdmit reserves a slot only if one is free right now.
func (s *Scheduler) TryAdmit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse < s.capacity && s.waiters.Len() == 0 {
		s.inUse++
		return true
	}
	return false
}

// Release returns a slot, handing it directly to the oldest waiter if any.
func (s *Scheduler) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if front := s.waiters.Front(); front != nil {
		s.waiters.Remove(front)
		close(front.Value.(chan struct{}))
		return
	}
	if s.inUse > 0 {
		s.inUse--
	}
}

// Stats reports current usage.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Capacity: s.capacity, InUse: s.inUse, Waiting: s.waiters.Len()}
}

// Register exports slot usage gauges.
func (s *Scheduler) Register(reg prometheus.Registerer) error {
	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "codux",
			Subsystem: "scheduler",
			Name:      "slots_in_use",
			Help:      "Job slots currently reserved.",
		}, func() float64 { return float64(s.Stats().InUse) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "codux",
			Subsystem: "scheduler",
			Name:      "jobs_waiting",
			Help:      "Jobs queued for a slot.",
		}, func() float64 { return float64(s.Stats().Waiting) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "codux",
			Subsystem: "scheduler",
			Name:      "slots_capacity",
			Help:      "Configured job slots.",
		}, func() float64 { return float64(s.capacity) }),
	}
	for _, g := range gauges {
		if err := reg.Register(g); err != nil {
			return err
		}
	}
	return nil
}

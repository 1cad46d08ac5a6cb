// Package orchestrator is the multi-user job queue, entitlement gate, and
// per-user Runner registry of spec.md §4.10 (C10). Grounded on the
// teacher's internal/gateway/manager.go pooled-resource-with-health-check
// shape, generalized from connection-keyed Gateways to job-keyed Runners;
// the FIFO Queue below plays the role of the teacher's Manager.gateways map
// plus lruOrder slice, simplified since job admission order matters but LRU
// eviction does not.
package orchestrator

import (
	"sync"
	"time"
)

// JobStatus is the lifecycle state of one queued/running job (spec.md §3).
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobStopped JobStatus = "stopped"
	JobFailed  JobStatus = "failed"
	JobCrashed JobStatus = "crashed"
)

// Job is one orchestrator-admitted unit of work (spec.md §3 "Job / Worker").
type Job struct {
	JobID          string
	UserID         string
	StrategyID     string
	BrokerID       string
	ConfigSnapshot map[string]any
	Status         JobStatus
	CreatedAt      time.Time
}

// QueueStats is the aggregate view returned by getStats/getStatus.
type QueueStats struct {
	Queued  int
	Running int
	Stopped int
	Failed  int
	Crashed int
	Total   int
}

// Queue is the FIFO job queue surface (spec.md §4.10): "the interface is
// the only coupling to a potential durable queue later."
type Queue interface {
	Enqueue(j Job)
	Dequeue() (Job, bool)
	Peek() (Job, bool)
	Remove(jobID string) bool
	UpdateStatus(jobID string, status JobStatus) bool
	GetJob(jobID string) (Job, bool)
	GetUserJobs(userID string) []Job
	GetAllJobs() []Job
	GetStats() QueueStats
	Clear()
}

// memoryQueue is the in-memory default Queue (spec.md §4.10: "In-memory by
// default").
type memoryQueue struct {
	mu   sync.Mutex
	jobs []Job
}

// NewMemoryQueue constructs the default in-process FIFO queue.
func NewMemoryQueue() Queue {
	return &memoryQueue{}
}

func (q *memoryQueue) Enqueue(j Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, j)
}

// Dequeue removes and returns the oldest still-queued job.
func (q *memoryQueue) Dequeue() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, j := range q.jobs {
		if j.Status == JobQueued {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			return j, true
		}
	}
	return Job{}, false
}

// Peek returns the oldest still-queued job without removing it.
func (q *memoryQueue) Peek() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if j.Status == JobQueued {
			return j, true
		}
	}
	return Job{}, false
}

func (q *memoryQueue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, j := range q.jobs {
		if j.JobID == jobID {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			return true
		}
	}
	return false
}

func (q *memoryQueue) UpdateStatus(jobID string, status JobStatus) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.jobs {
		if q.jobs[i].JobID == jobID {
			q.jobs[i].Status = status
			return true
		}
	}
	return false
}

func (q *memoryQueue) GetJob(jobID string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if j.JobID == jobID {
			return j, true
		}
	}
	return Job{}, false
}

func (q *memoryQueue) GetUserJobs(userID string) []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Job
	for _, j := range q.jobs {
		if j.UserID == userID {
			out = append(out, j)
		}
	}
	return out
}

func (q *memoryQueue) GetAllJobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, len(q.jobs))
	copy(out, q.jobs)
	return out
}

func (q *memoryQueue) GetStats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s QueueStats
	for _, j := range q.jobs {
		s.Total++
		switch j.Status {
		case JobQueued:
			s.Queued++
		case JobRunning:
			s.Running++
		case JobStopped:
			s.Stopped++
		case JobFailed:
			s.Failed++
		case JobCrashed:
			s.Crashed++
		}
	}
	return s
}

func (q *memoryQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = nil
}

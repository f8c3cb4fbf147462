package workflow

import (
	"math"
	"time"
)

// Policy is the execution policy a workflow declares for the worker runtime.
type Policy struct {
	// Concurrency caps the tasks of this workflow running at once on a worker.
	Concurrency int
	// ExecutionTimeout bounds a single attempt.
	ExecutionTimeout time.Duration
	// ScheduleTimeout drops events that waited longer than this in the queue.
	ScheduleTimeout time.Duration
	// Retries is the number of attempts after the first one.
	Retries int
	// BackoffFactor and BackoffMax shape the delay between attempts.
	BackoffFactor float64
	BackoffMax    time.Duration
	// Labels must all be present on a worker for it to take the task.
	Labels map[string]string
	// NoProxy opts out of the configured egress proxy. Navigation goes
	// through the proxy otherwise.
	NoProxy bool
}

// Policy defaults.
const (
	DefaultConcurrency      = 10
	DefaultExecutionTimeout = 30 * time.Second
	DefaultScheduleTimeout  = 120 * time.Hour
	DefaultRetries          = 5
	DefaultBackoffFactor    = 1.5
	DefaultBackoffMax       = 10 * time.Second
)

// DefaultPolicy returns the policy used when a definition leaves fields
// unset.
func DefaultPolicy() Policy {
	return Policy{
		Concurrency:      DefaultConcurrency,
		ExecutionTimeout: DefaultExecutionTimeout,
		ScheduleTimeout:  DefaultScheduleTimeout,
		Retries:          DefaultRetries,
		BackoffFactor:    DefaultBackoffFactor,
		BackoffMax:       DefaultBackoffMax,
	}
}

// withDefaults fills zero numeric fields. Negative Retries means no retry.
func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Concurrency <= 0 {
		p.Concurrency = d.Concurrency
	}
	if p.ExecutionTimeout <= 0 {
		p.ExecutionTimeout = d.ExecutionTimeout
	}
	if p.ScheduleTimeout <= 0 {
		p.ScheduleTimeout = d.ScheduleTimeout
	}
	if p.Retries == 0 {
		p.Retries = d.Retries
	}
	if p.Retries < 0 {
		p.Retries = 0
	}
	if p.BackoffFactor <= 0 {
		p.BackoffFactor = d.BackoffFactor
	}
	if p.BackoffMax <= 0 {
		p.BackoffMax = d.BackoffMax
	}
	return p
}

// Backoff returns the delay before retry number attempt (0-based):
// min(BackoffMax, 1s * BackoffFactor^attempt).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(time.Second) * math.Pow(p.BackoffFactor, float64(attempt))
	if delay > float64(p.BackoffMax) || math.IsInf(delay, 0) || math.IsNaN(delay) {
		return p.BackoffMax
	}
	return time.Duration(delay)
}

// Matches reports whether workerLabels carry every required label.
func (p Policy) Matches(workerLabels map[string]string) bool {
	for k, v := range p.Labels {
		if got, ok := workerLabels[k]; !ok || got != v {
			return false
		}
	}
	return true
}

package domain

import "time"

// Runner is a registered job executor. Jobs route to runners by label.
type Runner struct {
	ID             string
	RegistrationID string
	Labels         []string // Labels this runner serves, e.g. "linux"
	Address        string
	SupportedModes []ExecutionMode
	MaxConcurrent  int
	CurrentLoad    int
	Metadata       map[string]string
	RegisteredAt   time.Time
	LastHeartbeat  time.Time
	ExpiresAt      time.Time
	Version        int64
}

// HasLabel returns true if the runner serves the given label.
func (r *Runner) HasLabel(label string) bool {
	for _, l := range r.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// SupportsMode returns true if the runner accepts the given dispatch mode.
func (r *Runner) SupportsMode(mode ExecutionMode) bool {
	for _, m := range r.SupportedModes {
		if m == mode {
			return true
		}
	}
	return false
}

// IsExpired returns true if the registration TTL has lapsed.
func (r *Runner) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Available returns true if the runner can take another job.
func (r *Runner) Available(now time.Time) bool {
	if r.IsExpired(now) {
		return false
	}
	return r.MaxConcurrent <= 0 || r.CurrentLoad < r.MaxConcurrent
}

// Heartbeat refreshes the registration TTL and reported load.
func (r *Runner) Heartbeat(now time.Time, ttl time.Duration, load int) {
	r.LastHeartbeat = now
	r.ExpiresAt = now.Add(ttl)
	if load >= 0 {
		r.CurrentLoad = load
	}
}

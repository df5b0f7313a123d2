package models

import (
	"fmt"
	"time"
)

// Budget is the immutable resource-limit configuration for an orchestrator.
type Budget struct {
	// MaxResourcesPerSubtask bounds the size of each subtask's resource
	// subset. The useful range is 5-10.
	MaxResourcesPerSubtask int `json:"max_resources_per_subtask"`
	// SoftThreshold is the context-unit consumption that triggers compaction.
	SoftThreshold int64 `json:"soft_threshold"`
	// HardThreshold is the context-unit consumption that triggers a session
	// reset. Must be greater than SoftThreshold.
	HardThreshold int64 `json:"hard_threshold"`
	// PostCompactionBaseline is the consumption counter value after a
	// successful compaction. Must be below SoftThreshold.
	PostCompactionBaseline int64 `json:"post_compaction_baseline"`
	// ConcurrencyLimit is the maximum number of simultaneously active
	// worker sessions.
	ConcurrencyLimit int `json:"concurrency_limit"`
	// RetryLimit is how many times a subtask is requeued after a session
	// crash before it is marked failed.
	RetryLimit int `json:"retry_limit"`
	// SessionTimeout is the wall-clock deadline for a single session.
	SessionTimeout time.Duration `json:"session_timeout"`
	// DefaultResourceCost is the estimated cost used for resources that do
	// not declare one.
	DefaultResourceCost int64 `json:"default_resource_cost"`
}

// DefaultBudget returns a Budget with sensible defaults.
func DefaultBudget() Budget {
	return Budget{
		MaxResourcesPerSubtask: 8,
		SoftThreshold:          6000,
		HardThreshold:          10000,
		PostCompactionBaseline: 1500,
		ConcurrencyLimit:       4,
		RetryLimit:             2,
		SessionTimeout:         15 * time.Minute,
		DefaultResourceCost:    500,
	}
}

// Validate checks internal consistency of the budget.
func (b Budget) Validate() error {
	if b.MaxResourcesPerSubtask < 1 {
		return fmt.Errorf("max_resources_per_subtask must be at least 1, got %d", b.MaxResourcesPerSubtask)
	}
	if b.SoftThreshold <= 0 {
		return fmt.Errorf("soft_threshold must be positive, got %d", b.SoftThreshold)
	}
	if b.HardThreshold <= b.SoftThreshold {
		return fmt.Errorf("hard_threshold (%d) must exceed soft_threshold (%d)", b.HardThreshold, b.SoftThreshold)
	}
	if b.PostCompactionBaseline >= b.SoftThreshold {
		return fmt.Errorf("post_compaction_baseline (%d) must be below soft_threshold (%d)", b.PostCompactionBaseline, b.SoftThreshold)
	}
	if b.ConcurrencyLimit < 1 {
		return fmt.Errorf("concurrency_limit must be at least 1, got %d", b.ConcurrencyLimit)
	}
	if b.RetryLimit < 0 {
		return fmt.Errorf("retry_limit must not be negative, got %d", b.RetryLimit)
	}
	if b.SessionTimeout <= 0 {
		return fmt.Errorf("session_timeout must be positive, got %s", b.SessionTimeout)
	}
	if b.DefaultResourceCost <= 0 {
		return fmt.Errorf("default_resource_cost must be positive, got %d", b.DefaultResourceCost)
	}
	return nil
}

// ResourceCost returns the estimated cost of r, applying the default for
// resources that do not declare one.
func (b Budget) ResourceCost(r Resource) int64 {
	if r.Cost > 0 {
		return r.Cost
	}
	return b.DefaultResourceCost
}

// Oversized reports whether a resource's estimated cost alone exceeds the
// hard threshold.
func (b Budget) Oversized(r Resource) bool {
	return b.ResourceCost(r) > b.HardThreshold
}

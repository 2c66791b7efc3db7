// Package storage decides where an in-flight download is buffered and
// provides the disk and memory buffers themselves.
package storage

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/tunecache/internal/memory"
	"github.com/dustin/go-humanize"
)

// Mode is where a single download is buffered.
type Mode int

const (
	// Disk buffers into a temporary file under the cache directory.
	Disk Mode = iota
	// Memory buffers into an owned byte slice.
	Memory
)

// String returns the string representation of the mode
func (m Mode) String() string {
	switch m {
	case Disk:
		return "disk"
	case Memory:
		return "memory"
	default:
		return "unknown"
	}
}

// Policy is the configured buffering strategy. Hybrid resolves to Disk or
// Memory per request and is never stored.
type Policy string

const (
	PolicyDisk   Policy = "disk"
	PolicyMemory Policy = "memory"
	PolicyHybrid Policy = "hybrid"
)

// ParsePolicy parses a policy name, case-insensitively.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyDisk, PolicyMemory, PolicyHybrid:
		return p, nil
	default:
		return "", fmt.Errorf("invalid storage mode %q: use disk, memory or hybrid", s)
	}
}

// UnknownSize marks a payload whose size could not be probed.
const UnknownSize int64 = -1

// Select picks the buffering mode for a payload of the estimated size.
// It never fails: any uncertainty resolves to Disk.
func Select(policy Policy, estimate int64, budget memory.Budget, available uint64) Mode {
	switch policy {
	case PolicyMemory:
		return Memory
	case PolicyHybrid:
		if estimate < 0 {
			return Disk
		}
		size := uint64(estimate)
		if size > budget.ThresholdBytes {
			return Disk
		}
		if size+budget.SafetyBytes > available {
			return Disk
		}
		return Memory
	default:
		return Disk
	}
}

// Selector applies a policy against a live memory monitor.
type Selector struct {
	policy  Policy
	monitor *memory.Monitor
	logger  *log.Logger
}

// NewSelector creates a selector.
func NewSelector(policy Policy, monitor *memory.Monitor, logger *log.Logger) *Selector {
	if logger == nil {
		logger = log.Default().WithPrefix("storage")
	}
	return &Selector{policy: policy, monitor: monitor, logger: logger}
}

// Policy returns the configured policy.
func (s *Selector) Policy() Policy {
	return s.policy
}

// Select picks the mode for a payload of the estimated size.
func (s *Selector) Select(estimate int64) Mode {
	budget := s.monitor.Budget()
	available := s.monitor.Available()
	mode := Select(s.policy, estimate, budget, available)

	size := "unknown"
	if estimate >= 0 {
		size = humanize.IBytes(uint64(estimate))
	}
	s.logger.Debug("selected storage mode",
		"policy", s.policy,
		"mode", mode,
		"size", size,
		"available", humanize.IBytes(available),
		"threshold", humanize.IBytes(budget.ThresholdBytes))
	return mode
}

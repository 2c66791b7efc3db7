// Package memory tracks how much memory the process may still spend on
// in-memory audio buffers.
package memory

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/shirou/gopsutil/v3/mem"
)

// fallbackAvailable is used when the system reading fails.
const fallbackAvailable = 512 * 1024 * 1024

// defaultRefresh bounds how often the system is asked for free memory.
const defaultRefresh = 500 * time.Millisecond

// Budget holds the memory limits derived from configuration.
type Budget struct {
	ThresholdBytes uint64 // Largest payload allowed in memory
	SafetyBytes    uint64 // Headroom that must stay free
}

// Ceiling is the most memory all live buffers may hold together.
func (b Budget) Ceiling() uint64 {
	return b.ThresholdBytes + b.SafetyBytes
}

// SystemFunc reports the memory the operating system considers available.
type SystemFunc func() (uint64, error)

// VirtualMemory reads available memory through gopsutil.
func VirtualMemory() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

// Monitor reports memory headroom and accounts for live memory buffers.
// All methods are safe for concurrent use.
type Monitor struct {
	budget   Budget
	system   SystemFunc
	refresh  time.Duration
	reserved atomic.Uint64

	// Cached system reading
	lastRead  atomic.Int64 // unix nanos
	available atomic.Uint64
	refreshMu sync.Mutex

	warnOnce sync.Once
	logger   *log.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithSystem replaces the system memory reader.
func WithSystem(fn SystemFunc) Option {
	return func(m *Monitor) { m.system = fn }
}

// WithRefresh sets how long a system reading stays valid.
func WithRefresh(d time.Duration) Option {
	return func(m *Monitor) { m.refresh = d }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// NewMonitor creates a monitor for the given budget.
func NewMonitor(budget Budget, opts ...Option) *Monitor {
	m := &Monitor{
		budget:  budget,
		system:  VirtualMemory,
		refresh: defaultRefresh,
		logger:  log.Default().WithPrefix("memory"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Budget returns the configured budget.
func (m *Monitor) Budget() Budget {
	return m.budget
}

// Available returns the memory that may still be used for buffering:
// system available memory minus bytes held by live buffers.
func (m *Monitor) Available() uint64 {
	sys := m.systemAvailable()
	reserved := m.reserved.Load()
	if reserved >= sys {
		return 0
	}
	return sys - reserved
}

// Reserved returns the bytes currently held by live memory buffers.
func (m *Monitor) Reserved() uint64 {
	return m.reserved.Load()
}

// TryReserve accounts n more bytes to live buffers. It refuses when the
// reservation would push live buffers past the budget ceiling or past the
// memory the system reports available.
func (m *Monitor) TryReserve(n uint64) bool {
	if n == 0 {
		return true
	}
	ceiling := m.budget.Ceiling()
	sys := m.systemAvailable()
	for {
		cur := m.reserved.Load()
		next := cur + n
		if next < cur || next > ceiling {
			return false
		}
		if sys <= cur || n > sys-cur {
			return false
		}
		if m.reserved.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// Release returns n bytes previously reserved.
func (m *Monitor) Release(n uint64) {
	for {
		cur := m.reserved.Load()
		next := uint64(0)
		if n < cur {
			next = cur - n
		}
		if m.reserved.CompareAndSwap(cur, next) {
			return
		}
	}
}

func (m *Monitor) systemAvailable() uint64 {
	now := time.Now().UnixNano()
	if last := m.lastRead.Load(); last != 0 && time.Duration(now-last) < m.refresh {
		return m.available.Load()
	}

	// Only one caller refreshes; the others use the previous reading.
	if !m.refreshMu.TryLock() {
		if m.lastRead.Load() != 0 {
			return m.available.Load()
		}
		m.refreshMu.Lock()
	}
	defer m.refreshMu.Unlock()

	avail, err := m.system()
	if err != nil {
		m.warnOnce.Do(func() {
			m.logger.Warn("unable to read system memory, using conservative estimate", "error", err)
		})
		avail = fallbackAvailable
	}
	m.available.Store(avail)
	m.lastRead.Store(time.Now().UnixNano())
	return avail
}

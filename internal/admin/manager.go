// Package admin gates destructive cache operations behind an identity
// check and, for bulk clears, a second confirming call.
package admin

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

var (
	// ErrUnauthorized is returned for identities not on the admin list.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrConfirmationExpired is returned when a confirmation arrives after
	// the window closed. The caller should start over.
	ErrConfirmationExpired = errors.New("confirmation expired")

	// ErrNoPendingConfirmation is returned when a confirmation arrives
	// without a preceding request.
	ErrNoPendingConfirmation = errors.New("no pending confirmation")
)

// ConfirmArg is the argument that confirms a pending bulk clear.
const ConfirmArg = "confirm"

// DefaultConfirmWindow is how long a bulk clear request stays confirmable.
const DefaultConfirmWindow = 30 * time.Second

// Store is the part of the cache the manager operates on.
type Store interface {
	DeleteItem(itemID int64) (int, error)
	ClearAll() (int, error)
}

// Outcome is the human-readable result of an admin operation.
type Outcome struct {
	Text     string `json:"text"`
	Count    int    `json:"count"`
	Executed bool   `json:"executed"`
}

type session struct {
	issuedAt  time.Time
	expiresAt time.Time
}

// Manager runs admin operations.
type Manager struct {
	store  Store
	admins map[string]struct{}
	window time.Duration
	now    func() time.Time
	logger *log.Logger

	mu       sync.Mutex
	sessions map[string]session
}

// Option configures a Manager.
type Option func(*Manager)

// WithWindow sets the confirmation window.
func WithWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.window = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a manager for the given admin identities.
func NewManager(store Store, admins []string, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		admins:   make(map[string]struct{}, len(admins)),
		window:   DefaultConfirmWindow,
		now:      time.Now,
		logger:   log.Default().WithPrefix("admin"),
		sessions: make(map[string]session),
	}
	for _, id := range admins {
		if id = strings.TrimSpace(id); id != "" {
			m.admins[id] = struct{}{}
		}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) authorize(identity, op string) error {
	if _, ok := m.admins[identity]; ok && identity != "" {
		return nil
	}
	m.logger.Warn("rejected admin operation", "identity", identity, "op", op)
	return ErrUnauthorized
}

// ClearOne removes every cached tier of an item.
func (m *Manager) ClearOne(identity string, itemID int64) (Outcome, error) {
	if err := m.authorize(identity, "clear_one"); err != nil {
		return Outcome{}, err
	}
	n, err := m.store.DeleteItem(itemID)
	if err != nil {
		return Outcome{}, fmt.Errorf("clear item %d: %w", itemID, err)
	}
	m.logger.Info("cleared item", "identity", identity, "item", itemID, "records", n)
	if n == 0 {
		return Outcome{Text: fmt.Sprintf("Item %d was not cached.", itemID), Executed: true}, nil
	}
	return Outcome{
		Text:     fmt.Sprintf("Cleared %d cached record(s) for item %d.", n, itemID),
		Count:    n,
		Executed: true,
	}, nil
}

// BeginClearAll opens, or refreshes, a confirmation session for identity.
// It never deletes anything.
func (m *Manager) BeginClearAll(identity string) (Outcome, error) {
	if err := m.authorize(identity, "clear_all"); err != nil {
		return Outcome{}, err
	}
	now := m.now()
	m.mu.Lock()
	m.sessions[identity] = session{issuedAt: now, expiresAt: now.Add(m.window)}
	m.mu.Unlock()

	return Outcome{Text: m.prompt()}, nil
}

// ConfirmClearAll deletes every record if identity holds an unexpired
// session. The session is consumed either way.
func (m *Manager) ConfirmClearAll(identity string) (Outcome, error) {
	if err := m.authorize(identity, "clear_all_confirm"); err != nil {
		return Outcome{}, err
	}

	m.mu.Lock()
	s, ok := m.sessions[identity]
	delete(m.sessions, identity)
	m.mu.Unlock()

	switch {
	case !ok:
		return Outcome{Text: "Nothing to confirm. " + m.prompt()}, ErrNoPendingConfirmation
	case !m.now().Before(s.expiresAt):
		return Outcome{Text: "Confirmation expired. " + m.prompt()}, ErrConfirmationExpired
	}

	n, err := m.store.ClearAll()
	if err != nil {
		return Outcome{}, fmt.Errorf("clear all: %w", err)
	}
	m.logger.Warn("cleared all cached records", "identity", identity, "records", n,
		"requested", s.issuedAt.Format(time.RFC3339))
	return Outcome{
		Text:     fmt.Sprintf("Cleared all cache: %d record(s) deleted.", n),
		Count:    n,
		Executed: true,
	}, nil
}

// ClearAll dispatches a bulk clear command: with ConfirmArg it confirms,
// otherwise it (re)issues the prompt.
func (m *Manager) ClearAll(identity string, args string) (Outcome, error) {
	if strings.EqualFold(strings.TrimSpace(args), ConfirmArg) {
		return m.ConfirmClearAll(identity)
	}
	return m.BeginClearAll(identity)
}

// Pending reports whether identity has an unexpired session. Expired
// sessions are dropped.
func (m *Manager) Pending(identity string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[identity]
	if ok && !m.now().Before(s.expiresAt) {
		delete(m.sessions, identity)
		return false
	}
	return ok
}

func (m *Manager) prompt() string {
	return fmt.Sprintf("This deletes every cached record. Send the clear command again with %q within %s to proceed.",
		ConfirmArg, m.window)
}

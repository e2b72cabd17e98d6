// Package claim provides the per-report lock that keeps two workers from
// deciding the same report at once.
package claim

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// ErrConcurrentClaimConflict is returned when another worker holds the
// report's claim.
var ErrConcurrentClaimConflict = eris.New("claim: report claimed by another worker")

// Claim is a held lock on one report. The token identifies the holder so a
// late release never frees someone else's claim.
type Claim struct {
	ReportID  string
	Token     string
	ExpiresAt time.Time
}

// Locker acquires and releases report claims. Claims expire after their TTL
// so a crashed holder never blocks a report forever.
type Locker interface {
	Acquire(ctx context.Context, reportID string, ttl time.Duration) (*Claim, error)
	Release(ctx context.Context, c *Claim) error
}

type memEntry struct {
	token   string
	expires time.Time
}

// MemoryLocker is an in-process Locker. It only protects workers that share
// the process.
type MemoryLocker struct {
	mu      sync.Mutex
	held    map[string]memEntry
	nowFunc func() time.Time
}

// NewMemoryLocker creates an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memEntry), nowFunc: time.Now}
}

func (m *MemoryLocker) Acquire(_ context.Context, reportID string, ttl time.Duration) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	if e, ok := m.held[reportID]; ok && now.Before(e.expires) {
		return nil, eris.Wrapf(ErrConcurrentClaimConflict, "claim: report %s", reportID)
	}
	c := &Claim{ReportID: reportID, Token: uuid.NewString(), ExpiresAt: now.Add(ttl)}
	m.held[reportID] = memEntry{token: c.Token, expires: c.ExpiresAt}
	return c, nil
}

func (m *MemoryLocker) Release(_ context.Context, c *Claim) error {
	if c == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.held[c.ReportID]; ok && e.token == c.Token {
		delete(m.held, c.ReportID)
	}
	return nil
}

package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/animus-labs/hannibal/internal/domain"
)

// Leaser grants a time-bounded exclusive right to run one (stage, version).
// Acquire by the current holder extends the lease.
type Leaser interface {
	Acquire(ctx context.Context, stageID string, version domain.DataVersion, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, stageID string, version domain.DataVersion, holder string) error
}

// MemoryLeaser coordinates schedulers that share one process.
type MemoryLeaser struct {
	mu     sync.Mutex
	leases map[leaseKey]lease
	now    func() time.Time
}

type leaseKey struct {
	stage   string
	version domain.DataVersion
}

type lease struct {
	holder    string
	expiresAt time.Time
}

// NewMemoryLeaser returns a leaser with no leases held.
func NewMemoryLeaser() *MemoryLeaser {
	return &MemoryLeaser{leases: make(map[leaseKey]lease), now: time.Now}
}

func (l *MemoryLeaser) Acquire(_ context.Context, stageID string, version domain.DataVersion, holder string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	k := leaseKey{stage: stageID, version: version}
	if cur, ok := l.leases[k]; ok && cur.holder != holder && now.Before(cur.expiresAt) {
		return false, nil
	}
	l.leases[k] = lease{holder: holder, expiresAt: now.Add(ttl)}
	return true, nil
}

func (l *MemoryLeaser) Release(_ context.Context, stageID string, version domain.DataVersion, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := leaseKey{stage: stageID, version: version}
	if cur, ok := l.leases[k]; ok && cur.holder == holder {
		delete(l.leases, k)
	}
	return nil
}

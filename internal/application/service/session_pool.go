package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/YoshitsuguKoike/storyflow/internal/app"
	"github.com/YoshitsuguKoike/storyflow/internal/application/port/output"
	"github.com/YoshitsuguKoike/storyflow/internal/domain/story"
)

// ErrLeaseActive means a live lease already exists for the (stage, unit) pair
var ErrLeaseActive = errors.New("session lease already active")

// LeaseKey identifies the only context a lease may be used for
type LeaseKey struct {
	Stage  story.Stage
	UnitID string
}

func (k LeaseKey) String() string {
	return fmt.Sprintf("%s/%s", k.Stage, k.UnitID)
}

// Lease is a single-use claim on one freshly acquired agent session
type Lease struct {
	ID       string
	Key      LeaseKey
	Handle   output.SessionHandle
	IssuedAt time.Time

	pool       *SessionPool
	once       sync.Once
	releaseErr error
}

// Inject sends one command line into the leased session
func (l *Lease) Inject(ctx context.Context, command string) error {
	return l.pool.sessions.Inject(ctx, l.Handle, command)
}

// Release tears the session down once; later calls return the first result
func (l *Lease) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.releaseErr = l.pool.release(ctx, l)
	})
	return l.releaseErr
}

// SessionPool issues leases over an AgentSession capability. Each lease
// triggers a fresh Acquire, so no session is ever handed out twice, and
// per-agent limits bound how many sessions of one role run at once. A
// lease for a role at its limit waits until a session of that role ends.
type SessionPool struct {
	sessions output.AgentSession
	logger   app.Logger

	mu          sync.Mutex
	maxPerAgent map[string]int // agent -> max concurrent sessions, absent = unlimited
	current     map[string]int // agent -> live sessions
	leases      map[LeaseKey]*Lease
	freed       chan struct{} // closed and replaced whenever a slot frees up

	entropy *ulid.MonotonicEntropy
}

// SessionPoolConfig holds per-agent session limits
type SessionPoolConfig struct {
	MaxPerAgent map[string]int // agent role -> max live sessions; <= 0 means unlimited
}

// NewSessionPool creates a pool over the given session capability
func NewSessionPool(sessions output.AgentSession, cfg SessionPoolConfig, logger app.Logger) *SessionPool {
	pool := &SessionPool{
		sessions:    sessions,
		logger:      app.LoggerOr(logger),
		maxPerAgent: make(map[string]int),
		current:     make(map[string]int),
		leases:      make(map[LeaseKey]*Lease),
		freed:       make(chan struct{}),
		entropy:     ulid.Monotonic(rand.Reader, 0),
	}
	for agent, max := range cfg.MaxPerAgent {
		if max > 0 {
			pool.maxPerAgent[agent] = max
		}
	}
	return pool
}

// Lease acquires a new session for (stage, unitID). When the agent role
// is at its limit, Lease blocks until a slot frees up or ctx ends.
func (p *SessionPool) Lease(ctx context.Context, stage story.Stage, unitID string) (*Lease, error) {
	key := LeaseKey{Stage: stage, UnitID: unitID}
	agent := stage.Agent()

	p.mu.Lock()
	for {
		if _, exists := p.leases[key]; exists {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrLeaseActive, key)
		}
		stats := p.statsLocked(agent)
		if stats.IsAvailable() {
			break
		}
		freed := p.freed
		p.mu.Unlock()

		p.logger.Debug("%s waits for a free %s session (%d/%d)", key, agent, stats.Current, stats.Max)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-freed:
		}
		p.mu.Lock()
	}
	now := time.Now()
	lease := &Lease{
		ID:       ulid.MustNew(ulid.Timestamp(now), p.entropy).String(),
		Key:      key,
		IssuedAt: now,
		pool:     p,
	}
	p.leases[key] = lease
	p.current[agent]++
	p.mu.Unlock()

	handle, err := p.sessions.Acquire(ctx, stage, unitID)
	if err != nil {
		p.forget(lease)
		return nil, err
	}

	p.mu.Lock()
	lease.Handle = handle
	p.mu.Unlock()

	p.logger.Debug("lease %s issued for %s (session %s)", lease.ID, key, handle.Name)
	return lease, nil
}

func (p *SessionPool) release(ctx context.Context, l *Lease) error {
	p.mu.Lock()
	handle := l.Handle
	p.mu.Unlock()

	var err error
	if !handle.IsZero() {
		err = p.sessions.Release(ctx, handle)
	}
	p.forget(l)
	if err != nil {
		return fmt.Errorf("release session %s: %w", handle.Name, err)
	}
	p.logger.Debug("lease %s released", l.ID)
	return nil
}

func (p *SessionPool) forget(l *Lease) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.leases[l.Key] == l {
		delete(p.leases, l.Key)
		if agent := l.Key.Stage.Agent(); p.current[agent] > 0 {
			p.current[agent]--
		}
		close(p.freed)
		p.freed = make(chan struct{})
	}
}

// ReleaseAll releases every live lease, e.g. on shutdown
func (p *SessionPool) ReleaseAll(ctx context.Context) error {
	p.mu.Lock()
	live := make([]*Lease, 0, len(p.leases))
	for _, l := range p.leases {
		if !l.Handle.IsZero() {
			live = append(live, l)
		}
	}
	p.mu.Unlock()

	var errs []error
	for _, l := range live {
		if err := l.Release(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Active returns the number of live leases
func (p *SessionPool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leases)
}

// GetStats returns current usage per agent role
func (p *SessionPool) GetStats() map[string]AgentStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make(map[string]AgentStats)
	for _, stage := range story.Stages() {
		agent := stage.Agent()
		stats[agent] = p.statsLocked(agent)
	}
	return stats
}

func (p *SessionPool) statsLocked(agent string) AgentStats {
	return AgentStats{
		Agent:   agent,
		Current: p.current[agent],
		Max:     p.maxPerAgent[agent],
	}
}

// AgentStats represents usage statistics for a single agent role
type AgentStats struct {
	Agent   string
	Current int
	Max     int // 0 means unlimited
}

// IsAvailable checks if the agent has a free slot
func (s AgentStats) IsAvailable() bool {
	return s.Max == 0 || s.Current < s.Max
}

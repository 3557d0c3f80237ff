// Package pool implements the credential pool as a single-owner, message
// driven service (spec.md §4.C, §5): one goroutine holds all mutable state
// and processes requests off a channel in arrival order, so external callers
// never need a lock to reason about the credential state machine.
//
// This diverges from the teacher's sync.RWMutex-guarded CredentialPool
// (see REDESIGN FLAGS R1 in SPEC_FULL.md) because spec.md requires
// linearizable, arrival-ordered semantics — a guarantee an RWMutex over a
// slice does not give when refresh and report_* calls interleave.
package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nexus-proxy/gemini-nexus/internal/credential"
	"github.com/nexus-proxy/gemini-nexus/internal/refresh"
	"github.com/nexus-proxy/gemini-nexus/internal/store"
)

// DefaultSkew is how far ahead of expiry the pool proactively refreshes a
// token, per spec.md §4.C.
const DefaultSkew = 60 * time.Second

// Options configures a Pool.
type Options struct {
	Skew  time.Duration
	Clock func() time.Time // injectable time source, spec.md §9 open question (a)
}

// Pool is the credential pool actor.
type Pool struct {
	repo      store.Repository
	refresher refresh.Refresher
	skew      time.Duration
	clock     func() time.Time

	inbox   chan func()
	done    chan struct{}
	stopped chan struct{}

	records map[int64]*record
	cursor  map[string]int64 // per-model round-robin cursor, last-assigned id
}

// New constructs a Pool. Call Start to load existing credentials and begin
// serving requests.
func New(repo store.Repository, refresher refresh.Refresher, opts Options) *Pool {
	skew := opts.Skew
	if skew <= 0 {
		skew = DefaultSkew
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Pool{
		repo:      repo,
		refresher: refresher,
		skew:      skew,
		clock:     clock,
		inbox:     make(chan func(), 64),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		records:   make(map[int64]*record),
		cursor:    make(map[string]int64),
	}
}

// Start loads every credential row from the repository (inactive rows are
// held but never eligible) and launches the actor goroutine. Call Stop to
// shut it down.
func (p *Pool) Start(ctx context.Context) error {
	rows, err := p.repo.LoadActive(ctx)
	if err != nil {
		return fmt.Errorf("pool: load active: %w", err)
	}
	for _, row := range rows {
		r := newRecord(row)
		p.records[r.ID] = r
	}
	go p.run()
	return nil
}

// Stop drains no further messages after this call returns; in-flight
// messages already enqueued are still processed (fire-and-forget for
// report_* per spec.md §5 cancellation semantics).
func (p *Pool) Stop() {
	close(p.done)
}

func (p *Pool) run() {
	defer close(p.stopped)
	for {
		select {
		case fn := <-p.inbox:
			fn()
		case <-p.done:
			// Process whatever was enqueued before Stop, then exit.
			for {
				select {
				case fn := <-p.inbox:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Wait blocks until the actor goroutine started by Start has exited
// following a call to Stop, letting the process entrypoint supervise the
// pool's lifecycle alongside other background goroutines (e.g. the
// credential importer) via an errgroup.
func (p *Pool) Wait() {
	<-p.stopped
}

// submit sends fn to the actor and blocks until it has run, returning
// ErrClosed if the actor is no longer accepting work.
func (p *Pool) submit(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case p.inbox <- wrapped:
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-p.stopped:
		// The actor exited; fn ran only if its final drain reached it.
		select {
		case <-done:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ErrNoAvailableCredential is returned by GetCredential when every active
// credential is in cooldown for model or inactive, or every eligible
// candidate's refresh failed.
var ErrNoAvailableCredential = errors.New("pool: no available credential")

// GetCredential returns an eligible credential for model with a fresh access
// token, refreshing it if within skew of expiry (spec.md §4.C table row 1).
func (p *Pool) GetCredential(ctx context.Context, model string) (credential.Assigned, error) {
	var result credential.Assigned
	var outErr error

	err := p.submit(ctx, func() {
		result, outErr = p.getCredentialLocked(ctx, model)
	})
	if err != nil {
		return credential.Assigned{}, err
	}
	return result, outErr
}

func (p *Pool) getCredentialLocked(ctx context.Context, model string) (credential.Assigned, error) {
	now := p.clock()
	set := eligible(p.records, model, now)
	if len(set) == 0 {
		return credential.Assigned{}, ErrNoAvailableCredential
	}

	cursor := p.cursor[model]
	tried := make(map[int64]bool, len(set))

	for len(tried) < len(set) {
		candidate, newCursor := selectNext(set, cursor)
		if candidate == nil || tried[candidate.ID] {
			break
		}
		tried[candidate.ID] = true
		cursor = newCursor

		if candidate.Expiry.After(now.Add(p.skew)) {
			p.cursor[model] = cursor
			return credential.Assigned{ID: candidate.ID, ProjectID: candidate.ProjectID, AccessToken: candidate.AccessToken}, nil
		}

		res, err := p.refresher.Refresh(ctx, candidate.Credential)
		if err == nil {
			candidate.AccessToken = res.AccessToken
			candidate.Expiry = res.Expiry
			if persistErr := p.repo.UpdateToken(ctx, candidate.ID, res.AccessToken, res.Expiry); persistErr != nil {
				log.WithError(persistErr).WithField("credential_id", candidate.ID).Warn("pool: failed to persist refreshed token")
			}
			p.cursor[model] = cursor
			return credential.Assigned{ID: candidate.ID, ProjectID: candidate.ProjectID, AccessToken: candidate.AccessToken}, nil
		}

		log.WithError(err).WithField("credential_id", candidate.ID).Warn("pool: token refresh failed")

		if candidate.Expiry.After(now) && candidate.AccessToken != "" {
			p.cursor[model] = cursor
			return credential.Assigned{ID: candidate.ID, ProjectID: candidate.ProjectID, AccessToken: candidate.AccessToken}, nil
		}
		// exhausted fallback, try next candidate in the rotation
	}

	return credential.Assigned{}, ErrNoAvailableCredential
}

// ReportRateLimit sets cooldown_until[(id,model)] = now + duration. Does not
// flip status.
func (p *Pool) ReportRateLimit(ctx context.Context, id int64, model string, duration time.Duration) error {
	return p.submit(ctx, func() {
		r, ok := p.records[id]
		if !ok {
			return
		}
		r.cooldownUntil[model] = p.clock().Add(duration)
	})
}

// ReportInvalid deactivates id permanently (401: token unusable).
func (p *Pool) ReportInvalid(ctx context.Context, id int64) error {
	return p.disable(ctx, id, "invalid")
}

// ReportBanned deactivates id permanently (403: credential refused).
func (p *Pool) ReportBanned(ctx context.Context, id int64) error {
	return p.disable(ctx, id, "banned")
}

func (p *Pool) disable(ctx context.Context, id int64, reason string) error {
	var persistErr error
	err := p.submit(ctx, func() {
		r, ok := p.records[id]
		if !ok {
			return
		}
		r.Status = false
		r.disabledBy = reason
		persistErr = p.repo.UpdateStatus(ctx, id, false)
	})
	if err != nil {
		return err
	}
	if persistErr != nil {
		log.WithError(persistErr).WithField("credential_id", id).Error("pool: failed to persist status change")
	}
	return nil
}

// SubmitCredentials imports a batch of newly discovered credentials. A
// credential whose refresh_token already exists in the pool has its
// non-key fields updated in place; otherwise a new row is inserted and
// added to the in-memory set. Calling this twice with the same list is
// idempotent (spec.md §8 property 6).
func (p *Pool) SubmitCredentials(ctx context.Context, imports []credential.Import) error {
	var firstErr error
	err := p.submit(ctx, func() {
		for _, imp := range imports {
			if err := p.submitOneLocked(ctx, imp); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	if err != nil {
		return err
	}
	return firstErr
}

func (p *Pool) submitOneLocked(ctx context.Context, imp credential.Import) error {
	for _, r := range p.records {
		if r.RefreshToken == imp.RefreshToken {
			r.Email = imp.Email
			r.ClientID = imp.ClientID
			r.ClientSecret = imp.ClientSecret
			r.ProjectID = imp.ProjectID
			r.Scopes = append([]string(nil), imp.Scopes...)
			if imp.AccessToken != "" {
				r.AccessToken = imp.AccessToken
			}
			cloned := r.Credential
			return p.repo.Upsert(ctx, &cloned)
		}
	}

	newCred := credential.Credential{
		Email:        imp.Email,
		ClientID:     imp.ClientID,
		ClientSecret: imp.ClientSecret,
		ProjectID:    imp.ProjectID,
		Scopes:       append([]string(nil), imp.Scopes...),
		RefreshToken: imp.RefreshToken,
		AccessToken:  imp.AccessToken,
		Status:       true,
	}
	if err := p.repo.Upsert(ctx, &newCred); err != nil {
		return err
	}
	p.records[newCred.ID] = newRecord(newCred)
	return nil
}

// Size reports how many credentials (active or not) the pool currently
// holds, used by /healthz.
func (p *Pool) Size(ctx context.Context) int {
	n := 0
	_ = p.submit(ctx, func() { n = len(p.records) })
	return n
}

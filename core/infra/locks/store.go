// Package locks grants expiring exclusive leases on named resources so that
// only one process writes a given identifier at a time.
package locks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/geodatastore/clms/core/infra/logging"
)

// ErrHeld is returned when another owner holds the lease.
var ErrHeld = errors.New("lease held by another owner")

const DefaultTTL = 2 * time.Minute

// Store manages leases. Acquire is reentrant for the current owner.
type Store interface {
	Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, resource, owner string) error
}

// Lease is a held resource renewed in the background until released.
type Lease struct {
	store    Store
	resource string
	owner    string

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// Hold acquires resource for owner and renews it every ttl/3. onLost runs
// once if a renewal fails; the lease is then no longer renewed.
func Hold(ctx context.Context, store Store, resource, owner string, ttl time.Duration, onLost func(error)) (*Lease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ok, err := store.Acquire(ctx, resource, owner, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrHeld
	}
	l := &Lease{
		store:    store,
		resource: resource,
		owner:    owner,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go l.renew(context.WithoutCancel(ctx), ttl, onLost)
	return l, nil
}

func (l *Lease) renew(ctx context.Context, ttl time.Duration, onLost func(error)) {
	defer close(l.done)
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ok, err := l.store.Renew(ctx, l.resource, l.owner, ttl)
			if err == nil && ok {
				continue
			}
			if err == nil {
				err = ErrHeld
			}
			logging.Warn("locks", "lease lost", "resource", l.resource, "owner", l.owner, "err", err)
			if onLost != nil {
				onLost(err)
			}
			return
		}
	}
}

// Release stops renewal and gives the resource back.
func (l *Lease) Release(ctx context.Context) {
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		if err := l.store.Release(ctx, l.resource, l.owner); err != nil {
			logging.Warn("locks", "lease release failed", "resource", l.resource, "owner", l.owner, "err", err)
		}
	})
}

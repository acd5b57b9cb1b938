// Copyright (C) 2026 Hoyack Labs
// This file is part of welcore
//
// welcore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// welcore is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with welcore.  If not, see <https://www.gnu.org/licenses/>.

package lease

import (
	"context"
	"errors"
	"time"

	"github.com/algorand/go-deadlock"

	"github.com/hoyack/archon72-sub009/logging"
)

// A Keeper holds a lease alive for one writer: it acquires on start and
// renews at a third of the TTL. If the lease is lost (expired or fenced
// out), the Keeper attempts a clean re-acquire rather than continuing
// under a dead identifier.
type Keeper struct {
	manager  *Manager
	holderID string
	log      logging.Logger

	mu      deadlock.Mutex
	current Lease
	held    bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// MakeKeeper constructs a Keeper for holderID over the given manager.
func MakeKeeper(manager *Manager, holderID string, log logging.Logger) *Keeper {
	return &Keeper{
		manager:  manager,
		holderID: holderID,
		log:      log,
	}
}

// Start acquires the initial lease and begins the renewal loop.
func (k *Keeper) Start(ctx context.Context) error {
	l, err := k.manager.Acquire(ctx, k.holderID)
	if err != nil {
		return err
	}
	k.mu.Lock()
	k.current = l
	k.held = true
	k.mu.Unlock()

	k.ctx, k.cancel = context.WithCancel(context.Background())
	k.done = make(chan struct{})
	go k.loop()
	return nil
}

// Stop halts renewal and releases the lease.
func (k *Keeper) Stop() {
	if k.cancel == nil {
		return
	}
	k.cancel()
	<-k.done

	k.mu.Lock()
	l, held := k.current, k.held
	k.held = false
	k.mu.Unlock()
	if held {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := k.manager.Release(ctx, l.ID, k.holderID); err != nil {
			k.log.With("leaseID", l.ID).Warnf("lease release on stop failed: %v", err)
		}
	}
}

// Lease returns the currently held lease. held is false between losing a
// lease and re-acquiring one; appends must not proceed in that window.
func (k *Keeper) Lease() (Lease, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.current, k.held
}

func (k *Keeper) loop() {
	defer close(k.done)
	interval := k.manager.TTL() / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-k.ctx.Done():
			return
		case <-ticker.C:
			k.renewOnce()
		}
	}
}

func (k *Keeper) renewOnce() {
	k.mu.Lock()
	l, held := k.current, k.held
	k.mu.Unlock()

	ctx, cancel := context.WithTimeout(k.ctx, k.manager.TTL()/2)
	defer cancel()

	if held {
		renewed, err := k.manager.Renew(ctx, l.ID, k.holderID)
		if err == nil {
			k.mu.Lock()
			k.current = renewed
			k.mu.Unlock()
			return
		}
		k.mu.Lock()
		k.held = false
		k.mu.Unlock()
		if errors.Is(err, ErrLeaseSuperseded) {
			// Fenced out. Never resume under the old identifier.
			k.log.With("leaseID", l.ID).Warn("lease fenced out by a newer grant")
		} else {
			k.log.With("leaseID", l.ID).Warnf("lease renewal failed: %v", err)
		}
	}

	reacquired, err := k.manager.Acquire(ctx, k.holderID)
	if err != nil {
		k.log.Debugf("lease re-acquire pending: %v", err)
		return
	}
	k.mu.Lock()
	k.current = reacquired
	k.held = true
	k.mu.Unlock()
}

// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rib

import (
	"net/netip"
	"time"

	log "github.com/golang/glog"

	"github.com/openconfig/fibgo/constants"
)

// scheduleExpireLocked ensures that the expiry timer of the table fires no later
// than at. It must be called with the table write lock held.
func (t *Table) scheduleExpireLocked(at time.Time) {
	ns := at.UnixNano()
	if cur := t.nextExpire.Load(); cur != 0 && cur <= ns {
		return
	}
	t.armLocked(ns)
}

// armLocked sets the next expiry time to ns, in Unix nanoseconds, and arms the
// timer for it. A zero ns disarms the timer.
func (t *Table) armLocked(ns int64) {
	t.nextExpire.Store(ns)
	if t.expireTimer != nil {
		t.expireTimer.Stop()
		t.expireTimer = nil
	}
	if ns == 0 {
		return
	}
	d := time.Unix(0, ns).Sub(t.clk.Now())
	if d < 0 {
		d = 0
	}
	t.expireTimer = t.clk.AfterFunc(d, func() { t.ExpireRoutes() })
}

// ExpireRoutes deletes the routes of the table whose expiry time has passed,
// and rearms the expiry timer for the earliest remaining expiry time. It returns
// the number of routes deleted. Each deletion is delivered to the hook as a
// DELETE.
func (t *Table) ExpireRoutes() int {
	now := t.clk.Now().UnixNano()

	var expired []netip.Prefix
	t.Walk(func(r *Route) bool {
		if e := r.expire.Load(); e != 0 && e <= now {
			expired = append(expired, r.Prefix())
		}
		return true
	})

	var n int
	for _, p := range expired {
		if t.expireRoute(p, now) {
			n++
		}
	}

	t.mu.Lock()
	var next int64
	t.idx.Walk(func(r *Route) bool {
		if e := r.expire.Load(); e != 0 && (next == 0 || e < next) {
			next = e
		}
		return true
	})
	t.armLocked(next)
	t.mu.Unlock()

	if n > 0 {
		log.V(2).Infof("table %s: expired %d routes", t, n)
	}
	return n
}

// expireRoute deletes the route for p if it is still due to expire at now.
func (t *Table) expireRoute(p netip.Prefix, now int64) bool {
	t.mu.Lock()
	r, ok := t.idx.Get(p)
	if ok {
		e := r.expire.Load()
		ok = e != 0 && e <= now
	}
	if !ok {
		t.mu.Unlock()
		return false
	}
	t.idx.Remove(p)
	old := r.Nexthop()
	t.commitLocked(&ChangeRecord{Op: constants.DELETE, Route: r, Old: old})
	t.mu.Unlock()

	old.Release()
	t.nq.drain()
	return true
}

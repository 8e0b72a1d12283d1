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
	"fmt"
	"net/netip"
	"sync"

	"github.com/openconfig/fibgo/constants"
	"github.com/openconfig/fibgo/nexthop"
)

// ChangeRecord describes a single committed modification of a table.
type ChangeRecord struct {
	// Op is the operation that was committed.
	Op constants.OpType
	// Family and FIB identify the table that was modified.
	Family constants.Family
	FIB    uint32
	// Route is the route that was modified. For a DELETE that removed the
	// route from the table it is no longer reachable through the table.
	Route *Route
	// Old is the next-hop object used by the route before the change, nil for
	// an ADD of a new route.
	Old nexthop.Object
	// New is the next-hop object used by the route after the change, nil for
	// a DELETE that removed the route.
	New nexthop.Object
	// Generation is the table generation assigned to the change.
	Generation uint64
	// Timestamp is the time of the commit in Unix nanoseconds.
	Timestamp int64
}

// Prefix returns the destination of the modified route.
func (c *ChangeRecord) Prefix() netip.Prefix { return c.Route.Prefix() }

// Selected returns the next-hop object that best describes the change, the new
// object unless the route was removed.
func (c *ChangeRecord) Selected() nexthop.Object {
	if c.New != nil {
		return c.New
	}
	return c.Old
}

// String returns a human readable form of the record.
func (c *ChangeRecord) String() string {
	return fmt.Sprintf("%s %s table %d gen %d: %s (%v -> %v)", c.Op, c.Family, c.FIB, c.Generation, c.Route.Prefix(), c.Old, c.New)
}

// RIBHookFn is a function that is called with each change committed to a table.
// The arguments are the operation, the commit timestamp in Unix nanoseconds, and
// the record of the change. Hooks are called without any table lock held and may
// modify the RIB, changes made by a hook are delivered after the one that
// triggered it.
type RIBHookFn func(constants.OpType, int64, *ChangeRecord)

// notifyQueue delivers the records committed to a table in the order in which
// they were committed. Records are pushed with the table lock held and drained
// once it has been released.
type notifyQueue struct {
	mu       sync.Mutex
	pending  []*ChangeRecord
	draining bool
	hook     RIBHookFn
}

func (q *notifyQueue) setHook(fn RIBHookFn) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.hook = fn
}

func (q *notifyQueue) push(rc *ChangeRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, rc)
}

// drain delivers pending records to the hook. If another caller is already
// delivering records it returns immediately, the records are delivered by
// that caller.
func (q *notifyQueue) drain() {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	for len(q.pending) > 0 {
		rc := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		hook := q.hook
		q.mu.Unlock()
		if hook != nil {
			hook(rc.Op, rc.Timestamp, rc)
		}
		q.mu.Lock()
	}
	q.draining = false
	q.mu.Unlock()
}

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

package notify

import (
	"sync"

	"github.com/google/uuid"

	"github.com/openconfig/fibgo/constants"
	"github.com/openconfig/fibgo/rib"
)

type subscriber struct {
	id uuid.UUID
	fn rib.RIBHookFn
}

// Fanout delivers the changes committed to a RIB to a dynamic set of
// subscribers. A RIB carries a single hook, which is provided by Hook.
type Fanout struct {
	// mu protects subs.
	mu   sync.RWMutex
	subs []*subscriber
}

// NewFanout returns an empty fan-out.
func NewFanout() *Fanout {
	return &Fanout{}
}

// Subscribe adds fn to the set of functions that receive changes, returning the
// identifier used to remove it. Subscribers are called in the order that they
// were added.
func (f *Fanout) Subscribe(fn rib.RIBHookFn) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &subscriber{id: uuid.New(), fn: fn}
	f.subs = append(f.subs, s)
	return s.id
}

// Unsubscribe removes the subscriber with the specified id, it returns false if
// no such subscriber exists.
func (f *Fanout) Unsubscribe(id uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.subs {
		if s.id == id {
			f.subs = append(f.subs[:i:i], f.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of subscribers.
func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Hook returns the function that is to be installed as the hook of a RIB.
func (f *Fanout) Hook() rib.RIBHookFn {
	return func(op constants.OpType, ts int64, rc *rib.ChangeRecord) {
		f.mu.RLock()
		subs := append([]*subscriber(nil), f.subs...)
		f.mu.RUnlock()
		for _, s := range subs {
			s.fn(op, ts, rc)
		}
	}
}

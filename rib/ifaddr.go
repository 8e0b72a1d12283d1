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
	log "github.com/golang/glog"

	"github.com/openconfig/fibgo/constants"
)

// HandleIfaddrInfo applies the operation op for a route to an interface address
// described by req. When the RIB is not configured to propagate interface routes
// to all tables, the operation is applied to the table with FIB number fib and
// its result returned.
//
// Otherwise the operation is applied to every table of the family in turn. A
// DELETE succeeds if it succeeded in any table, and returns ErrHostUnreachable or
// ErrNetUnreachable if it succeeded in none. An ADD or CHANGE returns the last
// error seen, tables in which the operation succeeded are not rolled back.
func (r *RIB) HandleIfaddrInfo(fib uint32, op constants.OpType, req *Request) error {
	if !r.opts.settings.PropagateAllTables() {
		_, err := r.Action(fib, op, req)
		return err
	}
	if req == nil {
		return invalidf("nil request")
	}
	p, err := req.Prefix()
	if err != nil {
		return err
	}

	var (
		anyOK   bool
		lastErr error
	)
	for _, t := range r.Tables(req.Family()) {
		if _, err := t.Action(op, req); err != nil {
			log.V(2).Infof("%s of interface route %s in table %s failed, %v", op, p, t, err)
			lastErr = err
			continue
		}
		anyOK = true
	}

	if op == constants.DELETE {
		switch {
		case anyOK:
			return nil
		case p.IsSingleIP():
			return ErrHostUnreachable
		default:
			return ErrNetUnreachable
		}
	}
	return lastErr
}

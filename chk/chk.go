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

// Package chk implements checks against the results of operations applied to a
// RIB and the contents of its tables, it can be used to determine whether there
// are expected results within a specific set of return values.
//
// Package chk relies on the testing package, and therefore is a test only package -
// that should be used as a helper to tests that are executed by 'go test'.
package chk

import (
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/openconfig/fibgo/constants"
	"github.com/openconfig/fibgo/fluent"
	"github.com/openconfig/fibgo/nexthop"
	"github.com/openconfig/fibgo/rib"
)

// resultOpt is an interface implemented by all options that can be
// handed to HasResult.
type resultOpt interface {
	isHasResultOpt()
}

// ignoreGeneration is an option that specifies that the generation
// in the OpResult message should be ignored.
type ignoreGeneration struct{}

// isHasResultOpt implements the resultOpt interface.
func (*ignoreGeneration) isHasResultOpt() {}

// IgnoreGeneration specifies that the comparison of OpResult structs
// should ignore the Generation field. It can be used to match the
// occurrence of an operation related to a particular prefix without
// caring about the order that the operations were applied.
func IgnoreGeneration() *ignoreGeneration {
	return &ignoreGeneration{}
}

// hasIgnoreGeneration checks whether the supplied resultOpt slice contains
// the IgnoreGeneration option.
func hasIgnoreGeneration(opt []resultOpt) bool {
	for _, v := range opt {
		if _, ok := v.(*ignoreGeneration); ok {
			return true
		}
	}
	return false
}

// HasResult checks whether the specified res slice contains a result
// with the value of want.
func HasResult(t testing.TB, res []*fluent.OpResult, want *fluent.OpResult, opt ...resultOpt) {
	t.Helper()
	var found bool

	var opts []cmp.Option
	if hasIgnoreGeneration(opt) {
		opts = append(opts, cmpopts.IgnoreFields(fluent.OpResult{}, "Generation"))
	}

	for _, r := range res {
		if cmp.Equal(r, want, opts...) {
			found = true
		}
	}
	if !found {
		t.Fatalf("results did not contain a result of value %s, got: %v", want, res)
	}
}

// HasStatus checks that err carries the status code want.
func HasStatus(t testing.TB, err error, want codes.Code) {
	t.Helper()
	if got := status.Code(err); got != want {
		t.Fatalf("did not get expected status, got: %s (%v), want: %s", got, err, want)
	}
}

// route returns the route for prefix in tbl.
func route(t testing.TB, tbl *rib.Table, prefix string) (*rib.Route, bool) {
	t.Helper()
	p, err := netip.ParsePrefix(prefix)
	if err != nil {
		t.Fatalf("invalid prefix %s, %v", prefix, err)
	}
	return tbl.Get(p)
}

// HasRoute checks that the table tbl contains a route for prefix whose paths
// use exactly the gateways gws, in order. Directly connected paths are
// specified by an empty string.
func HasRoute(t testing.TB, tbl *rib.Table, prefix string, gws ...string) {
	t.Helper()
	r, ok := route(t, tbl, prefix)
	if !ok {
		t.Fatalf("table %s does not contain a route for %s", tbl, prefix)
	}
	o := r.Nexthop()
	ms := o.Members()
	if n, ok := o.(*nexthop.Nexthop); ok {
		ms = []nexthop.Member{{Nexthop: n, Weight: r.Weight()}}
	}
	var got []string
	for _, m := range ms {
		gw := ""
		if a := m.Nexthop.Gateway(); a.IsValid() {
			gw = a.String()
		}
		got = append(got, gw)
	}
	if diff := cmp.Diff(got, gws, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("route %s in table %s does not have expected gateways, diff(-got,+want):\n%s", prefix, tbl, diff)
	}
}

// HasNoRoute checks that the table tbl does not contain a route for prefix.
func HasNoRoute(t testing.TB, tbl *rib.Table, prefix string) {
	t.Helper()
	if r, ok := route(t, tbl, prefix); ok {
		t.Fatalf("table %s contains unexpected route %s", tbl, r)
	}
}

// HasChange checks that the records contain a change with the operation op for
// prefix, in the table with number fib.
func HasChange(t testing.TB, records []*rib.ChangeRecord, fib uint32, op constants.OpType, prefix string) {
	t.Helper()
	for _, rc := range records {
		if rc.FIB == fib && rc.Op == op && rc.Prefix().String() == prefix {
			return
		}
	}
	t.Fatalf("records did not contain %s of %s in table %d, got: %v", op, prefix, fib, records)
}

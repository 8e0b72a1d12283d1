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

package chk

import (
	"errors"
	"strings"
	"testing"

	"github.com/openconfig/testt"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/openconfig/fibgo/constants"
	"github.com/openconfig/fibgo/fluent"
	"github.com/openconfig/fibgo/rib"
)

func TestHasResult(t *testing.T) {
	tests := []struct {
		desc           string
		inResults      []*fluent.OpResult
		inMsg          *fluent.OpResult
		inOpts         []resultOpt
		expectFatalMsg string
	}{{
		desc: "result is present",
		inResults: []*fluent.OpResult{{
			Op:         constants.ADD,
			Prefix:     "192.0.2.0/24",
			Generation: 1,
		}},
		inMsg: &fluent.OpResult{Op: constants.ADD, Prefix: "192.0.2.0/24", Generation: 1},
	}, {
		desc:           "result is not present",
		inResults:      []*fluent.OpResult{},
		inMsg:          &fluent.OpResult{Op: constants.ADD, Prefix: "192.0.2.0/24"},
		expectFatalMsg: "results did not contain a result of value",
	}, {
		desc: "generation differs",
		inResults: []*fluent.OpResult{{
			Op:         constants.DELETE,
			Prefix:     "192.0.2.0/24",
			Generation: 42,
		}},
		inMsg:          &fluent.OpResult{Op: constants.DELETE, Prefix: "192.0.2.0/24", Generation: 1},
		expectFatalMsg: "results did not contain a result of value",
	}, {
		desc: "ignore generation",
		inResults: []*fluent.OpResult{{
			Op:         constants.DELETE,
			Prefix:     "192.0.2.0/24",
			Generation: 42,
		}},
		inMsg:  &fluent.OpResult{Op: constants.DELETE, Prefix: "192.0.2.0/24"},
		inOpts: []resultOpt{IgnoreGeneration()},
	}, {
		desc: "status code differs",
		inResults: []*fluent.OpResult{{
			Op:     constants.ADD,
			Prefix: "192.0.2.0/24",
			Code:   codes.AlreadyExists,
		}},
		inMsg:          &fluent.OpResult{Op: constants.ADD, Prefix: "192.0.2.0/24"},
		expectFatalMsg: "results did not contain a result of value",
	}}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			if tt.expectFatalMsg != "" {
				got := testt.ExpectFatal(t, func(t testing.TB) {
					HasResult(t, tt.inResults, tt.inMsg, tt.inOpts...)
				})
				if !strings.Contains(got, tt.expectFatalMsg) {
					t.Fatalf("did not get expected fatal error, got: %s, want: %s", got, tt.expectFatalMsg)
				}
				return
			}
			HasResult(t, tt.inResults, tt.inMsg, tt.inOpts...)
		})
	}
}

func TestHasStatus(t *testing.T) {
	HasStatus(t, status.Error(codes.NotFound, "no route"), codes.NotFound)
	HasStatus(t, nil, codes.OK)

	got := testt.ExpectFatal(t, func(t testing.TB) {
		HasStatus(t, errors.New("plain"), codes.NotFound)
	})
	if !strings.Contains(got, "did not get expected status") {
		t.Fatalf("did not get expected fatal error, got: %s", got)
	}
}

func TestTableChecks(t *testing.T) {
	f := rib.NewFake(rib.WithMultipath())
	if _, err := f.InjectInterface("eth0", 2); err != nil {
		t.Fatalf("cannot add interface, %v", err)
	}
	var records []*rib.ChangeRecord
	f.RIB().SetHook(func(_ constants.OpType, _ int64, rc *rib.ChangeRecord) {
		records = append(records, rc)
	})
	if err := f.InjectRoute(0, "192.0.2.0/24", "", "eth0"); err != nil {
		t.Fatalf("cannot inject route, %v", err)
	}
	if err := f.InjectMultipath(0, "198.51.100.0/24", []string{"10.0.0.1", "10.0.0.2"}, "eth0"); err != nil {
		t.Fatalf("cannot inject route, %v", err)
	}
	tbl, ok := f.RIB().Table(constants.IPv4, 0)
	if !ok {
		t.Fatalf("no table 0")
	}

	tests := []struct {
		desc           string
		inFn           func(testing.TB)
		expectFatalMsg string
	}{{
		desc: "connected route",
		inFn: func(t testing.TB) { HasRoute(t, tbl, "192.0.2.0/24", "") },
	}, {
		desc: "multipath route",
		inFn: func(t testing.TB) { HasRoute(t, tbl, "198.51.100.0/24", "10.0.0.1", "10.0.0.2") },
	}, {
		desc:           "wrong gateways",
		inFn:           func(t testing.TB) { HasRoute(t, tbl, "198.51.100.0/24", "10.0.0.1") },
		expectFatalMsg: "does not have expected gateways",
	}, {
		desc:           "missing route",
		inFn:           func(t testing.TB) { HasRoute(t, tbl, "203.0.113.0/24") },
		expectFatalMsg: "does not contain a route",
	}, {
		desc: "no route",
		inFn: func(t testing.TB) { HasNoRoute(t, tbl, "203.0.113.0/24") },
	}, {
		desc:           "unexpected route",
		inFn:           func(t testing.TB) { HasNoRoute(t, tbl, "192.0.2.0/24") },
		expectFatalMsg: "contains unexpected route",
	}, {
		desc: "change present",
		inFn: func(t testing.TB) { HasChange(t, records, 0, constants.ADD, "198.51.100.0/24") },
	}, {
		desc:           "change not present",
		inFn:           func(t testing.TB) { HasChange(t, records, 0, constants.DELETE, "198.51.100.0/24") },
		expectFatalMsg: "records did not contain",
	}}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			if tt.expectFatalMsg != "" {
				if got := testt.ExpectFatal(t, tt.inFn); !strings.Contains(got, tt.expectFatalMsg) {
					t.Fatalf("did not get expected fatal error, got: %s, want: %s", got, tt.expectFatalMsg)
				}
				return
			}
			tt.inFn(t)
		})
	}
}

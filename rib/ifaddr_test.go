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
	"errors"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/openconfig/fibgo/constants"
	"github.com/openconfig/fibgo/nexthop"
)

func TestHandleIfaddrInfo(t *testing.T) {
	d, ifs := newIfaces(t)

	tests := []struct {
		desc        string
		inPropagate bool
		inPresent   []uint32
		inFIB       uint32
		inOp        constants.OpType
		inPrefix    string
		wantErr     error
		wantErrCode codes.Code
		wantPresent []uint32
	}{{
		desc:        "add to single table",
		inFIB:       1,
		inOp:        constants.ADD,
		inPrefix:    "192.0.2.0/24",
		wantPresent: []uint32{1},
	}, {
		desc:        "delete absent route from single table",
		inFIB:       1,
		inPresent:   []uint32{0, 2},
		inOp:        constants.DELETE,
		inPrefix:    "192.0.2.0/24",
		wantErrCode: codes.NotFound,
		wantPresent: []uint32{0, 2},
	}, {
		desc:        "add to all tables",
		inPropagate: true,
		inOp:        constants.ADD,
		inPrefix:    "192.0.2.0/24",
		wantPresent: []uint32{0, 1, 2},
	}, {
		desc:        "add to all tables with route present in one",
		inPropagate: true,
		inPresent:   []uint32{1},
		inOp:        constants.ADD,
		inPrefix:    "192.0.2.0/24",
		wantErrCode: codes.AlreadyExists,
		wantPresent: []uint32{0, 1, 2},
	}, {
		desc:        "delete from all tables with route absent in one",
		inPropagate: true,
		inPresent:   []uint32{0, 2},
		inOp:        constants.DELETE,
		inPrefix:    "192.0.2.0/24",
	}, {
		desc:        "delete network route absent from all tables",
		inPropagate: true,
		inOp:        constants.DELETE,
		inPrefix:    "192.0.2.0/24",
		wantErr:     ErrNetUnreachable,
		wantErrCode: codes.Unavailable,
	}, {
		desc:        "delete host route absent from all tables",
		inPropagate: true,
		inOp:        constants.DELETE,
		inPrefix:    "192.0.2.1/32",
		wantErr:     ErrHostUnreachable,
		wantErrCode: codes.Unavailable,
	}, {
		desc:        "change in all tables",
		inPropagate: true,
		inPresent:   []uint32{0, 1, 2},
		inOp:        constants.CHANGE,
		inPrefix:    "192.0.2.0/24",
		wantPresent: []uint32{0, 1, 2},
	}}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			s := NewSettings()
			r := New(WithInterfaces(d), WithFIBs(3), WithSettings(s))
			for _, fib := range tt.inPresent {
				if _, err := r.Action(fib, constants.ADD, routeReq(t, tt.inPrefix, "", ifs.eth0)); err != nil {
					t.Fatalf("cannot add route to table %d, %v", fib, err)
				}
			}
			s.SetPropagateAllTables(tt.inPropagate)

			req := routeReq(t, tt.inPrefix, "", ifs.eth0)
			req.Flags = nexthop.Pinned
			err := r.HandleIfaddrInfo(tt.inFIB, tt.inOp, req)
			if got := status.Code(err); got != tt.wantErrCode {
				t.Fatalf("HandleIfaddrInfo(): got error code: %s, want: %s (err: %v)", got, tt.wantErrCode, err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("HandleIfaddrInfo(): got error: %v, want: %v", err, tt.wantErr)
			}

			p := netip.MustParsePrefix(tt.inPrefix)
			var present []uint32
			for _, tbl := range r.Tables(constants.IPv4) {
				if _, ok := tbl.Get(p); ok {
					present = append(present, tbl.FIB())
				}
			}
			if diff := cmp.Diff(present, tt.wantPresent); diff != "" {
				t.Errorf("HandleIfaddrInfo(): route not in expected tables, diff(-got,+want):\n%s", diff)
			}
		})
	}
}

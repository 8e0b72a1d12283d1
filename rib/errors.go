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
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Errors returned by operations on the RIB are gRPC status errors. The code
// identifies the class of failure:
//
//   - InvalidArgument: malformed request or inconsistent next-hop attributes.
//   - AlreadyExists: an Add for a prefix that is already present.
//   - NotFound: a Change or Delete for a prefix that is not present.
//   - PermissionDenied: a Change or Delete of a pinned route by a request that
//     is not itself pinned.
//   - ResourceExhausted: a next-hop, group or route could not be allocated.
//   - Unavailable: a Delete propagated to all tables succeeded in none of them.
var (
	// ErrHostUnreachable is returned when the deletion of a host route
	// succeeded in no table.
	ErrHostUnreachable = status.Error(codes.Unavailable, "host unreachable, route not present in any table")
	// ErrNetUnreachable is returned when the deletion of a network route
	// succeeded in no table.
	ErrNetUnreachable = status.Error(codes.Unavailable, "network unreachable, route not present in any table")
)

// IsDuplicatePrefix reports whether err indicates that a route for the prefix
// already exists.
func IsDuplicatePrefix(err error) bool { return status.Code(err) == codes.AlreadyExists }

// IsNoSuchRoute reports whether err indicates that no route exists for the prefix.
func IsNoSuchRoute(err error) bool { return status.Code(err) == codes.NotFound }

// IsInvalidAttributes reports whether err indicates an invalid request.
func IsInvalidAttributes(err error) bool { return status.Code(err) == codes.InvalidArgument }

// IsResourceExhausted reports whether err indicates an allocation failure.
func IsResourceExhausted(err error) bool { return status.Code(err) == codes.ResourceExhausted }

func invalidf(format string, args ...any) error {
	return status.Errorf(codes.InvalidArgument, format, args...)
}

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

// package constants defines constants that are shared amongst multiple fibgo packages.
package constants

import (
	"fmt"
	"net/netip"

	spb "github.com/openconfig/gribi/v1/proto/service"
)

// OpType indicates the type of operation that was performed against a table,
// it is used both as the command handed to the mutation engine and in callbacks
// to user-provided functions.
type OpType int64

const (
	_ OpType = iota
	// ADD indicates that the operation called was an Add.
	ADD
	// DELETE indicates that the operation called was a Delete.
	DELETE
	// CHANGE indicates that the operation called was a Change of an existing
	// route.
	CHANGE
)

// String returns a human readable name of the operation.
func (o OpType) String() string {
	switch o {
	case ADD:
		return "ADD"
	case DELETE:
		return "DELETE"
	case CHANGE:
		return "CHANGE"
	}
	return fmt.Sprintf("OpType(%d)", int64(o))
}

// aftopMap maps from the gRIBI proto AFT operation to an OpType.
var aftopMap = map[spb.AFTOperation_Operation]OpType{
	spb.AFTOperation_ADD:     ADD,
	spb.AFTOperation_DELETE:  DELETE,
	spb.AFTOperation_REPLACE: CHANGE,
}

// OpFromAFTOp returns an OpType from the AFT operation in the gRIBI
// protobuf.
func OpFromAFTOp(o spb.AFTOperation_Operation) OpType {
	return aftopMap[o]
}

// AFTOpFromOp returns the gRIBI AFT operation corresponding to o.
func AFTOpFromOp(o OpType) spb.AFTOperation_Operation {
	for k, v := range aftopMap {
		if v == o {
			return k
		}
	}
	return spb.AFTOperation_INVALID
}

// Family is an address family that a table is scoped to.
type Family int64

const (
	_ Family = iota
	// IPv4 is the IPv4 unicast address family.
	IPv4
	// IPv6 is the IPv6 unicast address family.
	IPv6
)

// Families lists the address families in the order in which tables are
// created for them.
var Families = []Family{IPv4, IPv6}

// String returns the name of the family.
func (f Family) String() string {
	switch f {
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	}
	return fmt.Sprintf("Family(%d)", int64(f))
}

// Bits returns the length in bits of an address of the family, or zero
// for an unknown family.
func (f Family) Bits() int {
	switch f {
	case IPv4:
		return 32
	case IPv6:
		return 128
	}
	return 0
}

// FamilyOf returns the family of the address a. Zero is returned for an
// invalid address. IPv4-mapped IPv6 addresses are considered IPv6.
func FamilyOf(a netip.Addr) Family {
	switch {
	case a.Is4():
		return IPv4
	case a.Is6():
		return IPv6
	}
	return 0
}

// aftMap maps between a Family and the gRIBI AFT that carries its entries.
var aftMap = map[Family]spb.AFTType{
	IPv4: spb.AFTType_IPV4,
	IPv6: spb.AFTType_IPV6,
}

// AFTTypeFromFamily returns the gRIBI AFTType for the family f.
func AFTTypeFromFamily(f Family) spb.AFTType {
	return aftMap[f]
}

// DefaultNetworkInstance is the name used for table zero when tables are
// exported as OpenConfig network instances.
const DefaultNetworkInstance = "DEFAULT"

// NetworkInstanceName returns the OpenConfig network-instance name used to
// export the table with number fib.
func NetworkInstanceName(fib uint32) string {
	if fib == 0 {
		return DefaultNetworkInstance
	}
	return fmt.Sprintf("FIB-%d", fib)
}

// FIBFromNetworkInstance returns the number of the table exported as the
// network instance named ni.
func FIBFromNetworkInstance(ni string) (uint32, error) {
	if ni == DefaultNetworkInstance {
		return 0, nil
	}
	var fib uint32
	if _, err := fmt.Sscanf(ni, "FIB-%d", &fib); err != nil || fib == 0 || NetworkInstanceName(fib) != ni {
		return 0, fmt.Errorf("invalid network instance name %q", ni)
	}
	return fib, nil
}

// Package fluent defines a fluent-style API for building route requests and
// applying them to a RIB, such that it can be called from tests.
package fluent

import (
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	log "github.com/golang/glog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/openconfig/fibgo/constants"
	"github.com/openconfig/fibgo/iface"
	"github.com/openconfig/fibgo/nexthop"
	"github.com/openconfig/fibgo/rib"
)

// routeEntry is the internal representation of a route that is built by the
// fluent API.
type routeEntry struct {
	// prefix is the destination of the route in CIDR form.
	prefix string
	// gateway is the address of the gateway, empty for a directly connected
	// destination.
	gateway string
	// intf is the name of the egress interface.
	intf string
	// source is the preferred source address.
	source string
	// req holds the remaining attributes of the request.
	req rib.Request
}

// RouteEntry returns a new route builder, and is an entrypoint to this package.
func RouteEntry() *routeEntry {
	return &routeEntry{}
}

// WithPrefix specifies the destination of the route in CIDR form. A host
// address without a prefix length is a host route.
func (e *routeEntry) WithPrefix(p string) *routeEntry {
	e.prefix = p
	return e
}

// WithGateway specifies the address of the gateway of the route.
func (e *routeEntry) WithGateway(addr string) *routeEntry {
	e.gateway = addr
	return e
}

// WithInterface specifies the name of the egress interface of the route. It is
// resolved against the interfaces of the RIB that the route is applied to.
func (e *routeEntry) WithInterface(name string) *routeEntry {
	e.intf = name
	return e
}

// WithLinkIndex specifies the index of the interface that owns a local address.
func (e *routeEntry) WithLinkIndex(i int) *routeEntry {
	e.req.LinkIndex = i
	return e
}

// WithSource specifies the preferred source address of the route.
func (e *routeEntry) WithSource(addr string) *routeEntry {
	e.source = addr
	return e
}

// WithFlags specifies the flags of the route.
func (e *routeEntry) WithFlags(f nexthop.Flags) *routeEntry {
	e.req.Flags |= f
	return e
}

// WithWeight specifies the weight of the path.
func (e *routeEntry) WithWeight(w uint32) *routeEntry {
	e.req.Weight = w
	return e
}

// WithMTU specifies the path MTU of the route.
func (e *routeEntry) WithMTU(m uint32) *routeEntry {
	e.req.MTU = m
	return e
}

// WithExpire specifies the time at which the route is removed.
func (e *routeEntry) WithExpire(t time.Time) *routeEntry {
	e.req.Expire = t
	return e
}

// AsPath specifies that the route is an additional path of an existing
// multipath route.
func (e *routeEntry) AsPath() *routeEntry {
	e.req.Append = true
	return e
}

// String returns a human readable form of the entry.
func (e *routeEntry) String() string {
	gw := e.gateway
	if gw == "" {
		gw = "direct"
	}
	return fmt.Sprintf("%s via %s dev %s", e.prefix, gw, e.intf)
}

// Request returns the request described by the entry, resolving interface
// names against the directory d.
func (e *routeEntry) Request(d *iface.Directory) (*rib.Request, error) {
	req := e.req

	p, err := netip.ParsePrefix(e.prefix)
	if err != nil {
		a, aerr := netip.ParseAddr(e.prefix)
		if aerr != nil {
			return nil, fmt.Errorf("invalid prefix %s, %v", e.prefix, err)
		}
		p = netip.PrefixFrom(a, a.BitLen())
	}
	req.Dst = p.Addr()
	req.Netmask = rib.Netmask(p)

	if e.gateway != "" {
		if req.Gateway, err = netip.ParseAddr(e.gateway); err != nil {
			return nil, fmt.Errorf("invalid gateway %s, %v", e.gateway, err)
		}
	}
	if e.source != "" {
		if req.Source, err = netip.ParseAddr(e.source); err != nil {
			return nil, fmt.Errorf("invalid source %s, %v", e.source, err)
		}
	}
	if e.intf != "" {
		i, ok := d.ByName(e.intf)
		if !ok {
			return nil, fmt.Errorf("unknown interface %s", e.intf)
		}
		req.Interface = i
	}
	return &req, nil
}

// OpResult is the result of an operation applied by the client.
type OpResult struct {
	// Op is the operation that was applied.
	Op constants.OpType
	// FIB is the table that the operation was applied to.
	FIB uint32
	// Prefix is the destination of the route.
	Prefix string
	// Code is the status code returned for the operation.
	Code codes.Code
	// Generation is the generation of the table after a successful operation.
	Generation uint64
}

// String returns a human readable form of the result.
func (o *OpResult) String() string {
	return fmt.Sprintf("<%s %s in %d: %s, gen %d>", o.Op, o.Prefix, o.FIB, o.Code, o.Generation)
}

// ribClient stores internal state related to the client that is exposed by the
// fluent API.
type ribClient struct {
	r *rib.RIB
	// fib is the table that operations are applied to.
	fib uint32

	// mu protects results.
	mu      sync.Mutex
	results []*OpResult
}

// NewClient returns a new client applying operations to r.
func NewClient(r *rib.RIB) *ribClient {
	return &ribClient{r: r}
}

// InFIB specifies the table that subsequent operations are applied to.
func (c *ribClient) InFIB(fib uint32) *ribClient {
	c.fib = fib
	return c
}

// ribModify is a wrapper for the operations that modify the RIB.
type ribModify struct {
	c *ribClient
}

// Modify wraps methods that trigger operations against the RIB.
func (c *ribClient) Modify() *ribModify {
	return &ribModify{c: c}
}

// AddEntry adds the specified entries to the table of the client.
func (m *ribModify) AddEntry(t testing.TB, entries ...*routeEntry) *ribModify {
	t.Helper()
	m.apply(t, constants.ADD, entries)
	return m
}

// ReplaceEntry changes the specified entries in the table of the client.
func (m *ribModify) ReplaceEntry(t testing.TB, entries ...*routeEntry) *ribModify {
	t.Helper()
	m.apply(t, constants.CHANGE, entries)
	return m
}

// DeleteEntry removes the specified entries from the table of the client.
func (m *ribModify) DeleteEntry(t testing.TB, entries ...*routeEntry) *ribModify {
	t.Helper()
	m.apply(t, constants.DELETE, entries)
	return m
}

// apply applies the operation op for each of the entries, recording the
// results. Entries that cannot be converted to requests are raised using t.
func (m *ribModify) apply(t testing.TB, op constants.OpType, entries []*routeEntry) {
	t.Helper()
	c := m.c
	for _, e := range entries {
		req, err := e.Request(c.r.Interfaces())
		if err != nil {
			t.Fatalf("cannot build request for %s, %v", e, err)
		}
		res := &OpResult{
			Op:     op,
			FIB:    c.fib,
			Prefix: e.prefix,
		}
		rc, err := c.r.Action(c.fib, op, req)
		res.Code = status.Code(err)
		if rc != nil {
			res.Prefix = rc.Prefix().String()
			res.Generation = rc.Generation
		}
		log.V(2).Infof("applied %s %s, result %s", op, e, res)

		c.mu.Lock()
		c.results = append(c.results, res)
		c.mu.Unlock()
	}
}

// Results returns the results of the operations applied by the client, in the
// order they were applied.
func (c *ribClient) Results(t testing.TB) []*OpResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*OpResult(nil), c.results...)
}

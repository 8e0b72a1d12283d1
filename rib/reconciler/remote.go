package reconciler

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"sort"

	log "github.com/golang/glog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/prototext"

	"github.com/openconfig/fibgo/constants"
	"github.com/openconfig/fibgo/iface"
	"github.com/openconfig/fibgo/nexthop"
	"github.com/openconfig/fibgo/rib"

	aftpb "github.com/openconfig/gribi/v1/proto/gribi_aft"
	spb "github.com/openconfig/gribi/v1/proto/service"
)

// RemoteTable implements the TableTarget interface and wraps a table of a
// remote gRIBI server. The contents are accessed via the gRIBI Get RPC and are
// rebuilt into a new table on each Get. Operations applied to that table are
// not sent to the remote server.
type RemoteTable struct {
	conn *grpc.ClientConn
	c    spb.GRIBIClient

	fam   constants.Family
	fib   uint32
	ifs   *iface.Directory
	flags nexthop.Flags
}

// RemoteOpt is an interface implemented by options that modify a RemoteTable.
type RemoteOpt interface {
	isRemoteOpt()
}

type ifacesOpt struct{ d *iface.Directory }

func (*ifacesOpt) isRemoteOpt() {}

// WithInterfaces specifies the interfaces that the next-hops of the remote
// server are resolved against. Next-hops using other interfaces are not
// rebuilt.
func WithInterfaces(d *iface.Directory) *ifacesOpt { return &ifacesOpt{d: d} }

type flagsOpt struct{ f nexthop.Flags }

func (*flagsOpt) isRemoteOpt() {}

// WithRouteFlags specifies the flags of the rebuilt routes, such that they
// compare equal to the local routes that were programmed with them.
func WithRouteFlags(f nexthop.Flags) *flagsOpt { return &flagsOpt{f: f} }

type dialOpt struct{ o []grpc.DialOption }

func (*dialOpt) isRemoteOpt() {}

// WithDialOptions specifies options used when dialing the remote server. They
// are applied after the defaults, which use an unencrypted connection.
func WithDialOptions(o ...grpc.DialOption) *dialOpt { return &dialOpt{o: o} }

// NewRemoteTable returns the table of family fam with FIB number fib of the
// gRIBI server at addr. The context supplied is used to dial the server.
func NewRemoteTable(ctx context.Context, addr string, fam constants.Family, fib uint32, opts ...RemoteOpt) (*RemoteTable, error) {
	r := &RemoteTable{
		fam: fam,
		fib: fib,
		ifs: iface.NewDirectory(),
	}
	dopts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithBlock()}
	for _, o := range opts {
		switch v := o.(type) {
		case *ifacesOpt:
			r.ifs = v.d
		case *flagsOpt:
			r.flags = v.f
		case *dialOpt:
			dopts = append(dopts, v.o...)
		}
	}

	conn, err := grpc.DialContext(ctx, addr, dopts...)
	if err != nil {
		return nil, fmt.Errorf("cannot dial remote server, %v", err)
	}
	r.conn = conn
	r.c = spb.NewGRIBIClient(conn)
	return r, nil
}

// CleanUp closes the connection to the gRIBI server.
func (r *RemoteTable) CleanUp() {
	r.conn.Close()
}

var (
	// Compile time check that RemoteTable implements the TableTarget interface.
	_ TableTarget = &RemoteTable{}
)

// Get retrieves the contents of the network instance of the remote server
// and returns its routes of the table's family as a table. The context is used
// for the Get RPC to the remote server.
func (r *RemoteTable) Get(ctx context.Context) (*rib.Table, error) {
	stream, err := r.c.Get(ctx, &spb.GetRequest{
		NetworkInstance: &spb.GetRequest_Name{Name: constants.NetworkInstanceName(r.fib)},
		Aft:             spb.AFTType_ALL,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot get remote table, %v", err)
	}
	var resps []*spb.GetResponse
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("cannot get remote table, %v", err)
		}
		if log.V(2) {
			log.Infof("remote table %s/%d: %s", r.fam, r.fib, prototext.Format(resp))
		}
		resps = append(resps, resp)
	}
	return r.fromGetResponses(resps)
}

// fromGetResponses builds the table described by resps. Entries with invalid
// or missing references are skipped, such that the routes that remain can be
// reconciled.
func (r *RemoteTable) fromGetResponses(resps []*spb.GetResponse) (*rib.Table, error) {
	ni := constants.NetworkInstanceName(r.fib)
	nhs := map[uint64]*aftpb.Afts_NextHop{}
	nhgs := map[uint64]*aftpb.Afts_NextHopGroup{}
	prefixes := map[netip.Prefix]uint64{}

	addPrefix := func(s string, nhg uint64) {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			log.Warningf("skipping invalid remote prefix %s in %s, %v", s, ni, err)
			return
		}
		prefixes[p.Masked()] = nhg
	}
	for _, resp := range resps {
		for _, e := range resp.GetEntry() {
			if e.GetNetworkInstance() != ni {
				continue
			}
			switch v := e.GetEntry().(type) {
			case *spb.AFTEntry_NextHop:
				nhs[v.NextHop.GetIndex()] = v.NextHop.GetNextHop()
			case *spb.AFTEntry_NextHopGroup:
				nhgs[v.NextHopGroup.GetId()] = v.NextHopGroup.GetNextHopGroup()
			case *spb.AFTEntry_Ipv4:
				if r.fam == constants.IPv4 {
					addPrefix(v.Ipv4.GetPrefix(), v.Ipv4.GetIpv4Entry().GetNextHopGroup().GetValue())
				}
			case *spb.AFTEntry_Ipv6:
				if r.fam == constants.IPv6 {
					addPrefix(v.Ipv6.GetPrefix(), v.Ipv6.GetIpv6Entry().GetNextHopGroup().GetValue())
				}
			}
		}
	}

	rr := rib.New(rib.WithFIBs(r.fib+1), rib.WithFamilies(r.fam), rib.WithMultipath(), rib.WithInterfaces(r.ifs))
	t, ok := rr.Table(r.fam, r.fib)
	if !ok {
		return nil, fmt.Errorf("cannot create table %s/%d", r.fam, r.fib)
	}

	pending := make([]netip.Prefix, 0, len(prefixes))
	for p := range prefixes {
		pending = append(pending, p)
	}
	sort.Slice(pending, func(i, j int) bool {
		if c := pending[i].Addr().Compare(pending[j].Addr()); c != 0 {
			return c < 0
		}
		return pending[i].Bits() < pending[j].Bits()
	})

	// Gateways without an interface are resolved through the routes that
	// have already been rebuilt, so routes are added until none can be.
	errs := map[netip.Prefix]error{}
	for progress := true; progress && len(pending) > 0; {
		progress = false
		var rest []netip.Prefix
		for _, p := range pending {
			reqs, err := r.requests(t, p, prefixes[p], nhgs, nhs)
			if err != nil {
				errs[p] = err
				rest = append(rest, p)
				continue
			}
			progress = true
			if err := addRoute(t, reqs); err != nil {
				log.Warningf("cannot rebuild remote route %s in %s, %v", p, ni, err)
			}
		}
		pending = rest
	}
	for _, p := range pending {
		log.Warningf("skipping remote route %s in %s, %v", p, ni, errs[p])
	}
	return t, nil
}

// requests returns the requests that add the route to p using the
// next-hop-group with the specified id to the table t.
func (r *RemoteTable) requests(t *rib.Table, p netip.Prefix, id uint64, nhgs map[uint64]*aftpb.Afts_NextHopGroup, nhs map[uint64]*aftpb.Afts_NextHop) ([]*rib.Request, error) {
	g, ok := nhgs[id]
	if !ok {
		return nil, fmt.Errorf("unknown next-hop-group %d", id)
	}
	if len(g.GetNextHop()) == 0 {
		return nil, fmt.Errorf("next-hop-group %d has no next-hops", id)
	}
	var reqs []*rib.Request
	for i, m := range g.GetNextHop() {
		nh, ok := nhs[m.GetIndex()]
		if !ok {
			return nil, fmt.Errorf("next-hop-group %d references unknown next-hop %d", id, m.GetIndex())
		}
		req := &rib.Request{
			Dst:     p.Addr(),
			Netmask: rib.Netmask(p),
			Flags:   r.flags,
			Weight:  uint32(m.GetNextHop().GetWeight().GetValue()),
			Append:  i > 0,
		}
		if a := nh.GetIpAddress(); a != nil {
			gw, err := netip.ParseAddr(a.GetValue())
			if err != nil {
				return nil, fmt.Errorf("next-hop %d has invalid address %s", m.GetIndex(), a.GetValue())
			}
			req.Gateway = gw
		}
		switch n := nh.GetInterfaceRef().GetInterface(); {
		case n != nil:
			intf, ok := r.ifs.ByName(n.GetValue())
			if !ok {
				return nil, fmt.Errorf("next-hop %d uses unknown interface %s", m.GetIndex(), n.GetValue())
			}
			req.Interface = intf
		case req.Gateway.IsValid():
			_, via, ok := t.Lookup(req.Gateway)
			if !ok || via == nil {
				return nil, fmt.Errorf("gateway %s of next-hop %d is unreachable", req.Gateway, m.GetIndex())
			}
			req.Interface = via.Interface()
		default:
			return nil, fmt.Errorf("next-hop %d has neither an address nor an interface", m.GetIndex())
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// addRoute applies the requests for the paths of a route to t. A route whose
// paths cannot all be added is removed.
func addRoute(t *rib.Table, reqs []*rib.Request) error {
	for i, req := range reqs {
		if _, err := t.Action(constants.ADD, req); err != nil {
			if i > 0 {
				if _, derr := t.Action(constants.DELETE, &rib.Request{Dst: req.Dst, Netmask: req.Netmask, Flags: req.Flags & nexthop.Pinned}); derr != nil {
					log.Errorf("cannot remove partially rebuilt route %s, %v", req.Dst, derr)
				}
			}
			return err
		}
	}
	return nil
}

// Package server defines a gRIBI server that programs the tables of a RIB.
// Next-hop and next-hop-group entries are held by the server per network
// instance, they are installed in a table when a prefix entry references them.
package server

import (
	"context"
	"io"
	"net/netip"
	"sort"
	"sync"

	log "github.com/golang/glog"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/openconfig/fibgo/constants"
	"github.com/openconfig/fibgo/iface"
	"github.com/openconfig/fibgo/nexthop"
	"github.com/openconfig/fibgo/notify"
	"github.com/openconfig/fibgo/rib"

	aftpb "github.com/openconfig/gribi/v1/proto/gribi_aft"
	spb "github.com/openconfig/gribi/v1/proto/service"
)

// RouteFlags are the flags of the routes that are programmed through gRIBI.
const RouteFlags = nexthop.Proto1

// Server implements the gRIBI service.
type Server struct {
	spb.UnimplementedGRIBIServer

	// r is the RIB that is programmed by the server.
	r *rib.RIB

	// csMu protects the cs map.
	csMu sync.RWMutex
	// cs stores the state for clients that are connected to the server
	// this allows the server perform operations such as ensuring consistency
	// across different connected clients. The key of the map is a unique string
	// identifying each client, which in this implementation is a UUID generated
	// at connection time.
	cs map[string]*clientState

	// mu serialises the programming of the RIB and protects afts.
	mu sync.Mutex
	// afts is the gRIBI state of each network instance, keyed by the number
	// of its table.
	afts map[uint32]*aftState
}

// clientState stores information that relates to a specific client
// connected to the gRIBI server.
type clientState struct {
	// params stores parameters that are associated with a single
	// client of the server. These parameters are advertised as the
	// first message on a Modify stream. It is an error to send
	// parameters in any other context (i.e., after other ModifyRequest
	// messages have been sent, or to adjust these parameters).
	params *clientParams
	// setParams indicates that the client has sent its parameters.
	setParams bool
}

// clientParams stores parameters that are set as part of the Modify RPC
// initial handshake for a particular client.
type clientParams struct {
	// persist indicates whether the client's AFT entries should be
	// persisted even after the client disconnects.
	persist bool
	// fibAck indicates that the client wants operations to be acknowledged
	// once they are programmed in the FIB.
	fibAck bool
}

// aftState is the gRIBI state of a single network instance.
type aftState struct {
	nhs  map[uint64]*aftpb.Afts_NextHop
	nhgs map[uint64]*aftpb.Afts_NextHopGroup
	// prefixes holds the prefixes that were installed through gRIBI.
	prefixes map[netip.Prefix]*prefixState
}

// prefixState records the next-hop-group used by an installed prefix and the
// client that installed it.
type prefixState struct {
	nhg   uint64
	owner string
}

// New creates a new gRIBI server that programs r.
func New(r *rib.RIB) *Server {
	return &Server{
		r:    r,
		cs:   map[string]*clientState{},
		afts: map[uint32]*aftState{},
	}
}

// Modify implements the gRIBI Modify RPC.
func (s *Server) Modify(ms spb.GRIBI_ModifyServer) error {
	// Initiate the per client state for this client.
	id := uuid.New().String()
	if err := s.newClient(id); err != nil {
		return err
	}
	defer s.removeClient(id)

	gotOps := false
	for {
		in, err := ms.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return status.Errorf(codes.Unknown, "error reading message from client, %v", err)
		}

		if p := in.GetParams(); p != nil {
			if gotOps {
				return status.Errorf(codes.FailedPrecondition, "session parameters received after AFT operations")
			}
			if err := s.updateParams(id, p); err != nil {
				return err
			}
			if err := ms.Send(&spb.ModifyResponse{
				SessionParamsResult: &spb.SessionParametersResult{Status: spb.SessionParametersResult_OK},
			}); err != nil {
				return status.Errorf(codes.Internal, "cannot send session parameters result, %v", err)
			}
		}
		if in.GetElectionId() != nil {
			return status.Errorf(codes.FailedPrecondition, "election ID is not supported with ALL_PRIMARY redundancy")
		}

		if len(in.GetOperation()) == 0 {
			continue
		}
		gotOps = true
		resp := &spb.ModifyResponse{}
		for _, op := range in.GetOperation() {
			resp.Result = append(resp.Result, s.doOp(id, op))
		}
		if err := ms.Send(resp); err != nil {
			return status.Errorf(codes.Internal, "cannot send results, %v", err)
		}
	}
}

// newClient creates a new client context within the server using the specified string
// ID.
func (s *Server) newClient(id string) error {
	s.csMu.Lock()
	defer s.csMu.Unlock()
	if s.cs[id] != nil {
		return status.Errorf(codes.Internal, "cannot create new client with duplicate ID, %s", id)
	}
	s.cs[id] = &clientState{params: &clientParams{}}
	return nil
}

// removeClient removes the state of the client with the specified ID. The
// prefixes installed by the client are removed unless it asked for them to
// persist.
func (s *Server) removeClient(id string) {
	s.csMu.Lock()
	cs, ok := s.cs[id]
	delete(s.cs, id)
	s.csMu.Unlock()
	if !ok || cs.params.persist {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fib := range s.sortedFIBs() {
		if err := s.flushLocked(fib, func(ps *prefixState) bool { return ps.owner == id }); err != nil {
			log.Errorf("cannot remove entries of client %s, %v", id, err)
		}
	}
}

// updateParams stores the session parameters p for the client with the
// specified ID. Parameters can only be set once.
func (s *Server) updateParams(id string, p *spb.SessionParameters) error {
	s.csMu.Lock()
	defer s.csMu.Unlock()
	cs, ok := s.cs[id]
	switch {
	case !ok:
		return status.Errorf(codes.Internal, "cannot update parameters for unknown client %s", id)
	case cs.setParams:
		return status.Errorf(codes.FailedPrecondition, "session parameters cannot be changed")
	case p.GetRedundancy() != spb.SessionParameters_ALL_PRIMARY:
		return status.Errorf(codes.Unimplemented, "redundancy mode %s is not supported", p.GetRedundancy())
	}
	cs.params = &clientParams{
		persist: p.GetPersistence() == spb.SessionParameters_PRESERVE,
		fibAck:  p.GetAckType() == spb.SessionParameters_RIB_AND_FIB_ACK,
	}
	cs.setParams = true
	return nil
}

// params returns the parameters of the client with the specified ID.
func (s *Server) params(id string) *clientParams {
	s.csMu.RLock()
	defer s.csMu.RUnlock()
	if cs, ok := s.cs[id]; ok {
		return cs.params
	}
	return &clientParams{}
}

// doOp applies the operation op on behalf of the client id and returns its
// result.
func (s *Server) doOp(id string, op *spb.AFTOperation) *spb.AFTResult {
	res := &spb.AFTResult{Id: op.GetId()}
	err := s.apply(id, op)
	res.Timestamp = s.r.Clock().Now().UnixNano()
	switch {
	case err != nil:
		log.Errorf("cannot apply operation %d from client %s, %v", op.GetId(), id, err)
		res.Status = spb.AFTResult_FAILED
		res.ErrorDetails = &spb.AFTErrorDetails{ErrorMessage: err.Error()}
	case s.params(id).fibAck:
		res.Status = spb.AFTResult_FIB_PROGRAMMED
	default:
		res.Status = spb.AFTResult_RIB_PROGRAMMED
	}
	return res
}

// fib returns the number of the table of the network instance ni.
func (s *Server) fib(ni string) (uint32, error) {
	fib, err := constants.FIBFromNetworkInstance(ni)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	if fib >= s.r.NumFIBs() {
		return 0, status.Errorf(codes.NotFound, "unknown network instance %s", ni)
	}
	return fib, nil
}

// fibs returns the tables selected by a request for the network instance name,
// or for every network instance when all is set.
func (s *Server) fibs(name string, all bool) ([]uint32, error) {
	switch {
	case all:
		var fibs []uint32
		for fib := uint32(0); fib < s.r.NumFIBs(); fib++ {
			fibs = append(fibs, fib)
		}
		return fibs, nil
	case name != "":
		fib, err := s.fib(name)
		if err != nil {
			return nil, err
		}
		return []uint32{fib}, nil
	}
	return nil, status.Errorf(codes.InvalidArgument, "network instance must be specified")
}

// aft returns the gRIBI state of table fib, creating it if needed. s.mu must
// be held.
func (s *Server) aft(fib uint32) *aftState {
	st, ok := s.afts[fib]
	if !ok {
		st = &aftState{
			nhs:      map[uint64]*aftpb.Afts_NextHop{},
			nhgs:     map[uint64]*aftpb.Afts_NextHopGroup{},
			prefixes: map[netip.Prefix]*prefixState{},
		}
		s.afts[fib] = st
	}
	return st
}

// sortedFIBs returns the tables that have gRIBI state in order. s.mu must be
// held.
func (s *Server) sortedFIBs() []uint32 {
	fibs := make([]uint32, 0, len(s.afts))
	for fib := range s.afts {
		fibs = append(fibs, fib)
	}
	sort.Slice(fibs, func(i, j int) bool { return fibs[i] < fibs[j] })
	return fibs
}

// apply applies op on behalf of the client id.
func (s *Server) apply(id string, op *spb.AFTOperation) error {
	fib, err := s.fib(op.GetNetworkInstance())
	if err != nil {
		return err
	}
	switch op.GetOp() {
	case spb.AFTOperation_ADD, spb.AFTOperation_REPLACE, spb.AFTOperation_DELETE:
	default:
		return status.Errorf(codes.InvalidArgument, "invalid operation %s", op.GetOp())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.aft(fib)
	switch e := op.GetEntry().(type) {
	case *spb.AFTOperation_NextHop:
		return s.nextHop(fib, st, op.GetOp(), e.NextHop)
	case *spb.AFTOperation_NextHopGroup:
		return s.nextHopGroup(fib, st, op.GetOp(), e.NextHopGroup)
	case *spb.AFTOperation_Ipv4:
		return s.prefix(id, fib, st, op.GetOp(), e.Ipv4.GetPrefix(), e.Ipv4.GetIpv4Entry().GetNextHopGroup().GetValue())
	case *spb.AFTOperation_Ipv6:
		return s.prefix(id, fib, st, op.GetOp(), e.Ipv6.GetPrefix(), e.Ipv6.GetIpv6Entry().GetNextHopGroup().GetValue())
	}
	return status.Errorf(codes.Unimplemented, "unsupported entry type %T", op.GetEntry())
}

// nextHop applies op to the next-hop entry e.
func (s *Server) nextHop(fib uint32, st *aftState, op spb.AFTOperation_Operation, e *aftpb.Afts_NextHopKey) error {
	idx := e.GetIndex()
	if idx == 0 {
		return status.Errorf(codes.InvalidArgument, "next-hop index must be non-zero")
	}

	if op == spb.AFTOperation_DELETE {
		for id, g := range st.nhgs {
			for _, m := range g.GetNextHop() {
				if m.GetIndex() == idx {
					return status.Errorf(codes.FailedPrecondition, "next-hop %d is referenced by next-hop-group %d", idx, id)
				}
			}
		}
		delete(st.nhs, idx)
		return nil
	}

	_, exists := st.nhs[idx]
	if op == spb.AFTOperation_REPLACE && !exists {
		return status.Errorf(codes.NotFound, "cannot replace unknown next-hop %d", idx)
	}
	nh := e.GetNextHop()
	if a := nh.GetIpAddress(); a != nil {
		if _, err := netip.ParseAddr(a.GetValue()); err != nil {
			return status.Errorf(codes.InvalidArgument, "next-hop %d has invalid address %s", idx, a.GetValue())
		}
	}
	if nh.GetIpAddress() == nil && nh.GetInterfaceRef().GetInterface() == nil {
		return status.Errorf(codes.InvalidArgument, "next-hop %d has neither an address nor an interface", idx)
	}
	st.nhs[idx] = nh
	if !exists {
		return nil
	}
	return s.refreshLocked(fib, st, func(_ uint64, g *aftpb.Afts_NextHopGroup) bool {
		for _, m := range g.GetNextHop() {
			if m.GetIndex() == idx {
				return true
			}
		}
		return false
	})
}

// nextHopGroup applies op to the next-hop-group entry e.
func (s *Server) nextHopGroup(fib uint32, st *aftState, op spb.AFTOperation_Operation, e *aftpb.Afts_NextHopGroupKey) error {
	id := e.GetId()
	if id == 0 {
		return status.Errorf(codes.InvalidArgument, "next-hop-group id must be non-zero")
	}

	if op == spb.AFTOperation_DELETE {
		for p, ps := range st.prefixes {
			if ps.nhg == id {
				return status.Errorf(codes.FailedPrecondition, "next-hop-group %d is referenced by %s", id, p)
			}
		}
		delete(st.nhgs, id)
		return nil
	}

	_, exists := st.nhgs[id]
	if op == spb.AFTOperation_REPLACE && !exists {
		return status.Errorf(codes.NotFound, "cannot replace unknown next-hop-group %d", id)
	}
	g := e.GetNextHopGroup()
	if len(g.GetNextHop()) == 0 {
		return status.Errorf(codes.InvalidArgument, "next-hop-group %d has no next-hops", id)
	}
	for _, m := range g.GetNextHop() {
		if _, ok := st.nhs[m.GetIndex()]; !ok {
			return status.Errorf(codes.FailedPrecondition, "next-hop-group %d references unknown next-hop %d", id, m.GetIndex())
		}
	}
	st.nhgs[id] = g
	if !exists {
		return nil
	}
	return s.refreshLocked(fib, st, func(cand uint64, _ *aftpb.Afts_NextHopGroup) bool { return cand == id })
}

// refreshLocked reprograms the installed prefixes whose next-hop-group matches
// affected.
func (s *Server) refreshLocked(fib uint32, st *aftState, affected func(uint64, *aftpb.Afts_NextHopGroup) bool) error {
	for _, p := range sortedPrefixes(st) {
		ps := st.prefixes[p]
		if !affected(ps.nhg, st.nhgs[ps.nhg]) {
			continue
		}
		if err := s.program(fib, st, p, ps.nhg, true); err != nil {
			return err
		}
	}
	return nil
}

// sortedPrefixes returns the prefixes installed in st in order.
func sortedPrefixes(st *aftState) []netip.Prefix {
	ps := make([]netip.Prefix, 0, len(st.prefixes))
	for p := range st.prefixes {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool {
		if c := ps[i].Addr().Compare(ps[j].Addr()); c != 0 {
			return c < 0
		}
		return ps[i].Bits() < ps[j].Bits()
	})
	return ps
}

// prefix applies op to the prefix entry pfx using next-hop-group nhg on behalf
// of the client id.
func (s *Server) prefix(id string, fib uint32, st *aftState, op spb.AFTOperation_Operation, pfx string, nhg uint64) error {
	p, err := netip.ParsePrefix(pfx)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid prefix %s, %v", pfx, err)
	}
	if p != p.Masked() {
		return status.Errorf(codes.InvalidArgument, "prefix %s has host bits set", pfx)
	}

	if op == spb.AFTOperation_DELETE {
		if _, ok := st.prefixes[p]; !ok {
			return nil
		}
		if err := s.deleteRoute(fib, p); err != nil {
			return err
		}
		delete(st.prefixes, p)
		return nil
	}

	_, exists := st.prefixes[p]
	if op == spb.AFTOperation_REPLACE && !exists {
		return status.Errorf(codes.NotFound, "cannot replace unknown prefix %s", p)
	}
	if _, ok := st.nhgs[nhg]; !ok {
		return status.Errorf(codes.FailedPrecondition, "prefix %s references unknown next-hop-group %d", p, nhg)
	}
	if err := s.program(fib, st, p, nhg, exists); err != nil {
		return err
	}
	st.prefixes[p] = &prefixState{nhg: nhg, owner: id}
	return nil
}

// program installs the route for p using the paths of next-hop-group nhg. An
// existing route moving to a single path via a gateway is changed in place,
// otherwise it is removed and added again. If adding it again fails, p is no
// longer installed and is dropped from st.
func (s *Server) program(fib uint32, st *aftState, p netip.Prefix, nhg uint64, exists bool) error {
	reqs, err := s.requests(fib, st, p, nhg)
	if err != nil {
		return err
	}
	if exists {
		if len(reqs) == 1 && reqs[0].Gateway.IsValid() {
			_, err := s.r.Action(fib, constants.CHANGE, reqs[0])
			return err
		}
		if err := s.deleteRoute(fib, p); err != nil {
			return err
		}
	}
	for _, req := range reqs {
		req.Append = len(reqs) > 1
		if _, err := s.r.Action(fib, constants.ADD, req); err != nil {
			if len(reqs) > 1 {
				if derr := s.deleteRoute(fib, p); derr != nil {
					log.Errorf("cannot remove partially installed route %s, %v", p, derr)
				}
			}
			if exists {
				// The previous route was removed above.
				delete(st.prefixes, p)
			}
			return err
		}
	}
	return nil
}

// deleteRoute removes the route for p from table fib, a missing route is not
// an error.
func (s *Server) deleteRoute(fib uint32, p netip.Prefix) error {
	_, err := s.r.Action(fib, constants.DELETE, &rib.Request{
		Dst:     p.Addr(),
		Netmask: rib.Netmask(p),
		Flags:   RouteFlags,
	})
	if err != nil && !rib.IsNoSuchRoute(err) {
		return err
	}
	return nil
}

// requests returns one request per next-hop of the next-hop-group nhg, for
// the route to p in table fib.
func (s *Server) requests(fib uint32, st *aftState, p netip.Prefix, nhg uint64) ([]*rib.Request, error) {
	var reqs []*rib.Request
	for _, m := range st.nhgs[nhg].GetNextHop() {
		nh := st.nhs[m.GetIndex()]
		req := &rib.Request{
			Dst:     p.Addr(),
			Netmask: rib.Netmask(p),
			Flags:   RouteFlags,
			Weight:  uint32(m.GetNextHop().GetWeight().GetValue()),
		}
		if a := nh.GetIpAddress(); a != nil {
			// The address was validated when the next-hop was added.
			req.Gateway, _ = netip.ParseAddr(a.GetValue())
		}
		switch n := nh.GetInterfaceRef().GetInterface(); {
		case n != nil:
			i, ok := s.r.Interfaces().ByName(n.GetValue())
			if !ok {
				return nil, status.Errorf(codes.FailedPrecondition, "next-hop %d uses unknown interface %s", m.GetIndex(), n.GetValue())
			}
			req.Interface = i
		default:
			i, err := s.resolve(fib, req.Gateway)
			if err != nil {
				return nil, err
			}
			req.Interface = i
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// resolve returns the egress interface of the route used to reach gw in table
// fib.
func (s *Server) resolve(fib uint32, gw netip.Addr) (*iface.Interface, error) {
	t, ok := s.r.Table(constants.FamilyOf(gw), fib)
	if !ok {
		return nil, status.Errorf(codes.FailedPrecondition, "no table %d for gateway %s", fib, gw)
	}
	_, nh, ok := t.Lookup(gw)
	if !ok || nh == nil {
		return nil, status.Errorf(codes.FailedPrecondition, "gateway %s is unreachable in table %s", gw, t)
	}
	return nh.Interface(), nil
}

// flushLocked removes the prefixes of table fib for which match returns true.
// s.mu must be held.
func (s *Server) flushLocked(fib uint32, match func(*prefixState) bool) error {
	st, ok := s.afts[fib]
	if !ok {
		return nil
	}
	for _, p := range sortedPrefixes(st) {
		if !match(st.prefixes[p]) {
			continue
		}
		if err := s.deleteRoute(fib, p); err != nil {
			return err
		}
		delete(st.prefixes, p)
	}
	return nil
}

// Get implements the gRIBI Get RPC. The contents of the selected tables are
// returned, including routes that were not installed through gRIBI.
func (s *Server) Get(req *spb.GetRequest, stream spb.GRIBI_GetServer) error {
	fibs, err := s.fibs(req.GetName(), req.GetAll() != nil)
	if err != nil {
		return err
	}
	match, err := aftFilter(req.GetAft())
	if err != nil {
		return err
	}

	for _, fib := range fibs {
		for _, fam := range s.r.Families() {
			t, ok := s.r.Table(fam, fib)
			if !ok {
				continue
			}
			resp, err := notify.GetResponse(t)
			if err != nil {
				return status.Errorf(codes.Internal, "cannot build response for table %s, %v", t, err)
			}
			entries := resp.Entry[:0]
			for _, e := range resp.Entry {
				if !match(e) {
					continue
				}
				e.RibStatus = spb.AFTEntry_PROGRAMMED
				e.FibStatus = spb.AFTEntry_PROGRAMMED
				entries = append(entries, e)
			}
			if len(entries) == 0 {
				continue
			}
			resp.Entry = entries
			if err := stream.Send(resp); err != nil {
				return status.Errorf(codes.Internal, "cannot send entries of table %s, %v", t, err)
			}
		}
	}
	return nil
}

// aftFilter returns a function that reports whether an entry is of type t.
func aftFilter(t spb.AFTType) (func(*spb.AFTEntry) bool, error) {
	switch t {
	case spb.AFTType_ALL:
		return func(*spb.AFTEntry) bool { return true }, nil
	case spb.AFTType_IPV4:
		return func(e *spb.AFTEntry) bool { return e.GetIpv4() != nil }, nil
	case spb.AFTType_IPV6:
		return func(e *spb.AFTEntry) bool { return e.GetIpv6() != nil }, nil
	case spb.AFTType_NEXTHOP:
		return func(e *spb.AFTEntry) bool { return e.GetNextHop() != nil }, nil
	case spb.AFTType_NEXTHOP_GROUP:
		return func(e *spb.AFTEntry) bool { return e.GetNextHopGroup() != nil }, nil
	case spb.AFTType_INVALID:
		return nil, status.Errorf(codes.InvalidArgument, "AFT type must be specified")
	}
	return nil, status.Errorf(codes.Unimplemented, "AFT type %s is not supported", t)
}

// Flush implements the gRIBI Flush RPC. It removes the entries that were
// installed through gRIBI in the selected network instances.
func (s *Server) Flush(_ context.Context, req *spb.FlushRequest) (*spb.FlushResponse, error) {
	if req.GetId() != nil {
		return nil, status.Errorf(codes.FailedPrecondition, "election ID is not supported with ALL_PRIMARY redundancy")
	}
	fibs, err := s.fibs(req.GetName(), req.GetAll() != nil)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fib := range fibs {
		if err := s.flushLocked(fib, func(*prefixState) bool { return true }); err != nil {
			return nil, status.Errorf(codes.Internal, "cannot flush %s, %v", constants.NetworkInstanceName(fib), err)
		}
		delete(s.afts, fib)
	}
	return &spb.FlushResponse{
		Timestamp: s.r.Clock().Now().UnixNano(),
		Result:    spb.FlushResponse_OK,
	}, nil
}

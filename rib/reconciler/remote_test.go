package reconciler

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/openconfig/fibgo/chk"
	"github.com/openconfig/fibgo/constants"
	"github.com/openconfig/fibgo/iface"
	"github.com/openconfig/fibgo/rib"
	"github.com/openconfig/fibgo/server"

	aftpb "github.com/openconfig/gribi/v1/proto/gribi_aft"
	spb "github.com/openconfig/gribi/v1/proto/service"
	wpb "github.com/openconfig/ygot/proto/ywrapper"
)

// newServer serves s on an in-memory listener, and returns the option that
// dials it.
func newServer(t *testing.T, s spb.GRIBIServer) RemoteOpt {
	t.Helper()
	l := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	spb.RegisterGRIBIServer(srv, s)
	go srv.Serve(l)
	t.Cleanup(srv.Stop)
	return WithDialOptions(grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return l.DialContext(ctx)
	}))
}

// sourceRIB returns a RIB with routes in both families of the default table,
// and the interface eth0.
func sourceRIB(t *testing.T) *rib.RIB {
	t.Helper()
	f := rib.NewFake(rib.WithMultipath())
	if _, err := f.InjectInterface("eth0", 2); err != nil {
		t.Fatalf("cannot add interface, %v", err)
	}
	for _, rt := range []struct{ pfx, gw string }{
		{"10.0.0.0/24", ""},
		{"192.0.2.0/24", "10.0.0.2"},
		{"2001:db8::/32", "fe80::1"},
	} {
		if err := f.InjectRoute(0, rt.pfx, rt.gw, "eth0"); err != nil {
			t.Fatalf("cannot inject %s, %v", rt.pfx, err)
		}
	}
	if err := f.InjectMultipath(0, "198.51.100.0/24", []string{"10.0.0.2", "10.0.0.3"}, "eth0"); err != nil {
		t.Fatalf("cannot inject multipath route, %v", err)
	}
	return f.RIB()
}

type badGRIBI struct {
	spb.UnimplementedGRIBIServer
}

func (b *badGRIBI) Get(_ *spb.GetRequest, _ spb.GRIBI_GetServer) error {
	return status.Errorf(codes.Unimplemented, "RPC unimplemented")
}

// fakeGRIBI returns a fixed response to Get.
type fakeGRIBI struct {
	spb.UnimplementedGRIBIServer
	resp *spb.GetResponse
}

func (f *fakeGRIBI) Get(_ *spb.GetRequest, stream spb.GRIBI_GetServer) error {
	return stream.Send(f.resp)
}

func nhEntry(ni string, index uint64, addr, intf string) *spb.AFTEntry {
	nh := &aftpb.Afts_NextHop{}
	if addr != "" {
		nh.IpAddress = &wpb.StringValue{Value: addr}
	}
	if intf != "" {
		nh.InterfaceRef = &aftpb.Afts_NextHop_InterfaceRef{Interface: &wpb.StringValue{Value: intf}}
	}
	return &spb.AFTEntry{
		NetworkInstance: ni,
		Entry:           &spb.AFTEntry_NextHop{NextHop: &aftpb.Afts_NextHopKey{Index: index, NextHop: nh}},
	}
}

func nhgEntry(ni string, id uint64, nhs ...uint64) *spb.AFTEntry {
	g := &aftpb.Afts_NextHopGroup{}
	for _, n := range nhs {
		g.NextHop = append(g.NextHop, &aftpb.Afts_NextHopGroup_NextHopKey{
			Index:   n,
			NextHop: &aftpb.Afts_NextHopGroup_NextHop{Weight: &wpb.UintValue{Value: 1}},
		})
	}
	return &spb.AFTEntry{
		NetworkInstance: ni,
		Entry:           &spb.AFTEntry_NextHopGroup{NextHopGroup: &aftpb.Afts_NextHopGroupKey{Id: id, NextHopGroup: g}},
	}
}

func ipv4Entry(ni, pfx string, nhg uint64) *spb.AFTEntry {
	return &spb.AFTEntry{
		NetworkInstance: ni,
		Entry: &spb.AFTEntry_Ipv4{Ipv4: &aftpb.Afts_Ipv4EntryKey{
			Prefix:    pfx,
			Ipv4Entry: &aftpb.Afts_Ipv4Entry{NextHopGroup: &wpb.UintValue{Value: nhg}},
		}},
	}
}

func TestNewRemoteTable(t *testing.T) {
	tests := []struct {
		desc    string
		inLocal bool
		inAddr  string
		wantErr bool
	}{{
		desc:    "successful dial",
		inLocal: true,
		inAddr:  "bufnet",
	}, {
		desc:    "unsuccessful dial",
		inAddr:  "invalid.addr:999999",
		wantErr: true,
	}}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
			defer cancel()

			var opts []RemoteOpt
			if tt.inLocal {
				opts = append(opts, newServer(t, server.New(rib.New())))
			}
			rt, err := NewRemoteTable(ctx, tt.inAddr, constants.IPv4, 0, opts...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewRemoteTable(ctx, %s): did not get expected error, got: %v, wantErr? %v", tt.inAddr, err, tt.wantErr)
			}
			if err == nil {
				rt.CleanUp()
			}
		})
	}
}

func TestRemoteGet(t *testing.T) {
	dn := constants.DefaultNetworkInstance
	ifs := iface.NewDirectory()
	if err := ifs.Add(iface.New("eth0", 2)); err != nil {
		t.Fatalf("cannot add interface, %v", err)
	}

	tests := []struct {
		desc string
		// inServer returns the server the table is retrieved from, and the
		// interfaces that its next-hops use.
		inServer func(*testing.T) (spb.GRIBIServer, *iface.Directory)
		inFam    constants.Family
		// wantRoutes maps each expected prefix to its gateways.
		wantRoutes map[string][]string
		wantErr    bool
	}{{
		desc: "cannot get table",
		inServer: func(*testing.T) (spb.GRIBIServer, *iface.Directory) {
			return &badGRIBI{}, ifs
		},
		inFam:   constants.IPv4,
		wantErr: true,
	}, {
		desc: "ipv4 table of server",
		inServer: func(t *testing.T) (spb.GRIBIServer, *iface.Directory) {
			r := sourceRIB(t)
			return server.New(r), r.Interfaces()
		},
		inFam: constants.IPv4,
		wantRoutes: map[string][]string{
			"10.0.0.0/24":     {""},
			"192.0.2.0/24":    {"10.0.0.2"},
			"198.51.100.0/24": {"10.0.0.2", "10.0.0.3"},
		},
	}, {
		desc: "ipv6 table of server",
		inServer: func(t *testing.T) (spb.GRIBIServer, *iface.Directory) {
			r := sourceRIB(t)
			return server.New(r), r.Interfaces()
		},
		inFam: constants.IPv6,
		wantRoutes: map[string][]string{
			"2001:db8::/32": {"fe80::1"},
		},
	}, {
		desc: "gateway resolved through remote route",
		inServer: func(*testing.T) (spb.GRIBIServer, *iface.Directory) {
			return &fakeGRIBI{resp: &spb.GetResponse{Entry: []*spb.AFTEntry{
				nhEntry(dn, 1, "198.51.100.2", ""),
				nhEntry(dn, 2, "", "eth0"),
				nhgEntry(dn, 1, 1),
				nhgEntry(dn, 2, 2),
				ipv4Entry(dn, "192.0.2.0/24", 1),
				ipv4Entry(dn, "198.51.100.0/24", 2),
			}}}, ifs
		},
		inFam: constants.IPv4,
		wantRoutes: map[string][]string{
			"192.0.2.0/24":    {"198.51.100.2"},
			"198.51.100.0/24": {""},
		},
	}, {
		desc: "invalid references skipped",
		inServer: func(*testing.T) (spb.GRIBIServer, *iface.Directory) {
			return &fakeGRIBI{resp: &spb.GetResponse{Entry: []*spb.AFTEntry{
				nhEntry(dn, 1, "", "eth0"),
				nhEntry(dn, 2, "", "eth9"),
				nhEntry(dn, 3, "203.0.113.1", ""),
				nhgEntry(dn, 1, 1),
				nhgEntry(dn, 2, 2),
				nhgEntry(dn, 3, 3),
				nhgEntry(dn, 4, 7),
				ipv4Entry(dn, "10.0.0.0/24", 1),
				ipv4Entry(dn, "10.1.0.0/24", 2),
				ipv4Entry(dn, "10.2.0.0/24", 3),
				ipv4Entry(dn, "10.3.0.0/24", 4),
				ipv4Entry(dn, "10.4.0.0/24", 9),
				ipv4Entry("FIB-1", "10.5.0.0/24", 1),
			}}}, ifs
		},
		inFam: constants.IPv4,
		wantRoutes: map[string][]string{
			"10.0.0.0/24": {""},
		},
	}}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			s, d := tt.inServer(t)
			rt, err := NewRemoteTable(ctx, "bufnet", tt.inFam, 0, newServer(t, s), WithInterfaces(d))
			if err != nil {
				t.Fatalf("NewRemoteTable(): cannot connect, got err: %v", err)
			}
			defer rt.CleanUp()

			got, err := rt.Get(ctx)
			if (err != nil) != tt.wantErr {
				t.Fatalf("(*RemoteTable).Get(ctx): did not get expected err, got: %v, wantErr? %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if got.Family() != tt.inFam {
				t.Fatalf("(*RemoteTable).Get(ctx): did not get expected family, got: %s, want: %s", got.Family(), tt.inFam)
			}
			if got.Len() != len(tt.wantRoutes) {
				t.Errorf("(*RemoteTable).Get(ctx): did not get expected number of routes, got: %v, want: %d", got.Routes(), len(tt.wantRoutes))
			}
			for pfx, gws := range tt.wantRoutes {
				chk.HasRoute(t, got, pfx, gws...)
			}
		})
	}
}

func TestReconcileFromRemote(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	src := sourceRIB(t)
	rt, err := NewRemoteTable(ctx, "bufnet", constants.IPv4, 0, newServer(t, server.New(src)), WithInterfaces(src.Interfaces()))
	if err != nil {
		t.Fatalf("NewRemoteTable(): cannot connect, got err: %v", err)
	}
	defer rt.CleanUp()

	dst := rib.New(rib.WithMultipath(), rib.WithInterfaces(src.Interfaces()))
	dt, ok := dst.Table(constants.IPv4, 0)
	if !ok {
		t.Fatalf("no table 0")
	}

	r := New(rt, NewLocalTable(dt))
	n, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile(): got unexpected error, %v", err)
	}
	// One operation per path of the three routes.
	if n != 4 {
		t.Errorf("Reconcile(): did not get expected number of operations, got: %d, want: 4", n)
	}
	st, _ := src.Table(constants.IPv4, 0)
	ops, err := Diff(st, dt)
	if err != nil {
		t.Fatalf("Diff(): got unexpected error, %v", err)
	}
	if len(ops) != 0 {
		t.Fatalf("Diff(): source and reconciled tables differ, got: %v", ops)
	}

	// A second reconciliation has nothing to do.
	if n, err := r.Reconcile(ctx); err != nil || n != 0 {
		t.Fatalf("Reconcile(): did not get expected result, got: %d, %v, want: 0, nil", n, err)
	}
}

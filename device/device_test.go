package device

import (
	"context"
	"io"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	gpb "github.com/openconfig/gnmi/proto/gnmi"
	aftpb "github.com/openconfig/gribi/v1/proto/gribi_aft"
	spb "github.com/openconfig/gribi/v1/proto/service"
	wpb "github.com/openconfig/ygot/proto/ywrapper"
	"github.com/openconfig/ygot/ygot"

	"github.com/openconfig/fibgo/chk"
	"github.com/openconfig/fibgo/config"
	"github.com/openconfig/fibgo/constants"
	"github.com/openconfig/fibgo/rib"
	"github.com/openconfig/fibgo/server"
)

const testConfig = `
fibs: 2
multipath: true
interfaces:
- name: lo0
  index: 1
  loopback: true
  addresses: [192.0.2.1/32]
- name: eth0
  index: 2
  addresses: [10.0.0.1/24]
- name: eth1
  index: 3
  fib: 1
  families: [ipv4]
  addresses: [10.1.0.1/24]
routes:
- prefix: 0.0.0.0/0
  gateways: [10.0.0.254]
  interface: eth0
- prefix: 198.51.100.0/24
  gateways: [10.0.0.2, 10.0.0.3]
  interface: eth0
- prefix: 203.0.113.0/24
  fib: 1
  gateways: [10.1.0.2]
  interface: eth1
`

func mustConfig(t *testing.T, s string) *config.Config {
	t.Helper()
	c, err := config.Parse([]byte(s))
	if err != nil {
		t.Fatalf("cannot parse configuration, %v", err)
	}
	return c
}

func mustPrefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	if err != nil {
		t.Fatalf("cannot parse prefix %s, %v", s, err)
	}
	return p
}

func mustTable(t *testing.T, r *rib.RIB, fib uint32) *rib.Table {
	t.Helper()
	tbl, ok := r.Table(constants.IPv4, fib)
	if !ok {
		t.Fatalf("no IPv4 table %d", fib)
	}
	return tbl
}

func TestNew(t *testing.T) {
	reg := prometheus.NewRegistry()
	d, stop, err := New(context.Background(), DeviceConfig(mustConfig(t, testConfig)), WithRegisterer(reg))
	if err != nil {
		t.Fatalf("cannot start device, %v", err)
	}
	defer stop()

	if got := d.GNMIAddr(); got != "" {
		t.Errorf("did not get expected gNMI address, got: %s, want: disabled", got)
	}

	t0 := mustTable(t, d.RIB(), 0)
	chk.HasRoute(t, t0, "10.0.0.0/24", "")
	chk.HasRoute(t, t0, "10.0.0.1/32", "")
	chk.HasRoute(t, t0, "192.0.2.1/32", "")
	chk.HasRoute(t, t0, "0.0.0.0/0", "10.0.0.254")
	chk.HasRoute(t, t0, "198.51.100.0/24", "10.0.0.2", "10.0.0.3")
	chk.HasNoRoute(t, t0, "10.1.0.0/24")

	t1 := mustTable(t, d.RIB(), 1)
	chk.HasRoute(t, t1, "10.1.0.0/24", "")
	chk.HasRoute(t, t1, "10.1.0.1/32", "")
	chk.HasRoute(t, t1, "203.0.113.0/24", "10.1.0.2")
	chk.HasNoRoute(t, t1, "0.0.0.0/0")

	if r, ok := t0.Get(mustPrefix(t, "10.0.0.1/32")); !ok || !r.Flags().Has(rib.LoopbackFlags) {
		t.Errorf("local route does not have expected flags, got: %v, want: %s", r, rib.LoopbackFlags)
	}

	if d.Journal().LastID() == 0 || len(d.Journal().Since(0)) == 0 {
		t.Errorf("journal did not record any operations, got last ID: %d", d.Journal().LastID())
	}

	// 5 routes in table 0, 3 in table 1.
	if got, want := d.metrics.Routes(constants.IPv4, 0), 5.0; got != want {
		t.Errorf("did not get expected route count for table 0, got: %v, want: %v", got, want)
	}
	if got, want := d.metrics.Routes(constants.IPv4, 1), 3.0; got != want {
		t.Errorf("did not get expected route count for table 1, got: %v, want: %v", got, want)
	}
}

func TestNewPropagate(t *testing.T) {
	cfg := mustConfig(t, testConfig)
	cfg.PropagateAllTables = true
	d, stop, err := New(context.Background(), DeviceConfig(cfg))
	if err != nil {
		t.Fatalf("cannot start device, %v", err)
	}
	defer stop()

	// Interface routes are installed in every table.
	for _, fib := range []uint32{0, 1} {
		tbl := mustTable(t, d.RIB(), fib)
		chk.HasRoute(t, tbl, "10.0.0.0/24", "")
		chk.HasRoute(t, tbl, "10.1.0.0/24", "")
	}
}

func TestNewErrors(t *testing.T) {
	tests := []struct {
		desc     string
		inConfig string
		wantErr  string
	}{{
		desc: "duplicate static route",
		inConfig: `
interfaces:
- {name: eth0, index: 2, addresses: [10.0.0.1/24]}
routes:
- {prefix: 0.0.0.0/0, gateways: [10.0.0.254], interface: eth0}
- {prefix: 0.0.0.0/0, gateways: [10.0.0.253], interface: eth0}
`,
		wantErr: "AlreadyExists",
	}, {
		desc: "static route duplicates interface route",
		inConfig: `
interfaces:
- {name: eth0, index: 2, addresses: [10.0.0.1/24]}
routes:
- {prefix: 10.0.0.0/24, gateways: [10.0.0.254], interface: eth0}
`,
		wantErr: "AlreadyExists",
	}}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			_, _, err := New(context.Background(), DeviceConfig(mustConfig(t, tt.inConfig)))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("did not get expected error, got: %v, want: %s", err, tt.wantErr)
			}
		})
	}
}

func TestDefault(t *testing.T) {
	d, stop, err := New(context.Background())
	if err != nil {
		t.Fatalf("cannot start device, %v", err)
	}
	defer stop()
	if got, want := d.RIB().NumFIBs(), uint32(1); got != want {
		t.Errorf("did not get expected number of tables, got: %d, want: %d", got, want)
	}
	if got := mustTable(t, d.RIB(), 0).Len(); got != 0 {
		t.Errorf("default device has unexpected routes, got: %d, want: 0", got)
	}
}

func TestDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, stop, err := New(context.Background(), WithRegisterer(reg))
	if err != nil {
		t.Fatalf("cannot start device, %v", err)
	}
	defer stop()
	if _, _, err := New(context.Background(), WithRegisterer(reg)); err == nil {
		t.Fatalf("did not get expected error registering metrics twice, got: nil")
	}
}

func TestGNMI(t *testing.T) {
	d, stop, err := New(context.Background(), DeviceConfig(mustConfig(t, testConfig)), GNMIAddr("localhost", 0))
	if err != nil {
		t.Fatalf("cannot start device, %v", err)
	}
	defer stop()
	if d.GNMIAddr() == "" {
		t.Fatalf("gNMI server was not started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := grpc.DialContext(ctx, d.GNMIAddr(), grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithBlock())
	if err != nil {
		t.Fatalf("cannot dial gNMI server, %v", err)
	}
	defer conn.Close()

	subc, err := gpb.NewGNMIClient(conn).Subscribe(ctx)
	if err != nil {
		t.Fatalf("cannot subscribe, %v", err)
	}
	p, err := ygot.StringToStructuredPath("/network-instances/network-instance[name=DEFAULT]/afts/ipv4-unicast/ipv4-entry[prefix=0.0.0.0/0]/state/prefix")
	if err != nil {
		t.Fatalf("cannot parse path, %v", err)
	}
	if err := subc.Send(&gpb.SubscribeRequest{
		Request: &gpb.SubscribeRequest_Subscribe{
			Subscribe: &gpb.SubscriptionList{
				Prefix:       &gpb.Path{Target: config.DefaultTarget},
				Mode:         gpb.SubscriptionList_ONCE,
				Subscription: []*gpb.Subscription{{Path: p}},
			},
		},
	}); err != nil {
		t.Fatalf("cannot send subscription, %v", err)
	}

	var got []string
	for {
		resp, err := subc.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("cannot receive from gNMI server, %v", err)
		}
		if _, ok := resp.Response.(*gpb.SubscribeResponse_SyncResponse); ok {
			break
		}
		for _, u := range resp.GetUpdate().GetUpdate() {
			got = append(got, u.GetVal().GetStringVal())
		}
	}
	if len(got) != 1 || got[0] != "0.0.0.0/0" {
		t.Fatalf("did not get expected prefix, got: %v, want: [0.0.0.0/0]", got)
	}
}

func TestGRIBI(t *testing.T) {
	d, stop, err := New(context.Background(), DeviceConfig(mustConfig(t, testConfig)), GRIBIPort("localhost", 0))
	if err != nil {
		t.Fatalf("cannot start device, %v", err)
	}
	defer stop()
	if d.GRIBIAddr() == "" {
		t.Fatalf("gRIBI server was not started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := grpc.DialContext(ctx, d.GRIBIAddr(), grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithBlock())
	if err != nil {
		t.Fatalf("cannot dial gRIBI server, %v", err)
	}
	defer conn.Close()

	stream, err := spb.NewGRIBIClient(conn).Modify(ctx)
	if err != nil {
		t.Fatalf("cannot open Modify stream, %v", err)
	}
	if err := stream.Send(&spb.ModifyRequest{Params: &spb.SessionParameters{Persistence: spb.SessionParameters_PRESERVE}}); err != nil {
		t.Fatalf("cannot send session parameters, %v", err)
	}
	if _, err := stream.Recv(); err != nil {
		t.Fatalf("did not receive session parameters result, %v", err)
	}

	ni := constants.DefaultNetworkInstance
	ops := []*spb.AFTOperation{{
		Id:              1,
		NetworkInstance: ni,
		Op:              spb.AFTOperation_ADD,
		Entry: &spb.AFTOperation_NextHop{NextHop: &aftpb.Afts_NextHopKey{
			Index:   1,
			NextHop: &aftpb.Afts_NextHop{IpAddress: &wpb.StringValue{Value: "10.0.0.5"}},
		}},
	}, {
		Id:              2,
		NetworkInstance: ni,
		Op:              spb.AFTOperation_ADD,
		Entry: &spb.AFTOperation_NextHopGroup{NextHopGroup: &aftpb.Afts_NextHopGroupKey{
			Id: 1,
			NextHopGroup: &aftpb.Afts_NextHopGroup{NextHop: []*aftpb.Afts_NextHopGroup_NextHopKey{{
				Index: 1,
			}}},
		}},
	}, {
		Id:              3,
		NetworkInstance: ni,
		Op:              spb.AFTOperation_ADD,
		Entry: &spb.AFTOperation_Ipv4{Ipv4: &aftpb.Afts_Ipv4EntryKey{
			Prefix:    "100.64.0.0/10",
			Ipv4Entry: &aftpb.Afts_Ipv4Entry{NextHopGroup: &wpb.UintValue{Value: 1}},
		}},
	}}
	if err := stream.Send(&spb.ModifyRequest{Operation: ops}); err != nil {
		t.Fatalf("cannot send operations, %v", err)
	}
	resp, err := stream.Recv()
	if err != nil {
		t.Fatalf("did not receive results, %v", err)
	}
	for _, r := range resp.GetResult() {
		if r.GetStatus() != spb.AFTResult_RIB_PROGRAMMED {
			t.Fatalf("did not get expected result, got: %s, want: RIB_PROGRAMMED", r)
		}
	}

	t0 := mustTable(t, d.RIB(), 0)
	chk.HasRoute(t, t0, "100.64.0.0/10", "10.0.0.5")
	if r, _ := t0.Get(mustPrefix(t, "100.64.0.0/10")); !r.Flags().Has(server.RouteFlags) {
		t.Errorf("route %s does not have expected flags, want: %s", r, server.RouteFlags)
	}
}

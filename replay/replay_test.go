package replay

import (
	"bytes"
	"context"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/testing/protocmp"

	"github.com/openconfig/fibgo/chk"
	"github.com/openconfig/fibgo/constants"
	"github.com/openconfig/fibgo/iface"
	"github.com/openconfig/fibgo/notify"
	"github.com/openconfig/fibgo/rib"
	"github.com/openconfig/fibgo/server"

	spb "github.com/openconfig/gribi/v1/proto/service"
)

// newRIB returns a RIB with a single interface, eth0.
func newRIB(t *testing.T) (*rib.RIB, *iface.Interface) {
	t.Helper()
	d := iface.NewDirectory()
	eth0 := iface.New("eth0", 2)
	if err := d.Add(eth0); err != nil {
		t.Fatalf("cannot add interface, %v", err)
	}
	return rib.New(rib.WithInterfaces(d)), eth0
}

// journal returns the operations that describe a connected route for
// 10.0.0.0/24 and a route for 192.0.2.0/24 via 10.0.0.2.
func journal(t *testing.T) []*spb.AFTOperation {
	t.Helper()
	r, eth0 := newRIB(t)
	j := notify.NewJournal(0)
	r.SetHook(j.Hook())

	for _, rt := range []struct {
		pfx, gw string
	}{{"10.0.0.0/24", ""}, {"192.0.2.0/24", "10.0.0.2"}} {
		p := netip.MustParsePrefix(rt.pfx)
		req := &rib.Request{Dst: p.Addr(), Netmask: rib.Netmask(p), Interface: eth0}
		if rt.gw != "" {
			req.Gateway = netip.MustParseAddr(rt.gw)
		}
		if _, err := r.Action(0, constants.ADD, req); err != nil {
			t.Fatalf("cannot add route %s, %v", rt.pfx, err)
		}
	}
	ops := j.Since(0)
	if len(ops) == 0 {
		t.Fatalf("journal is empty")
	}
	return ops
}

func TestReadWrite(t *testing.T) {
	ops := journal(t)
	var buf bytes.Buffer
	if err := Write(&buf, ops); err != nil {
		t.Fatalf("cannot write operations, %v", err)
	}
	if got, want := strings.Count(buf.String(), "\n"), len(ops); got != want {
		t.Fatalf("did not get one line per operation, got: %d, want: %d", got, want)
	}

	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("cannot read operations, %v", err)
	}
	if diff := cmp.Diff(got, ops, protocmp.Transform()); diff != "" {
		t.Fatalf("did not get expected operations, diff(-got,+want):\n%s", diff)
	}
}

func TestReadErrors(t *testing.T) {
	if _, err := Read(strings.NewReader("id: 1\nnot a proto\n")); err == nil {
		t.Fatalf("did not get expected error for invalid entry, got: nil")
	}
	got, err := Read(strings.NewReader("\nid: 1\n\n"))
	if err != nil {
		t.Fatalf("cannot read operations, %v", err)
	}
	if len(got) != 1 || got[0].GetId() != 1 {
		t.Fatalf("did not get expected operations, got: %v, want: [id: 1]", got)
	}
}

func TestBatches(t *testing.T) {
	ops := []*spb.AFTOperation{{Id: 1}, {Id: 2}, {Id: 3}, {Id: 4}, {Id: 5}}
	tests := []struct {
		desc   string
		inOps  []*spb.AFTOperation
		inSize int
		want   [][]uint64
	}{{
		desc:   "even split",
		inOps:  ops[:4],
		inSize: 2,
		want:   [][]uint64{{1, 2}, {3, 4}},
	}, {
		desc:   "remainder",
		inOps:  ops,
		inSize: 2,
		want:   [][]uint64{{1, 2}, {3, 4}, {5}},
	}, {
		desc:   "single request",
		inOps:  ops,
		inSize: 0,
		want:   [][]uint64{{1, 2, 3, 4, 5}},
	}, {
		desc:   "no operations",
		inSize: 2,
	}}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			var got [][]uint64
			for _, req := range Batches(tt.inOps, tt.inSize) {
				var ids []uint64
				for _, op := range req.GetOperation() {
					ids = append(ids, op.GetId())
				}
				got = append(got, ids)
			}
			if diff := cmp.Diff(got, tt.want); diff != "" {
				t.Fatalf("did not get expected batches, diff(-got,+want):\n%s", diff)
			}
		})
	}
}

func TestDo(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dst, _ := newRIB(t)
	l := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	spb.RegisterGRIBIServer(srv, server.New(dst))
	go srv.Serve(l)
	defer srv.Stop()

	conn, err := grpc.Dial("bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return l.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("cannot dial server, %v", err)
	}
	defer conn.Close()

	ops := journal(t)
	res, err := Do(ctx, spb.NewGRIBIClient(conn), Batches(ops, 2),
		&spb.SessionParameters{Persistence: spb.SessionParameters_PRESERVE}, time.Millisecond)
	if err != nil {
		t.Fatalf("cannot replay operations, %v", err)
	}
	if len(res) != len(ops) {
		t.Fatalf("did not get expected number of results, got: %d, want: %d", len(res), len(ops))
	}
	for _, r := range res {
		if r.GetStatus() != spb.AFTResult_RIB_PROGRAMMED {
			t.Fatalf("did not get expected result, got: %s, want: RIB_PROGRAMMED", r)
		}
	}

	tbl, _ := dst.Table(constants.IPv4, 0)
	chk.HasRoute(t, tbl, "10.0.0.0/24", "")
	chk.HasRoute(t, tbl, "192.0.2.0/24", "10.0.0.2")
}

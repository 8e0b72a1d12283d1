package device

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/benbjohnson/clock"
	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/openconfig/fibgo/config"
	"github.com/openconfig/fibgo/constants"
	"github.com/openconfig/fibgo/gnmit"
	"github.com/openconfig/fibgo/iface"
	"github.com/openconfig/fibgo/nexthop"
	"github.com/openconfig/fibgo/notify"
	"github.com/openconfig/fibgo/rib"
	"github.com/openconfig/fibgo/server"

	spb "github.com/openconfig/gribi/v1/proto/service"
)

// Device is a wrapper struct that contains a fake router: its interfaces, the
// tables of its RIB and the consumers of the changes made to them.
type Device struct {
	// cfg is the configuration that the device was built from.
	cfg *config.Config
	// rib is the RIB that is being programmed.
	rib *rib.RIB

	// fanout delivers every change to the consumers below.
	fanout *notify.Fanout
	// journal retains the changes as gRIBI AFT operations.
	journal *notify.Journal
	// metrics is nil when no registerer was supplied.
	metrics *notify.Metrics

	// gribiAddr is the address that the server is listening on
	// for gRIBI.
	gribiAddr string
	// gribiSrv is the gRPC server carrying the gRIBI service, nil when
	// gRIBI is disabled.
	gribiSrv *grpc.Server

	// gnmiAddr is the address that the server is listening on
	// for gNMI.
	gnmiAddr string
	// gnmiSrv is the gNMI collector implementation, nil when gNMI is
	// disabled.
	gnmiSrv *gnmit.Collector
}

// DevOpt is an interface that is implemented by options that can be handed to New()
// for the device.
type DevOpt interface {
	isDevOpt()
}

// gRIBIAddr is the internal implementation that specifies the port that gRIBI should
// listen on.
type gRIBIAddr struct {
	host string
	port int
}

// isDevOpt implements the DevOpt interface.
func (*gRIBIAddr) isDevOpt() {}

// GRIBIPort specifies the host and port that the gRIBI server should listen on.
// It overrides the address in the device configuration.
func GRIBIPort(host string, i int) *gRIBIAddr {
	return &gRIBIAddr{host: host, port: i}
}

// gNMIAddr is the internal implementation that specifies the port that gNMI should
// listen on.
type gNMIAddr struct {
	host string
	port int
}

// isDevOpt implements the DevOpt interface.
func (*gNMIAddr) isDevOpt() {}

// GNMIAddr specifies the host and port that the gNMI server should listen on. It
// overrides the address in the device configuration.
func GNMIAddr(host string, i int) *gNMIAddr {
	return &gNMIAddr{host: host, port: i}
}

// deviceConfig is a wrapper for the startup configuration of the device.
type deviceConfig struct {
	cfg *config.Config
}

// isDevOpt marks deviceConfig as a device option.
func (*deviceConfig) isDevOpt() {}

// DeviceConfig sets the startup config of the device to c.
// Today we do not allow the configuration to be changed in flight.
func DeviceConfig(c *config.Config) *deviceConfig {
	return &deviceConfig{cfg: c}
}

// registerer specifies where the metrics of the device are registered.
type registerer struct {
	reg prometheus.Registerer
}

// isDevOpt implements the DevOpt interface.
func (*registerer) isDevOpt() {}

// WithRegisterer specifies that the device exports its metrics to reg.
func WithRegisterer(reg prometheus.Registerer) *registerer {
	return &registerer{reg: reg}
}

// clockOpt specifies the clock used for route expiry.
type clockOpt struct {
	c clock.Clock
}

// isDevOpt implements the DevOpt interface.
func (*clockOpt) isDevOpt() {}

// WithClock specifies the clock used by the RIB of the device.
func WithClock(c clock.Clock) *clockOpt {
	return &clockOpt{c: c}
}

// TLSCred carries the TLS credentials of the gNMI and gRIBI servers.
type TLSCred struct {
	C credentials.TransportCredentials
}

// isDevOpt implements the DevOpt interface.
func (*TLSCred) isDevOpt() {}

// TLSCredsFromFile loads the credentials from the specified cert and key file
// and returns them such that they can be used for the gNMI and gRIBI servers.
func TLSCredsFromFile(certFile, keyFile string) (*TLSCred, error) {
	t, err := credentials.NewServerTLSFromFile(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &TLSCred{C: t}, nil
}

// New returns a new device with the specific context. It returns the device, a function
// to stop the servers, or any errors that are encountered.
func New(ctx context.Context, opts ...DevOpt) (*Device, func(), error) {
	var cancel func()
	ctx, cancel = context.WithCancel(ctx)

	cfg := optDeviceCfg(opts)
	if cfg == nil {
		var err error
		if cfg, err = config.Parse(nil); err != nil {
			cancel()
			return nil, nil, fmt.Errorf("cannot build default configuration, %v", err)
		}
	}
	d := &Device{
		cfg:     cfg,
		fanout:  notify.NewFanout(),
		journal: notify.NewJournal(cfg.JournalSize),
	}

	dir, err := interfaces(cfg)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	settings := rib.NewSettings()
	settings.SetPropagateAllTables(cfg.PropagateAllTables)
	ribOpts := []rib.RIBOpt{
		rib.WithFIBs(cfg.FIBs),
		rib.WithInterfaces(dir),
		rib.WithSettings(settings),
		rib.WithNexthopLimit(cfg.NexthopLimit),
	}
	if cfg.Multipath {
		ribOpts = append(ribOpts, rib.WithMultipath())
	}
	if c := optClock(opts); c != nil {
		ribOpts = append(ribOpts, rib.WithClock(c))
	}
	d.rib = rib.New(ribOpts...)

	d.fanout.Subscribe(d.journal.Hook())
	if reg := optRegisterer(opts); reg != nil {
		if d.metrics, err = notify.NewMetrics(reg); err != nil {
			cancel()
			return nil, nil, fmt.Errorf("cannot register metrics, %v", err)
		}
		d.fanout.Subscribe(d.metrics.Hook())
	}

	var srvOpts []grpc.ServerOption
	if c := optTLSCreds(opts); c != nil {
		srvOpts = append(srvOpts, grpc.Creds(c.C))
	}
	if addr := optGNMIAddr(cfg, opts); addr != "" {
		if err := d.startgNMI(ctx, addr, srvOpts...); err != nil {
			cancel()
			return nil, nil, fmt.Errorf("cannot start gNMI server, %v", err)
		}
		d.fanout.Subscribe(d.gnmiSrv.Hook())
	}
	d.rib.SetHook(d.fanout.Hook())

	if err := d.installInterfaceRoutes(); err != nil {
		cancel()
		return nil, nil, err
	}
	if err := d.installStaticRoutes(); err != nil {
		cancel()
		return nil, nil, err
	}
	if d.gnmiSrv != nil {
		if err := d.gnmiSrv.Sync(); err != nil {
			cancel()
			return nil, nil, fmt.Errorf("cannot sync gNMI server, %v", err)
		}
	}

	stop := d.stopper(cancel)
	if addr := optGRIBIAddr(cfg, opts); addr != "" {
		if err := d.startgRIBI(addr, srvOpts...); err != nil {
			stop()
			return nil, nil, fmt.Errorf("cannot start gRIBI server, %v", err)
		}
	}
	return d, stop, nil
}

// stopper returns a function that stops the servers of d and cancels its
// context.
func (d *Device) stopper(cancel func()) func() {
	return func() {
		if d.gribiSrv != nil {
			d.gribiSrv.Stop()
		}
		if d.gnmiSrv != nil {
			d.gnmiSrv.Stop()
		}
		cancel()
	}
}

// interfaces builds the interface directory described by cfg.
func interfaces(cfg *config.Config) (*iface.Directory, error) {
	dir := iface.NewDirectory()
	for _, ic := range cfg.Interfaces {
		opts := []iface.Opt{iface.WithFIB(ic.FIB)}
		if ic.Loopback {
			opts = append(opts, iface.Loopback())
		}
		if len(ic.Families) != 0 {
			fams := []constants.Family{}
			for _, s := range ic.Families {
				f, err := config.ParseFamily(s)
				if err != nil {
					return nil, fmt.Errorf("interface %s: %v", ic.Name, err)
				}
				fams = append(fams, f)
			}
			opts = append(opts, iface.WithFamilies(fams...))
		}
		if err := dir.Add(iface.New(ic.Name, ic.Index, opts...)); err != nil {
			return nil, fmt.Errorf("cannot add interface, %v", err)
		}
	}
	return dir, nil
}

// installInterfaceRoutes installs the subnet route for each configured interface
// address, along with the host route that delivers traffic for the address
// locally.
func (d *Device) installInterfaceRoutes() error {
	dir := d.rib.Interfaces()
	for _, ic := range d.cfg.Interfaces {
		i, ok := dir.ByName(ic.Name)
		if !ok {
			return fmt.Errorf("interface %s was not created", ic.Name)
		}
		for _, s := range ic.Addresses {
			a, err := iface.NewAddr(s, i)
			if err != nil {
				return err
			}
			p := a.Prefix.Masked()
			req := &rib.Request{
				Dst:       p.Addr(),
				Netmask:   rib.Netmask(p),
				Interface: i,
				Source:    a.Address(),
				Flags:     nexthop.Pinned,
			}
			if err := d.rib.HandleIfaddrInfo(i.FIB(), constants.ADD, req); err != nil && !rib.IsDuplicatePrefix(err) {
				return fmt.Errorf("cannot install interface route %s on %s, %v", p, i.Name(), err)
			}
			if dir.Loopback() == nil {
				log.Warningf("no loopback interface, not installing local route for %s", a.Address())
				continue
			}
			if err := d.rib.AddLoopbackRoute(a); err != nil {
				return fmt.Errorf("cannot install local route for %s, %v", a.Address(), err)
			}
		}
	}
	return nil
}

// installStaticRoutes installs the static routes in the configuration. Each
// gateway of a route is added as a separate path.
func (d *Device) installStaticRoutes() error {
	dir := d.rib.Interfaces()
	for _, rc := range d.cfg.Routes {
		p, err := netip.ParsePrefix(rc.Prefix)
		if err != nil {
			return fmt.Errorf("invalid static route prefix %s, %v", rc.Prefix, err)
		}
		base := rib.Request{
			Dst:     p.Addr(),
			Netmask: rib.Netmask(p),
			Weight:  rc.Weight,
			Flags:   nexthop.Static,
		}
		if rc.Pinned {
			base.Flags |= nexthop.Pinned
		}
		i, ok := dir.ByName(rc.Interface)
		if !ok {
			return fmt.Errorf("static route %s uses unknown interface %q", rc.Prefix, rc.Interface)
		}
		base.Interface = i

		gws := rc.Gateways
		if len(gws) == 0 {
			gws = []string{""}
		}
		for _, gw := range gws {
			req := base
			if gw != "" {
				if req.Gateway, err = netip.ParseAddr(gw); err != nil {
					return fmt.Errorf("invalid gateway %s for %s, %v", gw, rc.Prefix, err)
				}
			}
			req.Append = len(gws) > 1
			if _, err := d.rib.Action(rc.FIB, constants.ADD, &req); err != nil {
				return fmt.Errorf("cannot install static route %s via %q, %v", rc.Prefix, gw, err)
			}
		}
	}
	return nil
}

// optGNMIAddr returns the address that gNMI should listen on. The GNMIAddr
// option takes precedence over the configuration, an empty address disables
// gNMI.
func optGNMIAddr(cfg *config.Config, opts []DevOpt) string {
	for _, o := range opts {
		if v, ok := o.(*gNMIAddr); ok {
			return fmt.Sprintf("%s:%d", v.host, v.port)
		}
	}
	return cfg.GNMIAddr
}

// optGRIBIAddr returns the address that gRIBI should listen on. The GRIBIPort
// option takes precedence over the configuration, an empty address disables
// gRIBI.
func optGRIBIAddr(cfg *config.Config, opts []DevOpt) string {
	for _, o := range opts {
		if v, ok := o.(*gRIBIAddr); ok {
			return fmt.Sprintf("%s:%d", v.host, v.port)
		}
	}
	return cfg.GRIBIAddr
}

// optDeviceCfg finds the first occurrence of the DeviceConfig option in opts.
func optDeviceCfg(opts []DevOpt) *config.Config {
	for _, o := range opts {
		if v, ok := o.(*deviceConfig); ok {
			return v.cfg
		}
	}
	return nil
}

// optRegisterer finds the first occurrence of the WithRegisterer option in opts.
func optRegisterer(opts []DevOpt) prometheus.Registerer {
	for _, o := range opts {
		if v, ok := o.(*registerer); ok {
			return v.reg
		}
	}
	return nil
}

// optClock finds the first occurrence of the WithClock option in opts.
func optClock(opts []DevOpt) clock.Clock {
	for _, o := range opts {
		if v, ok := o.(*clockOpt); ok {
			return v.c
		}
	}
	return nil
}

// optTLSCreds finds the first occurrence of the TLSCred option in opts.
func optTLSCreds(opts []DevOpt) *TLSCred {
	for _, o := range opts {
		if v, ok := o.(*TLSCred); ok {
			return v
		}
	}
	return nil
}

// startgRIBI starts the gRIBI server on the specified host:port, programming
// the RIB of the device.
func (d *Device) startgRIBI(addr string, opts ...grpc.ServerOption) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("cannot create gRIBI server, %v", err)
	}

	s := grpc.NewServer(opts...)
	spb.RegisterGRIBIServer(s, server.New(d.rib))
	d.gribiAddr = l.Addr().String()
	d.gribiSrv = s
	go s.Serve(l)
	return nil
}

// startgNMI starts the gNMI server on the specified host:port.
func (d *Device) startgNMI(ctx context.Context, addr string, opts ...grpc.ServerOption) error {
	c, addr, err := gnmit.New(ctx, addr, d.cfg.Target, true, opts...)
	if err != nil {
		return err
	}
	d.gnmiAddr = addr
	d.gnmiSrv = c
	return nil
}

// GRIBIAddr returns the address that the gRIBI server is listening on, it is
// empty when gRIBI is disabled.
func (d *Device) GRIBIAddr() string {
	return d.gribiAddr
}

// GNMIAddr returns the address that the gNMI server is listening on, it is
// empty when gNMI is disabled.
func (d *Device) GNMIAddr() string {
	return d.gnmiAddr
}

// RIB returns the RIB of the device.
func (d *Device) RIB() *rib.RIB {
	return d.rib
}

// Journal returns the journal of gRIBI operations of the device.
func (d *Device) Journal() *notify.Journal {
	return d.journal
}

// Fanout returns the fan-out that delivers the changes of the device, further
// consumers can subscribe to it.
func (d *Device) Fanout() *notify.Fanout {
	return d.fanout
}

// Package gnmit is a single-target gNMI collector that exposes the contents of a
// RIB through the gNMI Subscribe RPC, using the libraries from openconfig/gnmi.
// Changes committed to the RIB are published as notifications in the
// OpenConfig AFT schema.
package gnmit

import (
	"context"
	"fmt"
	"net"
	"time"

	log "github.com/golang/glog"
	"github.com/openconfig/gnmi/cache"
	"github.com/openconfig/gnmi/subscribe"
	"google.golang.org/grpc"

	"github.com/openconfig/fibgo/constants"
	"github.com/openconfig/fibgo/notify"
	"github.com/openconfig/fibgo/rib"

	gpb "github.com/openconfig/gnmi/proto/gnmi"
)

var (
	// metadataUpdatePeriod is the period of time after which the metadata for the collector
	// is updated to the client.
	metadataUpdatePeriod = 30 * time.Second
	// sizeUpdatePeriod is the period of time after which the storage size information for
	// the collector is updated to the client.
	sizeUpdatePeriod = 30 * time.Second
)

// periodic runs the function fn every period until ctx is done.
func periodic(ctx context.Context, period time.Duration, fn func()) {
	if period == 0 {
		return
	}
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

// Collector is a basic gNMI target that supports only the Subscribe
// RPC, and acts as a cache for exactly one target.
type Collector struct {
	cache *cache.Cache
	// name is the target name of the collector.
	name string
	// ctx is the context that the collector runs within.
	ctx context.Context
	// inCh is a channel used to write new SubscribeResponses to the cache.
	inCh chan *gpb.SubscribeResponse
	// stopFn is the function used to stop the server.
	stopFn func()
}

// New returns a new collector that listens on the specified addr (in the form host:port),
// supporting a single target named hostname. sendMeta controls whether the
// metadata *other* than meta/sync and meta/connected is sent by the collector.
//
// New returns the new collector, the address it is listening on in the form hostname:port
// or any errors encountered whilst setting it up.
func New(ctx context.Context, addr string, hostname string, sendMeta bool, opts ...grpc.ServerOption) (*Collector, string, error) {
	c := &Collector{
		inCh: make(chan *gpb.SubscribeResponse),
		name: hostname,
		ctx:  ctx,
	}

	srv := grpc.NewServer(opts...)
	c.cache = cache.New([]string{hostname})
	t := c.cache.GetTarget(hostname)

	if sendMeta {
		go periodic(ctx, metadataUpdatePeriod, c.cache.UpdateMetadata)
		go periodic(ctx, sizeUpdatePeriod, c.cache.UpdateSize)
	}
	t.Connect()

	// start our single collector from the input channel.
	go func() {
		for {
			select {
			case msg := <-c.inCh:
				if err := c.handleUpdate(msg); err != nil {
					log.Errorf("collector %s cannot handle update, %v", c.name, err)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	subscribeSrv, err := subscribe.NewServer(c.cache)
	if err != nil {
		return nil, "", fmt.Errorf("could not instantiate gNMI server: %v", err)
	}
	gpb.RegisterGNMIServer(srv, subscribeSrv)
	// Forward streaming updates to clients.
	c.cache.SetClient(subscribeSrv.Update)
	// Register listening port and start serving.
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", fmt.Errorf("failed to listen: %v", err)
	}

	go srv.Serve(lis)
	c.stopFn = srv.Stop
	return c, lis.Addr().String(), nil
}

// Name returns the target name of the collector.
func (c *Collector) Name() string { return c.name }

// Stop halts the running collector.
func (c *Collector) Stop() {
	c.stopFn()
}

// handleUpdate handles an input gNMI SubscribeResponse that is received by
// the target.
func (c *Collector) handleUpdate(resp *gpb.SubscribeResponse) error {
	t := c.cache.GetTarget(c.name)
	switch v := resp.Response.(type) {
	case *gpb.SubscribeResponse_Update:
		t.GnmiUpdate(v.Update)
	case *gpb.SubscribeResponse_SyncResponse:
		t.Sync()
	case *gpb.SubscribeResponse_Error:
		return fmt.Errorf("error in response: %s", v)
	default:
		return fmt.Errorf("unknown response %T: %s", v, v)
	}
	return nil
}

// TargetUpdate provides an input gNMI SubscribeResponse to update the
// cache and clients with. It returns an error if the collector has been
// stopped before the update could be handed to it.
func (c *Collector) TargetUpdate(m *gpb.SubscribeResponse) error {
	select {
	case c.inCh <- m:
		return nil
	case <-c.ctx.Done():
		return fmt.Errorf("collector %s is stopped, %v", c.name, c.ctx.Err())
	}
}

// Publish writes the notification describing the change rc to the cache.
func (c *Collector) Publish(rc *rib.ChangeRecord) error {
	n, err := notify.GNMINotification(c.name, rc)
	if err != nil {
		return err
	}
	return c.TargetUpdate(&gpb.SubscribeResponse{
		Response: &gpb.SubscribeResponse_Update{Update: n},
	})
}

// Sync marks the contents of the cache as complete, clients that subscribed
// before the call receive a sync response.
func (c *Collector) Sync() error {
	return c.TargetUpdate(&gpb.SubscribeResponse{
		Response: &gpb.SubscribeResponse_SyncResponse{SyncResponse: true},
	})
}

// Hook returns a function that publishes the changes committed to a RIB.
func (c *Collector) Hook() rib.RIBHookFn {
	return func(_ constants.OpType, _ int64, rc *rib.ChangeRecord) {
		if err := c.Publish(rc); err != nil {
			log.Errorf("cannot publish change %s, %v", rc, err)
		}
	}
}

// Dump publishes the routes that are currently installed in every table of r,
// followed by a sync response. It is used to populate the collector when it
// is attached to a RIB that already has contents.
func (c *Collector) Dump(r *rib.RIB) error {
	now := r.Clock().Now().UnixNano()
	for _, fam := range r.Families() {
		for _, t := range r.Tables(fam) {
			for _, rt := range t.Routes() {
				rc := &rib.ChangeRecord{
					Op:         constants.ADD,
					Family:     fam,
					FIB:        t.FIB(),
					Route:      rt,
					New:        rt.Nexthop(),
					Generation: rt.Generation(),
					Timestamp:  now,
				}
				if err := c.Publish(rc); err != nil {
					return err
				}
			}
		}
	}
	return c.Sync()
}

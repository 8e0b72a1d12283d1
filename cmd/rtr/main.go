package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/openconfig/fibgo/config"
	"github.com/openconfig/fibgo/device"
	"github.com/openconfig/fibgo/replay"
)

var (
	configFile  = flag.String("config", "", "config is the path to the YAML device configuration, an empty device is started when unset")
	metricsAddr = flag.String("metrics_addr", "", "metrics_addr is the host:port on which Prometheus metrics are served, metrics are not served when unset")
	certFile    = flag.String("cert", "", "cert is the path to the TLS certificate file of the gRIBI and gNMI servers")
	keyFile     = flag.String("key", "", "key is the path to the TLS key file of the gRIBI and gNMI servers")
	journalOut  = flag.String("journal_out", "", "journal_out is the file that the journal of gRIBI operations is written to on shutdown, it can be replayed with replayer")
)

func main() {
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	switch *configFile {
	case "":
		cfg, err = config.Parse(nil)
	default:
		cfg, err = config.Load(*configFile)
	}
	if err != nil {
		log.Exitf("cannot load configuration, %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts := []device.DevOpt{device.DeviceConfig(cfg), device.WithRegisterer(reg)}
	if *certFile != "" || *keyFile != "" {
		creds, err := device.TLSCredsFromFile(*certFile, *keyFile)
		if err != nil {
			log.Exitf("cannot initialise TLS, got: %v", err)
		}
		opts = append(opts, creds)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, cancel, err := device.New(ctx, opts...)
	if err != nil {
		log.Exitf("cannot start device, %v", err)
	}
	defer cancel()
	for _, fam := range d.RIB().Families() {
		for _, t := range d.RIB().Tables(fam) {
			log.Infof("table %s: %d routes", t, t.Len())
		}
	}
	log.Infof("listening on:\n\tgRIBI: %s\n\tgNMI: %s", d.GRIBIAddr(), d.GNMIAddr())

	g, gctx := errgroup.WithContext(ctx)
	if *metricsAddr != "" {
		srv := &http.Server{Addr: *metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return srv.Shutdown(context.Background())
		})
		log.Infof("serving metrics on %s", *metricsAddr)
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Infof("shutting down after %d journal operations", d.Journal().LastID())
		if *journalOut == "" {
			return nil
		}
		return replay.ToFile(*journalOut, d.Journal().Since(0))
	})
	if err := g.Wait(); err != nil {
		log.Exitf("server failed, %v", err)
	}
}

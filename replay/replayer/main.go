// Binary replayer sends the gRIBI operations saved by a device to a gRIBI
// server.
package main

import (
	"context"
	"flag"
	"time"

	log "github.com/golang/glog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/openconfig/fibgo/replay"

	spb "github.com/openconfig/gribi/v1/proto/service"
)

var (
	input    = flag.String("in", "", "file to replay operations from.")
	addr     = flag.String("addr", "localhost:9340", "host:port of the gRIBI server to replay operations to.")
	batch    = flag.Int("batch", 100, "maximum number of operations sent in a single ModifyRequest, zero sends all operations at once.")
	wait     = flag.Duration("wait", 0, "time to wait between ModifyRequests.")
	persist  = flag.Bool("persist", true, "request that the server preserves the entries once the replay completes.")
	caFile   = flag.String("ca", "", "CA certificate used to verify the server, the connection is not encrypted when unset.")
	deadline = flag.Duration("deadline", time.Minute, "deadline for the whole replay.")
)

func main() {
	flag.Parse()
	ops, err := replay.FromFile(*input)
	if err != nil {
		log.Exitf("cannot read operations, %v", err)
	}

	creds := insecure.NewCredentials()
	if *caFile != "" {
		if creds, err = credentials.NewClientTLSFromFile(*caFile, ""); err != nil {
			log.Exitf("cannot load CA certificate, %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *deadline)
	defer cancel()
	conn, err := grpc.DialContext(ctx, *addr, grpc.WithTransportCredentials(creds), grpc.WithBlock())
	if err != nil {
		log.Exitf("cannot dial %s, %v", *addr, err)
	}
	defer conn.Close()

	params := &spb.SessionParameters{}
	if *persist {
		params.Persistence = spb.SessionParameters_PRESERVE
	}
	res, err := replay.Do(ctx, spb.NewGRIBIClient(conn), replay.Batches(ops, *batch), params, *wait)
	if err != nil {
		log.Exitf("replay failed, %v", err)
	}
	var failed int
	for _, r := range res {
		if r.GetStatus() == spb.AFTResult_FAILED {
			failed++
			log.Warningf("operation %d failed, %s", r.GetId(), r.GetErrorDetails().GetErrorMessage())
		}
	}
	log.Infof("replayed %d operations, %d failed", len(res), failed)
}

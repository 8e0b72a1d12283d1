// Package replay saves the gRIBI AFT operations that describe the changes made
// to a RIB, and replays them against a gRIBI server.
package replay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/golang/glog"
	"google.golang.org/protobuf/encoding/prototext"

	spb "github.com/openconfig/gribi/v1/proto/service"
)

// Write writes ops to w, one operation per line in prototext format.
func Write(w io.Writer, ops []*spb.AFTOperation) error {
	bw := bufio.NewWriter(w)
	for _, op := range ops {
		b, err := prototext.MarshalOptions{Multiline: false}.Marshal(op)
		if err != nil {
			return fmt.Errorf("cannot marshal operation %d, %v", op.GetId(), err)
		}
		if _, err := bw.Write(append(b, '\n')); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ToFile writes ops to the file fn, replacing its contents.
func ToFile(fn string, ops []*spb.AFTOperation) error {
	f, err := os.Create(fn)
	if err != nil {
		return fmt.Errorf("cannot create file %s, %v", fn, err)
	}
	if err := Write(f, ops); err != nil {
		f.Close()
		return fmt.Errorf("cannot write file %s, %v", fn, err)
	}
	return f.Close()
}

// Read reads the operations written by Write from r. Empty lines are skipped.
func Read(r io.Reader) ([]*spb.AFTOperation, error) {
	ops := []*spb.AFTOperation{}
	s := bufio.NewScanner(r)
	s.Buffer(nil, 1<<20)
	for s.Scan() {
		if len(s.Bytes()) == 0 {
			continue
		}
		op := &spb.AFTOperation{}
		if err := prototext.Unmarshal(s.Bytes(), op); err != nil {
			return nil, fmt.Errorf("invalid entry in log, message `%s` could not be converted to AFTOperation, %v", s.Bytes(), err)
		}
		ops = append(ops, op)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return ops, nil
}

// FromFile reads the operations in the file fn.
func FromFile(fn string) ([]*spb.AFTOperation, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, fmt.Errorf("cannot read file %s, error: %v", fn, err)
	}
	defer f.Close()
	return Read(f)
}

// Batches groups ops, in order, into ModifyRequests carrying at most size
// operations each. A size of zero places all operations in a single request.
func Batches(ops []*spb.AFTOperation, size int) []*spb.ModifyRequest {
	if size <= 0 {
		size = len(ops)
	}
	var reqs []*spb.ModifyRequest
	for len(ops) > 0 {
		n := size
		if n > len(ops) {
			n = len(ops)
		}
		reqs = append(reqs, &spb.ModifyRequest{Operation: ops[:n]})
		ops = ops[n:]
	}
	return reqs
}

// Do sends reqs to the gRIBI server c on a single Modify stream, waiting for
// the results of each request before sending the next one and pausing for wait
// between requests. When params is non-nil, it is sent before the first
// request. Do returns the results received, in order, once the server has
// closed the stream.
func Do(ctx context.Context, c spb.GRIBIClient, reqs []*spb.ModifyRequest, params *spb.SessionParameters, wait time.Duration) ([]*spb.AFTResult, error) {
	stream, err := c.Modify(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot open Modify stream, %v", err)
	}

	if params != nil {
		if err := stream.Send(&spb.ModifyRequest{Params: params}); err != nil {
			return nil, fmt.Errorf("cannot send session parameters, %v", err)
		}
		resp, err := stream.Recv()
		if err != nil {
			return nil, fmt.Errorf("did not receive session parameters result, %v", err)
		}
		if s := resp.GetSessionParamsResult().GetStatus(); s != spb.SessionParametersResult_OK {
			return nil, fmt.Errorf("session parameters were rejected, status: %s", s)
		}
	}

	var results []*spb.AFTResult
	for i, req := range reqs {
		if i != 0 && wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return results, ctx.Err()
			case <-t.C:
			}
		}
		if err := stream.Send(req); err != nil {
			return results, fmt.Errorf("cannot send request %d, %v", i, err)
		}
		for got := 0; got < len(req.GetOperation()); {
			resp, err := stream.Recv()
			if err != nil {
				return results, fmt.Errorf("did not receive results of request %d, %v", i, err)
			}
			got += len(resp.GetResult())
			results = append(results, resp.GetResult()...)
		}
		log.V(2).Infof("replayed request %d of %d", i+1, len(reqs))
	}

	if err := stream.CloseSend(); err != nil {
		return results, fmt.Errorf("cannot close stream, %v", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if err == io.EOF {
				return results, nil
			}
			return results, err
		}
	}
}

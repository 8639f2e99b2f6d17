// Command cbtserver is the thin external shell around the buffer-tree
// engine: it owns process startup/shutdown, reads a wire-encoded batch of
// records from stdin, feeds it through a cbt.CompressTree, and writes the
// drained, aggregated output back out in the same wire format. The engine
// itself -- the tree, its workers, its scheduling -- is entirely in
// internal/cbt; this binary stays deliberately thin.
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	flags "github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"cbtree/internal/cbt"
	"cbtree/internal/wire"
)

// options are the engine's constructor-time knobs, bound to flags.
type options struct {
	FanoutB           int  `long:"fanout" description:"maximum children per non-leaf node" default:"8"`
	BufferMax         int  `long:"buffer-max" description:"per-buffer element cap (B_max)" default:"1000000"`
	BufferThreshold   int  `long:"buffer-threshold" description:"per-buffer fullness watermark (B_threshold)" default:"500000"`
	EmptyRootPoolSize int  `long:"empty-root-pool" description:"pre-allocated empty root buffers" default:"4"`
	SortWorkers       int  `long:"sort-workers" description:"sorter pool size" default:"2"`
	MergeWorkers      int  `long:"merge-workers" description:"merger pool size" default:"4"`
	EmptyWorkers      int  `long:"empty-workers" description:"emptier pool size" default:"4"`
	UseOffload        bool `long:"use-offload" description:"route sort/aggregate through the offload device when set"`
}

func (o options) toConfig() cbt.Config {
	return cbt.Config{
		FanoutB:           o.FanoutB,
		BufferMax:         o.BufferMax,
		BufferThreshold:   o.BufferThreshold,
		EmptyRootPoolSize: o.EmptyRootPoolSize,
		SortWorkers:       o.SortWorkers,
		MergeWorkers:      o.MergeWorkers,
		EmptyWorkers:      o.EmptyWorkers,
		Merge:             cbt.SumMerge,
		UseOffload:        o.UseOffload,
	}
}

func main() {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	log := logger.WithField("app", "cbtserver")

	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		log.WithError(err).Fatal("failed to parse command line args")
	}

	requestID := uuid.New()
	log = log.WithField("request_id", requestID.String())

	cfg := opts.toConfig()
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid engine configuration")
	}

	tree, err := cbt.New(cfg, log, nil)
	if err != nil {
		log.WithError(err).Fatal("failed to construct compress tree")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig.String()).Info("shutting down on signal")
		cancel()
	}()
	defer signal.Stop(sigCh)

	if err := ingestFromReader(os.Stdin, tree, log); err != nil {
		log.WithError(err).Fatal("ingest failed")
	}

	out, err := drainAll(ctx, tree)
	if err != nil {
		log.WithError(err).Fatal("drain failed")
	}

	if _, err := os.Stdout.Write(out); err != nil {
		log.WithError(err).Fatal("failed to write output")
	}
	log.WithField("bytes_out", len(out)).Info("done")
}

// ingestFromReader reads one length-prefixed wire batch from r and bulk
// inserts it. A production transport would stream many such batches; this
// shell reads exactly one.
func ingestFromReader(r io.Reader, tree *cbt.CompressTree, log logrus.FieldLogger) error {
	buf, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrap(err, "cbtserver: read input")
	}
	if len(buf) == 0 {
		return nil
	}
	records, err := wire.ConsumeRecords(buf)
	if err != nil {
		return errors.Wrap(err, "cbtserver: decode input batch")
	}
	log.WithField("records", len(records)).Info("ingesting batch")
	return tree.BulkInsert(records)
}

// drainAll flushes the tree, collects every output record in ascending
// hash order, and re-encodes the batch with the same wire codec
// clients used to send it in.
func drainAll(ctx context.Context, tree *cbt.CompressTree) ([]byte, error) {
	var records []cbt.Record
	for {
		r, ok, err := tree.NextValue(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return wire.AppendRecords(nil, records), nil
		}
		records = append(records, r)
	}
}

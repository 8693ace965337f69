package calr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// BatchConfig controls a BatchBundler.
type BatchConfig struct {
	Request BundleRequest
	// Workers bounds concurrent bundles (values below 1 mean 1).
	Workers int
	// ConsumeSources deletes each source after it is bundled and moves
	// it to the spool failed folder when bundling fails.
	ConsumeSources bool
	// Ledger, when set, receives a receipt for every finished bundle.
	Ledger *Ledger
	// Metrics, when set, counts every attempt.
	Metrics *Metrics
}

// BatchFailure is one source that could not be bundled.
type BatchFailure struct {
	Source string
	Err    error
}

// BatchResult summarises a Run.
type BatchResult struct {
	Bundled  int
	Failed   int
	Outputs  []string
	Failures []BatchFailure
}

// BatchBundler bundles event files through a Spool.
type BatchBundler struct {
	cfg     BatchConfig
	bundler *Bundler
	spool   *Spool
	logger  *slog.Logger
	now     func() time.Time
}

// NewBatchBundler returns a BatchBundler. A nil logger discards all output.
func NewBatchBundler(cfg BatchConfig, bundler *Bundler, spool *Spool, logger *slog.Logger) *BatchBundler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &BatchBundler{
		cfg:     cfg,
		bundler: bundler,
		spool:   spool,
		logger:  logger,
		now:     time.Now,
	}
}

// Run bundles every path. A failing file is recorded in the result and
// does not stop the batch; cancelling ctx does, and Run then returns
// ctx's error alongside the partial result.
func (b *BatchBundler) Run(ctx context.Context, paths []string) (BatchResult, error) {
	start := b.now()
	total := len(paths)
	b.logger.Info("bundling files", "total", total)

	var (
		mu  sync.Mutex
		res BatchResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Workers)

	for _, path := range paths {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			out, err := b.bundleFile(gctx, path)
			if err != nil && gctx.Err() != nil {
				return gctx.Err()
			}

			mu.Lock()
			if err != nil {
				res.Failed++
				res.Failures = append(res.Failures, BatchFailure{Source: path, Err: err})
			} else {
				res.Bundled++
				res.Outputs = append(res.Outputs, out)
			}
			done, failed := res.Bundled+res.Failed, res.Failed
			mu.Unlock()

			b.logger.Info("bundling progress",
				"processed", done,
				"total", total,
				"failed", failed,
				"elapsed", b.now().Sub(start).Round(time.Second),
			)
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	sort.Strings(res.Outputs)
	b.logger.Info("bundling complete",
		"bundled", res.Bundled,
		"failed", res.Failed,
		"total", total,
		"elapsed", b.now().Sub(start).Round(time.Second),
	)
	return res, err
}

// bundleFile bundles one source and returns the published bundle path.
func (b *BatchBundler) bundleFile(ctx context.Context, source string) (string, error) {
	started := b.now()
	name := filepath.Base(source)

	out, in, err := b.publish(ctx, source)
	if err != nil {
		b.cfg.Metrics.observe(false, 0, 0, 0)
		if ctx.Err() != nil {
			return "", err
		}
		b.logger.Error("failed to bundle file", "file", name, "err", err)
		if b.cfg.ConsumeSources && !errors.Is(err, errRecorded) {
			if _, ferr := b.spool.Fail(source); ferr != nil {
				b.logger.Error("failed to move file to failed folder", "file", name, "err", ferr)
			}
		}
		return "", err
	}

	var outSize int64
	if info, err := os.Stat(out); err == nil {
		outSize = info.Size()
	}
	b.cfg.Metrics.observe(true, in, outSize, b.now().Sub(started))
	b.logger.Debug("bundled file",
		"file", name,
		"input_bytes", in,
		"output_bytes", outSize,
		"reduction_pct", reduction(in, outSize),
	)

	if b.cfg.ConsumeSources {
		if err := os.Remove(source); err != nil {
			b.logger.Warn("failed to remove bundled source", "file", name, "err", err)
		}
	}
	return out, nil
}

// errRecorded marks failures that happen after the bundle was published.
var errRecorded = errors.New("bundle published")

// publish runs one bundle through the spool and records its receipt.
func (b *BatchBundler) publish(ctx context.Context, source string) (string, int64, error) {
	f, err := os.Open(source)
	if err != nil {
		return "", 0, fmt.Errorf("open source: %w", err)
	}
	defer f.Close()
	counted := &countingReader{r: f}

	entry, err := b.spool.Begin(source)
	if err != nil {
		return "", 0, err
	}
	bundle, err := b.bundler.Bundle(ctx, entry.Output, counted, entry.Buffer, b.cfg.Request)
	if err != nil {
		_ = entry.Abort()
		return "", 0, err
	}
	sum, err := SummarizeArtifact(entry.Output)
	if err != nil {
		_ = entry.Abort()
		return "", 0, fmt.Errorf("summarize bundle: %w", err)
	}
	out, err := entry.Commit()
	if err != nil {
		return "", 0, err
	}

	if b.cfg.Ledger != nil {
		rc, err := b.cfg.Ledger.Record(NewReceipt(bundle, sum, source, out), b.now())
		if err != nil {
			return out, counted.n, fmt.Errorf("%w: record receipt: %w", errRecorded, err)
		}
		b.logger.Debug("receipt recorded", "index", rc.Index, "bundle_id", rc.BundleID)
	}
	return out, counted.n, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func reduction(in, out int64) float64 {
	if in == 0 {
		return 0
	}
	return (1 - float64(out)/float64(in)) * 100
}

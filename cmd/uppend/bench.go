package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/uppend"
	"github.com/hupe1980/uppend/observability"
)

type benchConfig struct {
	Partitions int
	Keys       int
	Values     int
	Size       int
	Writers    int
	Unbuffered bool
	Seed       uint64
}

func defaultBenchConfig() benchConfig {
	return benchConfig{
		Partitions: 4,
		Keys:       10_000,
		Values:     200_000,
		Size:       64,
		Writers:    runtime.GOMAXPROCS(0),
		Seed:       1,
	}
}

type benchResult struct {
	Appended     int64
	AppendTime   time.Duration
	FlushTime    time.Duration
	ReadValues   int64
	ReadTime     time.Duration
	PayloadBytes int64
}

// runBench appends random payloads to random keys from several writers,
// flushes, then reads every key back.
func runBench(ctx context.Context, store *uppend.Store, bc benchConfig) (benchResult, error) {
	var res benchResult
	if bc.Partitions < 1 || bc.Keys < 1 || bc.Writers < 1 || bc.Values < 0 || bc.Size < 0 {
		return res, errors.New("bench: partitions, keys and writers must be positive; values and size must not be negative")
	}

	partition := func(i int) string { return "p" + strconv.Itoa(i) }
	key := func(i int) string { return "key-" + strconv.Itoa(i) }

	var appended atomic.Int64
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	per := bc.Values / bc.Writers
	for w := range bc.Writers {
		n := per
		if w == bc.Writers-1 {
			n = bc.Values - per*(bc.Writers-1)
		}
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(bc.Seed, uint64(w)))
			buf := make([]byte, bc.Size)
			for range n {
				for i := range buf {
					buf[i] = byte(rng.UintN(256))
				}
				p := partition(rng.IntN(bc.Partitions))
				k := key(rng.IntN(bc.Keys))
				if err := store.Append(gctx, p, k, buf); err != nil {
					return err
				}
				appended.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	res.Appended = appended.Load()
	res.AppendTime = time.Since(start)
	res.PayloadBytes = res.Appended * int64(bc.Size)

	start = time.Now()
	if err := store.Flush(ctx); err != nil {
		return res, err
	}
	res.FlushTime = time.Since(start)

	start = time.Now()
	for p := range bc.Partitions {
		for kv, err := range store.Scan(ctx, partition(p)) {
			if err != nil {
				return res, err
			}
			for _, err := range kv.Values {
				if err != nil {
					return res, err
				}
				res.ReadValues++
			}
		}
	}
	res.ReadTime = time.Since(start)
	return res, nil
}

func (r benchResult) print(w io.Writer) {
	rate := func(n int64, d time.Duration) string {
		if d <= 0 {
			return "n/a"
		}
		return humanize.Commaf(float64(n)/d.Seconds()) + "/s"
	}
	fmt.Fprintf(w, "append: %s values (%s) in %v, %s\n",
		humanize.Comma(r.Appended), humanize.IBytes(uint64(r.PayloadBytes)), r.AppendTime.Round(time.Millisecond), rate(r.Appended, r.AppendTime))
	fmt.Fprintf(w, "flush:  %v\n", r.FlushTime.Round(time.Millisecond))
	fmt.Fprintf(w, "read:   %s values in %v, %s\n",
		humanize.Comma(r.ReadValues), r.ReadTime.Round(time.Millisecond), rate(r.ReadValues, r.ReadTime))
}

// serveMetrics exposes reg on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go func() { _ = srv.ListenAndServe() }()
}

func newMetrics(ctx context.Context, addr string) (uppend.Option, error) {
	reg := prometheus.NewRegistry()
	mc, err := observability.NewPrometheusCollector(observability.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}
	serveMetrics(ctx, addr, reg)
	return uppend.WithMetricsCollector(mc), nil
}

package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/geabus/bus-server/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"gea2_rx", snap.GEA2Rx,
					"gea2_tx", snap.GEA2Tx,
					"gea3_rx", snap.GEA3Rx,
					"gea3_tx", snap.GEA3Tx,
					"malformed", snap.Malformed,
					"collisions", snap.Collisions,
					"retries_exhausted", snap.RetriesExhausted,
					"erd_reads_ok", snap.ERDReadsOK,
					"erd_reads_fail", snap.ERDReadsFail,
					"erd_writes_ok", snap.ERDWritesOK,
					"erd_writes_fail", snap.ERDWritesFail,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}

package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ghalamif/WaferProbe/internal/domain"
	"github.com/ghalamif/WaferProbe/internal/ports"
)

var errStopResync = errors.New("export queue full during resync")

// Exporter ships recorded attempts from the durable log to a Sink. The log is
// the source of truth: attempts that could not be queued are re-read from it,
// and the commit watermark never passes an attempt that was not written.
type Exporter struct {
	log  ports.AttemptLog
	q    ports.AttemptQueue
	sink ports.Sink
	pol  ports.Policy
	obs  ports.Observability

	// hookMu orders append hook calls. It is never taken by Run, so a hook
	// blocked on a full queue cannot stall the loop that drains it.
	hookMu  sync.Mutex
	mu      sync.Mutex
	gapFrom ports.LogEntryID
}

func NewExporter(log ports.AttemptLog, q ports.AttemptQueue, sink ports.Sink, pol ports.Policy, obs ports.Observability) *Exporter {
	e := &Exporter{log: log, q: q, sink: sink, pol: pol, obs: obs}
	if st := log.Stats(); st.LatestAppended >= st.OldestUnexported {
		e.gapFrom = st.OldestUnexported
	}
	return e
}

// Enqueue is the ledger append hook. Under the block policy it waits for Run
// to free queue space.
func (e *Exporter) Enqueue(id ports.LogEntryID, a *domain.TestAttempt) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()

	e.mu.Lock()
	gap := e.gapFrom != 0
	e.mu.Unlock()
	if gap {
		// earlier entries are still waiting for a resync; this one follows them
		return
	}

	// resync is a no-op while gapFrom is zero, so nothing can be queued ahead
	// of this entry while mu is released
	if !enqueueWithPolicy(e.q, id, a, e.pol, e.obs) {
		e.obs.IncCounter("probe_export_dropped_total", 1)
		e.mu.Lock()
		if e.gapFrom == 0 {
			e.gapFrom = id
		}
		e.mu.Unlock()
	}
	e.obs.SetGauge("probe_export_queue_length", float64(e.q.Len()))
}

// Run drains the queue into the sink until ctx is done. A batch the sink
// refuses stays pending and is retried after IdleSleep.
func (e *Exporter) Run(ctx context.Context) error {
	var pending []ports.QueuedAttempt
	for {
		if ctx.Err() != nil {
			return nil
		}
		if pending == nil {
			if err := e.resync(); err != nil && !errors.Is(err, errStopResync) {
				e.obs.LogError("export_resync_failed", err)
			}
			pending = e.q.DequeueBatch(e.pol.MaxBatchSize)
			e.obs.SetGauge("probe_export_queue_length", float64(e.q.Len()))
		}
		if len(pending) == 0 {
			pending = nil
			sleepCtx(ctx, e.pol.IdleSleep)
			continue
		}
		if err := e.flush(pending); err != nil {
			e.obs.LogError("export_sink_write_failed", err, ports.Field{Key: "sink", Value: e.sink.Name()})
			sleepCtx(ctx, e.pol.IdleSleep)
			continue
		}
		pending = nil
	}
}

// Drain exports everything currently queued or waiting for resync. Used by
// one-shot CLI commands before exit.
func (e *Exporter) Drain() error {
	for {
		if err := e.resync(); err != nil && !errors.Is(err, errStopResync) {
			return err
		}
		batch := e.q.DequeueBatch(e.pol.MaxBatchSize)
		if len(batch) == 0 {
			e.mu.Lock()
			done := e.gapFrom == 0
			e.mu.Unlock()
			if done {
				return nil
			}
			continue
		}
		if err := e.flush(batch); err != nil {
			return err
		}
	}
}

// flush writes batch and commits through its highest entry. When the batch
// write fails, attempts are retried one by one so a single bad attempt is
// dead-lettered instead of blocking the rest.
func (e *Exporter) flush(batch []ports.QueuedAttempt) error {
	var (
		out   = make([]*domain.TestAttempt, 0, len(batch))
		maxID ports.LogEntryID
	)
	for _, item := range batch {
		if item.ID > maxID {
			maxID = item.ID
		}
		if item.Attempt == nil {
			e.obs.RecordDeadLetter(item.ID, nil, errors.New("empty queue item"))
			continue
		}
		out = append(out, item.Attempt)
	}

	start := time.Now()
	err := e.sink.WriteBatch(out)
	if err != nil && len(out) > 1 {
		err = e.isolate(batch)
	}
	if err != nil {
		return err
	}
	e.obs.ObserveLatency("probe_export_sink_latency_seconds", time.Since(start).Seconds())
	e.obs.IncCounter("probe_export_written_total", float64(len(out)))
	return e.commit(maxID)
}

func (e *Exporter) isolate(batch []ports.QueuedAttempt) error {
	var (
		failed  []ports.QueuedAttempt
		tried   int
		lastErr error
	)
	for _, item := range batch {
		if item.Attempt == nil {
			continue
		}
		tried++
		if err := e.sink.WriteBatch([]*domain.TestAttempt{item.Attempt}); err != nil {
			failed = append(failed, item)
			lastErr = err
		}
	}
	if len(failed) == tried {
		return lastErr
	}
	for _, item := range failed {
		e.obs.RecordDeadLetter(item.ID, item.Attempt, lastErr)
	}
	return nil
}

func (e *Exporter) commit(upto ports.LogEntryID) error {
	e.mu.Lock()
	if e.gapFrom != 0 && upto >= e.gapFrom {
		upto = e.gapFrom - 1
	}
	e.mu.Unlock()
	if upto == 0 {
		return nil
	}
	if err := e.log.Commit(upto); err != nil {
		e.obs.LogError("export_commit_failed", err)
		return nil
	}
	e.obs.SetGauge("probe_attempt_log_size_bytes", float64(e.log.Stats().SizeBytes))
	return nil
}

// resync re-reads entries from the log once the queue has drained. Holding mu
// keeps the append hook from interleaving newer entries ahead of them.
func (e *Exporter) resync() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gapFrom == 0 || e.q.Len() > 0 {
		return nil
	}
	from := e.gapFrom
	e.gapFrom = 0
	err := e.log.Iterate(from, func(id ports.LogEntryID, a *domain.TestAttempt) error {
		if !e.q.Enqueue(id, a) {
			e.gapFrom = id
			return errStopResync
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopResync) {
		e.gapFrom = from
	}
	if err == nil {
		e.obs.LogInfo("export_resync_done", ports.Field{Key: "from", Value: uint64(from)}, ports.Field{Key: "queued", Value: e.q.Len()})
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = 5 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

package chronos

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// pendingPut is one buffered payload write.
type pendingPut struct {
	bucket   string
	key      string
	data     []byte
	attempts int
	enqueued time.Time
}

// writeOptimizer batches object-store puts behind an ObjectStore facade.
// Writers enqueue and return immediately; a single flusher drains the buffer
// when batchSize is reached or batchWindow elapses, whichever first. Reads
// are served from the pending and in-flight buffers first, so a buffered
// write stays visible to readers from enqueue until it is durable in the
// object store (the metadata tier remains the source of truth for what
// exists).
//
// Delivery is at least once: a failed flush keeps its items buffered for the
// next attempt and is logged; items are never silently dropped.
type writeOptimizer struct {
	store   ObjectStore
	cfg     WriteOptimizationConfig
	logger  *slog.Logger
	metrics *engineMetrics
	breaker *circuitBreaker
	retry   *retryer

	mu       sync.Mutex
	pending  map[string]*pendingPut // bucket + "\x00" + key, awaiting flush
	inflight map[string]*pendingPut // picked up by a flusher, put not yet confirmed
	order    []string               // FIFO of pending keys
	closed   bool

	flushCh chan struct{}
	closeCh chan struct{}
	wg      sync.WaitGroup
}

func newWriteOptimizer(store ObjectStore, cfg WriteOptimizationConfig, logger *slog.Logger, metrics *engineMetrics) *writeOptimizer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = 10_000
	}
	w := &writeOptimizer{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		breaker: newCircuitBreaker(5, 30*time.Second),
		retry: newRetryer(RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			RetryIf:        isTransient,
		}),
		pending:  make(map[string]*pendingPut),
		inflight: make(map[string]*pendingPut),
		flushCh:  make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
	}
	w.wg.Add(1)
	go w.flushWorker()
	return w
}

func pendingKey(bucket, key string) string {
	return bucket + "\x00" + key
}

func (w *writeOptimizer) Put(ctx context.Context, bucket, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	pk := pendingKey(bucket, key)
	if _, exists := w.pending[pk]; !exists {
		if len(w.pending) >= w.cfg.MaxBuffered {
			n := len(w.pending)
			w.mu.Unlock()
			return &CapacityError{Buffered: n, Limit: w.cfg.MaxBuffered}
		}
		w.order = append(w.order, pk)
	}
	w.pending[pk] = &pendingPut{bucket: bucket, key: key, data: data, enqueued: time.Now()}
	depth := len(w.pending)
	w.mu.Unlock()

	w.metrics.setBufferDepth(depth)
	if depth >= w.cfg.BatchSize {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// buffered returns the pending or in-flight write for a key, if any.
func (w *writeOptimizer) buffered(bucket, key string) (*pendingPut, bool) {
	pk := pendingKey(bucket, key)
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.pending[pk]; ok {
		return p, true
	}
	p, ok := w.inflight[pk]
	return p, ok
}

func (w *writeOptimizer) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if p, ok := w.buffered(bucket, key); ok {
		data := make([]byte, len(p.data))
		copy(data, p.data)
		return data, nil
	}
	return w.store.Get(ctx, bucket, key)
}

func (w *writeOptimizer) Head(ctx context.Context, bucket, key string) (bool, error) {
	if _, ok := w.buffered(bucket, key); ok {
		return true, nil
	}
	return w.store.Head(ctx, bucket, key)
}

func (w *writeOptimizer) Delete(ctx context.Context, bucket, key string) error {
	pk := pendingKey(bucket, key)
	w.mu.Lock()
	if _, ok := w.pending[pk]; ok {
		delete(w.pending, pk)
		w.dropOrderLocked(pk)
	}
	delete(w.inflight, pk)
	w.mu.Unlock()
	return w.store.Delete(ctx, bucket, key)
}

func (w *writeOptimizer) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	keys, err := w.store.List(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		seen[k] = true
	}
	w.mu.Lock()
	for _, m := range []map[string]*pendingPut{w.pending, w.inflight} {
		for _, p := range m {
			if p.bucket == bucket && strings.HasPrefix(p.key, prefix) && !seen[p.key] {
				keys = append(keys, p.key)
				seen[p.key] = true
			}
		}
	}
	w.mu.Unlock()
	sort.Strings(keys)
	return keys, nil
}

// Presign forces the blob out of the buffer first so the URL is immediately
// dereferenceable by external clients.
func (w *writeOptimizer) Presign(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if err := w.flushOne(ctx, bucket, key); err != nil {
		return "", err
	}
	return w.store.Presign(ctx, bucket, key, ttl)
}

func (w *writeOptimizer) flushOne(ctx context.Context, bucket, key string) error {
	pk := pendingKey(bucket, key)
	w.mu.Lock()
	p, ok := w.pending[pk]
	if ok {
		delete(w.pending, pk)
		w.dropOrderLocked(pk)
		w.inflight[pk] = p
	} else {
		// Already picked up by a flusher; putting the same data again is
		// harmless and makes the blob durable before we return.
		p, ok = w.inflight[pk]
	}
	w.mu.Unlock()
	if !ok {
		return nil
	}
	if err := w.put(ctx, p); err != nil {
		w.requeue([]*pendingPut{p})
		return err
	}
	w.mu.Lock()
	delete(w.inflight, pk)
	w.mu.Unlock()
	return nil
}

func (w *writeOptimizer) flushWorker() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.batchWindow())
	defer ticker.Stop()

	for {
		select {
		case <-w.closeCh:
			return
		case <-ticker.C:
			w.flush(context.Background())
		case <-w.flushCh:
			w.flush(context.Background())
		}
	}
}

// flush drains the buffer in batchSize chunks. Failed items are re-queued at
// the front and retried on the next pass.
func (w *writeOptimizer) flush(ctx context.Context) {
	for {
		batch := w.take(w.cfg.BatchSize)
		if len(batch) == 0 {
			return
		}

		start := time.Now()
		var failed []*pendingPut
		var failedMu sync.Mutex
		sem := make(chan struct{}, 4)
		var wg sync.WaitGroup
		for _, p := range batch {
			wg.Add(1)
			sem <- struct{}{}
			go func(p *pendingPut) {
				defer wg.Done()
				defer func() { <-sem }()
				if err := w.put(ctx, p); err != nil {
					p.attempts++
					failedMu.Lock()
					failed = append(failed, p)
					failedMu.Unlock()
					w.logger.Warn("flush failed, item re-buffered",
						"bucket", p.bucket, "key", p.key, "attempts", p.attempts, "err", err)
				}
			}(p)
		}
		wg.Wait()

		w.metrics.observeFlush(time.Since(start), len(batch)-len(failed), len(failed))
		if len(failed) > 0 {
			w.requeue(failed)
		}
		w.mu.Lock()
		for _, p := range batch {
			delete(w.inflight, pendingKey(p.bucket, p.key))
		}
		w.mu.Unlock()
		if len(failed) > 0 {
			return // back off until the next window
		}
	}
}

func (w *writeOptimizer) put(ctx context.Context, p *pendingPut) error {
	return w.breaker.execute(func() error {
		return w.retry.do(ctx, func() error {
			return w.store.Put(ctx, p.bucket, p.key, p.data)
		})
	})
}

// take moves up to n items from the front of the buffer into the in-flight
// map, where readers can still see them until the put is confirmed.
func (w *writeOptimizer) take(n int) []*pendingPut {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.order) == 0 {
		return nil
	}
	if n > len(w.order) {
		n = len(w.order)
	}
	out := make([]*pendingPut, 0, n)
	for _, pk := range w.order[:n] {
		if p, ok := w.pending[pk]; ok {
			out = append(out, p)
			delete(w.pending, pk)
			w.inflight[pk] = p
		}
	}
	w.order = append([]string(nil), w.order[n:]...)
	w.metrics.setBufferDepth(len(w.pending))
	return out
}

// requeue puts failed items back at the front of the buffer. A key that
// gained a newer pending write while in flight keeps the newer data.
func (w *writeOptimizer) requeue(items []*pendingPut) {
	w.mu.Lock()
	defer w.mu.Unlock()
	front := make([]string, 0, len(items))
	for _, p := range items {
		pk := pendingKey(p.bucket, p.key)
		delete(w.inflight, pk)
		if _, ok := w.pending[pk]; !ok {
			front = append(front, pk)
			w.pending[pk] = p
		}
	}
	w.order = append(front, w.order...)
	w.metrics.setBufferDepth(len(w.pending))
}

func (w *writeOptimizer) dropOrderLocked(pk string) {
	for i, k := range w.order {
		if k == pk {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
}

// depth returns the number of writes not yet confirmed durable.
func (w *writeOptimizer) depth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending) + len(w.inflight)
}

// Close drains the buffer and stops the flusher. Idempotent. Returns an
// error if buffered writes could not be delivered.
func (w *writeOptimizer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.closeCh)
	w.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	w.flush(ctx)

	closeErr := w.store.Close()
	if n := w.depth(); n > 0 {
		w.logger.Error("shutdown with undelivered writes", "count", n)
		return fmt.Errorf("write optimizer: %d buffered writes undelivered at shutdown", n)
	}
	return closeErr
}

package metering

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// BatchInserter is the interface used by Collector to persist call records.
// It exists to allow testing without a real database.
type BatchInserter interface {
	BatchInsert(ctx context.Context, recs []CallRecord) error
}

// FlushObserver receives collector bookkeeping, typically Prometheus metrics.
type FlushObserver interface {
	SetCollectorBuffer(n int)
	ObserveCollectorFlush(count int, d time.Duration, err error)
}

// Collector buffers call records in memory and periodically flushes them to
// the archive in batches. It is safe for concurrent use and never blocks the
// caller on database I/O.
type Collector struct {
	store         BatchInserter
	buffer        []CallRecord
	mu            sync.Mutex
	batchSize     int
	flushInterval time.Duration
	done          chan struct{}
	stopOnce      sync.Once
	observer      FlushObserver
}

// NewCollector creates a new Collector that flushes to the given store when the
// buffer reaches batchSize or every flushInterval, whichever comes first.
func NewCollector(store BatchInserter, batchSize int, flushInterval time.Duration) *Collector {
	return &Collector{
		store:         store,
		buffer:        make([]CallRecord, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}
}

// SetObserver sets the optional flush observer.
func (c *Collector) SetObserver(o FlushObserver) {
	c.observer = o
}

// Start begins flushing buffered records on a timer. It blocks until Stop is
// called or the context is cancelled.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-ctx.Done():
			c.flush()
			return
		case <-c.done:
			c.flush()
			return
		}
	}
}

// Record adds a call record to the buffer. If the buffer reaches batchSize,
// the flush happens in the background.
func (c *Collector) Record(rec CallRecord) {
	c.mu.Lock()
	c.buffer = append(c.buffer, rec)
	n := len(c.buffer)
	shouldFlush := n >= c.batchSize
	c.mu.Unlock()

	if c.observer != nil {
		c.observer.SetCollectorBuffer(n)
	}
	if shouldFlush {
		go c.flush()
	}
}

// flush drains all buffered records and writes them to the store. It logs
// errors rather than returning them so callers are not blocked.
func (c *Collector) flush() {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]CallRecord, 0, c.batchSize)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	err := c.store.BatchInsert(ctx, batch)
	if c.observer != nil {
		c.observer.SetCollectorBuffer(0)
		c.observer.ObserveCollectorFlush(len(batch), time.Since(start), err)
	}
	if err != nil {
		slog.Error("failed to archive call records", "count", len(batch), "error", err)
	}
}

// Stop signals the background goroutine to exit and performs a final flush.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

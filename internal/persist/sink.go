package persist

import (
	"context"
	"sync"

	"symmetry-trader/internal/logger"
	"symmetry-trader/internal/types"
)

const writeBuffer = 1024

// Writer is an asynchronous persistence sink: engine events are queued and
// written by one background goroutine so the decision path never waits on
// disk. Writes are idempotent, so a dropped-and-replayed event is harmless.
type Writer struct {
	store *Store
	queue chan func() error
	wg    sync.WaitGroup
	once  sync.Once
}

func NewWriter(store *Store) *Writer {
	w := &Writer{
		store: store,
		queue: make(chan func() error, writeBuffer),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *Writer) run() {
	defer w.wg.Done()
	for write := range w.queue {
		if err := write(); err != nil {
			logger.ErrorWithErr(context.Background(), "Async persistence write failed", err)
		}
	}
}

func (w *Writer) enqueue(write func() error) {
	select {
	case w.queue <- write:
	default:
		// Queue full. The decision path must not block on persistence;
		// dropping a write loses analytics, not correctness.
		logger.Warn(context.Background(), "Persistence queue full, dropping write")
	}
}

// Close drains and stops the background writer.
func (w *Writer) Close() {
	w.once.Do(func() { close(w.queue) })
	w.wg.Wait()
}

func (w *Writer) CandleClosed(ctx context.Context, c types.Candle) {
	w.enqueue(func() error { return w.store.SaveCandle(c) })
}

func (w *Writer) LevelConfirmed(ctx context.Context, l types.ReferenceLevel) {
	w.enqueue(func() error { return w.store.SaveLevel(l) })
}

func (w *Writer) SignalCreated(ctx context.Context, s types.Signal) {
	w.enqueue(func() error { return w.store.SaveSignal(s) })
}

func (w *Writer) PositionOpened(ctx context.Context, p types.Position) {
	w.enqueue(func() error { return w.store.SaveTrade(p) })
}

func (w *Writer) StopMoved(ctx context.Context, p types.Position) {
	w.enqueue(func() error { return w.store.SaveTrade(p) })
}

func (w *Writer) PositionClosed(ctx context.Context, p types.Position) {
	w.enqueue(func() error { return w.store.SaveTrade(p) })
}

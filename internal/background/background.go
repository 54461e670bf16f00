package background

import (
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// ErrClosed is returned by Schedule once Shutdown has been called.
var ErrClosed = errors.New("strata: background task closed")

// BackgroundTask runs scheduled closures one at a time, in the order they
// were scheduled, on a single worker goroutine.
type BackgroundTask struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	running bool
	closed  bool

	done   chan struct{}
	logger *zap.Logger
}

func New(logger *zap.Logger) *BackgroundTask {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &BackgroundTask{
		done:   make(chan struct{}),
		logger: logger,
	}
	b.cond = sync.NewCond(&b.mu)
	go b.work()
	return b
}

// Schedule appends fn to the queue.
func (b *BackgroundTask) Schedule(fn func()) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.queue = append(b.queue, fn)
	b.cond.Broadcast()
	return nil
}

// Len returns the number of queued jobs, not counting a running one.
func (b *BackgroundTask) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// WaitForEmptyQueue blocks until the queue is empty and no job is running.
// Jobs scheduled by running jobs are waited for as well.
func (b *BackgroundTask) WaitForEmptyQueue() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.queue) > 0 || b.running {
		b.cond.Wait()
	}
}

// Shutdown stops accepting new jobs, lets the worker finish everything that
// is already queued and waits for it to exit. It is safe to call more than
// once.
func (b *BackgroundTask) Shutdown() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
	<-b.done
}

func (b *BackgroundTask) work() {
	defer close(b.done)

	b.mu.Lock()
	for {
		for len(b.queue) == 0 {
			if b.closed {
				b.mu.Unlock()
				return
			}
			b.cond.Wait()
		}
		fn := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		b.running = true
		b.mu.Unlock()

		b.run(fn)

		b.mu.Lock()
		b.running = false
		b.cond.Broadcast()
	}
}

func (b *BackgroundTask) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("background job panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

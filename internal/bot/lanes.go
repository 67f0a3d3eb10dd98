package bot

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// lanes serializes work per user while a semaphore bounds the total
// number of concurrently executing tasks. Events from the same user are
// processed strictly in arrival order; events from different users run
// in parallel.
type lanes struct {
	sem *semaphore.Weighted
	ctx context.Context
	wg  sync.WaitGroup

	mu    sync.Mutex
	chans map[int64]chan func(context.Context)
}

func newLanes(maxConcurrent int64) *lanes {
	return &lanes{
		sem:   semaphore.NewWeighted(maxConcurrent),
		chans: make(map[int64]chan func(context.Context)),
	}
}

// start records the context under which tasks run. Must be called
// before enqueue.
func (l *lanes) start(ctx context.Context) {
	l.ctx = ctx
}

// stop closes all lanes and waits until queued tasks have drained.
func (l *lanes) stop() {
	l.mu.Lock()
	for _, ch := range l.chans {
		close(ch)
	}
	l.chans = make(map[int64]chan func(context.Context))
	l.mu.Unlock()
	l.wg.Wait()
}

// enqueue queues a task on the user's lane, creating the lane on first
// use. A full lane drops the task; the caller treats that as the user
// flooding the bot.
func (l *lanes) enqueue(userID int64, task func(context.Context)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.chans[userID]
	if !ok {
		ch = make(chan func(context.Context), 32)
		l.chans[userID] = ch
		l.wg.Add(1)
		go l.drain(ch)
	}

	select {
	case ch <- task:
		return true
	default:
		return false
	}
}

func (l *lanes) drain(ch chan func(context.Context)) {
	defer l.wg.Done()
	for task := range ch {
		if err := l.sem.Acquire(l.ctx, 1); err != nil {
			return
		}
		task(l.ctx)
		l.sem.Release(1)
	}
}

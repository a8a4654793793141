package service

import (
	"context"
	"sync"
)

// workerPool runs keyed background tasks on a bounded number of goroutines.
// A key already running is not started twice.
type workerPool struct {
	sem chan struct{}
	wg  sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func newWorkerPool(size int) *workerPool {
	return &workerPool{
		sem:     make(chan struct{}, max(size, 1)),
		running: make(map[string]context.CancelFunc),
	}
}

// Go starts fn under key unless a task with that key is running. done is
// called after fn returns. It reports whether the task was started.
func (p *workerPool) Go(ctx context.Context, key string, fn func(ctx context.Context), done func()) bool {
	p.mu.Lock()
	if _, busy := p.running[key]; busy {
		p.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(ctx)
	p.running[key] = cancel
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.running, key)
			p.mu.Unlock()
			cancel()
			if done != nil {
				done()
			}
		}()

		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-p.sem }()
		fn(ctx)
	}()
	return true
}

// Cancel stops the task running under key, if any.
func (p *workerPool) Cancel(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.running[key]; ok {
		cancel()
	}
}

// Keys returns the running task keys.
func (p *workerPool) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.running))
	for k := range p.running {
		keys = append(keys, k)
	}
	return keys
}

// CancelAll stops every task and waits for them to return.
func (p *workerPool) CancelAll() {
	p.mu.Lock()
	for _, cancel := range p.running {
		cancel()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

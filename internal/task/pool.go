package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrPoolClosed = errors.New("pool closed")

// Pool executes units on a fixed number of workers fed by a bounded queue.
type Pool struct {
	jobs chan *Unit
	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
	log  *slog.Logger

	// held shared by Submit so Close never races a late send
	mu     sync.RWMutex
	closed bool
}

func NewPool(workers, queue int, log *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 8
	}
	if queue < workers {
		queue = workers
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Pool{jobs: make(chan *Unit, queue), quit: make(chan struct{}), log: log}
	p.wg.Add(workers)
	for range workers {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		default:
		}
		select {
		case <-p.quit:
			return
		case u := <-p.jobs:
			p.execute(u)
		}
	}
}

func (p *Pool) execute(u *Unit) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("unit panicked", "unit", u.ID, "panic", r)
			u.Fail(errors.New("unit panicked"))
		}
	}()
	u.Execute()
}

// Submit queues u. It waits for queue space, not for a worker to finish.
func (p *Pool) Submit(ctx context.Context, u *Unit) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.jobs <- u:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the workers after their current unit and cancels every unit
// still queued, so their terminal hooks run.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.quit)
		p.wg.Wait()
		for {
			select {
			case u := <-p.jobs:
				u.Cancel()
			default:
				return
			}
		}
	})
}

package spike

import "sync"

// pool is the bounded worker pool cache rebuilds run on. Submission never
// blocks: when the backlog is full trySubmit reports false and the caller
// keeps serving stale data.
type pool struct {
	tasks chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

func newPool(workers, backlog int) *pool {
	if workers <= 0 {
		workers = 1
	}
	if backlog <= 0 {
		backlog = 1
	}
	p := &pool{tasks: make(chan func(), backlog)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.wg.Done()
			for f := range p.tasks {
				f()
			}
		}()
	}
	return p
}

func (p *pool) trySubmit(f func()) bool {
	select {
	case p.tasks <- f:
		return true
	default:
		return false
	}
}

// close stops intake and waits for queued rebuilds to finish.
func (p *pool) close() {
	p.once.Do(func() {
		close(p.tasks)
		p.wg.Wait()
	})
}

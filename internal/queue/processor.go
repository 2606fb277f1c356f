// Package queue implements the generic single-consumer event processor
// of spec.md §4.4, grounded on the Python prototype's processor base
// class (original_source/dynvpn/src/dynvpn/processor.py). The Python
// processors are singletons; that is deliberately not reproduced here:
// each Processor is an ordinary value owned by whatever constructs it.
package queue

import (
	"sync"
)

// Handler processes one popped item. args is whatever was passed to Add.
type Handler func(args ...interface{})

// Processor is a single-consumer LIFO work queue with pause/resume and a
// discard mode. While inactive, items accumulate; activating starts (or
// resumes) a consumer goroutine that pops items last-in-first-out and
// invokes Handler for each.
type Processor struct {
	name    string
	handler Handler

	mu      sync.Mutex
	cond    *sync.Cond
	items   [][]interface{}
	active  bool
	discard bool
	stopped bool

	wg sync.WaitGroup
}

func New(name string, handler Handler) *Processor {
	p := &Processor{name: name, handler: handler}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Add enqueues one item's arguments. If discard is set, the item is
// silently dropped, matching the Python processor's add() under discard.
func (p *Processor) Add(args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.discard {
		return
	}
	p.items = append(p.items, args)
	p.cond.Signal()
}

// Activate starts the consumer loop if it is not already running.
func (p *Processor) Activate() {
	p.mu.Lock()
	alreadyActive := p.active
	p.active = true
	p.mu.Unlock()

	if alreadyActive {
		return
	}

	p.wg.Add(1)
	go p.run()
}

// Deactivate pauses consumption; items already queued remain queued.
func (p *Processor) Deactivate() {
	p.mu.Lock()
	p.active = false
	p.mu.Unlock()
	p.cond.Broadcast()
}

// SetDiscard toggles whether Add silently drops new items.
func (p *Processor) SetDiscard(discard bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discard = discard
}

// Stop permanently halts the consumer loop and waits for it to exit.
func (p *Processor) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.active = false
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
}

// run is the single consumer: pops LIFO while active, blocks (cooperatively
// suspended, per spec.md §5) when idle or deactivated.
func (p *Processor) run() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for !p.stopped && (!p.active || len(p.items) == 0) {
			p.cond.Wait()
		}

		if p.stopped {
			p.mu.Unlock()
			return
		}

		last := len(p.items) - 1
		args := p.items[last]
		p.items = p.items[:last]
		p.mu.Unlock()

		p.handler(args...)
	}
}

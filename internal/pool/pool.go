// Package pool manages a fixed set of LVP links: id-based lookup,
// selector queries and concurrent fan-out of link operations.
package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lvp-hub/internal/lvp"
)

// ErrInvalidQuery reports a selector that resolves to nothing usable.
var ErrInvalidQuery = errors.New("invalid link query")

// All selects every link in the pool.
var All = allLinks{}

type allLinks struct{}

// Pool is an immutable registry of links keyed by id. The set of links
// never changes after construction; declared pool functions are the only
// mutable state.
type Pool struct {
	links  map[string]*lvp.Link
	order  []string
	events *EventBus
	logger *slog.Logger

	funcMu sync.RWMutex
	funcs  map[string]*Function
}

// New builds a pool. Duplicate link ids are a construction error.
func New(links []*lvp.Link, events *EventBus, logger *slog.Logger) (*Pool, error) {
	if events == nil {
		events = NewEventBus(logger)
	}
	p := &Pool{
		links:  make(map[string]*lvp.Link, len(links)),
		events: events,
		logger: logger.With("component", "pool"),
		funcs:  make(map[string]*Function),
	}
	for _, l := range links {
		id := l.ID()
		if _, dup := p.links[id]; dup {
			return nil, fmt.Errorf("duplicate link id %q", id)
		}
		p.links[id] = l
		p.order = append(p.order, id)
	}
	return p, nil
}

// Events returns the pool's event bus.
func (p *Pool) Events() *EventBus { return p.events }

func (p *Pool) Len() int { return len(p.links) }

// IDs returns the link ids in registration order.
func (p *Pool) IDs() []string {
	return append([]string(nil), p.order...)
}

// Links returns all links in registration order.
func (p *Pool) Links() []*lvp.Link {
	out := make([]*lvp.Link, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.links[id])
	}
	return out
}

// Link looks up a single link by id.
func (p *Pool) Link(id string) (*lvp.Link, bool) {
	l, ok := p.links[id]
	return l, ok
}

// Query resolves a selector to a set of links. Accepted selectors: the
// All sentinel, a *lvp.Link belonging to the pool, a link id, or a slice
// of any of these. Duplicates are removed; order follows first mention.
func (p *Pool) Query(sel any) ([]*lvp.Link, error) {
	switch q := sel.(type) {
	case allLinks:
		return p.Links(), nil
	case *lvp.Link:
		return p.Query(q.ID())
	case string:
		l, ok := p.links[q]
		if !ok {
			return nil, fmt.Errorf("%w: unknown link id %q", ErrInvalidQuery, q)
		}
		return []*lvp.Link{l}, nil
	case []string:
		items := make([]any, len(q))
		for i, s := range q {
			items[i] = s
		}
		return p.queryUnion(items)
	case []*lvp.Link:
		items := make([]any, len(q))
		for i, l := range q {
			items[i] = l
		}
		return p.queryUnion(items)
	case []any:
		return p.queryUnion(q)
	default:
		return nil, fmt.Errorf("%w: unsupported selector %T", ErrInvalidQuery, sel)
	}
}

func (p *Pool) queryUnion(items []any) ([]*lvp.Link, error) {
	seen := make(map[string]bool)
	var out []*lvp.Link
	for _, item := range items {
		links, err := p.Query(item)
		if err != nil {
			return nil, err
		}
		for _, l := range links {
			if seen[l.ID()] {
				continue
			}
			seen[l.ID()] = true
			out = append(out, l)
		}
	}
	return out, nil
}

// ParallelMap runs op on every target concurrently and collects results
// by link id. Each target gets the full timeout; a target that fails or
// does not finish in time is logged and left out of the result, its
// goroutine allowed to finish on its own. Zero timeout waits forever.
func (p *Pool) ParallelMap(op func(*lvp.Link) (any, error), targets []*lvp.Link, timeout time.Duration) map[string]any {
	type outcome struct {
		val any
		err error
	}
	chans := make([]chan outcome, len(targets))
	for i, l := range targets {
		ch := make(chan outcome, 1)
		chans[i] = ch
		go func(l *lvp.Link, ch chan outcome) {
			v, err := op(l)
			ch <- outcome{v, err}
		}(l, ch)
	}

	results := make(map[string]any, len(targets))
	for i, l := range targets {
		var out outcome
		if timeout > 0 {
			select {
			case out = <-chans[i]:
			case <-time.After(timeout):
				p.logger.Warn("fan-out target timed out", "link", l.ID(), "timeout", timeout)
				continue
			}
		} else {
			out = <-chans[i]
		}
		if out.err != nil {
			p.logger.Warn("fan-out target failed", "link", l.ID(), "err", out.err)
			continue
		}
		results[l.ID()] = out.val
	}
	return results
}

// Init brings the selected links up concurrently and emits a link_ready
// event for each success.
func (p *Pool) Init(sel any, force bool, timeout time.Duration) (map[string]any, error) {
	links, err := p.Query(sel)
	if err != nil {
		return nil, err
	}
	results := p.ParallelMap(func(l *lvp.Link) (any, error) {
		if err := l.Init(force); err != nil {
			return nil, err
		}
		p.events.Emit(Event{Type: EventLinkReady, Link: l.ID(), Data: l.Device()})
		return l.State().String(), nil
	}, links, timeout)
	return results, nil
}

// Get reads parameters from the selected links. With a single name the
// values are scalars; with several, slices in name order.
func (p *Pool) Get(sel any, timeout time.Duration, names ...string) (map[string]any, error) {
	links, err := p.Query(sel)
	if err != nil {
		return nil, err
	}
	op := func(l *lvp.Link) (any, error) {
		if len(names) == 1 {
			return l.Get(names[0])
		}
		vals, err := l.GetMany(names...)
		if err != nil {
			return nil, err
		}
		return vals, nil
	}
	return p.ParallelMap(op, links, timeout), nil
}

// Set applies the assignments, in order, on every selected link. Ids
// present in the result completed all assignments.
func (p *Pool) Set(sel any, assignments []lvp.Assignment, timeout time.Duration) (map[string]any, error) {
	links, err := p.Query(sel)
	if err != nil {
		return nil, err
	}
	op := func(l *lvp.Link) (any, error) {
		if err := l.SetAll(assignments); err != nil {
			return nil, err
		}
		return true, nil
	}
	return p.ParallelMap(op, links, timeout), nil
}

// Exec runs a bare command on every selected link, collecting responses.
func (p *Pool) Exec(sel any, cmd string, timeout time.Duration) (map[string]any, error) {
	links, err := p.Query(sel)
	if err != nil {
		return nil, err
	}
	op := func(l *lvp.Link) (any, error) {
		return l.Exec(cmd)
	}
	return p.ParallelMap(op, links, timeout), nil
}

// Background starts a periodic command on every selected link and
// returns a cancel function per id. Cancelling emits a stop event.
func (p *Pool) Background(sel any, cmd string, period time.Duration) (map[string]func(), error) {
	links, err := p.Query(sel)
	if err != nil {
		return nil, err
	}
	cancels := make(map[string]func(), len(links))
	for _, l := range links {
		stop := l.Background(cmd, period)
		id := l.ID()
		p.events.Emit(Event{Type: EventBackgroundStarted, Link: id, Data: cmd})
		cancels[id] = func() {
			stop()
			p.events.Emit(Event{Type: EventBackgroundStopped, Link: id, Data: cmd})
		}
	}
	return cancels, nil
}

// Declare registers a function on every link in the pool. The spec is
// validated before anything is bound.
func (p *Pool) Declare(spec string) (*Function, error) {
	name, _, err := lvp.ParseSpec(spec)
	if err != nil {
		return nil, err
	}
	for _, l := range p.Links() {
		if _, err := l.Declare(spec); err != nil {
			return nil, err
		}
	}
	fn := &Function{name: name, pool: p}
	p.funcMu.Lock()
	p.funcs[name] = fn
	p.funcMu.Unlock()
	return fn, nil
}

// Function looks up a pool-level declared function.
func (p *Pool) Function(name string) (*Function, bool) {
	p.funcMu.RLock()
	defer p.funcMu.RUnlock()
	fn, ok := p.funcs[name]
	return fn, ok
}

// Call invokes a pool-level declared function on the selected links.
func (p *Pool) Call(sel any, name string, args []any, quiet bool, timeout time.Duration) (map[string]any, error) {
	fn, ok := p.Function(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", lvp.ErrUnknownFunction, name)
	}
	return fn.Call(sel, args, quiet, timeout)
}

// Close closes every link in the pool.
func (p *Pool) Close() error {
	var first error
	for _, l := range p.Links() {
		if err := l.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Function is a device routine declared across the whole pool. Calling
// it fans out to the selected links.
type Function struct {
	name string
	pool *Pool
}

func (f *Function) Name() string { return f.name }

// Call invokes the function on every selected link concurrently.
func (f *Function) Call(sel any, args []any, quiet bool, timeout time.Duration) (map[string]any, error) {
	links, err := f.pool.Query(sel)
	if err != nil {
		return nil, err
	}
	op := func(l *lvp.Link) (any, error) {
		return l.Call(f.name, args, quiet)
	}
	return f.pool.ParallelMap(op, links, timeout), nil
}

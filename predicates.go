package derecho

import (
	"sync"
	"time"

	"github.com/glycerine/idem"
)

// PredicateType is the lifetime of a registered predicate.
type PredicateType int

const (
	// OneTime predicates are removed after their trigger
	// fires once.
	OneTime PredicateType = 0

	// Recurrent predicates stay registered; their trigger
	// fires on every sweep where the predicate holds.
	Recurrent PredicateType = 1
)

type predHandle int64

type predEntry struct {
	h    predHandle
	pred func(*SST) bool
	trig func(*SST)
	typ  PredicateType
}

// Predicates is the trigger engine of one SST: a single
// evaluator goroutine sweeps the registered list, evaluates
// each predicate against the locally-visible table, and runs
// the trigger when it holds. Triggers run serially on the
// evaluator; they may register further predicates, call put,
// and mutate this member's row — never another member's.
type Predicates struct {
	mut     sync.Mutex
	next    predHandle
	entries []*predEntry

	halt    *idem.Halter
	started bool
}

func newPredicates() *Predicates {
	return &Predicates{halt: idem.NewHalter()}
}

// Insert registers (pred, trig) and returns a handle for
// Remove. Safe to call from inside a trigger.
func (p *Predicates) Insert(pred func(*SST) bool, trig func(*SST), typ PredicateType) predHandle {
	p.mut.Lock()
	defer p.mut.Unlock()
	p.next++
	p.entries = append(p.entries, &predEntry{h: p.next, pred: pred, trig: trig, typ: typ})
	return p.next
}

// Remove unregisters a predicate. Unknown handles are ignored.
func (p *Predicates) Remove(h predHandle) {
	p.mut.Lock()
	defer p.mut.Unlock()
	for i, e := range p.entries {
		if e != nil && e.h == h {
			p.entries[i] = nil
			return
		}
	}
}

func (p *Predicates) snapshot() (out []*predEntry) {
	p.mut.Lock()
	for _, e := range p.entries {
		if e != nil {
			out = append(out, e)
		}
	}
	// compact tombstones while we are here
	p.entries = append(p.entries[:0], out...)
	p.mut.Unlock()
	return
}

// start launches the evaluator thread against sst.
func (p *Predicates) start(sst *SST) {
	p.mut.Lock()
	if p.started {
		p.mut.Unlock()
		return
	}
	p.started = true
	p.mut.Unlock()

	go func() {
		defer p.halt.Done.Close()
		for {
			select {
			case <-p.halt.ReqStop.Chan:
				return
			default:
			}
			fired := false
			for _, e := range p.snapshot() {
				select {
				case <-p.halt.ReqStop.Chan:
					return
				default:
				}
				if e.pred(sst) {
					e.trig(sst)
					fired = true
					if e.typ == OneTime {
						p.Remove(e.h)
					}
				}
			}
			if !fired {
				// nothing changed this sweep; back off a hair
				// instead of spinning the core flat out.
				time.Sleep(50 * time.Microsecond)
			}
		}
	}()
}

func (p *Predicates) stop() {
	p.mut.Lock()
	started := p.started
	p.mut.Unlock()
	p.halt.ReqStop.Close()
	if started {
		<-p.halt.Done.Chan
	}
}

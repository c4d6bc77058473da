package graph

import (
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Object is the protocol every edge, group and node follows.
type Object interface {
	ID() string
	Text() string
	Kind() Kind
	Status() Status
	// Message is the diagnostic recorded when the object was rejected.
	Message() string
	Dependencies() []Dependency
	AddDependency(ids ...string)
	AllDependenciesComplete() bool
	DependencyCompleted(dep Object)
	DependencyRejected(dep Object)
	Reset()
	Subscribe(l Listener)

	base() *object
	execute()
}

// object carries the state shared by every variant. self points at the
// outermost value so overridden methods are reached from shared code.
type object struct {
	g    *Graph
	self Object
	id   string
	text string
	kind Kind

	mu        sync.Mutex
	status    Status
	message   string
	started   time.Time
	deps      []Dependency
	listeners []Listener
}

func (o *object) init(g *Graph, self Object, id, text string, kind Kind) {
	o.g, o.self, o.id, o.text, o.kind = g, self, id, text, kind
}

func (o *object) base() *object { return o }

func (o *object) ID() string   { return o.id }
func (o *object) Text() string { return o.text }
func (o *object) Kind() Kind   { return o.kind }

func (o *object) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

func (o *object) Message() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.message
}

func (o *object) Dependencies() []Dependency {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.deps)
}

// AddDependency appends one entry: a single id is required, several ids
// form an OR set.
func (o *object) AddDependency(ids ...string) {
	if len(ids) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deps = append(o.deps, Dependency{IDs: slices.Clone(ids)})
}

func (o *object) AllDependenciesComplete() bool {
	for _, d := range o.Dependencies() {
		if !o.g.satisfied(d) {
			return false
		}
	}
	return true
}

func (o *object) DependencyCompleted(Object) { o.tryExecute() }

func (o *object) DependencyRejected(Object) { o.tryExecute() }

func (o *object) Reset() { o.transition(Pending, "") }

func (o *object) Subscribe(l Listener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, l)
}

func (o *object) execute() {}

// tryExecute runs the object if it is Pending and every dependency is met.
func (o *object) tryExecute() {
	if o.Status() != Pending || !o.self.AllDependenciesComplete() {
		return
	}
	o.self.execute()
}

// claim moves Pending to Executing. Exactly one caller wins.
func (o *object) claim() bool { return o.transition(Executing, "") }

func (o *object) complete() bool { return o.transition(Complete, "") }

func (o *object) reject(msg string) bool { return o.transition(Rejected, msg) }

// transition applies a legal status change and then notifies listeners
// outside the lock.
func (o *object) transition(to Status, msg string) bool {
	o.mu.Lock()
	from := o.status
	if !legal(from, to) {
		o.mu.Unlock()
		if to != Executing && from != to {
			slog.Debug("refused transition", "object", o.id, "kind", o.kind, "from", from, "to", to)
		}
		return false
	}
	o.status = to
	o.message = msg
	var elapsed time.Duration
	switch {
	case to == Executing:
		o.started = time.Now()
	case from == Executing:
		elapsed = time.Since(o.started)
	}
	ls := slices.Clone(o.listeners)
	o.mu.Unlock()

	slog.Debug("transition", "object", o.id, "kind", o.kind, "from", from, "to", to)
	ev := Event{ID: o.id, Kind: o.kind, From: from, Status: to, Message: msg, Elapsed: elapsed}
	for _, l := range ls {
		l(ev)
	}
	return true
}

// dependencyListener dispatches a dependency's terminal transitions to the
// protocol methods of the outermost variant.
func (o *object) dependencyListener() Listener {
	return func(ev Event) {
		dep := o.g.Get(ev.ID)
		if dep == nil {
			return
		}
		switch ev.Status {
		case Complete:
			o.self.DependencyCompleted(dep)
		case Rejected:
			o.self.DependencyRejected(dep)
		}
	}
}

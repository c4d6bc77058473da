package graph

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

// Group is a region of the diagram whose members run as a unit.
type Group interface {
	Vertex
	// Members lists every descendant vertex.
	Members() []string
	MaxLoops() int
	CurrentLoop() int
	// Versions and CopyID describe list groups.
	Versions() int
	CopyID() int
	// Item returns the element of a list-valued incoming edge that a
	// for-each group exposes on its current pass.
	Item(edgeID string) (string, bool)

	groupBase() *group
}

type group struct {
	vertex
	members     []string
	enableOrder []string
	maxLoops    int
	versions    int
	copyID      int
	currentLoop atomic.Int64

	// loopMu serializes the decision taken when every member has finished.
	// It is never held while listeners run; finishing stays set while the
	// members are reset between passes.
	loopMu    sync.Mutex
	finishing bool
}

// AddGroup creates a group of the given kind.
func (g *Graph) AddGroup(kind Kind, s GroupSpec) (Group, error) {
	if !kind.IsGroup() {
		return nil, fmt.Errorf("group %q: %q is not a group kind", s.ID, kind)
	}
	if kind.Iterates() && s.MaxLoops < 1 {
		return nil, fmt.Errorf("group %q: %s needs a positive loop count", s.ID, kind.Short())
	}
	gr := &group{members: slices.Clone(s.Members), maxLoops: s.MaxLoops, versions: s.Versions, copyID: s.CopyID}
	gr.initVertex(g, gr, kind, s.VertexSpec)
	if err := g.add(gr); err != nil {
		return nil, err
	}
	return gr, nil
}

func (gr *group) groupBase() *group { return gr }

func (gr *group) Members() []string { return slices.Clone(gr.members) }
func (gr *group) MaxLoops() int     { return gr.maxLoops }
func (gr *group) CurrentLoop() int  { return int(gr.currentLoop.Load()) }
func (gr *group) Versions() int     { return gr.versions }
func (gr *group) CopyID() int       { return gr.copyID }

// execute enables the members and then checks them at once, so a group
// whose members are already finished moves on without waiting for an event.
func (gr *group) execute() {
	if !gr.claim() {
		return
	}
	slog.Debug("group started", "group", gr.id, "kind", gr.kind, "members", len(gr.members))
	gr.enableMembers()
	gr.checkMembers()
}

// enableMembers nudges every Pending member whose dependencies are met:
// groups outermost first, then nodes.
func (gr *group) enableMembers() {
	for _, id := range gr.enableOrder {
		if m := gr.g.Get(id); m != nil && m.Status() == Pending {
			m.base().tryExecute()
		}
	}
}

func (gr *group) memberListener() Listener {
	return func(ev Event) {
		if ev.Status.Terminal() {
			gr.checkMembers()
		}
	}
}

// checkMembers calls membersFinished exactly once per pass, when every
// member is Complete or Rejected.
func (gr *group) checkMembers() {
	gr.loopMu.Lock()
	if gr.Status() != Executing || gr.finishing || !gr.membersDone() {
		gr.loopMu.Unlock()
		return
	}
	again := gr.membersFinished()
	gr.finishing = true
	gr.loopMu.Unlock()

	if again {
		gr.resetMembers()
		gr.loopMu.Lock()
		gr.finishing = false
		gr.loopMu.Unlock()
		gr.enableMembers()
		gr.checkMembers()
		return
	}
	slog.Debug("group finished", "group", gr.id, "passes", gr.CurrentLoop()+1)
	gr.complete()
}

func (gr *group) membersDone() bool {
	for _, id := range gr.members {
		if m := gr.g.Get(id); m != nil && !m.Status().Terminal() {
			return false
		}
	}
	return true
}

// membersFinished decides what a finished pass means. Iterating groups run
// another pass while currentLoop < maxLoops, so a group labeled N runs its
// members N+1 times in all. It reports whether another pass is due; the
// caller resets the members once loopMu is released.
func (gr *group) membersFinished() bool {
	if !gr.kind.Iterates() || gr.CurrentLoop() >= gr.maxLoops {
		return false
	}
	gr.currentLoop.Add(1)
	slog.Debug("group loop", "group", gr.id, "loop", gr.CurrentLoop(), "max", gr.maxLoops)
	return true
}

// resetMembers returns every member and every member's outgoing edge to
// Pending. Reflexive edges ignore the reset and keep their content.
func (gr *group) resetMembers() {
	for _, id := range gr.members {
		v, ok := gr.g.Get(id).(Vertex)
		if !ok {
			continue
		}
		v.Reset()
		for _, eid := range v.Outgoing() {
			if e := gr.g.Edge(eid); e != nil {
				e.Reset()
			}
		}
	}
}

// Reset returns the group to Pending and rewinds its loop counter.
func (gr *group) Reset() {
	gr.loopMu.Lock()
	gr.finishing = false
	gr.currentLoop.Store(0)
	gr.loopMu.Unlock()
	gr.transition(Pending, "")
}

func (gr *group) Item(edgeID string) (string, bool) {
	if gr.kind != KindForEachGroup {
		return "", false
	}
	e := gr.g.Edge(edgeID)
	if e == nil {
		return "", false
	}
	c, ok := e.Content()
	if !ok {
		return "", false
	}
	items := SplitList(c.String(), "")
	i := gr.CurrentLoop()
	if i >= len(items) {
		return "", true
	}
	return items[i], true
}

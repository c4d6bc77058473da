package graph

import (
	"strings"
	"time"
)

// Status is the lifecycle state of every graph object.
type Status int32

const (
	Pending Status = iota
	Executing
	Complete
	Rejected
)

var statusNames = [...]string{"pending", "executing", "complete", "rejected"}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

// Terminal reports whether s is Complete or Rejected.
func (s Status) Terminal() bool { return s == Complete || s == Rejected }

// legal lists the allowed transitions. Any status may go back to Pending
// through a reset; Pending may go straight to Rejected when a branch is
// ruled out before it runs.
func legal(from, to Status) bool {
	switch to {
	case Executing:
		return from == Pending
	case Complete:
		return from == Executing
	case Rejected:
		return from == Pending || from == Executing
	case Pending:
		return from != Pending
	}
	return false
}

// Kind names the concrete variant of an object. The prefix before the dot
// is its class.
type Kind string

const (
	KindCall      Kind = "node.call"
	KindForm      Kind = "node.form"
	KindChoice    Kind = "node.choice"
	KindContent   Kind = "node.content"
	KindReference Kind = "node.reference"
	KindHTTP      Kind = "node.http"
	KindFormatter Kind = "node.formatter"
	KindFloating  Kind = "node.floating"

	KindBasicGroup   Kind = "group.basic"
	KindListGroup    Kind = "group.list"
	KindRepeatGroup  Kind = "group.repeat"
	KindForEachGroup Kind = "group.for_each"
	KindNonLogic     Kind = "group.non_logic"

	KindBasicEdge         Kind = "edge.basic"
	KindVariableEdge      Kind = "edge.variable"
	KindChatEdge          Kind = "edge.chat"
	KindChatResponseEdge  Kind = "edge.chat_response"
	KindConfigEdge        Kind = "edge.config"
	KindSystemEdge        Kind = "edge.system"
	KindMessageFormatEdge Kind = "edge.message_format"
	KindWriteEdge         Kind = "edge.write"
	KindFieldEdge         Kind = "edge.field"
	KindChoiceEdge        Kind = "edge.choice"
	KindItemEdge          Kind = "edge.item"
	KindLoggingEdge       Kind = "edge.logging"
)

func (k Kind) class() string {
	c, _, _ := strings.Cut(string(k), ".")
	return c
}

// IsNode, IsGroup and IsEdge report the class of k.
func (k Kind) IsNode() bool  { return k.class() == "node" }
func (k Kind) IsGroup() bool { return k.class() == "group" }
func (k Kind) IsEdge() bool  { return k.class() == "edge" }

// Short is k without its class prefix.
func (k Kind) Short() string {
	_, s, _ := strings.Cut(string(k), ".")
	return s
}

// Iterates reports whether a group kind runs its members more than once.
func (k Kind) Iterates() bool { return k == KindRepeatGroup || k == KindForEachGroup }

// carriesMessages lists the edge kinds that forward chat history.
var carriesMessages = map[Kind]bool{
	KindBasicEdge:         true,
	KindChatEdge:          true,
	KindSystemEdge:        true,
	KindMessageFormatEdge: true,
}

// writesContent lists the edge kinds whose content overwrites a content or
// reference node.
var writesContent = map[Kind]bool{
	KindWriteEdge:        true,
	KindLoggingEdge:      true,
	KindChatResponseEdge: true,
}

// listCapable lists the node kinds whose output may be split over item edges.
var listCapable = map[Kind]bool{
	KindCall:      true,
	KindContent:   true,
	KindReference: true,
	KindHTTP:      true,
	KindFormatter: true,
}

// Dependency is one entry of an object's dependency list. A single id must
// be Complete; several ids form an OR set satisfied by any one of them.
type Dependency struct {
	IDs []string
}

// Or reports whether d is an OR set.
func (d Dependency) Or() bool { return len(d.IDs) > 1 }

// Event describes one status transition.
type Event struct {
	ID      string
	Kind    Kind
	From    Status
	Status  Status
	Message string
	Elapsed time.Duration // time spent Executing, on terminal transitions
}

// Listener receives transitions synchronously, in registration order.
type Listener func(Event)

// Package scenario models the declarative execution trees tasks run:
// a root scenario over nested consequent/concurrent groups whose leaves
// dispatch one RPC step each, with optional edit locks scoping a group.
// Scenarios are loaded from an XML directory and handed out as deep
// copies, so every running task owns its mutable tree.
package scenario

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/quadtile/drover/internal/editlock"
)

// InputType declares which payload shape a scenario accepts.
type InputType int

const (
	// InputRect means the task payload must carry a geographic rectangle.
	InputRect InputType = iota
	// InputCells means the task payload must carry a quadtree cell list.
	InputCells
)

func (t InputType) String() string {
	if t == InputCells {
		return "cells"
	}
	return "rect"
}

// ParseInputType resolves the scenario attribute value.
func ParseInputType(s string) (InputType, error) {
	switch s {
	case "rect":
		return InputRect, nil
	case "cells":
		return InputCells, nil
	}
	return 0, fmt.Errorf("unknown input type %q", s)
}

// Task is the running task a tree executes against. The task manager
// implements it; nodes use it to dispatch steps and to hold edit locks.
type Task interface {
	// UUID identifies the task.
	UUID() uuid.UUID
	// RunRequest dispatches one leaf step and reports its outcome.
	RunRequest(ctx context.Context, routingKey string) bool
	// AcquireCells locks history rows matching the selectors and returns
	// the affected cells.
	AcquireCells(ctx context.Context, selectors []editlock.Selector) (*editlock.LockedData, error)
	// AcquireObjects is AcquireCells keyed on object ids.
	AcquireObjects(ctx context.Context, selectors []editlock.Selector) (*editlock.LockedData, error)
	// AttachLocked adds locked data to the inputs of subsequent steps.
	AttachLocked(ld *editlock.LockedData)
	// DetachLocked removes locked data from subsequent step inputs.
	DetachLocked(ld *editlock.LockedData)
	// NotifyClosed tells the task manager the tree finished executing.
	NotifyClosed()
}

// Node is one element of the execution tree.
type Node interface {
	// Execute runs the node against the task and reports success.
	Execute(ctx context.Context, t Task) bool
	clone() Node
}

// Scenario is the root of an execution tree.
type Scenario struct {
	id        uuid.UUID
	name      string
	inputType InputType
	notify    []string
	child     Node
}

// ID returns the scenario's stable uuid.
func (s *Scenario) ID() uuid.UUID { return s.id }

// Name returns the scenario's display name.
func (s *Scenario) Name() string { return s.name }

// InputType returns the payload shape the scenario requires.
func (s *Scenario) InputType() InputType { return s.inputType }

// Notify returns the observer aliases bound to the scenario.
func (s *Scenario) Notify() []string { return s.notify }

// Execute runs the tree and then reports the task closed, whatever the
// outcome.
func (s *Scenario) Execute(ctx context.Context, t Task) bool {
	ok := s.child.Execute(ctx, t)
	t.NotifyClosed()
	return ok
}

// Clone deep-copies the scenario so the caller may mutate per-node state.
func (s *Scenario) Clone() *Scenario {
	return &Scenario{
		id:        s.id,
		name:      s.name,
		inputType: s.inputType,
		notify:    append([]string(nil), s.notify...),
		child:     s.child.clone(),
	}
}

// group holds what Consequent and Concurrent share: children and an
// optional locker scoping their execution.
type group struct {
	locker   Locker
	children []Node
}

// begin acquires the group's locks, if any. A group whose locks cannot be
// acquired does not run.
func (g *group) begin(ctx context.Context, t Task) bool {
	if g.locker == nil {
		return true
	}
	return g.locker.Begin(ctx, t) == nil
}

func (g *group) end(ctx context.Context, t Task, success bool) {
	if g.locker != nil {
		g.locker.End(ctx, t, success)
	}
}

func (g *group) cloneChildren() []Node {
	children := make([]Node, len(g.children))
	for i, c := range g.children {
		children[i] = c.clone()
	}
	return children
}

// Consequent runs its children in order and stops at the first failure.
type Consequent struct {
	group
}

// NewConsequent builds a sequential group. locker may be nil.
func NewConsequent(locker Locker, children ...Node) *Consequent {
	return &Consequent{group{locker: locker, children: children}}
}

func (n *Consequent) Execute(ctx context.Context, t Task) bool {
	if !n.begin(ctx, t) {
		return false
	}
	success := true
	for _, child := range n.children {
		if !child.Execute(ctx, t) {
			success = false
			break
		}
	}
	n.end(ctx, t, success)
	return success
}

func (n *Consequent) clone() Node {
	return &Consequent{group{locker: cloneLocker(n.locker), children: n.cloneChildren()}}
}

// Concurrent runs its children at the same time and succeeds iff all do.
type Concurrent struct {
	group
}

// NewConcurrent builds a parallel group. locker may be nil.
func NewConcurrent(locker Locker, children ...Node) *Concurrent {
	return &Concurrent{group{locker: locker, children: children}}
}

func (n *Concurrent) Execute(ctx context.Context, t Task) bool {
	if !n.begin(ctx, t) {
		return false
	}
	results := make([]bool, len(n.children))
	var wg sync.WaitGroup
	for i, child := range n.children {
		wg.Add(1)
		go func(i int, child Node) {
			defer wg.Done()
			results[i] = child.Execute(ctx, t)
		}(i, child)
	}
	wg.Wait()

	success := true
	for _, ok := range results {
		success = success && ok
	}
	n.end(ctx, t, success)
	return success
}

func (n *Concurrent) clone() Node {
	return &Concurrent{group{locker: cloneLocker(n.locker), children: n.cloneChildren()}}
}

// Run is a leaf: one RPC step addressed to a routing key.
type Run struct {
	routingKey string
}

// NewRun builds a leaf step.
func NewRun(routingKey string) *Run { return &Run{routingKey: routingKey} }

// RoutingKey names the consumer the step dispatches to.
func (n *Run) RoutingKey() string { return n.routingKey }

func (n *Run) Execute(ctx context.Context, t Task) bool {
	return t.RunRequest(ctx, n.routingKey)
}

func (n *Run) clone() Node { return &Run{routingKey: n.routingKey} }

// Walk visits every node of the tree depth-first.
func Walk(n Node, visit func(Node)) {
	visit(n)
	switch node := n.(type) {
	case *Consequent:
		for _, c := range node.children {
			Walk(c, visit)
		}
	case *Concurrent:
		for _, c := range node.children {
			Walk(c, visit)
		}
	}
}

// RoutingKeys lists every routing key referenced under the scenario.
func (s *Scenario) RoutingKeys() []string {
	var keys []string
	Walk(s.child, func(n Node) {
		if run, ok := n.(*Run); ok {
			keys = append(keys, run.routingKey)
		}
	})
	return keys
}

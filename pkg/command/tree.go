package command

import "github.com/rendis/cmdengine/pkg/schema"

// Walk visits root and its descendants depth-first in pre-order. Returning
// false from fn skips the node's subtree.
func Walk(root Command, fn func(c Command, depth int) bool) {
	walk(root, 0, fn)
}

func walk(c Command, depth int, fn func(Command, int) bool) {
	if !fn(c, depth) {
		return
	}
	for _, child := range c.Children() {
		walk(child, depth+1, fn)
	}
}

// Leaves returns the distinct descendants of root that have no children.
// A childless root has no leaves.
func Leaves(root Command) []Command {
	seen := make(map[Command]struct{})
	var leaves []Command
	for _, d := range root.Descendants() {
		if len(d.Children()) > 0 {
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		leaves = append(leaves, d)
	}
	return leaves
}

// Find returns the first command named name in root's tree.
func Find(root Command, name string) (Command, bool) {
	var found Command
	Walk(root, func(c Command, _ int) bool {
		if found != nil {
			return false
		}
		if c.Name() == name {
			found = c
			return false
		}
		return true
	})
	return found, found != nil
}

// Observer receives the notifications of every command of a tree.
type Observer interface {
	OnStateChange(c Command, change schema.StateChange)
	OnProgress(c Command, update schema.ProgressUpdate)
}

// ObserverFuncs adapts plain functions to an Observer. Nil fields are skipped.
type ObserverFuncs struct {
	State    func(c Command, change schema.StateChange)
	Progress func(c Command, update schema.ProgressUpdate)
}

func (o ObserverFuncs) OnStateChange(c Command, change schema.StateChange) {
	if o.State != nil {
		o.State(c, change)
	}
}

func (o ObserverFuncs) OnProgress(c Command, update schema.ProgressUpdate) {
	if o.Progress != nil {
		o.Progress(c, update)
	}
}

// Observe subscribes obs to root and every descendant present now. The
// returned function removes all the subscriptions.
func Observe(root Command, obs Observer) func() {
	var cancels []func()
	seen := make(map[Command]struct{})
	Walk(root, func(c Command, _ int) bool {
		if _, dup := seen[c]; dup {
			return false
		}
		seen[c] = struct{}{}
		cancels = append(cancels,
			c.SubscribeState(func(change schema.StateChange) { obs.OnStateChange(c, change) }),
			c.SubscribeProgress(func(update schema.ProgressUpdate) { obs.OnProgress(c, update) }),
		)
		return true
	})
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

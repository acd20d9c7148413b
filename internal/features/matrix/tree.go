// Package matrix keeps the binary (2×∞) placement tree.
//
// Nodes live in an arena and point at each other by index, so the tree can be
// copied, truncated and rebuilt without chasing pointers.
package matrix

import (
	"errors"
	"fmt"
	"iter"
)

var (
	ErrReferrerNotFound = errors.New("referrer has no matrix node")
	ErrRootExists       = errors.New("matrix root already placed")
	ErrAlreadyPlaced    = errors.New("user already placed in matrix")
	ErrSlotTaken        = errors.New("matrix slot already taken")
)

// Side tells which child slot of the parent a node occupies.
type Side int8

const (
	SideRoot Side = iota
	SideLeft
	SideRight
)

func (s Side) String() string {
	switch s {
	case SideLeft:
		return "left"
	case SideRight:
		return "right"
	default:
		return "root"
	}
}

const none = -1

type node struct {
	user   string
	parent int
	left   int
	right  int
	depth  int
}

// Placement records where a user was attached. Replaying placements in
// commit order through Attach rebuilds the same tree.
type Placement struct {
	User   string `json:"user"`
	Parent string `json:"parent,omitempty"`
	Side   Side   `json:"side"`
	Depth  int    `json:"depth"`
}

// NodeView is the read-only shape of a node exposed to callers.
type NodeView struct {
	User   string `json:"user"`
	Parent string `json:"parent,omitempty"`
	Left   string `json:"left,omitempty"`
	Right  string `json:"right,omitempty"`
	Depth  int    `json:"depth"`
}

type Tree struct {
	nodes []node
	index map[string]int
}

func NewTree() *Tree {
	return &Tree{index: make(map[string]int)}
}

func (t *Tree) Len() int { return len(t.nodes) }

func (t *Tree) Contains(user string) bool {
	_, ok := t.index[user]
	return ok
}

// PlaceRoot places the single parentless node. It succeeds exactly once.
func (t *Tree) PlaceRoot(user string) (Placement, error) {
	if len(t.nodes) > 0 {
		return Placement{}, ErrRootExists
	}
	t.nodes = append(t.nodes, node{user: user, parent: none, left: none, right: none})
	t.index[user] = 0
	return Placement{User: user, Side: SideRoot}, nil
}

// Place attaches user under the first node with an open slot, searching the
// referrer's subtree in level order, left child before right child.
func (t *Tree) Place(user, referrer string) (Placement, error) {
	if t.Contains(user) {
		return Placement{}, ErrAlreadyPlaced
	}
	start, ok := t.index[referrer]
	if !ok {
		return Placement{}, fmt.Errorf("%w: %s", ErrReferrerNotFound, referrer)
	}

	queue := []int{start}
	for head := 0; head < len(queue); head++ {
		i := queue[head]
		n := t.nodes[i]
		if n.left == none {
			return t.attach(user, i, SideLeft), nil
		}
		if n.right == none {
			return t.attach(user, i, SideRight), nil
		}
		queue = append(queue, n.left, n.right)
	}
	// A finite binary tree always has a leaf.
	return Placement{}, fmt.Errorf("no open slot under %s", referrer)
}

// Attach replays a recorded placement.
func (t *Tree) Attach(p Placement) error {
	if p.Side == SideRoot {
		_, err := t.PlaceRoot(p.User)
		return err
	}
	if t.Contains(p.User) {
		return ErrAlreadyPlaced
	}
	pi, ok := t.index[p.Parent]
	if !ok {
		return fmt.Errorf("%w: %s", ErrReferrerNotFound, p.Parent)
	}
	parent := t.nodes[pi]
	if (p.Side == SideLeft && parent.left != none) || (p.Side == SideRight && parent.right != none) {
		return fmt.Errorf("%w: %s %s", ErrSlotTaken, p.Parent, p.Side)
	}
	t.attach(p.User, pi, p.Side)
	return nil
}

func (t *Tree) attach(user string, parent int, side Side) Placement {
	idx := len(t.nodes)
	depth := t.nodes[parent].depth + 1
	t.nodes = append(t.nodes, node{user: user, parent: parent, left: none, right: none, depth: depth})
	t.index[user] = idx
	if side == SideLeft {
		t.nodes[parent].left = idx
	} else {
		t.nodes[parent].right = idx
	}
	return Placement{User: user, Parent: t.nodes[parent].user, Side: side, Depth: depth}
}

// UplineChain yields the matrix ancestors of user, nearest first, stopping at
// the root or after maxDepth ancestors. Every range over the result starts again
// from the parent.
func (t *Tree) UplineChain(user string, maxDepth int) iter.Seq[string] {
	return func(yield func(string) bool) {
		i, ok := t.index[user]
		if !ok {
			return
		}
		for hops := 0; hops < maxDepth; hops++ {
			i = t.nodes[i].parent
			if i == none {
				return
			}
			if !yield(t.nodes[i].user) {
				return
			}
		}
	}
}

func (t *Tree) Node(user string) (NodeView, bool) {
	i, ok := t.index[user]
	if !ok {
		return NodeView{}, false
	}
	n := t.nodes[i]
	return NodeView{
		User:   n.user,
		Parent: t.userAt(n.parent),
		Left:   t.userAt(n.left),
		Right:  t.userAt(n.right),
		Depth:  n.depth,
	}, true
}

func (t *Tree) userAt(i int) string {
	if i == none {
		return ""
	}
	return t.nodes[i].user
}

// Mark returns a position that Truncate can roll back to.
func (t *Tree) Mark() int { return len(t.nodes) }

// Truncate drops every node placed after mark and frees their parent slots.
func (t *Tree) Truncate(mark int) {
	for i := len(t.nodes) - 1; i >= mark && i >= 0; i-- {
		n := t.nodes[i]
		if n.parent != none {
			p := &t.nodes[n.parent]
			if p.left == i {
				p.left = none
			}
			if p.right == i {
				p.right = none
			}
		}
		delete(t.index, n.user)
	}
	if mark < len(t.nodes) {
		t.nodes = t.nodes[:mark]
	}
}

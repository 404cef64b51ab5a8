package condition

import (
	"github.com/shopspring/decimal"

	"github.com/aegis-trade/execution-core/internal/model"
)

// Snapshots is the per-asset market state a condition tree evaluates
// against.
type Snapshots map[string]model.MarketSnapshot

// relTolerance is the relative tolerance for equality comparisons: it
// is scaled by the larger compared magnitude, and used as an absolute
// tolerance only when both sides are zero.
var relTolerance = decimal.NewFromFloat(1e-6)

// Node is one node of a compiled condition tree.
type Node interface {
	Evaluate(snaps Snapshots) TriState
}

// ValueNode resolves to a decimal for a given tick, or ok=false when
// the referenced asset/indicator is not yet available.
type ValueNode interface {
	Resolve(snaps Snapshots) (decimal.Decimal, bool)
}

// Literal is a constant numeric value.
type Literal struct{ V decimal.Decimal }

func (l Literal) Resolve(Snapshots) (decimal.Decimal, bool) { return l.V, true }

// PriceRef resolves to an asset's mid price.
type PriceRef struct{ Asset string }

func (p PriceRef) Resolve(snaps Snapshots) (decimal.Decimal, bool) {
	snap, ok := snaps[p.Asset]
	if !ok {
		return decimal.Zero, false
	}
	return snap.Mid(), true
}

// FuncRef resolves FN(args, ASSET) nodes: first against the built-in
// indicator function table (talib-backed), falling back to a literal
// lookup on the snapshot's indicators map keyed NAME_PARAM1_PARAM2….
type FuncRef struct {
	Name  string
	Args  []decimal.Decimal
	Asset string
}

func (f FuncRef) Resolve(snaps Snapshots) (decimal.Decimal, bool) {
	if fn, ok := builtinFunctions[f.Name]; ok {
		if v, computed := fn(f.Asset, f.Args); computed {
			return v, true
		}
	}
	snap, ok := snaps[f.Asset]
	if !ok {
		return decimal.Zero, false
	}
	v, ok := snap.Indicators[indicatorKey(f.Name, f.Args)]
	return v, ok
}

// AndNode requires every child to be true; unknown/false propagate per
// three-valued logic.
type AndNode struct{ Children []Node }

func (n AndNode) Evaluate(snaps Snapshots) TriState {
	vals := make([]TriState, len(n.Children))
	for i, c := range n.Children {
		vals[i] = c.Evaluate(snaps)
	}
	return And(vals...)
}

// OrNode fires true if any child is true.
type OrNode struct{ Children []Node }

func (n OrNode) Evaluate(snaps Snapshots) TriState {
	vals := make([]TriState, len(n.Children))
	for i, c := range n.Children {
		vals[i] = c.Evaluate(snaps)
	}
	return Or(vals...)
}

// NotNode inverts a single child.
type NotNode struct{ Child Node }

func (n NotNode) Evaluate(snaps Snapshots) TriState {
	return Not(n.Child.Evaluate(snaps))
}

// CompareOp is a stateless comparison operator.
type CompareOp string

const (
	OpGT CompareOp = ">"
	OpGE CompareOp = ">="
	OpLT CompareOp = "<"
	OpLE CompareOp = "<="
	OpEQ CompareOp = "=="
)

// CompareNode is a stateless comparison between two resolvable values.
type CompareNode struct {
	Left, Right ValueNode
	Op          CompareOp
}

func (n CompareNode) Evaluate(snaps Snapshots) TriState {
	l, ok1 := n.Left.Resolve(snaps)
	r, ok2 := n.Right.Resolve(snaps)
	if !ok1 || !ok2 {
		return Unknown
	}
	return fromBool(compare(l, r, n.Op))
}

func compare(l, r decimal.Decimal, op CompareOp) bool {
	switch op {
	case OpGT:
		return l.GreaterThan(r)
	case OpGE:
		return l.GreaterThanOrEqual(r)
	case OpLT:
		return l.LessThan(r)
	case OpLE:
		return l.LessThanOrEqual(r)
	case OpEQ:
		return withinTolerance(l, r)
	default:
		return false
	}
}

func withinTolerance(l, r decimal.Decimal) bool {
	diff := l.Sub(r).Abs()
	magnitude := l.Abs()
	if r.Abs().GreaterThan(magnitude) {
		magnitude = r.Abs()
	}
	tol := relTolerance.Mul(magnitude)
	if tol.IsZero() {
		tol = relTolerance
	}
	return diff.LessThanOrEqual(tol)
}

// CrossDirection distinguishes crosses_above from crosses_below.
type CrossDirection int

const (
	CrossAbove CrossDirection = iota
	CrossBelow
)

// CrossNode is the stateful crossing-detection node:
// it remembers the previous tick's (left, right) values and fires only
// on a strict transition, never on the first evaluation.
type CrossNode struct {
	Left, Right ValueNode
	Direction   CrossDirection

	initialized bool
	prevLeft    decimal.Decimal
	prevRight   decimal.Decimal
}

func (n *CrossNode) Evaluate(snaps Snapshots) TriState {
	l, ok1 := n.Left.Resolve(snaps)
	r, ok2 := n.Right.Resolve(snaps)
	if !ok1 || !ok2 {
		return Unknown
	}

	if !n.initialized {
		n.initialized = true
		n.prevLeft, n.prevRight = l, r
		return False
	}

	var fired bool
	switch n.Direction {
	case CrossAbove:
		fired = n.prevLeft.LessThanOrEqual(n.prevRight) && l.GreaterThan(r)
	case CrossBelow:
		fired = n.prevLeft.GreaterThanOrEqual(n.prevRight) && l.LessThan(r)
	}

	n.prevLeft, n.prevRight = l, r
	return fromBool(fired)
}

package strategy

import (
	"github.com/aegis-trade/execution-core/internal/condition"
	"github.com/aegis-trade/execution-core/internal/model"
)

// State is the Strategy Service's lifecycle state for the currently
// loaded document.
type State string

const (
	StateIdle   State = "idle"
	StateActive State = "active"
	StateExpired State = "expired"
)

// CompiledPosition pairs a strategy position with its compiled
// condition trees. EntryCondition/InvalidationCondition are nil when
// the document didn't specify one.
type CompiledPosition struct {
	Position              model.StrategyPosition
	EntryCondition        condition.Node
	InvalidationCondition condition.Node
}

// Compiled is one hot-swappable compiled strategy: the parsed
// document, its content-hash id, and one condition tree per position.
// A new load discards the old Compiled wholesale so every crossing
// node starts clean.
type Compiled struct {
	Document   model.StrategyDocument
	StrategyID string
	Positions  []CompiledPosition
}

// Assets returns the union of every position's asset.
func (c *Compiled) Assets() []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range c.Positions {
		if !seen[p.Position.Asset] {
			seen[p.Position.Asset] = true
			out = append(out, p.Position.Asset)
		}
	}
	return out
}

// compile builds a Compiled from a validated document, parsing each
// position's entry/invalidation conditions.
func compile(doc model.StrategyDocument, strategyID string) (*Compiled, error) {
	c := &Compiled{Document: doc, StrategyID: strategyID}
	for _, pos := range doc.Positions {
		cp := CompiledPosition{Position: pos}
		if pos.EntryType == model.EntryConditional && pos.EntryCondition != "" {
			node, err := condition.Parse(pos.EntryCondition)
			if err != nil {
				return nil, err
			}
			cp.EntryCondition = node
		}
		if pos.InvalidationCondition != "" {
			node, err := condition.Parse(pos.InvalidationCondition)
			if err != nil {
				return nil, err
			}
			cp.InvalidationCondition = node
		}
		c.Positions = append(c.Positions, cp)
	}
	return c, nil
}

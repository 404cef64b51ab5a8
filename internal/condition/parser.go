package condition

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Parse compiles a condition DSL source string into a Node tree. Each
// call produces fresh CrossNode instances; a new Parse per strategy
// position at load time is required for crossing state to start clean.
func Parse(src string) (Node, error) {
	p := &parser{}
	toks, err := tokenize(src)
	if err != nil {
		return nil, fmt.Errorf("condition %q: %w", src, err)
	}
	p.toks = toks

	node, err := p.parseExpr()
	if err != nil {
		return nil, fmt.Errorf("condition %q: %w", src, err)
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("condition %q: unexpected trailing input at %q", src, describeTokens(p.toks[p.pos:]))
	}
	return node, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) advance() token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind) (token, error) {
	t := p.peek()
	if t.kind != kind {
		return token{}, fmt.Errorf("expected %s, got %q", kind, t.text)
	}
	return p.advance(), nil
}

func (p *parser) parseExpr() (Node, error) {
	t := p.peek()
	if t.kind != tokIdent {
		return nil, fmt.Errorf("expected expression, got %q", t.text)
	}

	switch t.text {
	case "AND", "OR":
		return p.parseVariadicLogic(t.text)
	case "NOT":
		return p.parseNot()
	case "crosses_above", "crosses_below":
		return p.parseCross(t.text)
	default:
		return p.parseComparison()
	}
}

func (p *parser) parseVariadicLogic(kind string) (Node, error) {
	p.advance() // AND/OR
	if _, err := p.expect(tokLParen); err != nil {
		return nil, err
	}
	var children []Node
	for {
		child, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		children = append(children, child)
		if p.peek().kind == tokComma {
			p.advance()
			continue
		}
		break
	}
	if _, err := p.expect(tokRParen); err != nil {
		return nil, err
	}
	if len(children) < 2 {
		return nil, fmt.Errorf("%s requires at least 2 children, got %d", kind, len(children))
	}
	if kind == "AND" {
		return AndNode{Children: children}, nil
	}
	return OrNode{Children: children}, nil
}

func (p *parser) parseNot() (Node, error) {
	p.advance() // NOT
	if _, err := p.expect(tokLParen); err != nil {
		return nil, err
	}
	child, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokRParen); err != nil {
		return nil, err
	}
	return NotNode{Child: child}, nil
}

func (p *parser) parseCross(kind string) (Node, error) {
	p.advance() // crosses_above/crosses_below
	if _, err := p.expect(tokLParen); err != nil {
		return nil, err
	}
	left, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokComma); err != nil {
		return nil, err
	}
	right, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokRParen); err != nil {
		return nil, err
	}
	dir := CrossAbove
	if kind == "crosses_below" {
		dir = CrossBelow
	}
	return &CrossNode{Left: left, Right: right, Direction: dir}, nil
}

func (p *parser) parseComparison() (Node, error) {
	left, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	opTok := p.peek()
	// Crossing operators are comparisons in the grammar, written infix:
	// MACD_histogram(BTC/USD) crosses_above 0. The prefix spelling
	// crosses_above(X, Y) is handled in parseExpr.
	if opTok.kind == tokIdent && (opTok.text == "crosses_above" || opTok.text == "crosses_below") {
		p.advance()
		right, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		dir := CrossAbove
		if opTok.text == "crosses_below" {
			dir = CrossBelow
		}
		return &CrossNode{Left: left, Right: right, Direction: dir}, nil
	}
	if opTok.kind != tokOp {
		return nil, fmt.Errorf("expected comparison operator, got %q", opTok.text)
	}
	p.advance()
	right, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	return CompareNode{Left: left, Right: right, Op: CompareOp(opTok.text)}, nil
}

func (p *parser) parseValue() (ValueNode, error) {
	t := p.peek()
	switch t.kind {
	case tokNumber:
		p.advance()
		d, err := decimal.NewFromString(t.text)
		if err != nil {
			return nil, fmt.Errorf("invalid numeric literal %q: %w", t.text, err)
		}
		return Literal{V: d}, nil
	case tokIdent:
		return p.parseIdentValue()
	default:
		return nil, fmt.Errorf("expected value, got %q", t.text)
	}
}

func (p *parser) parseIdentValue() (ValueNode, error) {
	name := p.advance().text
	if _, err := p.expect(tokLParen); err != nil {
		return nil, err
	}

	var parts []token
	for {
		if p.peek().kind == tokRParen {
			break
		}
		parts = append(parts, p.advance())
		if p.peek().kind == tokComma {
			p.advance()
			continue
		}
		break
	}
	if _, err := p.expect(tokRParen); err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%s() requires at least one argument", name)
	}

	if name == "price" {
		if len(parts) != 1 || parts[0].kind != tokIdent {
			return nil, fmt.Errorf("price() expects a single asset argument")
		}
		return PriceRef{Asset: parts[0].text}, nil
	}

	// FN(args…, ASSET): the trailing identifier token is the asset, any
	// leading numeric tokens are indicator parameters.
	last := parts[len(parts)-1]
	if last.kind != tokIdent {
		return nil, fmt.Errorf("%s() requires a trailing asset argument", name)
	}
	args := make([]decimal.Decimal, 0, len(parts)-1)
	for _, tok := range parts[:len(parts)-1] {
		if tok.kind != tokNumber {
			return nil, fmt.Errorf("%s() argument %q is not numeric", name, tok.text)
		}
		d, err := decimal.NewFromString(tok.text)
		if err != nil {
			return nil, fmt.Errorf("%s() invalid argument %q: %w", name, tok.text, err)
		}
		args = append(args, d)
	}
	return FuncRef{Name: name, Args: args, Asset: last.text}, nil
}

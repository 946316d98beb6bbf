// Package style implements the CSS-like "model_stylesheet" overlay: rules
// selected by node id/class/shape set default model-call attributes on
// matching nodes when ApplyStylesheet is called. The parse, validate and
// dispatch paths do not call it; validation only checks that a graph's
// model_stylesheet parses. When multiple rules match a node,
// the lowest-specificity rule applies first and later, more specific or
// later-declared rules win ties — the same cascade order CSS uses.
package style

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/attractor-run/control-plane/internal/attractor/model"
)

type SelectorKind int

const (
	SelectorUniversal SelectorKind = iota
	SelectorShape
	SelectorClass
	SelectorID
)

// overridableProps is the set of node attributes a stylesheet rule may set.
// These are exactly the "model" node attributes spec.md §4.3 lists as
// attached to node type "model", minus the ones that only make sense
// written by graph authors directly (prompt, output, tool).
var overridableProps = map[string]bool{
	"provider":    true,
	"model":       true,
	"model_id":    true,
	"reasoning":   true,
	"temperature": true,
	"max_tokens":  true,
}

type Rule struct {
	Kind        SelectorKind
	Value       string // id/class/shape; empty for universal
	Specificity int    // universal(0) < shape(1) < class(2) < id(3)
	Order       int    // source order (0..n-1)
	Decls       map[string]string
}

func ParseStylesheet(src string) ([]Rule, error) {
	p := &ssParser{s: src}
	return p.parse()
}

// ApplyStylesheet mutates the graph in place, filling in any of
// overridableProps a node doesn't already set explicitly.
func ApplyStylesheet(g *model.Graph, rules []Rule) error {
	if g == nil {
		return fmt.Errorf("style: graph is nil")
	}
	if len(rules) == 0 {
		return nil
	}
	for _, n := range g.Nodes {
		if n == nil {
			continue
		}
		applyToNode(g, n, rules)
	}
	return nil
}

func applyToNode(g *model.Graph, n *model.Node, rules []Rule) {
	for prop := range overridableProps {
		if _, ok := n.Attrs[prop]; ok {
			continue
		}
		bestSpec := -1
		bestOrder := -1
		bestVal := ""
		for _, r := range rules {
			if !ruleMatchesNode(r, n) {
				continue
			}
			v, ok := r.Decls[prop]
			if !ok {
				continue
			}
			if r.Specificity > bestSpec || (r.Specificity == bestSpec && r.Order > bestOrder) {
				bestSpec = r.Specificity
				bestOrder = r.Order
				bestVal = v
			}
		}
		if bestSpec >= 0 {
			n.Attrs[prop] = bestVal
			continue
		}
		if g != nil {
			if v, ok := g.Attrs[prop]; ok && strings.TrimSpace(v) != "" {
				n.Attrs[prop] = v
			}
		}
	}
}

func ruleMatchesNode(r Rule, n *model.Node) bool {
	switch r.Kind {
	case SelectorUniversal:
		return true
	case SelectorID:
		return n.ID == r.Value
	case SelectorClass:
		return n.HasClass(r.Value)
	case SelectorShape:
		return n.Shape() == r.Value || n.Type() == r.Value
	default:
		return false
	}
}

type ssParser struct {
	s    string
	i    int
	rule int
}

func (p *ssParser) parse() ([]Rule, error) {
	var rules []Rule
	for {
		p.skipSpace()
		if p.eof() {
			return rules, nil
		}
		r, err := p.parseRule()
		if err != nil {
			return nil, err
		}
		r.Order = p.rule
		p.rule++
		rules = append(rules, r)
	}
}

func (p *ssParser) parseRule() (Rule, error) {
	kind, val, spec, err := p.parseSelector()
	if err != nil {
		return Rule{}, err
	}
	p.skipSpace()
	if !p.consume("{") {
		return Rule{}, p.errf("expected '{' after selector")
	}
	decls := map[string]string{}
	for {
		p.skipSpace()
		if p.consume("}") {
			break
		}
		prop, err := p.parseIdent()
		if err != nil {
			return Rule{}, err
		}
		if !overridableProps[prop] {
			return Rule{}, p.errf("unknown stylesheet property %q", prop)
		}
		p.skipSpace()
		if !p.consume(":") {
			return Rule{}, p.errf("expected ':' after property")
		}
		p.skipSpace()
		val, err := p.parseValue()
		if err != nil {
			return Rule{}, err
		}
		decls[prop] = val
		p.skipSpace()
		_ = p.consume(";")
	}
	return Rule{Kind: kind, Value: val, Specificity: spec, Decls: decls}, nil
}

func (p *ssParser) parseSelector() (SelectorKind, string, int, error) {
	if p.consume("*") {
		return SelectorUniversal, "", 0, nil
	}
	if p.consume("#") {
		id, err := p.parseIdent()
		if err != nil {
			return 0, "", 0, err
		}
		return SelectorID, id, 3, nil
	}
	if p.consume(".") {
		class, err := p.parseClassName()
		if err != nil {
			return 0, "", 0, err
		}
		return SelectorClass, class, 2, nil
	}
	shape, err := p.parseIdentLike()
	if err != nil {
		return 0, "", 0, err
	}
	return SelectorShape, shape, 1, nil
}

func (p *ssParser) parseIdent() (string, error) {
	p.skipSpace()
	start := p.i
	if p.eof() || !isIdentStart(rune(p.s[p.i])) {
		return "", p.errf("expected identifier")
	}
	p.i++
	for !p.eof() && isIdentContinue(rune(p.s[p.i])) {
		p.i++
	}
	return p.s[start:p.i], nil
}

func (p *ssParser) parseClassName() (string, error) {
	p.skipSpace()
	start := p.i
	for !p.eof() {
		r := rune(p.s[p.i])
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' {
			p.i++
			continue
		}
		break
	}
	if start == p.i {
		return "", p.errf("expected class name")
	}
	return p.s[start:p.i], nil
}

func (p *ssParser) parseIdentLike() (string, error) {
	p.skipSpace()
	start := p.i
	for !p.eof() {
		r := rune(p.s[p.i])
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || r == '.' {
			p.i++
			continue
		}
		break
	}
	if start == p.i {
		return "", p.errf("expected identifier")
	}
	return strings.TrimSpace(p.s[start:p.i]), nil
}

func (p *ssParser) parseValue() (string, error) {
	if p.eof() {
		return "", p.errf("expected value")
	}
	if p.s[p.i] == '"' {
		return p.parseString()
	}
	start := p.i
	for !p.eof() && p.s[p.i] != ';' && p.s[p.i] != '}' {
		p.i++
	}
	return strings.TrimSpace(p.s[start:p.i]), nil
}

func (p *ssParser) parseString() (string, error) {
	if !p.consume(`"`) {
		return "", p.errf("expected string")
	}
	var b strings.Builder
	for !p.eof() {
		ch := p.s[p.i]
		p.i++
		if ch == '"' {
			return b.String(), nil
		}
		if ch == '\\' {
			if p.eof() {
				return "", p.errf("unterminated escape")
			}
			esc := p.s[p.i]
			p.i++
			switch esc {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case '\\':
				b.WriteByte('\\')
			case '"':
				b.WriteByte('"')
			default:
				b.WriteByte('\\')
				b.WriteByte(esc)
			}
			continue
		}
		b.WriteByte(ch)
	}
	return "", p.errf("unterminated string")
}

func (p *ssParser) skipSpace() {
	for !p.eof() {
		switch p.s[p.i] {
		case ' ', '\n', '\r', '\t':
			p.i++
		default:
			return
		}
	}
}

func (p *ssParser) consume(lit string) bool {
	if strings.HasPrefix(p.s[p.i:], lit) {
		p.i += len(lit)
		return true
	}
	return false
}

func (p *ssParser) eof() bool { return p.i >= len(p.s) }

func (p *ssParser) errf(format string, args ...any) error {
	return fmt.Errorf("stylesheet parse: "+format+" (at %d)", append(args, p.i)...)
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentContinue(r rune) bool {
	return isIdentStart(r) || unicode.IsDigit(r)
}

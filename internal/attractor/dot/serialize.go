package dot

import (
	"fmt"
	"sort"
	"strings"

	"github.com/attractor-run/control-plane/internal/attractor/model"
)

// Canonicalize renders g as deterministic DOT text: graph attributes,
// nodes, and edges in declaration order, with each attribute bag's keys
// sorted. Parsing Canonicalize's output and canonicalizing again yields
// byte-identical bytes, which is what attractor-content hashing relies on.
func Canonicalize(g *model.Graph) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "digraph %s {\n", quoteIfNeeded(g.Name))

	for _, k := range sortedKeys(g.Attrs) {
		fmt.Fprintf(&b, "  %s = %s;\n", k, quoteIfNeeded(g.Attrs[k]))
	}

	for _, id := range g.NodeIDsInOrder() {
		n := g.Nodes[id]
		b.WriteString("  " + quoteIfNeeded(id))
		writeAttrBlock(&b, n.Attrs)
		b.WriteString(";\n")
	}

	for _, e := range g.Edges {
		fmt.Fprintf(&b, "  %s -> %s", quoteIfNeeded(e.From), quoteIfNeeded(e.To))
		writeAttrBlock(&b, e.Attrs)
		b.WriteString(";\n")
	}

	b.WriteString("}\n")
	return []byte(b.String())
}

func writeAttrBlock(b *strings.Builder, attrs map[string]string) {
	keys := sortedKeys(attrs)
	if len(keys) == 0 {
		return
	}
	b.WriteString(" [")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(b, "%s=%s", k, quoteIfNeeded(attrs[k]))
	}
	b.WriteString("]")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func quoteIfNeeded(s string) string {
	if s != "" && isIdentStart(s[0]) {
		plain := true
		for i := 0; i < len(s); i++ {
			if !isIdentCont(s[i]) {
				plain = false
				break
			}
		}
		if plain {
			return s
		}
	}
	escaped := strings.ReplaceAll(s, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return `"` + escaped + `"`
}

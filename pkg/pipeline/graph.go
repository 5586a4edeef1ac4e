package pipeline

import (
	"fmt"
	"strings"

	gographviz "github.com/awalterschulze/gographviz"
)

// RecipeGraph renders the action plan as a directed graph: one node per
// action in queue order, an edge from each producer to every action reading
// its output, and a self-loop on recurring actions.
func RecipeGraph(r *Recipe) (*gographviz.Graph, error) {
	g := gographviz.NewGraph()
	name := r.Name
	if name == "" {
		name = "recipe"
	}
	if err := g.SetName(dotQuote(name)); err != nil {
		return nil, err
	}
	if err := g.SetDir(true); err != nil {
		return nil, err
	}
	if err := g.AddAttr(g.Name, "rankdir", "TB"); err != nil {
		return nil, fmt.Errorf("graph attr: %w", err)
	}

	producer := make(map[string]string)
	for i, a := range r.Actions {
		id := fmt.Sprintf("a%d", i+1)
		attrs := map[string]string{
			"label": dotQuote(fmt.Sprintf("%d: %s", i+1, a.String())),
			"shape": "box",
		}
		if !a.Fatal {
			attrs["style"] = "dashed"
		}
		if a.Primitive == exitPrimitive {
			attrs["shape"] = "doublecircle"
		}
		if err := g.AddNode(g.Name, id, attrs); err != nil {
			return nil, fmt.Errorf("graph node %s: %w", id, err)
		}

		for _, ref := range a.Refs() {
			from, ok := producer[ref]
			if !ok {
				continue
			}
			if err := g.AddEdge(from, id, true, map[string]string{"label": dotQuote(ref)}); err != nil {
				return nil, fmt.Errorf("graph edge %s -> %s: %w", from, id, err)
			}
		}
		if a.Recurring() {
			label := "loop"
			if a.Until != "" {
				label = "until " + a.Until
			}
			if err := g.AddEdge(id, id, true, map[string]string{"label": dotQuote(label), "style": "dotted"}); err != nil {
				return nil, fmt.Errorf("graph loop %s: %w", id, err)
			}
		}
		for _, out := range a.Outputs {
			if out != "_" {
				producer[out] = id
			}
		}
	}
	return g, nil
}

// dotQuote returns s as a quoted DOT string.
func dotQuote(s string) string {
	escaped := strings.ReplaceAll(s, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return `"` + escaped + `"`
}

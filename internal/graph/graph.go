// Package graph turns venue markets into a directed multigraph of currencies
// and enumerates bounded cycles through it.
package graph

import (
	"iter"
	"sort"

	"cyclearb/internal/model"
)

// minCycleLength is the shortest walk accepted as a cycle.
const minCycleLength = 3

// Graph is an adjacency list keyed by source currency.
type Graph map[string][]model.Edge

// Build derives two edges per active market: quote→base (buy) and base→quote (sell).
// Inactive markets and markets without base or quote are skipped.
func Build(markets map[string]model.Market) Graph {
	g := make(Graph)
	for symbol, m := range markets {
		if !m.Active || m.Base == "" || m.Quote == "" || m.Base == m.Quote {
			continue
		}
		if m.Symbol != "" {
			symbol = m.Symbol
		}
		g[m.Quote] = append(g[m.Quote], model.Edge{From: m.Quote, To: m.Base, Symbol: symbol, Side: model.Buy, Exchange: m.Exchange})
		g[m.Base] = append(g[m.Base], model.Edge{From: m.Base, To: m.Quote, Symbol: symbol, Side: model.Sell, Exchange: m.Exchange})
	}
	// Map iteration is random; sort so rebuilds traverse identically.
	for currency := range g {
		edges := g[currency]
		sort.Slice(edges, func(i, j int) bool {
			if edges[i].Symbol != edges[j].Symbol {
				return edges[i].Symbol < edges[j].Symbol
			}
			if edges[i].Exchange != edges[j].Exchange {
				return edges[i].Exchange < edges[j].Exchange
			}
			return edges[i].Side < edges[j].Side
		})
	}
	return g
}

// EdgeCount returns the total number of directed edges.
func (g Graph) EdgeCount() int {
	n := 0
	for _, edges := range g {
		n += len(edges)
	}
	return n
}

// Cycles lazily yields every walk from base back to base with 3..maxLen legs.
// Intermediate currencies may repeat; the base appears only at both ends.
// The sequence can be ranged over any number of times.
func Cycles(g Graph, base string, maxLen int) iter.Seq[model.Route] {
	return cycles(g, base, minCycleLength, maxLen)
}

// CyclesOfLength yields only the cycles with exactly n legs, so that a caller bounding the
// number of routes it looks at never spends that bound on other lengths.
func CyclesOfLength(g Graph, base string, n int) iter.Seq[model.Route] {
	return cycles(g, base, n, n)
}

func cycles(g Graph, base string, minLen, maxLen int) iter.Seq[model.Route] {
	minLen = max(minLen, minCycleLength)
	return func(yield func(model.Route) bool) {
		if maxLen < minLen {
			return
		}
		path := make(model.Route, 0, maxLen)
		var walk func(current string) bool
		walk = func(current string) bool {
			for _, e := range g[current] {
				path = append(path, e)
				if e.To == base {
					if len(path) >= minLen {
						route := make(model.Route, len(path))
						copy(route, path)
						if !yield(route) {
							return false
						}
					}
				} else if len(path) < maxLen {
					if !walk(e.To) {
						return false
					}
				}
				path = path[:len(path)-1]
			}
			return true
		}
		walk(base)
	}
}

// Invert returns the route traversed backwards: edges reversed, endpoints and sides swapped.
func Invert(route model.Route) model.Route {
	inverted := make(model.Route, len(route))
	for i, e := range route {
		inverted[len(route)-1-i] = model.Edge{
			From:     e.To,
			To:       e.From,
			Symbol:   e.Symbol,
			Side:     e.Side.Opposite(),
			Exchange: e.Exchange,
		}
	}
	return inverted
}

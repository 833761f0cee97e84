// Package derive provides a Transform that evaluates Mangle (Datalog) rules
// over the ledger snapshot and turns derived atoms into facets.
//
// Each evaluation loads the snapshot into a fresh in-memory fact store, so
// the transform is a pure function of the snapshot.
//
// EDB predicates exported from the snapshot:
//
//	facet(ID, Type, Content)
//	facet_stream(ID, Stream)
//	facet_attr(ID, Key, Value)      values rendered as strings
//	facet_link(ID, Target)
//	pinned(ID)  reference(ID)  cross_stream(ID)
//	stream(ID, Name)
//	focus(Stream)
//
// Rules produce facets through:
//
//	derived_facet(Key, Type, Content)
//	derived_pinned(Key)
//
// A derived facet gets the id "derived/<Type>/<Key>". When Key names a live
// facet, the derived facet inherits its streams and links back to it.
package derive

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"veil/internal/logging"
	"veil/internal/veil"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
)

// IDPrefix marks facets produced by a RuleTransform. Those facets are not
// exported back as EDB facts.
const IDPrefix = "derived/"

// Schema declares the predicates shared by every rule set.
const Schema = `
Decl facet(ID, Type, Content) bound [/string, /string, /string].
Decl facet_stream(ID, Stream) bound [/string, /string].
Decl facet_attr(ID, Key, Value) bound [/string, /string, /string].
Decl facet_link(ID, Target) bound [/string, /string].
Decl pinned(ID) bound [/string].
Decl reference(ID) bound [/string].
Decl cross_stream(ID) bound [/string].
Decl stream(ID, Name) bound [/string, /string].
Decl focus(Stream) bound [/string].

Decl derived_facet(Key, Type, Content) bound [/string, /string, /string].
Decl derived_pinned(Key) bound [/string].
`

var (
	symFacet       = ast.PredicateSym{Symbol: "facet", Arity: 3}
	symFacetStream = ast.PredicateSym{Symbol: "facet_stream", Arity: 2}
	symFacetAttr   = ast.PredicateSym{Symbol: "facet_attr", Arity: 3}
	symFacetLink   = ast.PredicateSym{Symbol: "facet_link", Arity: 2}
	symPinned      = ast.PredicateSym{Symbol: "pinned", Arity: 1}
	symReference   = ast.PredicateSym{Symbol: "reference", Arity: 1}
	symCrossStream = ast.PredicateSym{Symbol: "cross_stream", Arity: 1}
	symStream      = ast.PredicateSym{Symbol: "stream", Arity: 2}
	symFocus       = ast.PredicateSym{Symbol: "focus", Arity: 1}

	symDerivedFacet  = ast.PredicateSym{Symbol: "derived_facet", Arity: 3}
	symDerivedPinned = ast.PredicateSym{Symbol: "derived_pinned", Arity: 1}
)

// RuleTransform evaluates a compiled rule program against each snapshot.
// It is safe for concurrent use: evaluation never mutates the program.
type RuleTransform struct {
	programInfo *analysis.ProgramInfo
	ruleCount   int
}

// NewRuleTransform parses and analyzes rules on top of Schema.
func NewRuleTransform(rules string) (*RuleTransform, error) {
	unit, err := parse.Unit(strings.NewReader(Schema + "\n" + rules))
	if err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}

	programInfo, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze rules: %w", err)
	}

	logging.DeriveDebug("compiled rule program: %d rules, %d declared predicates",
		len(programInfo.Rules), len(programInfo.Decls))
	return &RuleTransform{programInfo: programInfo, ruleCount: len(programInfo.Rules)}, nil
}

// LoadRuleTransform reads a rule file and compiles it.
func LoadRuleTransform(path string) (*RuleTransform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file %s: %w", path, err)
	}
	t, err := NewRuleTransform(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// RuleCount returns the number of rules in the compiled program.
func (t *RuleTransform) RuleCount() int {
	return t.ruleCount
}

// Process evaluates the rules over state and returns the derived facets,
// ordered by id.
func (t *RuleTransform) Process(state *veil.Snapshot) ([]veil.Facet, error) {
	timer := logging.StartTimer(logging.CategoryDerive, "Process")
	defer timer.Stop()

	store := factstore.NewSimpleInMemoryStore()
	loaded := loadSnapshot(store, state)

	stats, err := mengine.EvalProgramWithStats(t.programInfo, store)
	if err != nil {
		logging.DeriveError("rule evaluation failed at seq %d: %v", state.Sequence(), err)
		return nil, fmt.Errorf("rule evaluation failed: %w", err)
	}
	logging.DeriveDebug("evaluated %d facts from seq %d: %+v", loaded, state.Sequence(), stats)

	return readDerived(store, state)
}

// readDerived collects the derived_facet results, pinning every key
// derived_pinned holds for, ordered by id.
func readDerived(store factstore.FactStore, state *veil.Snapshot) ([]veil.Facet, error) {
	pinned := make(map[string]bool)
	err := store.GetFacts(ast.NewQuery(symDerivedPinned), func(a ast.Atom) error {
		pinned[constString(a.Args[0])] = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read pinned facts: %w", err)
	}

	var out []veil.Facet
	err = store.GetFacts(ast.NewQuery(symDerivedFacet), func(a ast.Atom) error {
		key, typ, content := constString(a.Args[0]), constString(a.Args[1]), constString(a.Args[2])
		if key == "" || typ == "" {
			return nil
		}
		out = append(out, derivedFacet(state, key, typ, content, pinned[key]))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read derived facts: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func derivedFacet(state *veil.Snapshot, key, typ, content string, pinned bool) veil.Facet {
	f := veil.Facet{
		ID:         IDPrefix + typ + "/" + key,
		Type:       typ,
		Content:    content,
		Attributes: map[string]any{"source": key},
	}

	sal := &veil.Saliency{Pinned: pinned}
	if src, ok := state.Facet(key); ok {
		if streams := src.Facet.RelevantStreams(); len(streams) > 0 {
			sal.Streams = append([]string(nil), streams...)
		}
		sal.CrossStream = src.Facet.Saliency != nil && src.Facet.Saliency.CrossStream
		sal.LinkedTo = []string{key}
	}
	if pinned || len(sal.Streams) > 0 || sal.CrossStream || len(sal.LinkedTo) > 0 {
		f.Saliency = sal
	}
	return f
}

// loadSnapshot exports the snapshot as EDB facts and returns how many were added.
func loadSnapshot(store factstore.FactStore, state *veil.Snapshot) int {
	n := 0
	add := func(sym ast.PredicateSym, args ...string) {
		terms := make([]ast.BaseTerm, len(args))
		for i, a := range args {
			terms[i] = ast.String(a)
		}
		if store.Add(ast.Atom{Predicate: sym, Args: terms}) {
			n++
		}
	}

	for _, st := range state.Streams() {
		add(symStream, st.ID, st.Name)
	}
	if focus := state.Focus(); focus != "" {
		add(symFocus, focus)
	}

	for _, e := range state.Facets() {
		f := e.Facet
		if strings.HasPrefix(f.ID, IDPrefix) {
			continue
		}
		add(symFacet, f.ID, f.Type, f.Content)
		for _, s := range f.RelevantStreams() {
			add(symFacetStream, f.ID, s)
		}
		for k, v := range f.Attributes {
			add(symFacetAttr, f.ID, k, fmt.Sprint(v))
		}
		for _, target := range f.Links() {
			add(symFacetLink, f.ID, target)
		}
		if f.IsPinned() {
			add(symPinned, f.ID)
		}
		if f.IsReference() {
			add(symReference, f.ID)
		}
		if f.Saliency != nil && f.Saliency.CrossStream {
			add(symCrossStream, f.ID)
		}
	}
	return n
}

func constString(term ast.BaseTerm) string {
	c, ok := term.(ast.Constant)
	if !ok {
		return ""
	}
	switch c.Type {
	case ast.StringType, ast.NameType:
		return c.Symbol
	default:
		return c.String()
	}
}

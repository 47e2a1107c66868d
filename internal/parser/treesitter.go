package parser

import (
	"fmt"
	"strings"
	"unsafe"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"

	"github.com/dshills/reposearch-mcp/pkg/types"
)

// match classifies a top-level node. ok=false rejects the node.
type match func(n *tree_sitter.Node, src []byte) (element, name string, ok bool)

// container describes a node whose named children are scanned for elements.
// When nothing inside is accepted and emptyTag is set the node is emitted whole.
type container struct {
	children func(n *tree_sitter.Node) []*tree_sitter.Node
	emptyTag string
}

// grammar is the per-language extraction table.
type grammar struct {
	language string
	load     func() unsafe.Pointer

	rules      map[string]match
	wrappers   map[string]bool // nodes accepted when a child matches a rule
	containers map[string]container
	attach     map[string]bool // comment and attribute kinds glued to the next element
}

// TreeSitterParser extracts top-level definitions with a tree-sitter grammar.
type TreeSitterParser struct {
	g    *grammar
	lang *tree_sitter.Language
}

func newTreeSitterParser(g *grammar) (*TreeSitterParser, error) {
	lang := tree_sitter.NewLanguage(g.load())
	if lang == nil {
		return nil, fmt.Errorf("%w: %s", types.ErrGrammarInit, g.language)
	}
	probe := tree_sitter.NewParser()
	defer probe.Close()
	if err := probe.SetLanguage(lang); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", types.ErrGrammarInit, g.language, err)
	}
	return &TreeSitterParser{g: g, lang: lang}, nil
}

func (p *TreeSitterParser) Language() string {
	return p.g.language
}

// Parse returns one chunk per accepted definition, or fallback windows when
// nothing is accepted.
func (p *TreeSitterParser) Parse(content []byte, path string) ([]types.Chunk, error) {
	if isBlank(content) {
		return nil, nil
	}
	spans, err := p.spans(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p.toChunks(content, spans, path), nil
}

// spans returns the raw element spans without fallback.
func (p *TreeSitterParser) spans(content []byte) ([]span, error) {
	parser := tree_sitter.NewParser()
	defer parser.Close()
	if err := parser.SetLanguage(p.lang); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", types.ErrGrammarInit, p.g.language, err)
	}
	tree := parser.Parse(content, nil)
	if tree == nil {
		return nil, errParse(p.g.language)
	}
	defer tree.Close()

	w := &walker{g: p.g, src: content, prevEndRow: -1}
	w.scan(namedChildren(tree.RootNode()))
	return w.out, nil
}

func (p *TreeSitterParser) toChunks(content []byte, spans []span, path string) []types.Chunk {
	li := newLineIndex(content)
	chunks := make([]types.Chunk, 0, len(spans))
	for _, s := range spans {
		if isBlank(content[s.start:s.end]) {
			continue
		}
		chunks = append(chunks, makeChunk(content, li, s.start, s.end, s.element, s.name, p.g.language, path))
	}
	if len(chunks) == 0 {
		return lineWindows(content, FallbackWindowLines, types.FallbackElement, p.g.language, path)
	}
	return chunks
}

type span struct {
	start, end    int
	element, name string
}

type walker struct {
	g          *grammar
	src        []byte
	out        []span
	prevEnd    int
	prevEndRow int
}

// scan visits sibling nodes in order. It reports whether any element was emitted.
func (w *walker) scan(nodes []*tree_sitter.Node) bool {
	found := false
	var pending []*tree_sitter.Node
	for _, n := range nodes {
		kind := n.Kind()
		if w.g.attach[kind] {
			pending = append(pending, n)
			continue
		}

		if element, name, ok := w.classify(n); ok {
			w.emit(n, pending, element, name)
			found = true
			pending = nil
			continue
		}
		pending = nil

		if c, ok := w.g.containers[kind]; ok {
			if w.scan(c.children(n)) {
				found = true
			} else if c.emptyTag != "" {
				w.emit(n, nil, c.emptyTag, nodeName(n, w.src))
				found = true
			}
		}
	}
	return found
}

func (w *walker) classify(n *tree_sitter.Node) (string, string, bool) {
	kind := n.Kind()
	if rule, ok := w.g.rules[kind]; ok {
		return rule(n, w.src)
	}
	if w.g.wrappers[kind] {
		for _, c := range namedChildren(n) {
			if rule, ok := w.g.rules[c.Kind()]; ok {
				return rule(c, w.src)
			}
			if w.g.wrappers[c.Kind()] {
				if e, name, ok := w.classify(c); ok {
					return e, name, true
				}
			}
		}
	}
	return "", "", false
}

// emit records n, extended backwards over contiguous attachable siblings that
// neither overlap nor share a line with the previous element.
func (w *walker) emit(n *tree_sitter.Node, pending []*tree_sitter.Node, element, name string) {
	start := int(n.StartByte())
	curRow := int(n.StartPosition().Row)
	for i := len(pending) - 1; i >= 0; i-- {
		p := pending[i]
		if endRow(p)+1 < curRow {
			break
		}
		if int(p.StartByte()) < w.prevEnd || int(p.StartPosition().Row) <= w.prevEndRow {
			break
		}
		start = int(p.StartByte())
		curRow = int(p.StartPosition().Row)
	}
	end := int(n.EndByte())
	w.out = append(w.out, span{start: start, end: end, element: element, name: name})
	w.prevEnd = end
	w.prevEndRow = endRow(n)
}

// endRow returns the last row containing node text. A node whose end point
// sits at column 0 ends on the previous row.
func endRow(n *tree_sitter.Node) int {
	end := n.EndPosition()
	if end.Column == 0 && end.Row > n.StartPosition().Row {
		return int(end.Row) - 1
	}
	return int(end.Row)
}

func namedChildren(n *tree_sitter.Node) []*tree_sitter.Node {
	if n == nil {
		return nil
	}
	count := n.NamedChildCount()
	out := make([]*tree_sitter.Node, 0, count)
	for i := uint(0); i < count; i++ {
		if c := n.NamedChild(i); c != nil {
			out = append(out, c)
		}
	}
	return out
}

// fieldChildren returns the named children of the node stored in field.
func fieldChildren(field string) func(n *tree_sitter.Node) []*tree_sitter.Node {
	return func(n *tree_sitter.Node) []*tree_sitter.Node {
		return namedChildren(n.ChildByFieldName(field))
	}
}

// selfChildren scans the node's own named children.
func selfChildren(n *tree_sitter.Node) []*tree_sitter.Node {
	return namedChildren(n)
}

func text(n *tree_sitter.Node, src []byte) string {
	if n == nil {
		return ""
	}
	return n.Utf8Text(src)
}

// nodeName returns the text of the name field.
func nodeName(n *tree_sitter.Node, src []byte) string {
	return strings.TrimSpace(text(n.ChildByFieldName("name"), src))
}

// tag accepts the node with a fixed element type and its name field.
func tag(element string) match {
	return func(n *tree_sitter.Node, src []byte) (string, string, bool) {
		return element, nodeName(n, src), true
	}
}

// tagWithBody accepts the node only when it has a body, rejecting forward declarations.
func tagWithBody(element string) match {
	return func(n *tree_sitter.Node, src []byte) (string, string, bool) {
		if n.ChildByFieldName("body") == nil {
			return "", "", false
		}
		return element, nodeName(n, src), true
	}
}

func set(kinds ...string) map[string]bool {
	m := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		m[k] = true
	}
	return m
}

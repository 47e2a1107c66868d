package parser

import (
	"regexp"
	"sort"
	"strings"

	"github.com/dshills/reposearch-mcp/pkg/types"
)

var (
	vueOpenTag = regexp.MustCompile(`(?m)^<(script|template|style)\b([^>]*)>`)
	vueLangTS  = regexp.MustCompile(`\blang\s*=\s*["']?(ts|tsx)\b`)
)

// VueParser splits single-file components into their top-level blocks.
// Script blocks are parsed with the JavaScript or TypeScript grammar.
type VueParser struct {
	js, ts *TreeSitterParser
}

func NewVueParser(js, ts *TreeSitterParser) *VueParser {
	return &VueParser{js: js, ts: ts}
}

func (p *VueParser) Language() string {
	return types.LanguageVue
}

func (p *VueParser) Parse(content []byte, path string) ([]types.Chunk, error) {
	if isBlank(content) {
		return nil, nil
	}
	src := string(content)
	var spans []span
	for pos := 0; pos < len(src); {
		loc := vueOpenTag.FindStringSubmatchIndex(src[pos:])
		if loc == nil {
			break
		}
		name := src[pos+loc[2] : pos+loc[3]]
		attrs := src[pos+loc[4] : pos+loc[5]]
		open, bodyStart := pos+loc[0], pos+loc[1]

		closeTag := "\n</" + name + ">"
		rel := strings.Index(src[bodyStart:], closeTag)
		if rel < 0 {
			break
		}
		bodyEnd := bodyStart + rel + 1
		blockEnd := bodyEnd + len(closeTag) - 1
		pos = blockEnd

		switch name {
		case "template":
			spans = append(spans, span{start: open, end: blockEnd, element: types.ElementTemplateSFC})
		case "style":
			spans = append(spans, span{start: open, end: blockEnd, element: types.ElementStyleSFC})
		case "script":
			parser := p.js
			if vueLangTS.MatchString(attrs) {
				parser = p.ts
			}
			inner, err := parser.spans(content[bodyStart:bodyEnd])
			if err != nil || len(inner) == 0 {
				spans = append(spans, span{start: open, end: blockEnd, element: types.ElementScriptSFC})
				continue
			}
			for _, s := range inner {
				s.start += bodyStart
				s.end += bodyStart
				spans = append(spans, s)
			}
		}
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	li := newLineIndex(content)
	var chunks []types.Chunk
	for _, s := range spans {
		if isBlank(content[s.start:s.end]) {
			continue
		}
		chunks = append(chunks, makeChunk(content, li, s.start, s.end, s.element, s.name, types.LanguageVue, path))
	}
	if len(chunks) == 0 {
		return lineWindows(content, FallbackWindowLines, types.FallbackElement, types.LanguageVue, path), nil
	}
	return chunks, nil
}

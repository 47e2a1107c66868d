package parser

import (
	"bytes"
	"errors"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/dshills/reposearch-mcp/pkg/types"
)

// YAMLParser emits one chunk per top-level mapping key of each document.
type YAMLParser struct{}

func NewYAMLParser() *YAMLParser {
	return &YAMLParser{}
}

func (p *YAMLParser) Language() string {
	return types.LanguageYAML
}

// yamlEntry is a chunk anchor: the first line of a key or document.
type yamlEntry struct {
	line    int
	element string
	name    string
}

func (p *YAMLParser) Parse(content []byte, path string) ([]types.Chunk, error) {
	if isBlank(content) {
		return nil, nil
	}
	entries, err := yamlEntries(content)
	if err != nil || len(entries) == 0 {
		return lineWindows(content, FallbackWindowLines, types.FallbackElement, types.LanguageYAML, path), nil
	}

	li := newLineIndex(content)
	var chunks []types.Chunk
	for i, e := range entries {
		last := li.count()
		if i+1 < len(entries) {
			last = entries[i+1].line - 1
		}
		last = trimYAMLTail(content, li, e.line, last)
		if last < e.line {
			continue
		}
		start, end := li.start(e.line), li.end(last)
		chunks = append(chunks, makeChunk(content, li, start, end, e.element, e.name, types.LanguageYAML, path))
	}
	return chunks, nil
}

func yamlEntries(content []byte) ([]yamlEntry, error) {
	dec := yaml.NewDecoder(bytes.NewReader(content))
	var entries []yamlEntry
	for {
		var doc yaml.Node
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(doc.Content) == 0 {
			continue
		}
		root := doc.Content[0]
		before := len(entries)
		if root.Kind == yaml.MappingNode && root.Style&yaml.FlowStyle == 0 {
			for i := 0; i+1 < len(root.Content); i += 2 {
				key := root.Content[i]
				// Keys sharing a line with the previous anchor stay in its chunk.
				if n := len(entries); n > before && entries[n-1].line >= key.Line {
					continue
				}
				entries = append(entries, yamlEntry{line: key.Line, element: types.ElementYAMLKey, name: key.Value})
			}
		}
		if len(entries) == before {
			line := root.Line
			if n := len(entries); n > 0 && entries[n-1].line >= line {
				continue
			}
			entries = append(entries, yamlEntry{line: line, element: types.ElementYAMLDocument})
		}
	}
	return entries, nil
}

// trimYAMLTail drops trailing blank lines and document markers.
func trimYAMLTail(src []byte, li *lineIndex, first, last int) int {
	for last >= first {
		line := bytes.TrimSpace(src[li.start(last):li.end(last)])
		if len(line) != 0 && !bytes.Equal(line, []byte("---")) && !bytes.Equal(line, []byte("...")) {
			break
		}
		last--
	}
	return last
}

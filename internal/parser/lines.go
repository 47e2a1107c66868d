package parser

import (
	"bytes"
	"sort"

	"github.com/dshills/reposearch-mcp/pkg/types"
)

// lineIndex maps byte offsets to 1-based line numbers.
type lineIndex struct {
	starts []int // byte offset of each line start
	size   int
}

func newLineIndex(src []byte) *lineIndex {
	li := &lineIndex{starts: []int{0}, size: len(src)}
	for i, b := range src {
		if b == '\n' && i+1 < len(src) {
			li.starts = append(li.starts, i+1)
		}
	}
	if len(src) == 0 {
		li.starts = nil
	}
	return li
}

// count returns the number of lines. A trailing newline does not open a new line.
func (li *lineIndex) count() int {
	return len(li.starts)
}

// lineOf returns the 1-based line containing byte offset off.
func (li *lineIndex) lineOf(off int) int {
	return sort.Search(len(li.starts), func(i int) bool { return li.starts[i] > off })
}

// start returns the byte offset of the first byte of a 1-based line.
func (li *lineIndex) start(line int) int {
	return li.starts[line-1]
}

// end returns the exclusive byte offset past a 1-based line, including its newline.
func (li *lineIndex) end(line int) int {
	if line >= len(li.starts) {
		return li.size
	}
	return li.starts[line]
}

// isBlank reports whether b contains only whitespace.
func isBlank(b []byte) bool {
	return len(bytes.TrimSpace(b)) == 0
}

// makeChunk builds a chunk over src[start:end] whose content is verbatim.
func makeChunk(src []byte, li *lineIndex, start, end int, element, name, language, path string) types.Chunk {
	return types.Chunk{
		Content:     string(src[start:end]),
		StartLine:   li.lineOf(start),
		EndLine:     li.lineOf(end - 1),
		StartByte:   start,
		EndByte:     end,
		ElementType: element,
		ElementName: name,
		Language:    language,
		FilePath:    path,
	}
}

// lineWindows splits src into windows of size lines. Windows containing only
// whitespace are skipped; tag receives the 1-based window ordinal.
func lineWindows(src []byte, size int, tag func(k int) string, language, path string) []types.Chunk {
	if isBlank(src) {
		return nil
	}
	li := newLineIndex(src)
	var chunks []types.Chunk
	for k, first := 1, 1; first <= li.count(); k, first = k+1, first+size {
		last := min(first+size-1, li.count())
		start, end := li.start(first), li.end(last)
		if isBlank(src[start:end]) {
			continue
		}
		chunks = append(chunks, makeChunk(src, li, start, end, tag(k), "", language, path))
	}
	return chunks
}

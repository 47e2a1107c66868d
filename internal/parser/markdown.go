package parser

import (
	"bytes"
	"strings"

	"github.com/dshills/reposearch-mcp/pkg/types"
)

// MarkdownParser chunks documents by ATX heading. Each section chunk is
// prefixed with the headings of its ancestors so it embeds with its context.
type MarkdownParser struct {
	budget int
}

func NewMarkdownParser() *MarkdownParser {
	return &MarkdownParser{budget: SectionBudgetBytes}
}

func (p *MarkdownParser) Language() string {
	return types.LanguageMarkdown
}

type heading struct {
	line  int // 1-based
	depth int
	title string
	raw   string // heading line without its newline
}

func (p *MarkdownParser) Parse(content []byte, path string) ([]types.Chunk, error) {
	if isBlank(content) {
		return nil, nil
	}
	li := newLineIndex(content)
	headings := findHeadings(content, li)
	if len(headings) == 0 {
		return p.plainText(content, li, 0, len(content), path), nil
	}

	var chunks []types.Chunk
	if pre := li.start(headings[0].line); !isBlank(content[:pre]) {
		chunks = append(chunks, p.plainText(content, li, 0, pre, path)...)
	}

	var stack []heading
	for i, h := range headings {
		for len(stack) > 0 && stack[len(stack)-1].depth >= h.depth {
			stack = stack[:len(stack)-1]
		}
		ancestors := make([]string, len(stack))
		for j, a := range stack {
			ancestors[j] = a.raw
		}
		stack = append(stack, h)

		start := li.start(h.line)
		end := len(content)
		if i+1 < len(headings) {
			end = li.start(headings[i+1].line)
		}
		if isBlank(content[li.end(h.line):end]) {
			continue
		}
		end = trimTrailingBlank(content, start, end)
		chunks = append(chunks, p.section(content, li, start, end, h, ancestors, path)...)
	}
	return chunks, nil
}

// section emits one chunk, or paragraph-aligned splits when the raw section
// exceeds the byte budget.
func (p *MarkdownParser) section(src []byte, li *lineIndex, start, end int, h heading, ancestors []string, path string) []types.Chunk {
	element := types.SectionElement(h.depth)
	prefix := ""
	if len(ancestors) > 0 {
		prefix = strings.Join(ancestors, "\n") + "\n\n"
	}
	pieces := splitParagraphs(src, start, end, p.budget)
	if len(pieces) == 1 {
		c := makeChunk(src, li, start, end, element, h.title, types.LanguageMarkdown, path)
		c.Content = prefix + c.Content
		return []types.Chunk{c}
	}
	chunks := make([]types.Chunk, 0, len(pieces))
	for k, piece := range pieces {
		c := makeChunk(src, li, piece[0], piece[1], types.SplitElement(element, k+1), h.title, types.LanguageMarkdown, path)
		if k == 0 {
			c.Content = prefix + c.Content
		} else {
			c.Content = prefix + h.raw + "\n\n" + c.Content
		}
		chunks = append(chunks, c)
	}
	return chunks
}

// plainText emits src[start:end] as root_plain_text, split into 500-line
// windows when longer.
func (p *MarkdownParser) plainText(src []byte, li *lineIndex, start, end int, path string) []types.Chunk {
	end = trimTrailingBlank(src, start, end)
	if end <= start {
		return nil
	}
	first, last := li.lineOf(start), li.lineOf(end-1)
	if last-first+1 <= PlainTextWindowLines {
		return []types.Chunk{makeChunk(src, li, start, end, types.ElementRootPlainText, "", types.LanguageMarkdown, path)}
	}
	tag := func(k int) string { return types.SplitElement(types.ElementRootPlainText, k) }
	return lineWindows(src[:end], PlainTextWindowLines, tag, types.LanguageMarkdown, path)
}

// findHeadings returns ATX headings outside fenced code blocks.
func findHeadings(src []byte, li *lineIndex) []heading {
	var out []heading
	fence := ""
	for line := 1; line <= li.count(); line++ {
		raw := strings.TrimRight(string(src[li.start(line):li.end(line)]), "\r\n")
		trimmed := strings.TrimLeft(raw, " ")
		indent := len(raw) - len(trimmed)

		if indent <= 3 {
			if marker := fenceMarker(trimmed); marker != "" {
				switch {
				case fence == "":
					fence = marker
				case strings.HasPrefix(marker, fence[:1]) && len(marker) >= len(fence) && strings.TrimSpace(trimmed[len(marker):]) == "":
					fence = ""
				}
				continue
			}
		}
		if fence != "" || indent > 3 {
			continue
		}
		if h, ok := atxHeading(trimmed); ok {
			h.line = line
			h.raw = strings.TrimRight(raw, " \t")
			out = append(out, h)
		}
	}
	return out
}

func fenceMarker(s string) string {
	for _, c := range []byte{'`', '~'} {
		n := 0
		for n < len(s) && s[n] == c {
			n++
		}
		if n >= 3 {
			return s[:n]
		}
	}
	return ""
}

func atxHeading(s string) (heading, bool) {
	depth := 0
	for depth < len(s) && s[depth] == '#' {
		depth++
	}
	if depth == 0 || depth > 6 {
		return heading{}, false
	}
	rest := s[depth:]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		return heading{}, false
	}
	title := strings.TrimSpace(rest)
	// Optional closing sequence.
	if t := strings.TrimRight(title, "#"); t == "" || strings.HasSuffix(t, " ") || strings.HasSuffix(t, "\t") {
		title = strings.TrimSpace(t)
	}
	return heading{depth: depth, title: title}, true
}

// splitParagraphs cuts src[start:end] at blank lines into pieces of at most
// budget bytes. A single paragraph over budget becomes its own piece.
func splitParagraphs(src []byte, start, end, budget int) [][2]int {
	if end-start <= budget {
		return [][2]int{{start, end}}
	}
	var paras [][2]int
	pos, paraStart := start, start
	for pos < end {
		next := bytes.IndexByte(src[pos:end], '\n')
		lineEnd := end
		if next >= 0 {
			lineEnd = pos + next + 1
		}
		if isBlank(src[pos:lineEnd]) && pos > paraStart {
			paras = append(paras, [2]int{paraStart, lineEnd})
			paraStart = lineEnd
		}
		pos = lineEnd
	}
	if paraStart < end {
		paras = append(paras, [2]int{paraStart, end})
	}

	var pieces [][2]int
	cur := paras[0]
	for _, para := range paras[1:] {
		if para[1]-cur[0] > budget {
			pieces = append(pieces, cur)
			cur = para
			continue
		}
		cur[1] = para[1]
	}
	pieces = append(pieces, cur)

	for i := range pieces {
		pieces[i][1] = trimTrailingBlank(src, pieces[i][0], pieces[i][1])
	}
	return pieces
}

// trimTrailingBlank moves end back past trailing whitespace-only lines,
// keeping the newline of the last non-blank line.
func trimTrailingBlank(src []byte, start, end int) int {
	trimmed := start + len(bytes.TrimRight(src[start:end], " \t\r\n"))
	if trimmed == start {
		return start
	}
	if nl := bytes.IndexByte(src[trimmed:end], '\n'); nl >= 0 {
		return trimmed + nl + 1
	}
	return end
}

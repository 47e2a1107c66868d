// Package parser turns source files into chunks: contiguous, non-overlapping
// regions aligned to the constructs a reader would search for.
//
// Code languages (Rust, C++, Python, Go, Ruby, JavaScript, TypeScript) are
// parsed with tree-sitter grammars. Each grammar is a table mapping top-level
// node kinds to element tags; wrapper and container kinds (export statements,
// decorated definitions, namespaces, extern "C" blocks) are descended so that
// nested definitions still surface as whole chunks. Comments directly above a
// definition, with no blank line in between, are part of its chunk.
//
// Markdown is chunked by ATX heading, YAML by top-level key, and Vue
// single-file components by block. Anything else, and any code file with no
// recognised definitions, is split into fixed line windows.
//
//	reg, err := parser.NewRegistry()
//	if err != nil {
//	    return err
//	}
//	chunks, err := reg.Parse(content, "src/lib.rs")
package parser

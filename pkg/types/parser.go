package types

import (
	"path/filepath"
	"strings"
)

// Language identifiers recorded in chunk metadata and point payloads.
const (
	LanguageRust       = "rust"
	LanguageCpp        = "cpp"
	LanguagePython     = "python"
	LanguageGo         = "go"
	LanguageRuby       = "ruby"
	LanguageJavaScript = "javascript"
	LanguageTypeScript = "typescript"
	LanguageTSX        = "tsx"
	LanguageVue        = "vue"
	LanguageYAML       = "yaml"
	LanguageMarkdown   = "markdown"
	LanguageText       = "text"
)

var extensionLanguages = map[string]string{
	".rs":       LanguageRust,
	".cpp":      LanguageCpp,
	".cc":       LanguageCpp,
	".cxx":      LanguageCpp,
	".c":        LanguageCpp,
	".h":        LanguageCpp,
	".hh":       LanguageCpp,
	".hpp":      LanguageCpp,
	".hxx":      LanguageCpp,
	".py":       LanguagePython,
	".pyi":      LanguagePython,
	".go":       LanguageGo,
	".rb":       LanguageRuby,
	".rake":     LanguageRuby,
	".js":       LanguageJavaScript,
	".jsx":      LanguageJavaScript,
	".mjs":      LanguageJavaScript,
	".cjs":      LanguageJavaScript,
	".ts":       LanguageTypeScript,
	".mts":      LanguageTypeScript,
	".cts":      LanguageTypeScript,
	".tsx":      LanguageTSX,
	".vue":      LanguageVue,
	".yaml":     LanguageYAML,
	".yml":      LanguageYAML,
	".md":       LanguageMarkdown,
	".markdown": LanguageMarkdown,
}

// LanguageForPath returns the language identifier for a file path based on
// its extension. Unknown extensions map to LanguageText.
func LanguageForPath(path string) string {
	if lang, ok := extensionLanguages[strings.ToLower(filepath.Ext(path))]; ok {
		return lang
	}
	return LanguageText
}

// Extension returns the lowercased extension of path without the leading dot.
func Extension(path string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
}

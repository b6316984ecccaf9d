package apc

// Index is the read-only lookup surface the adapter needs from a project
// scan. The scanner itself is external; the adapter only queries.
type Index interface {
	// FindFilesByPattern returns paths matching a substring or glob-like
	// pattern, optionally filtered by file type, at most limit entries.
	FindFilesByPattern(pattern, fileType string, limit int) []string
	// FindByExport returns the files that export the given symbol.
	FindByExport(name string) []string
	// DependenciesOf returns the direct dependencies of a file.
	DependenciesOf(path string) []string
	// Answer handles a natural-language structural question.
	Answer(question string) string
}

// Scanner builds an Index for a project root. Injected so the adapter
// stays independent of any concrete scanning tool.
type Scanner func(projectRoot string, scanDepth int) (Index, error)

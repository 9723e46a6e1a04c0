// Package search runs web queries and page fetches through the command
// channel, with per-engine pacing and a bounded retry for rate-limited
// providers.
//
// The channel only carries opaque text, so every remote command issued
// here self-reports its transport status by appending a status trailer
// line to its own output (curl -w); the client parses and strips the
// trailer before any result text reaches a parser. Everything that came
// back from the network is wrapped in untrusted-content markers before it
// is handed to downstream consumers.
package search

import (
	"strings"
)

// Result is one search hit: a URL and a short excerpt.
type Result struct {
	URL     string
	Excerpt string
}

// ParseFunc consumes the plain-text output of an engine's search command
// and returns result records. Parsers are external collaborators; the
// client hands them status-stripped text only.
type ParseFunc func(text string) []Result

// Engine describes one search provider.
type Engine struct {
	// Name identifies the engine ("ddg-lite"). Pacing state is keyed by it.
	Name string

	// SearchCommand is the remote command template. The {query} placeholder
	// is replaced with the shell-quoted query; the template must emit its
	// transport status via the standard trailer (see StatusTrailerArg).
	SearchCommand string

	// Parse converts the engine's plain-text output into records.
	// Engines loaded from the catalog without a registered parser fall
	// back to ParseLines.
	Parse ParseFunc
}

// Command returns the concrete search command for a query.
func (e Engine) Command(query string) string {
	return strings.ReplaceAll(e.SearchCommand, "{query}", ShellQuote(query))
}

// Registry holds the available engines.
type Registry struct {
	engines []Engine
}

// NewRegistry creates a registry with the given engines.
func NewRegistry(engines ...Engine) *Registry {
	return &Registry{engines: engines}
}

// Add registers an engine, replacing any existing engine with the same name.
func (r *Registry) Add(e Engine) {
	for i, existing := range r.engines {
		if existing.Name == e.Name {
			r.engines[i] = e
			return
		}
	}
	r.engines = append(r.engines, e)
}

// Get returns the engine with the given name, or nil if not found.
func (r *Registry) Get(name string) *Engine {
	for i := range r.engines {
		if r.engines[i].Name == name {
			return &r.engines[i]
		}
	}
	return nil
}

// Names returns all registered engine names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.engines))
	for _, e := range r.engines {
		names = append(names, e.Name)
	}
	return names
}

// ShellQuote wraps s in single quotes, escaping embedded single quotes,
// so it is safe to substitute into a shell command line.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// ParseLines is the fallback parser: each non-empty line is either
// "url<TAB>excerpt" or a bare URL.
func ParseLines(text string) []Result {
	var results []Result
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		url, excerpt, ok := strings.Cut(line, "\t")
		if !ok {
			url = line
		}
		if !strings.Contains(url, "://") {
			continue
		}
		results = append(results, Result{URL: url, Excerpt: excerpt})
	}
	return results
}

// DefaultEngines returns the built-in engine set.
func DefaultEngines() []Engine {
	return []Engine{
		{
			Name: "ddg-lite",
			SearchCommand: "curl -s -A 'Mozilla/5.0 (X11; Linux x86_64)' " +
				StatusTrailerArg + " 'https://lite.duckduckgo.com/lite/?q='{query}",
			Parse: ParseLines,
		},
	}
}

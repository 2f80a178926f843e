// Package catalog is the router's "model phonebook": approximate
// in-memory size estimates keyed by name pattern, task-keyed fallback
// chains, and the regular expressions that identify out-of-memory
// failures in backend output.
package catalog

import (
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/fleetllm/fleet/internal/domain"
)

// Config overrides and augments the built-in tables.
type Config struct {
	// ModelSizes maps name globs to byte estimates; merged over the
	// built-in table, overrides win.
	ModelSizes map[string]int64
	// FallbackChains maps task kinds to ordered model chains,
	// most-demanding first. Task kinds are opaque caller-supplied tags.
	FallbackChains map[string][]string
	// OOMPatterns replaces the default out-of-memory regex list when set.
	OOMPatterns []string
	// FitSlackBytes widens fit checks: a model fits when its estimate is
	// within free memory plus this slack. Covers quantization variance.
	FitSlackBytes int64
}

// defaultOOMPatterns match backend error text that indicates the model
// did not fit. Case-insensitive.
var defaultOOMPatterns = []string{
	`out of memory`,
	`\boom\b`,
	`cannot allocate`,
	`resource exhausted`,
	`\bkilled\b`,
	`\bterminated\b`,
	`signal: killed`,
}

// chainKey identifies one fallback chain.
type chainKey struct {
	taskKind     string
	initialModel string
}

// Catalog implements domain.Catalog. Immutable after New.
type Catalog struct {
	mu        sync.RWMutex
	sizeGlobs []sizeEntry
	chains    map[chainKey][]string
	oom       []*regexp.Regexp
	fitSlack  int64
}

type sizeEntry struct {
	glob  string
	bytes int64
}

// New builds a catalog from the built-in tables plus cfg's overrides.
// Invalid OOM patterns and invalid globs are dropped silently rather
// than failing startup; the built-ins always compile.
func New(cfg Config) *Catalog {
	c := &Catalog{
		chains:   make(map[chainKey][]string),
		fitSlack: cfg.FitSlackBytes,
	}

	merged := make(map[string]int64, len(defaultModelSizes)+len(cfg.ModelSizes))
	for glob, size := range defaultModelSizes {
		merged[glob] = size
	}
	for glob, size := range cfg.ModelSizes {
		merged[glob] = size
	}
	for glob, size := range merged {
		if _, err := path.Match(glob, "probe"); err != nil {
			continue
		}
		c.sizeGlobs = append(c.sizeGlobs, sizeEntry{glob: glob, bytes: size})
	}
	// Longest glob first: "*70b*" should not shadow "llama3:70b-q8".
	sort.Slice(c.sizeGlobs, func(i, j int) bool {
		if len(c.sizeGlobs[i].glob) != len(c.sizeGlobs[j].glob) {
			return len(c.sizeGlobs[i].glob) > len(c.sizeGlobs[j].glob)
		}
		return c.sizeGlobs[i].glob < c.sizeGlobs[j].glob
	})

	for taskKind, chain := range cfg.FallbackChains {
		if len(chain) == 0 {
			continue
		}
		key := chainKey{taskKind: taskKind, initialModel: chain[0]}
		c.chains[key] = append([]string(nil), chain...)
	}

	patterns := cfg.OOMPatterns
	if len(patterns) == 0 {
		patterns = defaultOOMPatterns
	}
	for _, p := range patterns {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			continue
		}
		c.oom = append(c.oom, re)
	}

	return c
}

// ApproxSize returns the estimated in-memory size in bytes, 0 if unknown.
func (c *Catalog) ApproxSize(model string) int64 {
	name := strings.ToLower(model)
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.sizeGlobs {
		if ok, _ := path.Match(e.glob, name); ok {
			return e.bytes
		}
	}
	return 0
}

// Fits reports whether the model fits the node's free memory: VRAM for
// GPU nodes, RAM otherwise. Unknown model sizes and unknown node memory
// (total reported as 0) pass the check but with confident=false.
func (c *Catalog) Fits(model string, node *domain.Node) (ok, confident bool) {
	size := c.ApproxSize(model)
	if size == 0 {
		return true, false
	}

	// A model already resident always fits.
	if node.HasLoaded(model) {
		return true, true
	}

	var free, total int64
	if node.IsGPU() {
		free, total = node.VRAMFreeBytes, node.VRAMTotalBytes
	} else {
		free, total = node.RAMFreeBytes, node.RAMTotalBytes
	}
	if total == 0 {
		// Memory unreported — never exclude on a fit check alone.
		return true, false
	}
	return size <= free+c.fitSlack, true
}

// FallbackAfter returns the model following `model` in the task's chain,
// or false when no smaller model remains (or no chain exists).
func (c *Catalog) FallbackAfter(model, taskKind string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for key, chain := range c.chains {
		if key.taskKind != taskKind {
			continue
		}
		for i, m := range chain {
			if m == model && i+1 < len(chain) {
				return chain[i+1], true
			}
		}
	}
	return "", false
}

// Chain returns the full chain starting at initialModel for the task.
func (c *Catalog) Chain(taskKind, initialModel string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if chain, ok := c.chains[chainKey{taskKind: taskKind, initialModel: initialModel}]; ok {
		return append([]string(nil), chain...)
	}
	return nil
}

// LooksLikeOOM reports whether text matches any out-of-memory signature.
func (c *Catalog) LooksLikeOOM(text string) bool {
	if text == "" {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, re := range c.oom {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

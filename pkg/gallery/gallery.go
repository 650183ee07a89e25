// Package gallery builds the in-memory set of labeled reference templates that
// a recognition session matches against.
package gallery

import (
	"github.com/MrCodeEU/rollcall/pkg/recognition"
)

// Entry is one labeled reference template.
type Entry struct {
	Label     string
	Embedding recognition.Embedding
}

// Gallery maps labels to embeddings and remembers insertion order, which the
// matcher uses to break exact distance ties.
type Gallery struct {
	entries []Entry
	index   map[string]int
}

// New returns an empty gallery.
func New() *Gallery {
	return &Gallery{index: make(map[string]int)}
}

// Put adds or replaces the entry for label. A replaced label keeps its
// original position. It reports whether an existing entry was overwritten.
func (g *Gallery) Put(label string, emb recognition.Embedding) bool {
	if i, ok := g.index[label]; ok {
		g.entries[i].Embedding = emb
		return true
	}
	g.index[label] = len(g.entries)
	g.entries = append(g.entries, Entry{Label: label, Embedding: emb})
	return false
}

// Lookup returns the embedding stored for label.
func (g *Gallery) Lookup(label string) (recognition.Embedding, bool) {
	i, ok := g.index[label]
	if !ok {
		return nil, false
	}
	return g.entries[i].Embedding, true
}

// Len returns the number of entries.
func (g *Gallery) Len() int {
	if g == nil {
		return 0
	}
	return len(g.entries)
}

// Entries returns the entries in insertion order. The slice must not be modified.
func (g *Gallery) Entries() []Entry {
	if g == nil {
		return nil
	}
	return g.entries
}

// Labels returns the labels in insertion order.
func (g *Gallery) Labels() []string {
	labels := make([]string, 0, g.Len())
	for _, e := range g.Entries() {
		labels = append(labels, e.Label)
	}
	return labels
}

// Dim returns the embedding length of the gallery, or 0 when empty.
func (g *Gallery) Dim() int {
	if g.Len() == 0 {
		return 0
	}
	return len(g.entries[0].Embedding)
}

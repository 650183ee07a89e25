// Package matcher performs nearest-neighbour classification of a query
// embedding against a gallery, rejecting candidates beyond a tolerance.
package matcher

import (
	"fmt"

	"github.com/MrCodeEU/rollcall/pkg/gallery"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
)

// DefaultTolerance is the maximum admissible distance. Smaller is stricter.
const DefaultTolerance = 0.6

// Unknown is the label reported when no gallery entry is admissible.
const Unknown = "Unknown"

// Result is the outcome of matching one query.
type Result struct {
	Label    string
	Distance float64
	Known    bool
}

// Match returns the admissible gallery entry closest to query. An entry is
// admissible when its distance is at most tolerance. Exact ties go to the
// entry inserted first. An empty gallery always yields Unknown.
func Match(g *gallery.Gallery, query recognition.Embedding, tolerance float64) (Result, error) {
	best := Result{Label: Unknown}
	if g.Len() == 0 {
		return best, nil
	}
	if len(query) != g.Dim() {
		return best, fmt.Errorf("%w: query has %d, gallery has %d",
			recognition.ErrDimensionMismatch, len(query), g.Dim())
	}

	for _, e := range g.Entries() {
		d, err := recognition.EuclideanDistance(query, e.Embedding)
		if err != nil {
			return Result{Label: Unknown}, fmt.Errorf("entry %q: %w", e.Label, err)
		}
		// NaN distances are never admissible.
		if !(d <= tolerance) {
			continue
		}
		if !best.Known || d < best.Distance {
			best = Result{Label: e.Label, Distance: d, Known: true}
		}
	}
	return best, nil
}

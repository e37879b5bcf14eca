// Package container deduplicates container numbers, treating numbers that
// differ by a single OCR misread as the same physical container.
package container

import (
	"go.uber.org/zap"

	"github.com/sells-group/shipdoc-cli/internal/model"
)

// DefaultThreshold accepts at most one differing character in eleven.
const DefaultThreshold = 0.9

// Duplicate pairs an incoming number with the existing number it was judged
// to be a misread of.
type Duplicate struct {
	New        string  `json:"new"`
	Existing   string  `json:"existing"`
	Similarity float64 `json:"similarity"`
	Transposed bool    `json:"transposed,omitempty"`
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	// Accept lists the numbers that should be created, in input order.
	Accept []string `json:"accept"`
	// Duplicates lists fuzzy matches. Exact repeats are skipped silently.
	Duplicates []Duplicate `json:"duplicates,omitempty"`
	// Rejected lists numbers without the 4 letter + 7 digit shape.
	Rejected []string `json:"rejected,omitempty"`
}

// Similarity is the fraction of positions holding the same character. Strings
// of different length have similarity 0.
func Similarity(a, b string) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	same := 0
	for i := 0; i < len(a); i++ {
		if a[i] == b[i] {
			same++
		}
	}
	return float64(same) / float64(len(a))
}

// Transposed reports whether a and b differ only by one swap of adjacent
// characters (DFSU9116028 vs DFSU1916028).
func Transposed(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	first := -1
	for i := 0; i < len(a); i++ {
		if a[i] == b[i] {
			continue
		}
		if first >= 0 {
			return i == first+1 && a[first] == b[i] && a[i] == b[first] && a[i+1:] == b[i+1:]
		}
		first = i
	}
	return false
}

// Resolve filters newIDs against existingIDs. An exact match is skipped, a
// number whose similarity to some existing number reaches threshold, or
// that is an adjacent transposition of one, is recorded as a duplicate
// unless both pass the ISO 6346 check, and everything else is accepted. Numbers accepted
// earlier in newIDs count as existing for later ones, so one document
// cannot introduce two misreads of the same container.
func Resolve(newIDs, existingIDs []string, threshold float64) Resolution {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	known := make([]string, 0, len(existingIDs)+len(newIDs))
	exact := make(map[string]bool, len(existingIDs)+len(newIDs))
	for _, id := range existingIDs {
		n := model.NormalizeContainerNumber(id)
		if !exact[n] {
			exact[n] = true
			known = append(known, n)
		}
	}

	var res Resolution
	for _, raw := range newIDs {
		id := model.NormalizeContainerNumber(raw)
		if !model.ValidContainerNumber(id) {
			res.Rejected = append(res.Rejected, raw)
			continue
		}
		if exact[id] {
			continue
		}
		if dup, ok := closest(id, known, threshold); ok {
			zap.L().Info("container: fuzzy duplicate",
				zap.String("new", id),
				zap.String("existing", dup.Existing),
				zap.Float64("similarity", dup.Similarity),
			)
			res.Duplicates = append(res.Duplicates, dup)
			continue
		}
		exact[id] = true
		known = append(known, id)
		res.Accept = append(res.Accept, id)
	}
	return res
}

// closest returns the most similar known number at or above threshold,
// falling back to an adjacent transposition. Two numbers that both carry a
// valid check digit are distinct containers and never pair up.
func closest(id string, known []string, threshold float64) (Duplicate, bool) {
	checked := model.ValidCheckDigit(id)
	candidates := make([]string, 0, len(known))
	for _, k := range known {
		if checked && model.ValidCheckDigit(k) {
			continue
		}
		candidates = append(candidates, k)
	}

	var best Duplicate
	found := false
	for _, k := range candidates {
		s := Similarity(id, k)
		if s >= threshold && s > best.Similarity {
			best = Duplicate{New: id, Existing: k, Similarity: s}
			found = true
		}
	}
	if found {
		return best, true
	}
	for _, k := range candidates {
		if Transposed(id, k) {
			return Duplicate{New: id, Existing: k, Similarity: Similarity(id, k), Transposed: true}, true
		}
	}
	return Duplicate{}, false
}

package importer

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"

	"github.com/Guffawaffle/majel/pkg/catalog"
	"github.com/Guffawaffle/majel/pkg/receipts"
)

// maxCandidates bounds the suggestions attached to one unresolved row.
const maxCandidates = 5

// maxEditDistance bounds the fuzzy tier; anything further is noise.
const maxEditDistance = 2

var foldCaser = cases.Fold()

// Resolver matches free-text names against the reference catalog. Ambiguity
// is surfaced as candidates, never guessed.
type Resolver struct {
	names  []catalog.NameRef
	folded []string
}

// NewResolver indexes one kind's (refId, name) projection.
func NewResolver(names []catalog.NameRef) *Resolver {
	folded := make([]string, len(names))
	for i, n := range names {
		folded[i] = normalize(n.Name)
	}
	return &Resolver{names: names, folded: folded}
}

// Match is one resolution outcome. Exactly one of RefID or Candidates is
// meaningful: a unique hit resolves, anything else surfaces candidates.
type Match struct {
	RefID      string
	Candidates []receipts.Candidate
}

// Resolve runs the match ladder: exact, case-folded, prefix, then bounded
// edit distance. The first tier with exactly one hit wins; a tier with
// several hits stops the ladder and returns them as candidates.
func (r *Resolver) Resolve(name string) Match {
	target := normalize(name)
	if target == "" {
		return Match{}
	}

	for _, tier := range []func(string) []int{r.exact, r.prefix, r.fuzzy} {
		hits := tier(target)
		if len(hits) == 1 {
			return Match{RefID: r.names[hits[0]].RefID}
		}
		if len(hits) > 1 {
			return Match{Candidates: r.candidates(target, hits)}
		}
	}
	return Match{}
}

// exact covers both the exact and case-folded tiers, since the index is
// already folded.
func (r *Resolver) exact(target string) []int {
	var hits []int
	for i, folded := range r.folded {
		if folded == target {
			hits = append(hits, i)
		}
	}
	return hits
}

func (r *Resolver) prefix(target string) []int {
	var hits []int
	for i, folded := range r.folded {
		if strings.HasPrefix(folded, target) {
			hits = append(hits, i)
		}
	}
	return hits
}

func (r *Resolver) fuzzy(target string) []int {
	var hits []int
	for i, folded := range r.folded {
		if editDistance(folded, target, maxEditDistance) <= maxEditDistance {
			hits = append(hits, i)
		}
	}
	return hits
}

func (r *Resolver) candidates(target string, hits []int) []receipts.Candidate {
	out := make([]receipts.Candidate, 0, len(hits))
	for _, i := range hits {
		out = append(out, receipts.Candidate{
			RefID: r.names[i].RefID,
			Name:  r.names[i].Name,
			Score: editDistance(r.folded[i], target, len(r.folded[i])+len(target)),
		})
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Score != out[b].Score {
			return out[a].Score < out[b].Score
		}
		return out[a].Name < out[b].Name
	})
	if len(out) > maxCandidates {
		out = out[:maxCandidates]
	}
	return out
}

func normalize(s string) string {
	return foldCaser.String(strings.TrimSpace(s))
}

// editDistance is Levenshtein with an early-out bound: once every cell in a
// row exceeds the bound the exact distance no longer matters.
func editDistance(a, b string, bound int) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		rowMin := curr[0]
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
			if curr[j] < rowMin {
				rowMin = curr[j]
			}
		}
		if rowMin > bound {
			return rowMin
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

package importer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guffawaffle/majel/pkg/catalog"
)

func rosterResolver() *Resolver {
	return NewResolver([]catalog.NameRef{
		{RefID: "cdn:officer:kirk", Name: "James T. Kirk"},
		{RefID: "cdn:officer:spock", Name: "Spock"},
		{RefID: "cdn:officer:khan", Name: "Khan Noonien Singh"},
		{RefID: "cdn:officer:gorkon", Name: "Gorkon"},
		{RefID: "cdn:officer:gowron", Name: "Gowron"},
	})
}

func TestResolveExact(t *testing.T) {
	m := rosterResolver().Resolve("Spock")
	assert.Equal(t, "cdn:officer:spock", m.RefID)
	assert.Empty(t, m.Candidates)
}

func TestResolveCaseFolded(t *testing.T) {
	m := rosterResolver().Resolve("  jAmEs t. kirk ")
	assert.Equal(t, "cdn:officer:kirk", m.RefID)
}

func TestResolvePrefix(t *testing.T) {
	m := rosterResolver().Resolve("Khan")
	assert.Equal(t, "cdn:officer:khan", m.RefID)
}

func TestResolveFuzzy(t *testing.T) {
	// One substitution away from "spock".
	m := rosterResolver().Resolve("spocl")
	assert.Equal(t, "cdn:officer:spock", m.RefID)
}

func TestResolveAmbiguitySurfacesCandidates(t *testing.T) {
	// Within edit distance 2 of both Gorkon and Gowron.
	m := rosterResolver().Resolve("gorron")
	assert.Empty(t, m.RefID)
	require.Len(t, m.Candidates, 2)
	names := []string{m.Candidates[0].Name, m.Candidates[1].Name}
	assert.Contains(t, names, "Gorkon")
	assert.Contains(t, names, "Gowron")
}

func TestResolveMiss(t *testing.T) {
	m := rosterResolver().Resolve("Locutus of Borg")
	assert.Empty(t, m.RefID)
	assert.Empty(t, m.Candidates)

	m = rosterResolver().Resolve("")
	assert.Empty(t, m.RefID)
}

func TestEditDistance(t *testing.T) {
	assert.Equal(t, 0, editDistance("kirk", "kirk", 5))
	assert.Equal(t, 1, editDistance("kirk", "kird", 5))
	assert.Equal(t, 4, editDistance("", "kirk", 5))
	assert.Equal(t, 3, editDistance("kitten", "sitting", 10))
}

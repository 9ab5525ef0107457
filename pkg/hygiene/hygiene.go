// Package hygiene enforces the repository's data guardrails: raw vendor CDN
// dumps must never be committed, and oversized catalog JSON needs an explicit
// allow-list entry. The checks run from the `majel hygiene` command and in CI.
package hygiene

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// MaxJSONBytes caps any data/**/*.json file not on the allow-list.
const MaxJSONBytes = 1_000_000

// forbiddenPrefixes are path prefixes that must never appear in the tree.
var forbiddenPrefixes = []string{
	"data/.stfc-snapshot/",
	"data/raw-cdn/",
	"data/cdn-raw/",
	"tmp/cdn/",
}

// signatureKeys identify raw vendor exports. Two or more in one JSON document
// is a near-certain match; one alone is too common in hand-written fixtures.
var signatureKeys = []string{
	"officer_ability_desc",
	"officer_ability_short_desc",
	"captain_ability_desc",
	"icon_asset",
	"ability_id",
}

const vendorKeyThreshold = 2

// Rule names a guardrail for reporting.
type Rule string

const (
	RuleForbiddenPath   Rule = "forbidden-path"
	RuleOversizedJSON   Rule = "oversized-json"
	RuleVendorSignature Rule = "vendor-signature"
)

// Violation is one guardrail hit.
type Violation struct {
	Path   string
	Rule   Rule
	Detail string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s (%s)", v.Path, v.Detail, v.Rule)
}

// Checker scans a tree rooted at Root. Allow lists relative paths exempt from
// the size cap.
type Checker struct {
	Root  string
	Allow map[string]bool
}

func NewChecker(root string, allow []string) *Checker {
	m := make(map[string]bool, len(allow))
	for _, p := range allow {
		m[filepath.ToSlash(p)] = true
	}
	return &Checker{Root: root, Allow: m}
}

// Scan walks the tree and returns every violation, sorted by path.
func (c *Checker) Scan() ([]Violation, error) {
	var out []Violation
	err := filepath.WalkDir(c.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(c.Root, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel == ".git" || rel == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		out = append(out, c.CheckFile(rel, path)...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("hygiene: scan %s: %w", c.Root, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// CheckFile applies every guardrail to one file. rel is the repo-relative
// path used for prefix matching; full is where the bytes live on disk.
func (c *Checker) CheckFile(rel, full string) []Violation {
	var out []Violation

	for _, prefix := range forbiddenPrefixes {
		if strings.HasPrefix(rel, prefix) {
			out = append(out, Violation{
				Path:   rel,
				Rule:   RuleForbiddenPath,
				Detail: fmt.Sprintf("path prefix %q is never committed", prefix),
			})
			// The other rules would only repeat the verdict.
			return out
		}
	}

	if !strings.HasSuffix(rel, ".json") {
		return out
	}

	info, err := os.Stat(full)
	if err == nil && strings.HasPrefix(rel, "data/") &&
		info.Size() > MaxJSONBytes && !c.Allow[rel] {
		out = append(out, Violation{
			Path:   rel,
			Rule:   RuleOversizedJSON,
			Detail: fmt.Sprintf("%d bytes exceeds the %d-byte cap and is not allow-listed", info.Size(), MaxJSONBytes),
		})
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return out
	}
	if keys := VendorKeys(data); len(keys) >= vendorKeyThreshold {
		out = append(out, Violation{
			Path:   rel,
			Rule:   RuleVendorSignature,
			Detail: fmt.Sprintf("raw vendor data: contains %s", strings.Join(keys, ", ")),
		})
	}
	return out
}

// VendorKeys returns the signature keys present anywhere in the document.
func VendorKeys(data []byte) []string {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil
	}
	found := map[string]bool{}
	collectKeys(doc, found)

	var out []string
	for _, k := range signatureKeys {
		if found[k] {
			out = append(out, k)
		}
	}
	return out
}

func collectKeys(doc any, found map[string]bool) {
	switch v := doc.(type) {
	case map[string]any:
		for k, child := range v {
			found[k] = true
			collectKeys(child, found)
		}
	case []any:
		for _, child := range v {
			collectKeys(child, found)
		}
	}
}

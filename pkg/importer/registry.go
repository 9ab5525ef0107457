package importer

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// builtinConfigs ship with the binary so a bare deployment can translate the
// common community export without any config directory.
const builtinConfigs = `
- name: stfc-community-export
  version: 1.2.0
  sourceType: game-export-json
  officers:
    sourcePath: data.officers
    idField: officer_id
    idPrefix: "cdn:officer:"
    fieldMap:
      level: userLevel
      rank: userRank
      power: userPower
      owned: ownershipState
    defaults:
      ownershipState: owned
    transforms:
      userLevel: {op: toNumber}
      userRank: {op: toNumber}
      userPower: {op: toNumber}
      ownershipState:
        op: lookup
        table: {"true": owned, "false": unowned}
  ships:
    sourcePath: data.ships
    idField: ship_id
    idPrefix: "cdn:ship:"
    fieldMap:
      tier: userTier
      level: userLevel
      power: userPower
    transforms:
      userTier: {op: toNumber}
      userLevel: {op: toNumber}
      userPower: {op: toNumber}
  docks:
    sourcePath: data.drydocks
    idField: dock_number
    fieldMap:
      ship_id: shipId
      label: label
    shipIdPrefix: "cdn:ship:"
- name: stfc-community-export
  version: 1.0.0
  sourceType: game-export-json
  officers:
    sourcePath: officers
    idField: id
    idPrefix: "cdn:officer:"
    fieldMap:
      level: userLevel
    transforms:
      userLevel: {op: toNumber}
`

// Registry holds translator configs by name and picks versions.
type Registry struct {
	byName map[string][]*Config
}

// NewRegistry loads the built-in configs.
func NewRegistry() (*Registry, error) {
	r := &Registry{byName: map[string][]*Config{}}
	var configs []*Config
	if err := yaml.Unmarshal([]byte(builtinConfigs), &configs); err != nil {
		return nil, fmt.Errorf("importer: built-in translator configs: %w", err)
	}
	for _, cfg := range configs {
		if err := r.Add(cfg); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers one config after validating it and its version string.
func (r *Registry) Add(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := semver.NewVersion(cfg.Version); err != nil {
		return fmt.Errorf("importer: translator %s has invalid version %q: %w", cfg.Name, cfg.Version, err)
	}
	r.byName[cfg.Name] = append(r.byName[cfg.Name], cfg)
	return nil
}

// LoadDir registers every *.yml / *.yaml config under dir. Each file holds
// one config document.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("importer: read translator dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("importer: read translator %s: %w", entry.Name(), err)
		}
		var cfg Config
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("importer: parse translator %s: %w", entry.Name(), err)
		}
		if err := r.Add(&cfg); err != nil {
			return err
		}
	}
	return nil
}

// Names lists registered translator names.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Pick returns the best config for a name: the highest version satisfying
// the constraint, or the highest registered version when the constraint is
// empty.
func (r *Registry) Pick(name, constraint string) (*Config, error) {
	configs := r.byName[name]
	if len(configs) == 0 {
		return nil, fmt.Errorf("%w: unknown translator %q", ErrInvalidInput, name)
	}

	var matcher *semver.Constraints
	if constraint != "" {
		var err error
		matcher, err = semver.NewConstraint(constraint)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid version constraint %q: %v", ErrInvalidInput, constraint, err)
		}
	}

	var best *Config
	var bestVersion *semver.Version
	for _, cfg := range configs {
		v := semver.MustParse(cfg.Version)
		if matcher != nil && !matcher.Check(v) {
			continue
		}
		if bestVersion == nil || v.GreaterThan(bestVersion) {
			best = cfg
			bestVersion = v
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: no version of %q satisfies %q", ErrInvalidInput, name, constraint)
	}
	return best, nil
}

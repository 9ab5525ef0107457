package importer

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// TransformOp is the closed transform vocabulary. Anything outside it is a
// configuration error, never a silent pass-through.
type TransformOp string

const (
	OpLookup    TransformOp = "lookup"
	OpToString  TransformOp = "toString"
	OpToNumber  TransformOp = "toNumber"
	OpToBoolean TransformOp = "toBoolean"
)

// Transform is one post-mapping value conversion.
type Transform struct {
	Op    TransformOp    `yaml:"op" json:"op"`
	Table map[string]any `yaml:"table,omitempty" json:"table,omitempty"`
}

// EntityRule maps one vendor collection onto overlay fields.
type EntityRule struct {
	SourcePath string               `yaml:"sourcePath" json:"sourcePath"`
	IDField    string               `yaml:"idField" json:"idField"`
	IDPrefix   string               `yaml:"idPrefix,omitempty" json:"idPrefix,omitempty"`
	FieldMap   map[string]string    `yaml:"fieldMap" json:"fieldMap"`
	Defaults   map[string]any       `yaml:"defaults,omitempty" json:"defaults,omitempty"`
	Transforms map[string]Transform `yaml:"transforms,omitempty" json:"transforms,omitempty"`
}

// DockRule extends EntityRule with the prefix that turns a vendor ship id
// into a catalog refId.
type DockRule struct {
	EntityRule   `yaml:",inline"`
	ShipIDPrefix string `yaml:"shipIdPrefix,omitempty" json:"shipIdPrefix,omitempty"`
}

// Config is one declarative translator.
type Config struct {
	Name       string      `yaml:"name" json:"name"`
	Version    string      `yaml:"version" json:"version"`
	SourceType string      `yaml:"sourceType" json:"sourceType"`
	Officers   *EntityRule `yaml:"officers,omitempty" json:"officers,omitempty"`
	Ships      *EntityRule `yaml:"ships,omitempty" json:"ships,omitempty"`
	Docks      *DockRule   `yaml:"docks,omitempty" json:"docks,omitempty"`
}

// Validate rejects configs with unknown transform ops up front.
func (c *Config) Validate() error {
	if c.Name == "" || c.Version == "" {
		return fmt.Errorf("translator config requires name and version")
	}
	for _, rule := range []*EntityRule{c.Officers, c.Ships} {
		if rule == nil {
			continue
		}
		if err := rule.validate(); err != nil {
			return fmt.Errorf("translator %s: %w", c.Name, err)
		}
	}
	if c.Docks != nil {
		if err := c.Docks.validate(); err != nil {
			return fmt.Errorf("translator %s: %w", c.Name, err)
		}
	}
	return nil
}

func (r *EntityRule) validate() error {
	if r.SourcePath == "" || r.IDField == "" {
		return fmt.Errorf("rule requires sourcePath and idField")
	}
	for dest, t := range r.Transforms {
		switch t.Op {
		case OpLookup, OpToString, OpToNumber, OpToBoolean:
		default:
			return fmt.Errorf("unknown transform %q for field %q", t.Op, dest)
		}
	}
	return nil
}

// Stats counts translation outcomes per entity.
type Stats struct {
	Translated int `json:"translated"`
	Errored    int `json:"errored"`
	Skipped    int `json:"skipped"`
}

// Translated is the typed output of a translation run.
type Translated struct {
	Version    string           `json:"version"`
	ExportDate string           `json:"exportDate,omitempty"`
	Source     string           `json:"source"`
	Officers   []map[string]any `json:"officers"`
	Ships      []map[string]any `json:"ships"`
	Docks      []map[string]any `json:"docks"`
}

// Result is a translation outcome. Success requires at least one translated
// entity.
type Result struct {
	Success  bool             `json:"success"`
	Data     *Translated      `json:"data,omitempty"`
	Stats    map[string]Stats `json:"stats"`
	Warnings []string         `json:"warnings"`
}

// Translate runs a declarative config against a decoded vendor payload.
func Translate(cfg *Config, payload map[string]any) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	res := &Result{
		Stats:    map[string]Stats{},
		Warnings: []string{},
	}
	data := &Translated{
		Version:  cfg.Version,
		Source:   cfg.Name,
		Officers: []map[string]any{},
		Ships:    []map[string]any{},
		Docks:    []map[string]any{},
	}
	if v, ok := ResolveSourcePath(payload, "export_date"); ok {
		data.ExportDate = fmt.Sprint(v)
	}

	total := 0
	if cfg.Officers != nil {
		items, stats := translateEntity(cfg.Officers, payload, "officers", res)
		data.Officers = items
		res.Stats["officers"] = stats
		total += stats.Translated
	}
	if cfg.Ships != nil {
		items, stats := translateEntity(cfg.Ships, payload, "ships", res)
		data.Ships = items
		res.Stats["ships"] = stats
		total += stats.Translated
	}
	if cfg.Docks != nil {
		items, stats := translateEntity(&cfg.Docks.EntityRule, payload, "docks", res)
		if cfg.Docks.ShipIDPrefix != "" {
			for _, item := range items {
				if ship, ok := item["shipId"]; ok {
					item["shipRefId"] = cfg.Docks.ShipIDPrefix + fmt.Sprint(ship)
					delete(item, "shipId")
				}
			}
		}
		data.Docks = items
		res.Stats["docks"] = stats
		total += stats.Translated
	}

	res.Success = total > 0
	if total > 0 {
		res.Data = data
	} else {
		res.Warnings = append(res.Warnings, "no entities were successfully translated")
	}
	return res, nil
}

func translateEntity(rule *EntityRule, payload map[string]any, label string, res *Result) ([]map[string]any, Stats) {
	var stats Stats
	items := []map[string]any{}

	raw, ok := ResolveSourcePath(payload, rule.SourcePath)
	if !ok {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("%s: source path %q did not resolve", label, rule.SourcePath))
		return items, stats
	}
	list, ok := raw.([]any)
	if !ok {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("%s: source path %q is not an array", label, rule.SourcePath))
		return items, stats
	}

	for _, entry := range list {
		obj, ok := entry.(map[string]any)
		if !ok {
			stats.Errored++
			continue
		}
		idValue, ok := obj[rule.IDField]
		if !ok || idValue == nil {
			stats.Errored++
			continue
		}

		item := map[string]any{}
		for sourceKey, destKey := range rule.FieldMap {
			value, ok := obj[sourceKey]
			if !ok {
				continue
			}
			if t, hasTransform := rule.Transforms[destKey]; hasTransform {
				value = applyTransform(t, value)
			}
			item[destKey] = value
		}
		for key, def := range rule.Defaults {
			if _, present := item[key]; !present {
				item[key] = def
			}
		}
		item["refId"] = rule.IDPrefix + fmt.Sprint(idValue)
		items = append(items, item)
		stats.Translated++
	}
	return items, stats
}

// ResolveSourcePath walks dot-separated segments through nested maps.
// Traversal through null or a primitive yields not-found, never a panic.
func ResolveSourcePath(payload map[string]any, path string) (any, bool) {
	var current any = payload
	for _, segment := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[segment]
		if !ok {
			return nil, false
		}
	}
	return current, current != nil
}

func applyTransform(t Transform, value any) any {
	switch t.Op {
	case OpLookup:
		if mapped, ok := t.Table[fmt.Sprint(value)]; ok {
			return mapped
		}
		return value
	case OpToString:
		return fmt.Sprint(value)
	case OpToNumber:
		return toNumber(value)
	case OpToBoolean:
		return toBoolean(value)
	}
	return value
}

// toNumber coerces to float64; unparseable input and NaN collapse to nil.
func toNumber(value any) any {
	switch v := value.(type) {
	case float64:
		if math.IsNaN(v) {
			return nil
		}
		return v
	case int:
		return float64(v)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(f) {
			return nil
		}
		return f
	case bool:
		if v {
			return float64(1)
		}
		return float64(0)
	case nil:
		return nil
	default:
		return nil
	}
}

// toBoolean follows the vendor truthiness table for strings and falls back
// to general truthiness elsewhere.
func toBoolean(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "1":
			return true
		case "false", "no", "0", "":
			return false
		default:
			return true
		}
	case float64:
		return v != 0
	case int:
		return v != 0
	case nil:
		return false
	default:
		return true
	}
}

package seed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"relentless-harvester/internal/models"
)

// egressNamespace derives stable ids for egresses declared without one.
var egressNamespace = uuid.MustParse("6f1c7c0e-4d7a-4b8e-9a53-2f1f0b6d9e21")

var errEmptySeed = errors.New("seed file has no targets and no egresses")

// File is the on-disk seed format.
type File struct {
	Targets  []Target `yaml:"targets"`
	Egresses []Egress `yaml:"egresses"`
}

// Target is a seeded scan target. Enabled defaults to true.
type Target struct {
	ID             string  `yaml:"id"`
	DisplayName    string  `yaml:"display_name"`
	Enabled        *bool   `yaml:"enabled"`
	BenchmarkPrice float64 `yaml:"benchmark_price"`
}

// Egress is a seeded egress. Kind is derived from the address when omitted.
type Egress struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
	Kind    string `yaml:"kind"`
}

// Store is where seeds are written.
type Store interface {
	UpsertTarget(ctx context.Context, target models.ScanTarget) error
	UpsertEgress(ctx context.Context, egress models.Egress) error
}

// Load reads and validates a seed file.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	return Parse(data)
}

// Parse decodes seed YAML.
func Parse(data []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parse seed: %w", err)
	}
	if len(f.Targets) == 0 && len(f.Egresses) == 0 {
		return File{}, errEmptySeed
	}
	seen := make(map[string]bool, len(f.Targets))
	for i, t := range f.Targets {
		if strings.TrimSpace(t.ID) == "" {
			return File{}, fmt.Errorf("target %d has no id", i)
		}
		if seen[t.ID] {
			return File{}, fmt.Errorf("duplicate target id %q", t.ID)
		}
		seen[t.ID] = true
	}
	return f, nil
}

// ScanTargets converts seeded targets into store records.
func (f File) ScanTargets() []models.ScanTarget {
	out := make([]models.ScanTarget, 0, len(f.Targets))
	for _, t := range f.Targets {
		enabled := true
		if t.Enabled != nil {
			enabled = *t.Enabled
		}
		name := t.DisplayName
		if name == "" {
			name = t.ID
		}
		out = append(out, models.ScanTarget{
			ID:             t.ID,
			DisplayName:    name,
			Enabled:        enabled,
			BenchmarkPrice: t.BenchmarkPrice,
			Tier:           models.TierWarm,
		})
	}
	return out
}

// EgressRecords converts seeded egresses into live store records.
func (f File) EgressRecords() ([]models.Egress, error) {
	out := make([]models.Egress, 0, len(f.Egresses))
	for _, e := range f.Egresses {
		kind := models.EgressKind(strings.ToLower(e.Kind))
		if kind == "" {
			resolved, err := models.ResolveEgressKind(e.Address)
			if err != nil {
				return nil, err
			}
			kind = resolved
		}
		switch kind {
		case models.EgressDirect, models.EgressHTTPProxy, models.EgressSOCKSProxy:
		default:
			return nil, fmt.Errorf("egress %q: unsupported kind %q", e.Address, e.Kind)
		}
		id := e.ID
		if id == "" {
			id = uuid.NewSHA1(egressNamespace, []byte(e.Address)).String()
		}
		out = append(out, models.Egress{ID: id, Address: e.Address, Kind: kind, IsAlive: true})
	}
	return out, nil
}

// Apply writes every seeded record, returning how many targets and egresses were stored.
// Re-applying a seed refreshes egress health and target settings but keeps yield history.
func Apply(ctx context.Context, store Store, f File) (targets, egresses int, err error) {
	records, err := f.EgressRecords()
	if err != nil {
		return 0, 0, err
	}
	for _, t := range f.ScanTargets() {
		if err := store.UpsertTarget(ctx, t); err != nil {
			return targets, egresses, fmt.Errorf("upsert target %s: %w", t.ID, err)
		}
		targets++
	}
	for _, e := range records {
		if err := store.UpsertEgress(ctx, e); err != nil {
			return targets, egresses, fmt.Errorf("upsert egress %s: %w", e.ID, err)
		}
		egresses++
	}
	return targets, egresses, nil
}

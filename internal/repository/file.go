package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/jackc/pgx/v5"
	"gopkg.in/yaml.v3"
)

// FileRepository is a read-only flag and segment store loaded from a YAML
// document. It lets the CLI evaluate flags without a database.
//
//	flags:
//	  - tenant: acme
//	    key: new-ui
//	    state: "on"
//	    variants: [{key: control, weight: 50}, {key: treatment, weight: 50}]
//	    rules: []
//	segments:
//	  - tenant: acme
//	    key: beta-testers
//	    rules: [{attributes: {plan: pro}}]
type FileRepository struct {
	flags    map[string]map[string]Flag
	segments map[string][]Segment
}

type fileDocument struct {
	Flags    []fileFlag    `yaml:"flags"`
	Segments []fileSegment `yaml:"segments"`
}

type fileFlag struct {
	Tenant      string `yaml:"tenant"`
	Key         string `yaml:"key"`
	Description string `yaml:"description"`
	State       string `yaml:"state"`
	Variants    any    `yaml:"variants"`
	Rules       any    `yaml:"rules"`
}

type fileSegment struct {
	Tenant      string `yaml:"tenant"`
	Key         string `yaml:"key"`
	Description string `yaml:"description"`
	Rules       any    `yaml:"rules"`
}

// LoadFileRepository reads and parses the YAML document at path.
func LoadFileRepository(path string) (*FileRepository, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flag file: %w", err)
	}

	return ParseFileRepository(data)
}

func ParseFileRepository(data []byte) (*FileRepository, error) {
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse flag file: %w", err)
	}

	repo := &FileRepository{
		flags:    make(map[string]map[string]Flag),
		segments: make(map[string][]Segment),
	}

	for i, f := range doc.Flags {
		if f.Tenant == "" || f.Key == "" {
			return nil, fmt.Errorf("flag %d: tenant and key are required", i)
		}
		variants, err := yamlToJSON(f.Variants, "[]")
		if err != nil {
			return nil, fmt.Errorf("flag %q variants: %w", f.Key, err)
		}
		rules, err := yamlToJSON(f.Rules, "[]")
		if err != nil {
			return nil, fmt.Errorf("flag %q rules: %w", f.Key, err)
		}

		state := f.State
		if state == "" {
			state = "on"
		}

		if repo.flags[f.Tenant] == nil {
			repo.flags[f.Tenant] = make(map[string]Flag)
		}
		if _, exists := repo.flags[f.Tenant][f.Key]; exists {
			return nil, fmt.Errorf("flag %q: duplicate key for tenant %q", f.Key, f.Tenant)
		}
		repo.flags[f.Tenant][f.Key] = Flag{
			TenantID:    f.Tenant,
			Key:         f.Key,
			Description: f.Description,
			State:       state,
			Variants:    variants,
			Rules:       rules,
		}
	}

	for i, s := range doc.Segments {
		if s.Tenant == "" || s.Key == "" {
			return nil, fmt.Errorf("segment %d: tenant and key are required", i)
		}
		clauses, err := yamlToJSON(s.Rules, "[]")
		if err != nil {
			return nil, fmt.Errorf("segment %q rules: %w", s.Key, err)
		}
		repo.segments[s.Tenant] = append(repo.segments[s.Tenant], Segment{
			TenantID:    s.Tenant,
			Key:         s.Key,
			Description: s.Description,
			Criteria:    json.RawMessage(`{"rules":` + string(clauses) + `}`),
		})
	}

	return repo, nil
}

func (r *FileRepository) GetFlag(_ context.Context, tenantID, key string) (Flag, error) {
	flag, ok := r.flags[tenantID][key]
	if !ok {
		return Flag{}, fmt.Errorf("get flag: %w", pgx.ErrNoRows)
	}
	return flag, nil
}

func (r *FileRepository) ListFlags(_ context.Context, tenantID string) ([]Flag, error) {
	flags := make([]Flag, 0, len(r.flags[tenantID]))
	for _, flag := range r.flags[tenantID] {
		flags = append(flags, flag)
	}
	sort.Slice(flags, func(i, j int) bool {
		return flags[i].Key < flags[j].Key
	})
	return flags, nil
}

func (r *FileRepository) ListSegments(_ context.Context, tenantID string) ([]Segment, error) {
	segments := make([]Segment, len(r.segments[tenantID]))
	copy(segments, r.segments[tenantID])
	return segments, nil
}

// yamlToJSON re-encodes a decoded YAML value as JSON so file-backed records
// look exactly like database rows.
func yamlToJSON(value any, fallback string) (json.RawMessage, error) {
	if value == nil {
		return json.RawMessage(fallback), nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return encoded, nil
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"tablequeue/internal/models"
)

// FloorPlanConfig is the root of floorplan.yaml.
type FloorPlanConfig struct {
	Tables []models.Table `yaml:"tables"`
}

// LoadFloorPlan reads the floor plan file. A missing file yields the built-in layout.
func LoadFloorPlan(path string) (*FloorPlanConfig, error) {
	if path == "" {
		path = "configs/floorplan.yaml"
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &FloorPlanConfig{Tables: models.DefaultFloorPlan()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read floor plan: %w", err)
	}

	var cfg FloorPlanConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse floor plan: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate floor plan: %w", err)
	}

	return &cfg, nil
}

// Validate normalizes table ids and rejects duplicates or concrete-less tables.
func (c *FloorPlanConfig) Validate() error {
	if len(c.Tables) == 0 {
		return fmt.Errorf("no tables configured")
	}

	seen := make(map[int]bool, len(c.Tables))
	for i := range c.Tables {
		t := &c.Tables[i]
		if t.Number <= 0 {
			return fmt.Errorf("table %d: number must be positive", i)
		}
		if seen[t.Number] {
			return fmt.Errorf("table %d: duplicate number", t.Number)
		}
		seen[t.Number] = true

		hall, err := models.ParseHall(string(t.Hall))
		if err != nil || hall == models.HallAny {
			return fmt.Errorf("table %d: invalid hall %q", t.Number, t.Hall)
		}
		seg, err := models.ParseSegment(string(t.Segment))
		if err != nil || seg == models.SegmentAny {
			return fmt.Errorf("table %d: invalid segment %q", t.Number, t.Segment)
		}
		if t.Capacity <= 0 {
			return fmt.Errorf("table %d: capacity must be positive", t.Number)
		}
		t.Hall, t.Segment = hall, seg
		t.ID = models.TableID(t.Number)
		if t.Name == "" {
			t.Name = fmt.Sprintf("%s Table %d", hall, t.Number)
		}
	}

	sort.Slice(c.Tables, func(i, j int) bool { return c.Tables[i].Number < c.Tables[j].Number })
	return nil
}

// FloorPlan is a concurrency-safe view of the current tables, swapped on reload.
type FloorPlan struct {
	mu     sync.RWMutex
	tables []models.Table
}

// NewFloorPlan wraps the given tables.
func NewFloorPlan(tables []models.Table) *FloorPlan {
	fp := &FloorPlan{}
	fp.Set(tables)
	return fp
}

// Tables returns a copy of the current tables ordered by number.
func (f *FloorPlan) Tables() []models.Table {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]models.Table, len(f.tables))
	copy(out, f.tables)
	return out
}

// Table finds a table by id.
func (f *FloorPlan) Table(id string) (models.Table, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, t := range f.tables {
		if t.ID == id {
			return t, true
		}
	}
	return models.Table{}, false
}

// Set replaces the tables.
func (f *FloorPlan) Set(tables []models.Table) {
	cp := make([]models.Table, len(tables))
	copy(cp, tables)
	f.mu.Lock()
	f.tables = cp
	f.mu.Unlock()
}

package scenario

import (
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/MrWong99/voicecoach/pkg/types"
)

// Catalog serves lookups over the current catalog [File]. Reloads swap the
// whole index atomically, so readers never observe a half-applied file.
// All methods are safe for concurrent use.
type Catalog struct {
	idx atomic.Pointer[index]
}

type index struct {
	file      *File
	personas  map[string]Persona
	scenarios map[string]Scenario
}

func newIndex(f *File) *index {
	idx := &index{
		file:      f,
		personas:  make(map[string]Persona, len(f.Personas)),
		scenarios: make(map[string]Scenario, len(f.Scenarios)),
	}
	for _, p := range f.Personas {
		idx.personas[p.ID] = p
	}
	for _, s := range f.Scenarios {
		idx.scenarios[s.ID] = s
	}
	return idx
}

// NewCatalog returns a catalog serving f. f must have passed
// [File.Validate].
func NewCatalog(f *File) *Catalog {
	c := &Catalog{}
	c.idx.Store(newIndex(f))
	return c
}

// Replace swaps in f and returns what changed relative to the previous file.
func (c *Catalog) Replace(f *File) CatalogDiff {
	old := c.idx.Swap(newIndex(f))
	return diffFiles(old.file, f)
}

// Scenarios returns every scenario in catalog order.
func (c *Catalog) Scenarios() []Scenario {
	return slices.Clone(c.idx.Load().file.Scenarios)
}

// Scenario looks up a scenario by id.
func (c *Catalog) Scenario(id string) (Scenario, error) {
	s, ok := c.idx.Load().scenarios[id]
	if !ok {
		return Scenario{}, types.NotFound("lookup scenario", fmt.Sprintf("unknown scenario %q", id))
	}
	return s, nil
}

// Persona looks up a persona by id.
func (c *Catalog) Persona(id string) (Persona, error) {
	p, ok := c.idx.Load().personas[id]
	if !ok {
		return Persona{}, types.NotFound("lookup persona", fmt.Sprintf("unknown persona %q", id))
	}
	return p, nil
}

// Instructions resolves the cast for scenarioID in mode and builds its
// system prompt. history is only used in coach mode.
func (c *Catalog) Instructions(scenarioID string, mode types.Mode, history []types.Message) (Persona, string, error) {
	idx := c.idx.Load()
	s, p, err := idx.cast(scenarioID, mode)
	if err != nil {
		return Persona{}, "", err
	}
	// Validate guarantees the reference resolves.
	played := idx.personas[s.PersonaID]
	return p, Instructions(p, s, mode, history, played), nil
}

func (idx *index) cast(scenarioID string, mode types.Mode) (Scenario, Persona, error) {
	s, ok := idx.scenarios[scenarioID]
	if !ok {
		return Scenario{}, Persona{}, types.NotFound("cast scenario", fmt.Sprintf("unknown scenario %q", scenarioID))
	}
	if mode == types.ModeCoach {
		return s, idx.file.Coach, nil
	}
	return s, idx.personas[s.PersonaID], nil
}

// ── Reload diff ──────────────────────────────────────────────────────────────

// CatalogDiff lists scenario and persona ids that changed across a reload.
type CatalogDiff struct {
	Added   []string
	Removed []string
	Changed []string

	PersonasChanged []string
	CoachChanged    bool
}

// Empty reports whether the reload changed nothing.
func (d CatalogDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0 &&
		len(d.PersonasChanged) == 0 && !d.CoachChanged
}

// LogValue implements [slog.LogValuer].
func (d CatalogDiff) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("added", d.Added),
		slog.Any("removed", d.Removed),
		slog.Any("changed", d.Changed),
		slog.Any("personas_changed", d.PersonasChanged),
		slog.Bool("coach_changed", d.CoachChanged),
	)
}

func diffFiles(old, new *File) CatalogDiff {
	var d CatalogDiff
	before := make(map[string]Scenario, len(old.Scenarios))
	for _, s := range old.Scenarios {
		before[s.ID] = s
	}
	after := make(map[string]bool, len(new.Scenarios))
	for _, s := range new.Scenarios {
		after[s.ID] = true
		prev, ok := before[s.ID]
		switch {
		case !ok:
			d.Added = append(d.Added, s.ID)
		case prev != s:
			d.Changed = append(d.Changed, s.ID)
		}
	}
	for _, s := range old.Scenarios {
		if !after[s.ID] {
			d.Removed = append(d.Removed, s.ID)
		}
	}

	personas := make(map[string]Persona, len(old.Personas))
	for _, p := range old.Personas {
		personas[p.ID] = p
	}
	for _, p := range new.Personas {
		if prev, ok := personas[p.ID]; ok && prev != p {
			d.PersonasChanged = append(d.PersonasChanged, p.ID)
		}
	}
	d.CoachChanged = old.Coach != new.Coach
	return d
}

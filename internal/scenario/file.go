// Package scenario holds the catalog of practice scenarios and the AI
// personas that play them.
//
// A catalog is a YAML document with three sections: the feedback coach used
// by coach-mode sessions, the personas, and the scenarios that reference
// them by id. A default catalog is compiled into the binary; deployments can
// point catalog.path at their own file, which is then watched and swapped in
// atomically on change.
package scenario

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

// Difficulty grades how demanding a scenario is.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
	DifficultyExpert Difficulty = "expert"
)

// IsValid reports whether d is a known difficulty. The empty value is
// accepted and means "ungraded".
func (d Difficulty) IsValid() bool {
	switch d {
	case "", DifficultyEasy, DifficultyMedium, DifficultyHard, DifficultyExpert:
		return true
	}
	return false
}

// Persona is a character the realtime model plays.
type Persona struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`

	// Voice is the default provider voice for this persona.
	Voice string `yaml:"voice" json:"voice"`

	// Instructions is the system prompt sent with the credential request.
	Instructions string `yaml:"instructions" json:"-"`
}

// Scenario is one practice situation offered to users.
type Scenario struct {
	ID          string     `yaml:"id" json:"id"`
	Title       string     `yaml:"title" json:"title"`
	Description string     `yaml:"description" json:"description"`
	PersonaID   string     `yaml:"persona_id" json:"persona_id"`
	Tag         string     `yaml:"tag" json:"tag,omitempty"`
	Difficulty  Difficulty `yaml:"difficulty" json:"difficulty,omitempty"`
}

// File is the top-level structure of a catalog YAML document.
//
// Example:
//
//	coach:
//	  id: "coach"
//	  name: "Coach Camille"
//	  instructions: "Tu es Camille, coach professionnelle..."
//	personas:
//	  - id: "p1"
//	    name: "Marc Dubois"
//	    voice: ash
//	    instructions: "Tu es Marc Dubois, un client très mécontent..."
//	scenarios:
//	  - id: "s1"
//	    title: "Client en Colère"
//	    persona_id: "p1"
type File struct {
	Coach     Persona    `yaml:"coach"`
	Personas  []Persona  `yaml:"personas"`
	Scenarios []Scenario `yaml:"scenarios"`
}

// Default returns the catalog compiled into the binary.
func Default() (*File, error) {
	return Parse(defaultCatalog)
}

// LoadFile reads and parses a catalog file from disk.
func LoadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: open catalog %q: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("scenario: read catalog %q: %w", path, err)
	}
	cf, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("scenario: catalog %q: %w", path, err)
	}
	return cf, nil
}

// Parse decodes and validates a catalog document. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	var cf File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("scenario: catalog is empty")
		}
		return nil, fmt.Errorf("scenario: decode catalog yaml: %w", err)
	}
	if err := cf.Validate(); err != nil {
		return nil, err
	}
	return &cf, nil
}

// Validate checks ids, references and required fields, reporting every
// problem at once.
//
// Rules:
//   - Persona and scenario ids are non-empty and unique within their section.
//   - Every persona has a name and instructions.
//   - Every scenario has a title and references an existing persona.
//   - Difficulty is one of the known grades, or empty.
func (f *File) Validate() error {
	var errs []error

	personas := make(map[string]bool, len(f.Personas))
	for i, p := range f.Personas {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("personas[%d]: id must not be empty", i))
		} else if personas[p.ID] {
			errs = append(errs, fmt.Errorf("personas[%d]: duplicate id %q", i, p.ID))
		} else {
			personas[p.ID] = true
		}
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("personas[%d]: name must not be empty", i))
		}
		if p.Instructions == "" {
			errs = append(errs, fmt.Errorf("personas[%d]: instructions must not be empty", i))
		}
	}

	scenarios := make(map[string]bool, len(f.Scenarios))
	for i, s := range f.Scenarios {
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("scenarios[%d]: id must not be empty", i))
		} else if scenarios[s.ID] {
			errs = append(errs, fmt.Errorf("scenarios[%d]: duplicate id %q", i, s.ID))
		} else {
			scenarios[s.ID] = true
		}
		if s.Title == "" {
			errs = append(errs, fmt.Errorf("scenarios[%d]: title must not be empty", i))
		}
		if !personas[s.PersonaID] {
			errs = append(errs, fmt.Errorf("scenarios[%d]: persona_id %q does not match any persona", i, s.PersonaID))
		}
		if !s.Difficulty.IsValid() {
			errs = append(errs, fmt.Errorf("scenarios[%d]: difficulty %q is not recognised", i, s.Difficulty))
		}
	}

	if f.Coach.Instructions == "" {
		errs = append(errs, errors.New("coach: instructions must not be empty"))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("scenario: invalid catalog: %w", errors.Join(errs...))
}

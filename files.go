package tactus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// UnmarshalProject parses a project from bytes, trying JSON first and falling
// back to YAML, so that either format can be loaded without the caller caring
// which one a file happens to use. Tracks that leave Volume unset get full
// volume; muting is what Muted is for.
func UnmarshalProject(data []byte) (Project, error) {
	var p Project
	if errJSON := json.Unmarshal(data, &p); errJSON != nil {
		if errYaml := yaml.Unmarshal(data, &p); errYaml != nil {
			return Project{}, fmt.Errorf("the project could not be parsed as .json (%v) or .yml (%v)", errJSON, errYaml)
		}
	}
	for i := range p.Tracks {
		if p.Tracks[i].Volume == 0 {
			p.Tracks[i].Volume = 1
		}
	}
	if err := p.Validate(); err != nil {
		return Project{}, fmt.Errorf("the project is not playable: %w", err)
	}
	return p, nil
}

// LoadProject reads and parses a project file.
func LoadProject(path string) (Project, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Project{}, fmt.Errorf("could not read file %v: %w", path, err)
	}
	p, err := UnmarshalProject(b)
	if err != nil {
		return Project{}, fmt.Errorf("could not parse file %v: %w", path, err)
	}
	return p, nil
}

// SaveProject writes a project to path, choosing the format by extension:
// .json gets JSON, everything else YAML.
func SaveProject(path string, p Project) error {
	var contents []byte
	var err error
	if filepath.Ext(path) == ".json" {
		contents, err = json.Marshal(p)
	} else {
		contents, err = yaml.Marshal(p)
	}
	if err != nil {
		return fmt.Errorf("could not marshal the project: %w", err)
	}
	if err := os.WriteFile(path, contents, 0644); err != nil {
		return fmt.Errorf("could not write file %v: %w", path, err)
	}
	return nil
}

package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// DefinitionFile is a workflow definition read from disk. ID is optional.
type DefinitionFile struct {
	ID         string `yaml:"id"`
	Definition `yaml:",inline"`
	Path       string `yaml:"-"`
}

// ReadDefinitions parses every *.yaml and *.yml file in dir, in name order.
func ReadDefinitions(dir string) ([]DefinitionFile, error) {
	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("error reading directory: %w", err)
		}
		files = append(files, matches...)
	}
	sort.Strings(files)

	defs := make([]DefinitionFile, 0, len(files))
	for _, file := range files {
		def, err := readDefinition(file)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func readDefinition(file string) (DefinitionFile, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return DefinitionFile{}, fmt.Errorf("error reading YAML file %s: %w", file, err)
	}

	var def DefinitionFile
	if err := yaml.Unmarshal(data, &def); err != nil {
		return DefinitionFile{}, fmt.Errorf("error unmarshalling YAML %s: %w", file, err)
	}
	def.Path = file
	return def, nil
}

// LoadDefinitions submits every workflow definition found in dir and returns
// how many were created.
func (o *Orchestrator) LoadDefinitions(ctx context.Context, dir string) (int, error) {
	defs, err := ReadDefinitions(dir)
	if err != nil {
		return 0, err
	}

	for _, def := range defs {
		w, err := o.store.Create(ctx, def.Name, def.Steps, def.ID)
		if err != nil {
			return 0, fmt.Errorf("workflow file %s: %w", def.Path, err)
		}
		o.l.InfoContext(ctx, "Loaded workflow definition", "workflow_id", w.ID, "file", def.Path)
	}
	return len(defs), nil
}

package search

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mthorpe/boxchan/paths"
)

// catalogFile is the on-disk shape of engines.yaml.
type catalogFile struct {
	Engines []catalogEngine `yaml:"engines"`
}

type catalogEngine struct {
	Name          string `yaml:"name"`
	SearchCommand string `yaml:"search_command"`
}

// LoadCatalog builds the engine registry: the built-in engines plus any
// user-defined engines from engines.yaml. User entries with a built-in
// name override the built-in command but keep its parser; unknown names
// get the ParseLines fallback. A missing catalog file is not an error.
func LoadCatalog() (*Registry, error) {
	path, err := paths.EngineCatalogPath()
	if err != nil {
		return nil, err
	}
	return loadCatalogFrom(path)
}

func loadCatalogFrom(path string) (*Registry, error) {
	reg := NewRegistry(DefaultEngines()...)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, fmt.Errorf("failed to read engine catalog: %w", err)
	}

	var cat catalogFile
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("failed to parse engine catalog: %w", err)
	}

	for _, ce := range cat.Engines {
		if ce.Name == "" || ce.SearchCommand == "" {
			return nil, fmt.Errorf("engine catalog entry missing name or search_command")
		}
		parse := ParseLines
		if existing := reg.Get(ce.Name); existing != nil && existing.Parse != nil {
			parse = existing.Parse
		}
		reg.Add(Engine{
			Name:          ce.Name,
			SearchCommand: ce.SearchCommand,
			Parse:         parse,
		})
	}

	return reg, nil
}

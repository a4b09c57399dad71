package directory

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// seedFile is the top-level shape of a directory seed YAML document.
type seedFile struct {
	Agents []AgentMetadata `yaml:"agents"`
}

// LoadSeedFile reads a YAML document of directory entries for
// bootstrapping a fleet's initial roster. Unlike passport.Deserialize,
// this path is lenient: it is a read-only bootstrap convenience, not a
// signature pre-image, so unknown YAML fields are ignored rather than
// rejected.
func LoadSeedFile(path string) ([]AgentMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("directory: read seed file: %w", err)
	}
	var parsed seedFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("directory: parse seed file: %w", err)
	}
	return parsed.Agents, nil
}

// SeedProvider registers every entry from LoadSeedFile into p, returning
// the number of entries registered.
func SeedProvider(p DirectoryProvider, path string) (int, error) {
	entries, err := LoadSeedFile(path)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if err := p.Register(e); err != nil {
			return 0, err
		}
	}
	return len(entries), nil
}

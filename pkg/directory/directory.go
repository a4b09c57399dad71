// Package directory implements the pluggable agent-capability directory:
// discovery by capability, lookup and search by identifier or capability
// set, and a default in-memory implementation suitable as a process-wide
// singleton.
package directory

import (
	"sort"
	"strings"
	"sync"
)

// Endpoints is the set of addresses an agent can be reached at.
type Endpoints struct {
	RPC  string `yaml:"rpc,omitempty" json:"rpc,omitempty"`
	HTTP string `yaml:"http,omitempty" json:"http,omitempty"`
}

// Capability describes one capability an agent exposes.
type Capability struct {
	Name        string `yaml:"name" json:"name"`
	Version     string `yaml:"version,omitempty" json:"version,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// AgentMetadata is one directory entry.
type AgentMetadata struct {
	DID          string            `yaml:"did" json:"did"`
	Name         string            `yaml:"name" json:"name"`
	Capabilities []Capability      `yaml:"capabilities" json:"capabilities"`
	Endpoints    Endpoints         `yaml:"endpoints" json:"endpoints"`
	Metadata     map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// SearchQuery restricts Search: Capabilities, if non-empty, requires
// intersection with the entry's capability names; Name, if non-empty,
// matches case-insensitive as a substring.
type SearchQuery struct {
	Capabilities []string
	Name         string
}

// DirectoryProvider is the pluggable mapping from capability and
// identifier to agent metadata.
type DirectoryProvider interface {
	// Discover returns the AIDs of agents advertising capability, or
	// every known AID if capability is "*".
	Discover(capability string) ([]string, error)
	// Lookup returns the metadata for aid, and whether an entry exists.
	Lookup(aid string) (AgentMetadata, bool, error)
	// Register is an idempotent upsert by AID.
	Register(meta AgentMetadata) error
	// Unregister removes aid's entry, reporting whether one existed.
	Unregister(aid string) (bool, error)
	// Search returns AIDs matching q.
	Search(q SearchQuery) ([]string, error)
}

// InMemoryProvider is the default DirectoryProvider implementation,
// suitable as a process-wide singleton.
type InMemoryProvider struct {
	mu      sync.RWMutex
	entries map[string]AgentMetadata
}

// NewInMemoryProvider constructs an empty InMemoryProvider.
func NewInMemoryProvider() *InMemoryProvider {
	return &InMemoryProvider{entries: make(map[string]AgentMetadata)}
}

// Discover returns every AID advertising capability, or every known AID
// when capability is "*".
func (p *InMemoryProvider) Discover(capability string) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []string
	for did, meta := range p.entries {
		if capability == "*" || hasCapability(meta.Capabilities, capability) {
			out = append(out, did)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Lookup returns a copy of aid's metadata.
func (p *InMemoryProvider) Lookup(aid string) (AgentMetadata, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	meta, ok := p.entries[aid]
	return meta, ok, nil
}

// Register upserts meta by its DID.
func (p *InMemoryProvider) Register(meta AgentMetadata) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[meta.DID] = meta
	return nil
}

// Unregister removes aid's entry if present.
func (p *InMemoryProvider) Unregister(aid string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[aid]
	delete(p.entries, aid)
	return ok, nil
}

// Search returns AIDs whose entry matches every non-empty field of q.
func (p *InMemoryProvider) Search(q SearchQuery) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	lowerName := strings.ToLower(q.Name)
	var out []string
	for did, meta := range p.entries {
		if q.Name != "" && !strings.Contains(strings.ToLower(meta.Name), lowerName) {
			continue
		}
		if len(q.Capabilities) > 0 && !intersects(q.Capabilities, meta.Capabilities) {
			continue
		}
		out = append(out, did)
	}
	sort.Strings(out)
	return out, nil
}

func hasCapability(caps []Capability, name string) bool {
	for _, c := range caps {
		if c.Name == name {
			return true
		}
	}
	return false
}

func intersects(requested []string, entryCaps []Capability) bool {
	names := make(map[string]struct{}, len(entryCaps))
	for _, c := range entryCaps {
		names[c.Name] = struct{}{}
	}
	for _, r := range requested {
		if _, ok := names[r]; ok {
			return true
		}
	}
	return false
}

package directory

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleSeedYAML = `
agents:
  - did: did:key:zA
    name: Warehouse Rover
    capabilities:
      - name: navigate
      - name: perceive
        version: "1.2"
    endpoints:
      rpc: rpc://rover-one:7000
    metadata:
      zone: warehouse-3
  - did: did:key:zB
    name: Survey Drone
    capabilities:
      - name: map
`

func writeSeedFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "seed.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write seed file: %v", err)
	}
	return path
}

func TestLoadSeedFile(t *testing.T) {
	path := writeSeedFile(t, sampleSeedYAML)
	entries, err := LoadSeedFile(path)
	if err != nil {
		t.Fatalf("load seed file failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Metadata["zone"] != "warehouse-3" {
		t.Fatalf("expected metadata carried through, got %+v", entries[0].Metadata)
	}
}

func TestLoadSeedFileToleratesUnknownFields(t *testing.T) {
	path := writeSeedFile(t, sampleSeedYAML+"\nunknownTopLevelField: true\n")
	if _, err := LoadSeedFile(path); err != nil {
		t.Fatalf("expected lenient parse of unknown fields, got %v", err)
	}
}

func TestSeedProviderRegistersEveryEntry(t *testing.T) {
	path := writeSeedFile(t, sampleSeedYAML)
	p := NewInMemoryProvider()
	n, err := SeedProvider(p, path)
	if err != nil {
		t.Fatalf("seed provider failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 entries registered, got %d", n)
	}
	if _, ok, _ := p.Lookup("did:key:zA"); !ok {
		t.Fatal("expected did:key:zA to be registered")
	}
}

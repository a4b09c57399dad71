package directory

import (
	"testing"
	"time"
)

type slowProvider struct {
	delay time.Duration
}

func (s *slowProvider) Discover(capability string) ([]string, error) {
	time.Sleep(s.delay)
	return []string{"did:key:zA"}, nil
}

func (s *slowProvider) Lookup(aid string) (AgentMetadata, bool, error) {
	time.Sleep(s.delay)
	return AgentMetadata{DID: aid}, true, nil
}

func (s *slowProvider) Register(meta AgentMetadata) error {
	time.Sleep(s.delay)
	return nil
}

func (s *slowProvider) Unregister(aid string) (bool, error) {
	time.Sleep(s.delay)
	return true, nil
}

func (s *slowProvider) Search(q SearchQuery) ([]string, error) {
	time.Sleep(s.delay)
	return nil, nil
}

func TestBoundedProviderPassesThroughFastCalls(t *testing.T) {
	p := NewBoundedProvider(NewInMemoryProvider(), 50*time.Millisecond)
	if err := p.Register(AgentMetadata{DID: "did:key:zA", Name: "fast"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	meta, ok, err := p.Lookup("did:key:zA")
	if err != nil || !ok || meta.Name != "fast" {
		t.Fatalf("unexpected lookup result: %+v ok=%v err=%v", meta, ok, err)
	}
}

func TestBoundedProviderSurfacesTimeout(t *testing.T) {
	p := NewBoundedProvider(&slowProvider{delay: 50 * time.Millisecond}, 5*time.Millisecond)
	if _, _, err := p.Lookup("did:key:zA"); err != ErrDiscoveryTimeout {
		t.Fatalf("expected ErrDiscoveryTimeout, got %v", err)
	}
}

func TestBoundedProviderDefaultsTimeout(t *testing.T) {
	p := NewBoundedProvider(NewInMemoryProvider(), 0)
	if p.timeout != DefaultLookupTimeout {
		t.Fatalf("expected default timeout, got %v", p.timeout)
	}
}

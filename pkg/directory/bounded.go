package directory

import (
	"errors"
	"time"
)

// DefaultLookupTimeout is the lookup timeout BoundedProvider applies when
// constructed with a zero timeout.
const DefaultLookupTimeout = 5 * time.Second

// ErrDiscoveryTimeout is returned by every BoundedProvider method when the
// wrapped provider does not respond within the configured timeout. The RPC
// layer maps this to the DISCOVERY_FAILED wire error.
var ErrDiscoveryTimeout = errors.New("directory: lookup exceeded timeout")

// BoundedProvider wraps a DirectoryProvider and enforces a lookup timeout,
// so a slow or hung backing provider cannot block RPC dispatch
// indefinitely. This is the seam the RPC client actually consults.
type BoundedProvider struct {
	inner   DirectoryProvider
	timeout time.Duration
}

// NewBoundedProvider wraps inner with timeout. A zero or negative timeout
// defaults to DefaultLookupTimeout.
func NewBoundedProvider(inner DirectoryProvider, timeout time.Duration) *BoundedProvider {
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	return &BoundedProvider{inner: inner, timeout: timeout}
}

type discoverResult struct {
	dids []string
	err  error
}

func (p *BoundedProvider) Discover(capability string) ([]string, error) {
	ch := make(chan discoverResult, 1)
	go func() {
		dids, err := p.inner.Discover(capability)
		ch <- discoverResult{dids, err}
	}()
	select {
	case r := <-ch:
		return r.dids, r.err
	case <-time.After(p.timeout):
		return nil, ErrDiscoveryTimeout
	}
}

type lookupResult struct {
	meta  AgentMetadata
	found bool
	err   error
}

func (p *BoundedProvider) Lookup(aid string) (AgentMetadata, bool, error) {
	ch := make(chan lookupResult, 1)
	go func() {
		meta, found, err := p.inner.Lookup(aid)
		ch <- lookupResult{meta, found, err}
	}()
	select {
	case r := <-ch:
		return r.meta, r.found, r.err
	case <-time.After(p.timeout):
		return AgentMetadata{}, false, ErrDiscoveryTimeout
	}
}

func (p *BoundedProvider) Register(meta AgentMetadata) error {
	ch := make(chan error, 1)
	go func() { ch <- p.inner.Register(meta) }()
	select {
	case err := <-ch:
		return err
	case <-time.After(p.timeout):
		return ErrDiscoveryTimeout
	}
}

type unregisterResult struct {
	removed bool
	err     error
}

func (p *BoundedProvider) Unregister(aid string) (bool, error) {
	ch := make(chan unregisterResult, 1)
	go func() {
		removed, err := p.inner.Unregister(aid)
		ch <- unregisterResult{removed, err}
	}()
	select {
	case r := <-ch:
		return r.removed, r.err
	case <-time.After(p.timeout):
		return false, ErrDiscoveryTimeout
	}
}

func (p *BoundedProvider) Search(q SearchQuery) ([]string, error) {
	ch := make(chan discoverResult, 1)
	go func() {
		dids, err := p.inner.Search(q)
		ch <- discoverResult{dids, err}
	}()
	select {
	case r := <-ch:
		return r.dids, r.err
	case <-time.After(p.timeout):
		return nil, ErrDiscoveryTimeout
	}
}

// ensure interface compliance at compile time
var _ DirectoryProvider = (*BoundedProvider)(nil)
var _ DirectoryProvider = (*InMemoryProvider)(nil)

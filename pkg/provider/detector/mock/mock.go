// Package mock provides a test double for detector.Provider.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/kanan/pkg/provider/detector"
)

// Provider is a mock implementation of detector.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by every successful Detect call.
	Result detector.Result

	// Err, if non-nil, is returned by Detect.
	Err error

	// Block, if non-nil, makes Detect wait until it is closed or ctx ends.
	Block chan struct{}

	// Calls records the JPEG payload of every Detect call.
	Calls [][]byte
}

// Detect records the call and returns Result, Err.
func (p *Provider) Detect(ctx context.Context, jpeg []byte) (detector.Result, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, append([]byte(nil), jpeg...))
	block, res, err := p.Block, p.Result, p.Err
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return detector.Result{}, ctx.Err()
		}
	}
	return res, err
}

// CallCount returns the number of Detect calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Set replaces the result and error returned by subsequent calls.
func (p *Provider) Set(res detector.Result, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Result, p.Err = res, err
}

// Ensure Provider implements detector.Provider at compile time.
var _ detector.Provider = (*Provider)(nil)

// Package vmresources is the resource manager's opaque collaborator for
// resolving how much compute a given client is entitled to request. The
// control-plane protocol itself has no notion of quotas or billing; it
// only asks this interface for a VMResources value to place.
package vmresources

import (
	"context"
	"sync"

	"github.com/cloudarxiv/flyt/internal/gpumodel"
)

// Getter resolves a client identifier to the resources it wants
// allocated. The resource manager treats it as opaque: how entitlements
// are computed (quotas, billing, static config) is outside the control
// protocol's concern.
type Getter interface {
	GetRequired(ctx context.Context, clientID string) (gpumodel.VMResources, bool)
}

// StaticGetter is a reference Getter backed by an in-memory table filled
// through Set. The coordinator tests use it; cmd/resourcemanager does not
// build one, and nothing loads it from configuration.
type StaticGetter struct {
	mu    sync.RWMutex
	table map[string]gpumodel.VMResources
}

// NewStaticGetter builds an empty StaticGetter.
func NewStaticGetter() *StaticGetter {
	return &StaticGetter{table: make(map[string]gpumodel.VMResources)}
}

// Set installs or replaces the resource requirement for a client.
func (g *StaticGetter) Set(clientID string, resources gpumodel.VMResources) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.table[clientID] = resources
}

// Unset removes a client's requirement.
func (g *StaticGetter) Unset(clientID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.table, clientID)
}

// GetRequired implements Getter.
func (g *StaticGetter) GetRequired(ctx context.Context, clientID string) (gpumodel.VMResources, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	res, ok := g.table[clientID]
	return res, ok
}

// Package finder looks up stations in online directories. Each directory is
// a Provider registered under a name.
package finder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/glebovdev/streamradio/internal/station"
)

// Capability names shared by the providers.
const (
	CapabilityName        = "Name"
	CapabilityGenre       = "Genre"
	CapabilityTag         = "Tag"
	CapabilityLanguage    = "Language"
	CapabilityCountry     = "Country"
	CapabilityCountryCode = "Country code"
	CapabilityState       = "State/Region"
	CapabilityIdentifier  = "Unique identifier"
)

var (
	ErrUnknownProvider   = errors.New("unknown station finder")
	ErrUnknownCapability = errors.New("search capability not supported")
)

// Capability is one way a provider can search, e.g. by name or by genre.
// Keywords, when present, list the values the provider understands.
type Capability struct {
	Name     string
	Keywords []string
}

func (c Capability) HasKeywords() bool {
	return len(c.Keywords) > 0
}

// Provider searches a station directory. Stations it returns carry at least
// a name and a playlist source; the stream url is resolved by probing.
type Provider interface {
	Name() string
	HomePage() string
	Capabilities() []Capability
	Find(ctx context.Context, capability, query string) ([]*station.Station, error)
}

type Factory func() Provider

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a provider available under name, replacing any earlier one.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Names lists the registered providers in alphabetical order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func New(name string) (Provider, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownProvider)
	}
	return factory(), nil
}

// HasCapability reports whether p supports the named capability.
func HasCapability(p Provider, name string) bool {
	for _, c := range p.Capabilities() {
		if c.Name == name {
			return true
		}
	}
	return false
}

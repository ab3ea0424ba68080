package cloud

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Factory builds the CPI and agent broker of one cloud provider. It is
// called once per director process.
type Factory func(ctx context.Context) (CPI, Agents, error)

var (
	providersMu sync.RWMutex
	providers   = map[string]Factory{}
)

// RegisterProvider makes a provider available to Open under name. It
// panics if name is empty, f is nil or name is already registered.
func RegisterProvider(name string, f Factory) {
	providersMu.Lock()
	defer providersMu.Unlock()
	if name == "" || f == nil {
		panic("cloud: RegisterProvider with empty name or nil factory")
	}
	if _, dup := providers[name]; dup {
		panic("cloud: RegisterProvider called twice for " + name)
	}
	providers[name] = f
}

// Providers lists the registered provider names.
func Providers() []string {
	providersMu.RLock()
	defer providersMu.RUnlock()
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open builds the named provider and wraps it with GuardCPI and
// GuardAgents.
func Open(ctx context.Context, name string, opts Options) (CPI, Agents, error) {
	providersMu.RLock()
	f, ok := providers[name]
	providersMu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("unknown cloud provider %q (registered: %v)", name, Providers())
	}
	cpi, agents, err := f(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("open cloud provider %s: %w", name, err)
	}
	return GuardCPI(cpi, opts), GuardAgents(agents, opts), nil
}

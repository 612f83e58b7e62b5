package composio

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/haasonsaas/cos/internal/kv"
)

// ErrNotInstalled is returned for toolkits that were never installed.
var ErrNotInstalled = errors.New("composio: toolkit is not installed")

// InstalledToolkit is a toolkit the user has linked.
type InstalledToolkit struct {
	Toolkit     string    `json:"toolkit"`
	InstalledAt time.Time `json:"installed_at"`
	Tools       int       `json:"tools"`
	Active      bool      `json:"active"`
	RedirectURL string    `json:"redirect_url,omitempty"`
	LastTested  time.Time `json:"last_tested,omitempty"`
	LastTestOK  bool      `json:"last_test_ok,omitempty"`
}

// Connector links toolkit accounts.
type Connector interface {
	ManageConnections(ctx context.Context, toolkits []string) ([]Connection, error)
}

// Installer manages the installed toolkit list under kv.KeyInstalledTools.
type Installer struct {
	store     kv.Store
	registry  *Registry
	connector Connector
	now       func() time.Time
}

// NewInstaller creates an installer.
func NewInstaller(store kv.Store, reg *Registry, conn Connector) *Installer {
	return &Installer{store: store, registry: reg, connector: conn, now: time.Now}
}

func (in *Installer) load(ctx context.Context) (map[string]InstalledToolkit, error) {
	m, _, err := kv.GetJSON[map[string]InstalledToolkit](ctx, in.store, kv.KeyInstalledTools)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]InstalledToolkit{}
	}
	return m, nil
}

// List returns installed toolkits sorted by name.
func (in *Installer) List(ctx context.Context) ([]InstalledToolkit, error) {
	m, err := in.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]InstalledToolkit, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Toolkit < out[j].Toolkit })
	return out, nil
}

// Install discovers the toolkit's tools, starts the account link and
// records it. The returned entry carries the OAuth URL when the user still
// has to authorize.
func (in *Installer) Install(ctx context.Context, toolkit string) (InstalledToolkit, error) {
	tk := NormalizeToolkit(toolkit)
	if tk == "" {
		return InstalledToolkit{}, fmt.Errorf("toolkit name is required")
	}
	schemas, err := in.registry.Discover(ctx, tk)
	if err != nil {
		return InstalledToolkit{}, fmt.Errorf("install %s: %w", tk, err)
	}
	entry := InstalledToolkit{Toolkit: tk, InstalledAt: in.now()}
	for _, s := range schemas {
		if NormalizeToolkit(s.Toolkit) == tk {
			entry.Tools++
		}
	}
	if in.connector != nil {
		conns, err := in.connector.ManageConnections(ctx, []string{tk})
		if err != nil {
			return InstalledToolkit{}, fmt.Errorf("link %s: %w", tk, err)
		}
		for _, c := range conns {
			if c.Toolkit == tk {
				entry.Active, entry.RedirectURL = c.Active, c.RedirectURL
			}
		}
	}
	m, err := in.load(ctx)
	if err != nil {
		return InstalledToolkit{}, err
	}
	m[tk] = entry
	return entry, kv.SetJSON(ctx, in.store, kv.KeyInstalledTools, m)
}

// Deregister removes the toolkit and its cached schemas.
func (in *Installer) Deregister(ctx context.Context, toolkit string) error {
	tk := NormalizeToolkit(toolkit)
	m, err := in.load(ctx)
	if err != nil {
		return err
	}
	if _, ok := m[tk]; !ok {
		return fmt.Errorf("%w: %s", ErrNotInstalled, tk)
	}
	delete(m, tk)
	if err := kv.SetJSON(ctx, in.store, kv.KeyInstalledTools, m); err != nil {
		return err
	}
	return in.registry.Remove(ctx, tk)
}

// Test re-checks that the toolkit is linked and its tools resolve.
func (in *Installer) Test(ctx context.Context, toolkit string) (InstalledToolkit, error) {
	tk := NormalizeToolkit(toolkit)
	m, err := in.load(ctx)
	if err != nil {
		return InstalledToolkit{}, err
	}
	entry, ok := m[tk]
	if !ok {
		return InstalledToolkit{}, fmt.Errorf("%w: %s", ErrNotInstalled, tk)
	}
	entry.LastTested = in.now()
	entry.LastTestOK = false
	var testErr error
	schemas, err := in.registry.Discover(ctx, tk)
	switch {
	case err != nil:
		testErr = err
	case len(schemas) == 0:
		testErr = fmt.Errorf("no tools found for %s", tk)
	default:
		entry.Tools = len(schemas)
		entry.LastTestOK = true
	}
	if testErr == nil && in.connector != nil {
		conns, err := in.connector.ManageConnections(ctx, []string{tk})
		if err != nil {
			testErr = err
			entry.LastTestOK = false
		}
		for _, c := range conns {
			if c.Toolkit == tk {
				entry.Active, entry.RedirectURL = c.Active, c.RedirectURL
				if !c.Active {
					entry.LastTestOK = false
					testErr = fmt.Errorf("%s is not linked; authorize at %s", tk, c.RedirectURL)
				}
			}
		}
	}
	m[tk] = entry
	if err := kv.SetJSON(ctx, in.store, kv.KeyInstalledTools, m); err != nil {
		return entry, err
	}
	return entry, testErr
}

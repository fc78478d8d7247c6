package features

import (
	"sync"
)

// FeatureFlag represents a feature flag configuration.
type FeatureFlag struct {
	Name        string
	Enabled     bool
	Description string
}

// Manager manages feature flags.
type Manager struct {
	mu    sync.RWMutex
	flags map[string]*FeatureFlag
}

// NewManager creates a new feature flag manager.
func NewManager() *Manager {
	return &Manager{
		flags: make(map[string]*FeatureFlag),
	}
}

// NewDefaultManager registers the engine's flags with their defaults and
// applies overrides for known names. Unknown override names are ignored.
func NewDefaultManager(overrides map[string]bool) *Manager {
	m := NewManager()
	m.Register(FeatureIngestEnabled, true, "run source adapters during ingest")
	m.Register(FeatureLinkProbeEnabled, true, "issue HEAD checks during maintenance")
	m.Register(FeatureRunSummaryCache, true, "record the latest summary of every stage")
	for name, enabled := range overrides {
		if enabled {
			m.Enable(name)
		} else {
			m.Disable(name)
		}
	}
	return m
}

// Register registers a new feature flag.
func (m *Manager) Register(name string, enabled bool, description string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flags[name] = &FeatureFlag{
		Name:        name,
		Enabled:     enabled,
		Description: description,
	}
}

// IsEnabled checks if a feature flag is enabled.
func (m *Manager) IsEnabled(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	flag, exists := m.flags[name]
	if !exists {
		return false // Default to disabled if flag doesn't exist
	}

	return flag.Enabled
}

// Enable enables a feature flag.
func (m *Manager) Enable(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if flag, exists := m.flags[name]; exists {
		flag.Enabled = true
	}
}

// Disable disables a feature flag.
func (m *Manager) Disable(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if flag, exists := m.flags[name]; exists {
		flag.Enabled = false
	}
}

// GetAll returns all feature flags.
func (m *Manager) GetAll() map[string]*FeatureFlag {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*FeatureFlag)
	for k, v := range m.flags {
		result[k] = &FeatureFlag{
			Name:        v.Name,
			Enabled:     v.Enabled,
			Description: v.Description,
		}
	}
	return result
}

// Predefined feature flag names
const (
	// FeatureIngestEnabled lets operators pause all source adapters
	FeatureIngestEnabled = "ingest_enabled"
	// FeatureLinkProbeEnabled forces link_check_limit to 0 when off
	FeatureLinkProbeEnabled = "link_probe_enabled"
	// FeatureRunSummaryCache enables recording stage summaries for /runs/latest
	FeatureRunSummaryCache = "run_summary_cache"
)

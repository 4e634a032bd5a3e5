// Package device holds Device, the logical object combining a backup
// filesystem with its derived providers, synthetic contacts, and
// per-device settings (country code, among others).
package device

import (
	"fmt"
	"sync"

	"github.com/saamiyaaqeel/rime/internal/app/providers"
	"github.com/saamiyaaqeel/rime/internal/domain/contact"
	rfs "github.com/saamiyaaqeel/rime/internal/platform/filesystem"
)

// SyntheticRole names one of the fixed synthetic contacts every device
// carries, used to attribute events that have no real counterparty
// (spec's "operator/unknown/device/per-provider" synthetic contacts).
type SyntheticRole string

const (
	SyntheticOperator SyntheticRole = "operator"
	SyntheticUnknown  SyntheticRole = "unknown"
	SyntheticDevice   SyntheticRole = "device"
)

// Device is created lazily the first time its filesystem is scanned,
// and cached by the orchestrator for the lifetime of the process (or
// until a Rescan replaces it).
type Device struct {
	ID         string
	Filesystem rfs.DeviceFilesystem

	mu          sync.RWMutex
	providers   map[string]providers.Provider
	countryCode string

	synthetic map[SyntheticRole]contact.Contact
	// perProviderSynthetic holds one synthetic "this provider's
	// non-user content" contact per provider name, e.g. for generic
	// media's non-user-generated attribution.
	perProviderSynthetic map[string]contact.Contact
}

// New scans fsys with every registered provider factory and builds the
// device's fixed synthetic contacts.
func New(id string, fsys rfs.DeviceFilesystem, countryCode string) (*Device, error) {
	found, err := providers.DiscoverAll(fsys)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", id, err)
	}

	d := &Device{
		ID:                   id,
		Filesystem:           fsys,
		providers:            make(map[string]providers.Provider, len(found)),
		countryCode:          countryCode,
		synthetic:            make(map[SyntheticRole]contact.Contact),
		perProviderSynthetic: make(map[string]contact.Contact),
	}
	for _, p := range found {
		if err := p.PIIFields().Validate(); err != nil {
			return nil, fmt.Errorf("device %s: provider %s: %w", id, p.Name(), err)
		}
		d.providers[p.Name()] = p
		d.perProviderSynthetic[p.Name()] = contact.Contact{
			LocalID:      "synthetic:" + p.Name(),
			DeviceID:     id,
			ProviderName: p.Name(),
			Name:         contact.Name{Display: p.FriendlyName() + " (non-user content)"},
		}
	}

	for role, suffix := range map[SyntheticRole]string{
		SyntheticOperator: "Operator",
		SyntheticUnknown:  "Unknown",
		SyntheticDevice:   "Device",
	} {
		d.synthetic[role] = contact.Contact{
			LocalID:  "synthetic:" + string(role),
			DeviceID: id,
			Name:     contact.Name{Display: suffix},
		}
	}

	return d, nil
}

func (d *Device) CountryCode() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.countryCode
}

func (d *Device) SetCountryCode(cc string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.countryCode = cc
}

// Provider returns the device's bound provider instance by name.
func (d *Device) Provider(name string) (providers.Provider, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.providers[name]
	return p, ok
}

// Providers returns every provider instance bound to this device.
func (d *Device) Providers() []providers.Provider {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]providers.Provider, 0, len(d.providers))
	for _, p := range d.providers {
		out = append(out, p)
	}
	return out
}

// Synthetic returns the device's fixed synthetic contact for role.
func (d *Device) Synthetic(role SyntheticRole) contact.Contact {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.synthetic[role]
}

// ProviderSynthetic returns the synthetic "non-user content" contact
// attributed to providerName's own non-user-generated events.
func (d *Device) ProviderSynthetic(providerName string) contact.Contact {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.perProviderSynthetic[providerName]
}

// Close releases the underlying filesystem's resources, if it exposes
// them.
func (d *Device) Close() error {
	type closer interface{ Close() error }
	if c, ok := d.Filesystem.(closer); ok {
		return c.Close()
	}
	return nil
}

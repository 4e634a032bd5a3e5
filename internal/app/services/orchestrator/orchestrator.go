// Package orchestrator implements RIME's top-level object: the
// filesystem registry, the per-device cache, the country-code session
// store, a background executor for subset/anonymise work, and an
// event broker, tied together the way rime.py's Rime class ties
// together FilesystemRegistry, Session and Scheduler.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/saamiyaaqeel/rime/internal/app/repositories"
	"github.com/saamiyaaqeel/rime/internal/app/services"
	"github.com/saamiyaaqeel/rime/internal/app/services/anonymiser"
	"github.com/saamiyaaqeel/rime/internal/domain/device"
	"github.com/saamiyaaqeel/rime/internal/domain/media"
	"github.com/saamiyaaqeel/rime/internal/platform/filesystem/registry"
	"github.com/saamiyaaqeel/rime/pkg/eventlog"
	"github.com/saamiyaaqeel/rime/pkg/storage"
	waLog "go.mau.fi/whatsmeow/util/log"
)

const defaultCountryCode = "GB"

// Config configures a Core. Log, ExportStorage and AuditLog may be
// nil; every other field is required.
type Config struct {
	BasePath       string
	SessionDBPath  string
	Passphrases    map[string]string
	Log            waLog.Logger
	ExportStorage  storage.Service
	NameAnonymiser anonymiser.NameAnonymiser
	AuditLog       *eventlog.Writer
}

// Core is RIME's top-level object, analogous to rime.py's Rime class:
// one instance per process, holding every long-lived collaborator.
type Core struct {
	registry       *registry.Registry
	countryCodes   repositories.CountryCodeRepository
	broker         *Broker
	bg             *backgroundExecutor
	log            waLog.Logger
	export         *services.ExportService
	nameAnonymiser anonymiser.NameAnonymiser
	auditLog       *eventlog.Writer

	mu      sync.RWMutex
	devices map[string]*device.Device

	cancelWatch context.CancelFunc
}

// New scans basePath, builds the initial device cache, and opens the
// country-code session store. It does not start the directory
// watcher; call Start for that.
func New(cfg Config) (*Core, error) {
	if cfg.Log == nil {
		cfg.Log = waLog.Noop
	}
	if cfg.NameAnonymiser == nil {
		cfg.NameAnonymiser = anonymiser.NoopNameAnonymiser{}
	}

	reg := registry.New(cfg.BasePath, cfg.Passphrases)
	if err := reg.Rescan(); err != nil {
		return nil, fmt.Errorf("orchestrator: initial scan of %s: %w", cfg.BasePath, err)
	}

	countryCodes, err := repositories.NewSQLiteCountryCodeRepo(cfg.SessionDBPath)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open session store: %w", err)
	}

	c := &Core{
		registry:       reg,
		countryCodes:   countryCodes,
		broker:         NewBroker(),
		bg:             newBackgroundExecutor(),
		log:            cfg.Log,
		export:         services.NewExportService(cfg.ExportStorage, cfg.Log.Sub("Export")),
		nameAnonymiser: cfg.NameAnonymiser,
		auditLog:       cfg.AuditLog,
		devices:        map[string]*device.Device{},
	}

	if err := c.loadDevices(context.Background()); err != nil {
		return nil, err
	}
	return c, nil
}

// Start begins the directory-watcher task; it stops when ctx is
// cancelled.
func (c *Core) Start(ctx context.Context) error {
	watchCtx, cancel := context.WithCancel(ctx)
	c.cancelWatch = cancel
	return watchDevicesPath(watchCtx, c.registry.BasePath(), c.log.Sub("Watcher"), func() {
		if err := c.Rescan(); err != nil {
			c.log.Warnf("rescan after filesystem change failed: %v", err)
		}
	})
}

// Stop shuts down the background executor and directory watcher, and
// closes the session store.
func (c *Core) Stop() {
	if c.cancelWatch != nil {
		c.cancelWatch()
	}
	c.bg.Stop()
	c.countryCodes.Close()
}

// loadDevices builds one device.Device per registry entry not already
// cached, preserving any already-loaded Device (and thus its
// synthetic-contact identities) across a rescan.
func (c *Core) loadDevices(ctx context.Context) error {
	all := c.registry.All()

	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[string]*device.Device, len(all))
	for id, fsys := range all {
		if existing, ok := c.devices[id]; ok && existing.Filesystem == fsys {
			next[id] = existing
			continue
		}
		cc, err := c.countryCodes.Get(ctx, id, defaultCountryCode)
		if err != nil {
			return fmt.Errorf("orchestrator: load country code for %s: %w", id, err)
		}
		d, err := device.New(id, fsys, cc)
		if err != nil {
			return fmt.Errorf("orchestrator: build device %s: %w", id, err)
		}
		next[id] = d
	}
	c.devices = next
	return nil
}

// Rescan refreshes the filesystem registry and reconciles the device
// cache against it, then publishes TopicDeviceListUpdated.
func (c *Core) Rescan() error {
	if err := c.registry.Rescan(); err != nil {
		return err
	}
	if err := c.loadDevices(context.Background()); err != nil {
		return err
	}
	c.broker.Publish(TopicDeviceListUpdated, nil)
	return nil
}

// Device returns the cached device by id.
func (c *Core) Device(id string) (*device.Device, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return d, nil
}

// Devices returns every cached device, order unspecified.
func (c *Core) Devices() []*device.Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*device.Device, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d)
	}
	return out
}

// HasDevice reports whether id is currently a known device.
func (c *Core) HasDevice(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.devices[id]
	return ok
}

// Subscribe exposes the broker to callers that need device_list_updated
// or subset_complete notifications (spec's event pub/sub).
func (c *Core) Subscribe(topic string, buffer int) <-chan any {
	return c.broker.Subscribe(topic, buffer)
}

// GetMedia resolves a device:provider:local media id to its handle and
// content type, mirroring Rime.get_media.
func (c *Core) GetMedia(ctx context.Context, deviceID, providerName, localID string) (*media.Data, error) {
	d, err := c.Device(deviceID)
	if err != nil {
		return nil, err
	}
	p, ok := d.Provider(providerName)
	if !ok {
		return nil, fmt.Errorf("orchestrator: device %s has no provider %s", deviceID, providerName)
	}
	return p.GetMedia(ctx, localID)
}

// ExportSubset streams a finalised subset device's files to the
// configured disclosure export backend. It fails if no ExportStorage
// was configured, or if the device's filesystem isn't locked yet.
func (c *Core) ExportSubset(ctx context.Context, deviceID string) (*services.ExportResult, error) {
	if !c.export.Enabled() {
		return nil, fmt.Errorf("orchestrator: no export storage configured")
	}
	d, err := c.Device(deviceID)
	if err != nil {
		return nil, err
	}
	return c.export.Export(ctx, deviceID, d.Filesystem)
}

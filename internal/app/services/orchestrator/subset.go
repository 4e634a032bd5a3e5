package orchestrator

import (
	"context"
	"fmt"

	"github.com/saamiyaaqeel/rime/internal/app/services/anonymiser"
	"github.com/saamiyaaqeel/rime/internal/app/services/subsetter"
	"github.com/saamiyaaqeel/rime/internal/domain/device"
	"github.com/saamiyaaqeel/rime/internal/domain/event"
	"github.com/saamiyaaqeel/rime/internal/domain/filter"
	rfs "github.com/saamiyaaqeel/rime/internal/platform/filesystem"
)

// SubsetTarget names one source device to clone into a new, empty
// device id, mirroring graphql.py's per-target (oldDeviceId,
// newDeviceId) pair.
type SubsetTarget struct {
	OldDeviceID string
	NewDeviceID string
}

// SubsetRequest is everything CreateSubset needs to run the
// PREPARED/POPULATING/ANONYMISING/FINALISED pipeline for one or more
// targets.
type SubsetRequest struct {
	Targets        []SubsetTarget
	EventsFilter   filter.Events
	ContactsFilter filter.Contacts
	Anonymise      bool
}

type preparedSubset struct {
	oldID, newID string
	oldDevice    *device.Device
	newFS        rfs.DeviceFilesystem
}

// CreateSubset runs the PREPARED phase synchronously (so callers get an
// immediate NameInvalid/NameExists error) and submits the remaining
// phases to the background executor, returning a channel that
// receives exactly one SubsetResult once the operation finishes.
func (c *Core) CreateSubset(ctx context.Context, req SubsetRequest) (<-chan SubsetResult, error) {
	prepared := make([]preparedSubset, 0, len(req.Targets))
	for _, t := range req.Targets {
		p, err := c.prepareSubset(t.OldDeviceID, t.NewDeviceID)
		if err != nil {
			for _, done := range prepared {
				_ = c.registry.Delete(done.newID)
			}
			return nil, err
		}
		prepared = append(prepared, p)
	}

	result := make(chan SubsetResult, 1)
	c.bg.Submit(func() {
		c.runSubset(ctx, prepared, req, result)
	})
	return result, nil
}

// prepareSubset validates the target and materialises an empty, locked
// device filesystem, the PREPARED state of spec §4.7.
func (c *Core) prepareSubset(oldID, newID string) (preparedSubset, error) {
	if !rfs.DeviceIDPattern.MatchString(newID) {
		return preparedSubset{}, fmt.Errorf("%w: %q", ErrNameInvalid, newID)
	}
	if c.HasDevice(newID) {
		return preparedSubset{}, fmt.Errorf("%w: %q", ErrNameExists, newID)
	}
	oldDevice, err := c.Device(oldID)
	if err != nil {
		return preparedSubset{}, err
	}

	newFS, err := c.registry.CreateSubsetFilesystem(newID, oldDevice.Filesystem.Kind(), oldDevice.Filesystem)
	if err != nil {
		return preparedSubset{}, err
	}
	return preparedSubset{oldID: oldID, newID: newID, oldDevice: oldDevice, newFS: newFS}, nil
}

// runSubset executes POPULATING, optional ANONYMISING, and FINALISED
// (or FAILED) for every prepared target, then publishes the result.
// It always runs on the background executor's single goroutine, so two
// subset operations never interleave their SQLite work (spec §5's
// "subset operations are serialised").
func (c *Core) runSubset(ctx context.Context, prepared []preparedSubset, req SubsetRequest, result chan<- SubsetResult) {
	deviceIDs := make([]string, len(prepared))
	for i, p := range prepared {
		deviceIDs[i] = p.newID
	}

	err := c.populateAndFinaliseSubset(ctx, prepared, req)

	var res SubsetResult
	if err != nil {
		c.log.Warnf("subset operation failed: %v", err)
		for _, p := range prepared {
			if delErr := c.registry.Delete(p.newID); delErr != nil {
				c.log.Warnf("cleanup of failed subset device %s: %v", p.newID, delErr)
			}
		}
		res = SubsetResult{Success: false, DeviceIDs: deviceIDs, ErrorCode: codeFor(err), ErrorMessage: err.Error()}
	} else {
		res = SubsetResult{Success: true, DeviceIDs: deviceIDs}
	}

	if rescanErr := c.Rescan(); rescanErr != nil {
		c.log.Warnf("rescan after subset operation: %v", rescanErr)
	}

	result <- res
	close(result)
	c.broker.Publish(TopicSubsetComplete, res)

	if c.auditLog.Enabled() {
		for _, id := range deviceIDs {
			if err := c.auditLog.Write(id, res); err != nil {
				c.log.Warnf("audit log write for %s: %v", id, err)
			}
		}
	}
}

// populateAndFinaliseSubset runs POPULATING, ANONYMISING, and
// FINALISED for every target in order. A single AnonMap is shared
// across every target in this request, so the same phone number or
// email seen on two different source devices anonymises to the same
// synthetic value, mirroring graphql.py's single Anonymiser(bg_rime)
// instance reused across every target in one createSubset call.
func (c *Core) populateAndFinaliseSubset(ctx context.Context, prepared []preparedSubset, req SubsetRequest) error {
	anon := anonymiser.New(c.nameAnonymiser)

	for _, p := range prepared {
		if err := c.populateSubsetDevice(ctx, p, req); err != nil {
			return err
		}

		if req.Anonymise {
			newDevice, err := device.New(p.newID, p.newFS, p.oldDevice.CountryCode())
			if err != nil {
				return fmt.Errorf("reload subset device %s: %w", p.newID, err)
			}
			for _, prov := range newDevice.Providers() {
				if err := anon.AnonymiseDeviceProvider(ctx, prov.Name(), p.newFS, prov.PIIFields(), newDevice.CountryCode()); err != nil {
					return err
				}
			}
		}

		if err := p.newFS.Lock(false); err != nil {
			return fmt.Errorf("unlock subset device %s: %w", p.newID, err)
		}
	}
	return nil
}

// populateSubsetDevice finds, for every provider on the source device,
// the events and contacts matching req's filters, then invokes the
// provider's own Subset to reproduce them in the destination
// filesystem. Mirrors graphql.py's _create_subset_populate_device,
// including subsetting contacts-only providers that contributed no
// matched events.
func (c *Core) populateSubsetDevice(ctx context.Context, p preparedSubset, req SubsetRequest) error {
	sub := subsetter.New(p.newFS)

	for _, prov := range p.oldDevice.Providers() {
		contacts, err := prov.SearchContacts(ctx, req.ContactsFilter)
		if err != nil {
			return fmt.Errorf("search contacts on %s: %w", prov.Name(), err)
		}

		events, errs := prov.SearchEvents(ctx, req.EventsFilter)
		var matched []event.Event
		for ev := range events {
			var session *event.MessageSession
			if msg, ok := ev.(event.MessageEvent); ok {
				session = msg.Session
			}
			if req.EventsFilter.Match(ev, session) {
				matched = append(matched, ev)
			}
		}
		if err := <-errs; err != nil {
			return fmt.Errorf("search events on %s: %w", prov.Name(), err)
		}

		if err := prov.Subset(ctx, sub, matched, contacts); err != nil {
			return fmt.Errorf("subset provider %s: %w", prov.Name(), err)
		}
	}
	return nil
}

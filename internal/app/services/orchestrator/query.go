package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"github.com/saamiyaaqeel/rime/internal/app/services/merge"
	"github.com/saamiyaaqeel/rime/internal/domain/contact"
	"github.com/saamiyaaqeel/rime/internal/domain/device"
	"github.com/saamiyaaqeel/rime/internal/domain/event"
	"github.com/saamiyaaqeel/rime/internal/domain/filter"
)

// QueryEvents gathers every event matching f across the named devices
// (every cached device if deviceIDs is empty), stamps each with its
// originating device id, and sorts the result ascending by
// (timestamp, device id), the ordering guarantee of spec §5.
func (c *Core) QueryEvents(ctx context.Context, deviceIDs []string, f filter.Events) ([]event.Event, error) {
	devices, err := c.resolveDevices(deviceIDs)
	if err != nil {
		return nil, err
	}

	var out []event.Event
	for _, d := range devices {
		for _, prov := range d.Providers() {
			events, errs := prov.SearchEvents(ctx, f)
			for ev := range events {
				var session *event.MessageSession
				if msg, ok := ev.(event.MessageEvent); ok {
					session = msg.Session
				}
				if f.Match(ev, session) {
					out = append(out, event.WithDeviceID(ev, d.ID))
				}
			}
			if err := <-errs; err != nil {
				return nil, fmt.Errorf("query events on device %s provider %s: %w", d.ID, prov.Name(), err)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		bi, bj := out[i].EventBase(), out[j].EventBase()
		if !bi.Timestamp.Equal(bj.Timestamp) {
			return bi.Timestamp.Before(bj.Timestamp)
		}
		return bi.DeviceID < bj.DeviceID
	})
	return out, nil
}

// QueryContacts gathers every contact matching f across the named
// devices.
func (c *Core) QueryContacts(ctx context.Context, deviceIDs []string, f filter.Contacts) ([]contact.Contact, error) {
	devices, err := c.resolveDevices(deviceIDs)
	if err != nil {
		return nil, err
	}

	var out []contact.Contact
	for _, d := range devices {
		for _, prov := range d.Providers() {
			cs, err := prov.SearchContacts(ctx, f)
			if err != nil {
				return nil, fmt.Errorf("query contacts on device %s provider %s: %w", d.ID, prov.Name(), err)
			}
			out = append(out, cs...)
		}
	}
	return out, nil
}

// MergedContacts runs QueryContacts across the named devices and folds
// the results by canonicalised phone number, per spec §4.6's merge
// engine.
func (c *Core) MergedContacts(ctx context.Context, deviceIDs []string, f filter.Contacts) ([]merge.MergedContact, error) {
	contacts, err := c.QueryContacts(ctx, deviceIDs, f)
	if err != nil {
		return nil, err
	}
	return merge.Merge(contacts, c.countryCodeFor), nil
}

func (c *Core) countryCodeFor(deviceID string) string {
	d, err := c.Device(deviceID)
	if err != nil {
		return defaultCountryCode
	}
	return d.CountryCode()
}

func (c *Core) resolveDevices(deviceIDs []string) ([]*device.Device, error) {
	if len(deviceIDs) == 0 {
		return c.Devices(), nil
	}
	out := make([]*device.Device, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		d, err := c.Device(id)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

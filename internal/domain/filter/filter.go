// Package filter implements the events/contacts/providers filter engine.
// Every filter field left unset acts as an identity match, so a
// zero-value filter matches everything.
package filter

import (
	"regexp"
	"time"

	"github.com/saamiyaaqeel/rime/internal/domain/contact"
	"github.com/saamiyaaqeel/rime/internal/domain/event"
)

// Events is the query filter applied to a stream of events.
//
// Time bounds are inclusive on both ends (spec's "start inclusive, end
// inclusive"): an event at exactly TimestampStart or TimestampEnd
// matches.
type Events struct {
	ParticipantIDs  map[string]struct{} // set of GlobalContactId strings
	TimestampStart  *time.Time
	TimestampEnd    *time.Time
	TypeNames       map[event.TypeName]struct{}
	ProviderNames   map[string]struct{}
	GenericCategory *regexp.Regexp
}

// Match reports whether ev passes this filter. session, if non-nil, is
// used to test participant membership beyond the event's own sender.
func (f Events) Match(ev event.Event, session *event.MessageSession) bool {
	base := ev.EventBase()

	if f.TimestampStart != nil && base.Timestamp.Before(*f.TimestampStart) {
		return false
	}
	if f.TimestampEnd != nil && base.Timestamp.After(*f.TimestampEnd) {
		return false
	}
	if len(f.TypeNames) > 0 {
		if _, ok := f.TypeNames[ev.TypeTag()]; !ok {
			return false
		}
	}
	if len(f.ProviderNames) > 0 {
		if _, ok := f.ProviderNames[base.ProviderName]; !ok {
			return false
		}
	}
	if f.GenericCategory != nil {
		if base.GenericEventInfo == nil || !f.GenericCategory.MatchString(base.GenericEventInfo.Category) {
			return false
		}
	}
	if len(f.ParticipantIDs) > 0 {
		if !f.matchesParticipant(ev, session, base) {
			return false
		}
	}
	return true
}

// matchesParticipant matches if the event's sender OR any session
// participant is in the participant-id set.
func (f Events) matchesParticipant(ev event.Event, session *event.MessageSession, base event.Base) bool {
	if msg, ok := ev.(event.MessageEvent); ok && msg.Sender != nil {
		id := contact.FromContact(*msg.Sender).String()
		if _, found := f.ParticipantIDs[id]; found {
			return true
		}
	}
	if session != nil {
		for _, p := range session.Participants {
			id := contact.FromContact(p).String()
			if _, found := f.ParticipantIDs[id]; found {
				return true
			}
		}
	}
	return false
}

// IsIdentity reports whether this filter matches everything (all fields
// unset), used by the subsetter to detect an "improper subset" request.
func (f Events) IsIdentity() bool {
	return len(f.ParticipantIDs) == 0 && f.TimestampStart == nil && f.TimestampEnd == nil &&
		len(f.TypeNames) == 0 && len(f.ProviderNames) == 0 && f.GenericCategory == nil
}

// Contacts filters by display-name regex; an unset pattern matches
// every contact.
type Contacts struct {
	NameRegex *regexp.Regexp
}

func (f Contacts) Match(c contact.Contact) bool {
	if f.NameRegex == nil {
		return true
	}
	return f.NameRegex.MatchString(c.Name.FullName())
}

// Providers filters by provider-name regex; an unset pattern matches
// every provider.
type Providers struct {
	NameRegex *regexp.Regexp
}

func (f Providers) Match(providerName string) bool {
	if f.NameRegex == nil {
		return true
	}
	return f.NameRegex.MatchString(providerName)
}

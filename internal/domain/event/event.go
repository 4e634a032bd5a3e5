// Package event holds the per-query event and session types shared by
// every provider: Event, MessageEvent, MediaEvent, MessageSession, Media
// and GenericEventInfo, per the data model.
//
// Providers identify themselves by name only (ProviderName /
// ProviderFriendlyName) rather than holding a live reference to a
// Provider value, so this package has no dependency on the providers
// package and providers can freely depend on it.
package event

import (
	"time"

	"github.com/saamiyaaqeel/rime/internal/domain/contact"
)

// TypeName is the event's discriminator, matched by EventsFilter's
// type-name set (e.g. "MessageEvent", "MediaEvent").
type TypeName string

const (
	TypeMessage TypeName = "MessageEvent"
	TypeMedia   TypeName = "MediaEvent"
)

// GenericEventInfo is attached by providers (generic media, in
// particular) that don't fit a typed event shape and want to be matched
// by category only.
type GenericEventInfo struct {
	Category        string
	IsUserGenerated bool
}

// Base carries the fields common to every Event variant.
type Base struct {
	ID               string
	Timestamp        time.Time
	ProviderName     string
	ProviderFriendly string
	GenericEventInfo *GenericEventInfo
	// DeviceID is added by the query layer, never set by a provider.
	DeviceID     string
	ProviderData any
}

func (b Base) TypeTag() TypeName { return "" }

// MessageSession groups related MessageEvents: a conversation with a
// name and an ordered participant list.
type MessageSession struct {
	LocalID      string
	ProviderName string
	Name         string
	Participants []contact.Contact
	ProviderData any
	// GlobalID is stamped on by the query layer as device:provider:local.
	GlobalID string
}

// Key mirrors the Python dataclass's __hash__ over (local_id, provider).
func (s MessageSession) Key() string {
	return s.LocalID + ":" + s.ProviderName
}

// Media represents media attached to a MessageEvent, or standalone media
// referenced by a MediaEvent.
type Media struct {
	MimeType string
	LocalID  string
}

// MessageEvent is a message sent or received within a MessageSession.
type MessageEvent struct {
	Base
	SessionID string
	Text      string
	Sender    *contact.Contact
	FromMe    bool
	Session   *MessageSession
	Media     *Media
}

func (MessageEvent) TypeTag() TypeName { return TypeMessage }

// MediaEvent is a standalone piece of media captured at a point in time
// (e.g. a camera photo), not attached to any message.
type MediaEvent struct {
	Base
	Media
	// Sender attributes non-user-generated or unknown-origin media to
	// one of the device's synthetic contacts.
	Sender *contact.Contact
}

func (MediaEvent) TypeTag() TypeName { return TypeMedia }

// Event is implemented by MessageEvent and MediaEvent; the query layer
// and filter engine operate on this interface so it never needs to know
// about every concrete event shape a provider might add.
type Event interface {
	TypeTag() TypeName
	EventBase() Base
}

func (m MessageEvent) EventBase() Base { return m.Base }
func (m MediaEvent) EventBase() Base   { return m.Base }

// WithDeviceID returns a copy of ev stamped with deviceID, the query
// layer's job per the data model ("device id added at query time") —
// a provider never knows its own device id.
func WithDeviceID(ev Event, deviceID string) Event {
	switch v := ev.(type) {
	case MessageEvent:
		v.Base.DeviceID = deviceID
		return v
	case MediaEvent:
		v.Base.DeviceID = deviceID
		return v
	default:
		return ev
	}
}

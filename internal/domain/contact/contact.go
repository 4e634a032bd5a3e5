// Package contact holds the shared contact identity types produced by
// providers and consumed by the filter, merge, subset and anonymise
// stages.
package contact

import "fmt"

// Name is a contact's (possibly partial) name.
type Name struct {
	First   string
	Last    string
	Display string
}

// FullName mirrors the Python dataclass's full_name(): prefer Display,
// fall back to "First Last", then whichever of the two is present.
func (n Name) FullName() string {
	switch {
	case n.Display != "":
		return n.Display
	case n.First != "" && n.Last != "":
		return n.First + " " + n.Last
	case n.First != "":
		return n.First
	case n.Last != "":
		return n.Last
	default:
		return ""
	}
}

// Contact is unique to its Provider and Device; the GlobalContactId
// combines those two with LocalID for cross-system identity.
type Contact struct {
	LocalID              string
	DeviceID             string
	Name                 Name
	ProviderName         string
	ProviderFriendlyName string
	Phone                string
	Email                string
	// ProviderData lets a provider recreate this contact during subsetting.
	ProviderData any
}

// Key returns a value suitable for use as a map key, mirroring the
// Python dataclass's __hash__ over (device_id, local_id).
func (c Contact) Key() [2]string {
	return [2]string{c.DeviceID, c.LocalID}
}

// GlobalContactId uniquely identifies a contact across every device and
// provider known to the system.
type GlobalContactId struct {
	DeviceID     string
	ProviderName string
	LocalID      string
}

// String renders "device:provider:local", the canonical external form.
func (g GlobalContactId) String() string {
	return fmt.Sprintf("%s:%s:%s", g.DeviceID, g.ProviderName, g.LocalID)
}

// FromContact builds a GlobalContactId from a Contact's identity fields.
func FromContact(c Contact) GlobalContactId {
	return GlobalContactId{DeviceID: c.DeviceID, ProviderName: c.ProviderName, LocalID: c.LocalID}
}

// ParseGlobalContactId splits "device:provider:local" back into its parts.
// The local id may itself be empty but the string must carry exactly two
// colons separating the three components, per spec's external-interface
// contract.
func ParseGlobalContactId(s string) (GlobalContactId, error) {
	// SplitN(..., 3) mirrors Python's str.split(':', 2): only the first two
	// colons are separators, so a local id containing ':' survives intact.
	parts := splitN3(s)
	if parts == nil {
		return GlobalContactId{}, fmt.Errorf("contact: invalid global contact id %q", s)
	}
	return GlobalContactId{DeviceID: parts[0], ProviderName: parts[1], LocalID: parts[2]}, nil
}

func splitN3(s string) []string {
	first := -1
	second := -1
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			if first == -1 {
				first = i
			} else {
				second = i
				break
			}
		}
	}
	if first == -1 || second == -1 {
		return nil
	}
	return []string{s[:first], s[first+1 : second], s[second+1:]}
}

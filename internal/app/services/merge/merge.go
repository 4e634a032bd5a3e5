// Package merge implements contact merging: contacts sharing a
// canonical phone number (per the owning device's country code) are
// folded into a single MergedContact; everything else becomes a
// singleton.
package merge

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/nyaruka/phonenumbers"

	"github.com/saamiyaaqeel/rime/internal/domain/contact"
)

// MergedContact groups one or more Contacts that are believed to be the
// same real-world person.
type MergedContact struct {
	LocalID  string
	Contacts []contact.Contact
	Name     *contact.Name
	Phone    string
	Email    string
}

// CountryCodeFor resolves the default region used to canonicalise a
// contact's phone number, keyed by the contact's owning device.
type CountryCodeFor func(deviceID string) string

func hashContactIDs(contacts []contact.Contact) string {
	h := sha256.New()
	for _, c := range contacts {
		h.Write([]byte(c.LocalID))
		h.Write([]byte(c.DeviceID))
		h.Write([]byte(c.ProviderName))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Merge groups contacts sharing a canonical E164 phone number. Every
// contact passed in is accounted for in the returned slice's Contacts
// lists, whether merged or singleton.
func Merge(contacts []contact.Contact, countryCodeFor CountryCodeFor) []MergedContact {
	similar := map[string][]contact.Contact{}
	// similarOrder preserves first-seen order of each E164 key, so
	// results don't depend on Go's randomised map iteration.
	var similarOrder []string

	var unmergeable []MergedContact

	for _, c := range contacts {
		region := ""
		if countryCodeFor != nil {
			region = countryCodeFor(c.DeviceID)
		}

		numberStr, ok := canonicalisePhone(c.Phone, region)
		if !ok {
			name := c.Name
			unmergeable = append(unmergeable, MergedContact{
				LocalID:  hashContactIDs([]contact.Contact{c}),
				Contacts: []contact.Contact{c},
				Name:     &name,
				Phone:    c.Phone,
				Email:    c.Email,
			})
			continue
		}

		if _, ok := similar[numberStr]; !ok {
			similarOrder = append(similarOrder, numberStr)
		}
		similar[numberStr] = append(similar[numberStr], c)
	}

	merged := make([]MergedContact, 0, len(similarOrder)+len(unmergeable))
	for _, numberStr := range similarOrder {
		group := similar[numberStr]

		name := longestName(group)
		email := longestEmail(group)

		merged = append(merged, MergedContact{
			LocalID:  hashContactIDs(group),
			Contacts: group,
			Name:     name,
			Phone:    numberStr,
			Email:    email,
		})
	}

	return append(merged, unmergeable...)
}

func canonicalisePhone(phone, region string) (string, bool) {
	if phone == "" {
		return "", false
	}
	num, err := phonenumbers.Parse(phone, region)
	if err != nil {
		return "", false
	}
	return phonenumbers.Format(num, phonenumbers.E164), true
}

// longestName takes the contact whose FullName is longest, mirroring
// the Python original's sort-by-length-descending then take-first.
func longestName(contacts []contact.Contact) *contact.Name {
	var names []contact.Name
	for _, c := range contacts {
		if c.Name.FullName() != "" {
			names = append(names, c.Name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	sort.SliceStable(names, func(i, j int) bool {
		return len(names[i].FullName()) > len(names[j].FullName())
	})
	return &names[0]
}

func longestEmail(contacts []contact.Contact) string {
	var emails []string
	for _, c := range contacts {
		if c.Email != "" {
			emails = append(emails, c.Email)
		}
	}
	if len(emails) == 0 {
		return ""
	}
	sort.SliceStable(emails, func(i, j int) bool { return len(emails[i]) > len(emails[j]) })
	return emails[0]
}

package merge

import (
	"testing"

	"github.com/saamiyaaqeel/rime/internal/domain/contact"
)

func countryCodeGB(string) string { return "GB" }

func TestMergeCombinesSamePhoneNumber(t *testing.T) {
	contacts := []contact.Contact{
		{LocalID: "1", DeviceID: "dev1", ProviderName: "android-com.whatsapp.android", Phone: "07700900123", Name: contact.Name{Display: "Jo"}},
		{LocalID: "2", DeviceID: "dev1", ProviderName: "ios-AddressBook", Phone: "+447700900123", Name: contact.Name{Display: "Jo Smith"}},
	}

	merged := Merge(contacts, countryCodeGB)

	if len(merged) != 1 {
		t.Fatalf("want 1 merged contact, got %d", len(merged))
	}
	if len(merged[0].Contacts) != 2 {
		t.Fatalf("want both contacts folded together, got %d", len(merged[0].Contacts))
	}
	if merged[0].Name == nil || merged[0].Name.FullName() != "Jo Smith" {
		t.Errorf("want longest name 'Jo Smith', got %+v", merged[0].Name)
	}
	if merged[0].Phone != "+447700900123" {
		t.Errorf("want canonical E164 phone, got %q", merged[0].Phone)
	}
}

func TestMergeKeepsUnparsableNumbersSeparate(t *testing.T) {
	contacts := []contact.Contact{
		{LocalID: "1", DeviceID: "dev1", ProviderName: "android-com.android.providers.contacts", Phone: "not-a-number"},
		{LocalID: "2", DeviceID: "dev1", ProviderName: "android-com.android.providers.contacts", Phone: "also-not-a-number"},
	}

	merged := Merge(contacts, countryCodeGB)

	if len(merged) != 2 {
		t.Fatalf("want 2 unmergeable singleton contacts, got %d", len(merged))
	}
	for _, m := range merged {
		if len(m.Contacts) != 1 {
			t.Errorf("want singleton, got %d contacts", len(m.Contacts))
		}
	}
}

func TestMergeAccountsForEveryContact(t *testing.T) {
	contacts := []contact.Contact{
		{LocalID: "1", DeviceID: "dev1", Phone: "07700900123"},
		{LocalID: "2", DeviceID: "dev1", Phone: "07700900456"},
		{LocalID: "3", DeviceID: "dev1", Phone: "garbage"},
	}

	merged := Merge(contacts, countryCodeGB)

	var total int
	for _, m := range merged {
		total += len(m.Contacts)
	}
	if total != len(contacts) {
		t.Errorf("want every input contact accounted for, got %d of %d", total, len(contacts))
	}
}

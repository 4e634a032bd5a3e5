package anonymiser

import (
	"fmt"
	"strconv"
	"sync"
)

// AnonMap stores the mapping between original and anonymised values for
// one subsetting operation, so the same input always produces the same
// output: this lets phone-number and email correlations survive across
// independently anonymised devices.
type AnonMap struct {
	mu sync.Mutex

	nextPhone int
	nextEmail int
	phones    map[string]string
	emails    map[string]string
}

func NewAnonMap() *AnonMap {
	return &AnonMap{
		nextPhone: 1,
		nextEmail: 1,
		phones:    map[string]string{},
		emails:    map[string]string{},
	}
}

// AnonymisePhone returns a stand-in phone number of the same shape as
// phone: same length, country-code prefix preserved if present,
// otherwise a zero-padded sequence number.
func (m *AnonMap) AnonymisePhone(phone string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if anon, ok := m.phones[phone]; ok {
		return anon
	}

	sameLength := func(l int) string {
		next := strconv.Itoa(m.nextPhone)
		fill := l - len(next)
		if fill < 0 {
			fill = 0
		}
		return padZeros(fill) + next
	}

	var anon string
	if len(phone) > 0 && phone[0] == '+' && len(phone) >= 3 {
		anon = phone[:3] + sameLength(len(phone)-3)
	} else {
		anon = sameLength(len(phone))
	}

	m.nextPhone++
	m.phones[phone] = anon
	return anon
}

func padZeros(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, n)
	for i := range b {
		b[i] = '0'
	}
	return string(b)
}

// AnonymiseEmail returns a stand-in example.com address, stable for a
// given input email.
func (m *AnonMap) AnonymiseEmail(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if anon, ok := m.emails[email]; ok {
		return anon
	}
	anon := fmt.Sprintf("anon-%d@example.com", m.nextEmail)
	m.nextEmail++
	m.emails[email] = anon
	return anon
}

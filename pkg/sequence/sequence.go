package sequence

import (
	"fmt"
	"strings"
	"time"
)

// DefaultCounter is the counter backing contract numbers.
const DefaultCounter = "contract"

// Issuer names the counter and formats contract numbers of the form
// PREFIX-YEAR-NNNNNN. The store increments the counter inside the
// transaction that inserts the document.
type Issuer struct {
	Prefix string
	Name   string
	Now    func() time.Time
}

// NewIssuer returns an issuer on the default counter.
func NewIssuer(prefix string) *Issuer {
	return &Issuer{Prefix: prefix, Name: DefaultCounter, Now: time.Now}
}

// CounterName returns the counter key used by the store.
func (i *Issuer) CounterName() string {
	if i == nil || strings.TrimSpace(i.Name) == "" {
		return DefaultCounter
	}
	return i.Name
}

// Format renders value for the current year.
func (i *Issuer) Format(value int64) string {
	now := time.Now
	prefix := ""
	if i != nil {
		prefix = i.Prefix
		if i.Now != nil {
			now = i.Now
		}
	}
	return Format(prefix, now().UTC().Year(), value)
}

// Format renders PREFIX-YEAR-NNNNNN. Values wider than six digits are not
// truncated.
func Format(prefix string, year int, value int64) string {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		prefix = "DOC"
	}
	return fmt.Sprintf("%s-%d-%06d", prefix, year, value)
}

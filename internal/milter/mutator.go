package milter

import "github.com/shineum/batv-milter/internal/email"

// modifier is the subset of milter.Modifier used at end of message.
type modifier interface {
	AddHeader(name, value string) error
	ChangeHeader(index int, name, value string) error
	AddRecipient(r string, esmtpArgs string) error
	DeleteRecipient(r string) error
	ChangeFrom(value string, esmtpArgs string) error
}

// mutator adapts a milter modifier to filter.Mutator.
type mutator struct {
	m modifier
}

func (x mutator) RemoveHeader(name string, index int) error {
	// An empty value deletes the header.
	return x.m.ChangeHeader(index, name, "")
}

func (x mutator) AddHeader(name, value string) error {
	return x.m.AddHeader(name, value)
}

func (x mutator) DeleteRecipient(rcpt string) error {
	return x.m.DeleteRecipient(rcpt)
}

func (x mutator) AddRecipient(addr string) error {
	return x.m.AddRecipient(angle(addr), "")
}

func (x mutator) ChangeSender(addr string) error {
	return x.m.ChangeFrom(angle(addr), "")
}

func angle(addr string) string {
	return "<" + email.Canonicalize(addr) + ">"
}

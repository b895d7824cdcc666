// Package filter implements the per-connection BATV state machine driven by
// an MTA's filtering callbacks: it signs envelope senders of internal mail
// and verifies tagged bounce recipients.
package filter

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/shineum/batv-milter/internal/hosts"
	"github.com/shineum/batv-milter/internal/keys"
	"github.com/shineum/batv-milter/internal/prvs"
)

// Header names written by the filter.
const (
	StatusHeader = "X-Batv-Status"
	AuditHeader  = "X-Batv-Delivered-To"
)

// Status header values.
const (
	StatusValid   = "valid"
	StatusInvalid = "invalid"
)

// Action is the disposition returned to the MTA at end of message.
type Action int

const (
	Accept Action = iota
	Reject
	TempFail
)

func (a Action) String() string {
	switch a {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	case TempFail:
		return "tempfail"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// FailurePolicy decides the disposition of a message when a request to the
// MTA fails. The zero value is FailTempFail.
type FailurePolicy int

const (
	FailTempFail FailurePolicy = iota
	FailAccept
	FailReject
)

// ParseFailurePolicy accepts "tempfail", "accept" or "reject".
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "tempfail":
		return FailTempFail, nil
	case "accept":
		return FailAccept, nil
	case "reject":
		return FailReject, nil
	default:
		return 0, fmt.Errorf("unknown failure policy %q", s)
	}
}

func (p FailurePolicy) String() string {
	switch p {
	case FailAccept:
		return "accept"
	case FailReject:
		return "reject"
	default:
		return "tempfail"
	}
}

// Action maps the policy onto an end-of-message disposition.
func (p FailurePolicy) Action() Action {
	switch p {
	case FailAccept:
		return Accept
	case FailReject:
		return Reject
	default:
		return TempFail
	}
}

// Mutator is the set of message changes the MTA lets the filter request at
// end of message.
type Mutator interface {
	// RemoveHeader deletes the index-th (1-based) header called name.
	RemoveHeader(name string, index int) error
	AddHeader(name, value string) error
	// DeleteRecipient removes rcpt exactly as the MTA reported it.
	DeleteRecipient(rcpt string) error
	AddRecipient(addr string) error
	ChangeSender(addr string) error
}

// MutationError reports a failed Mutator request.
type MutationError struct {
	Op  string
	Err error
}

func (e *MutationError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *MutationError) Unwrap() error { return e.Err }

// Config is the process-wide filter configuration.
type Config struct {
	Sign   bool
	Verify bool

	Keys          keys.Resolver
	InternalHosts *hosts.Set

	// Lifetime is how many days a generated address stays valid.
	Lifetime int

	// Delimiter is the sub-address delimiter, or 0 for the standard layout.
	Delimiter byte

	OnInternalError FailurePolicy

	// Now defaults to time.Now.
	Now func() time.Time
}

// Filter holds the immutable configuration shared by every session.
type Filter struct {
	cfg Config
}

// New validates cfg and returns a Filter.
func New(cfg Config) (*Filter, error) {
	if cfg.Keys == nil {
		return nil, errors.New("filter: no key map")
	}
	if cfg.Lifetime < 1 || cfg.Lifetime > prvs.MaxLifetime {
		return nil, fmt.Errorf("filter: lifetime %d out of range 1..%d", cfg.Lifetime, prvs.MaxLifetime)
	}
	if cfg.InternalHosts == nil {
		cfg.InternalHosts = &hosts.Set{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Filter{cfg: cfg}, nil
}

// NewSession starts the state for one MTA connection.
func (f *Filter) NewSession() *Session {
	return newSession(f, ulid.Make().String())
}

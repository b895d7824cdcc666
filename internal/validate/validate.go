// Package validate checks BATV addresses outside of a mail transaction, for
// use from delivery agents and shell pipelines.
package validate

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shineum/batv-milter/internal/batv"
	"github.com/shineum/batv-milter/internal/email"
	"github.com/shineum/batv-milter/internal/filter"
	"github.com/shineum/batv-milter/internal/keys"
	"github.com/shineum/batv-milter/internal/parser"
	"github.com/shineum/batv-milter/internal/prvs"
)

// Failure categories. Each maps to a distinct process exit status.
var (
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrNotTagged         = errors.New("not a BATV address")
	ErrNoKey             = errors.New("no key available for this sender")
	ErrNoRecipientHeader = errors.New("no envelope recipient header found")
)

// Exit statuses of the batv-validate command.
const (
	ExitOK                = 0
	ExitError             = 1
	ExitUsage             = 2
	ExitInvalidSignature  = 10
	ExitNotTagged         = 11
	ExitNoKey             = 12
	ExitNoRecipientHeader = 13
)

// Defaults for Config.
const (
	DefaultDelimiter  = '+'
	DefaultRcptHeader = "Delivered-To"
	DefaultLifetime   = 7
)

// AddressError is a failure for one candidate address.
type AddressError struct {
	// Addr is the address the failure is about: the tagged address, or the
	// original sender for ErrNoKey.
	Addr string
	Err  error
}

func (e *AddressError) Error() string { return e.Addr + ": " + e.Err.Error() }

func (e *AddressError) Unwrap() error { return e.Err }

// CheckError collects the failures of every candidate. It unwraps to the
// last one, which decides the exit status.
type CheckError struct {
	Failures []error
}

func (e *CheckError) Error() string {
	msgs := make([]string, len(e.Failures))
	for i, err := range e.Failures {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "\n")
}

func (e *CheckError) Unwrap() error {
	if len(e.Failures) == 0 {
		return nil
	}
	return e.Failures[len(e.Failures)-1]
}

// ExitCode maps err onto the command's exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrInvalidSignature):
		return ExitInvalidSignature
	case errors.Is(err, ErrNotTagged):
		return ExitNotTagged
	case errors.Is(err, ErrNoKey):
		return ExitNoKey
	case errors.Is(err, ErrNoRecipientHeader):
		return ExitNoRecipientHeader
	default:
		return ExitError
	}
}

// Config controls a Validator.
type Config struct {
	Keys     keys.Resolver
	Lifetime int
	// Delimiter is the sub-address delimiter; 0 selects the standard layout.
	Delimiter byte
	// RcptHeader names the header holding the envelope recipient.
	RcptHeader string
	Now        func() time.Time
}

// Validator checks addresses and messages against a key map.
type Validator struct {
	cfg Config
}

// New validates cfg and fills in the recipient header and clock.
func New(cfg Config) (*Validator, error) {
	if cfg.Keys == nil {
		return nil, errors.New("validate: no key map")
	}
	if cfg.Lifetime < 1 || cfg.Lifetime > prvs.MaxLifetime {
		return nil, fmt.Errorf("address lifetime must be between 1 and %d, inclusive", prvs.MaxLifetime)
	}
	if cfg.RcptHeader == "" {
		cfg.RcptHeader = DefaultRcptHeader
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Validator{cfg: cfg}, nil
}

// CheckAddress validates one tagged address and returns the original.
func (v *Validator) CheckAddress(raw string) (email.Address, error) {
	b, key, err := v.lookup(raw)
	if err != nil {
		return email.Address{}, err
	}
	if !batv.Verify(b, v.cfg.Lifetime, key, v.cfg.Now()) {
		return email.Address{}, &AddressError{Addr: email.Canonicalize(raw), Err: ErrInvalidSignature}
	}
	return b.Original, nil
}

// lookup parses raw as a supported BATV address and finds the sender's key.
func (v *Validator) lookup(raw string) (batv.Address, keys.Key, error) {
	canon := email.Canonicalize(raw)
	b, ok := batv.ParseString(canon, v.cfg.Delimiter)
	if !ok || !b.Type.Supported() {
		return batv.Address{}, nil, &AddressError{Addr: canon, Err: ErrNotTagged}
	}
	key, ok := v.cfg.Keys.Resolve(b.Original)
	if !ok {
		return batv.Address{}, nil, &AddressError{Addr: b.Original.String(), Err: ErrNoKey}
	}
	return b, key, nil
}

// CheckAny tries each candidate in order and returns the first original
// address that validates. A message collects one recipient header per hop,
// so only one of them needs to be good.
func (v *Validator) CheckAny(candidates []string) (email.Address, error) {
	if len(candidates) == 0 {
		return email.Address{}, ErrNoRecipientHeader
	}
	var failures []error
	for _, c := range candidates {
		orig, err := v.CheckAddress(c)
		if err == nil {
			return orig, nil
		}
		failures = append(failures, err)
	}
	return email.Address{}, &CheckError{Failures: failures}
}

// Recipients reads a message from r and returns every recipient header
// value in order. The body is not read.
func (v *Validator) Recipients(r io.Reader) ([]string, error) {
	msg, err := parser.Read(r)
	if err != nil {
		return nil, err
	}
	rcpts := msg.Values(v.cfg.RcptHeader)
	if len(rcpts) == 0 {
		return nil, fmt.Errorf("%w (%s)", ErrNoRecipientHeader, v.cfg.RcptHeader)
	}
	return rcpts, nil
}

// Filter copies a message from r to w. Status headers already present are
// dropped. The first recipient header holding a keyed BATV address is
// rewritten to the original address, followed by an audit header with the
// old value and the verdict. Everything else passes through unchanged.
func (v *Validator) Filter(r io.Reader, w io.Writer) error {
	msg, err := parser.Read(r)
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(w)
	if msg.FromLine != nil {
		_, _ = bw.Write(msg.FromLine)
	}

	done := false
	for _, f := range msg.Fields {
		if strings.EqualFold(f.Key, filter.StatusHeader) {
			continue
		}
		if !done && strings.EqualFold(f.Key, v.cfg.RcptHeader) {
			if v.rewrite(bw, msg, f) {
				done = true
				continue
			}
		}
		_, _ = bw.Write(f.Raw)
	}
	_, _ = bw.WriteString(msg.LineEnding)

	if _, err := io.Copy(bw, msg.Body); err != nil {
		return fmt.Errorf("failed to copy message body: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// rewrite emits the replacement for a recipient header and reports whether
// it did. Untagged or unkeyed recipients are left for the caller to copy.
func (v *Validator) rewrite(w *bufio.Writer, msg *parser.Message, f parser.Field) bool {
	b, key, err := v.lookup(f.Value)
	if err != nil {
		return false
	}

	status := filter.StatusInvalid
	if batv.Verify(b, v.cfg.Lifetime, key, v.cfg.Now()) {
		status = filter.StatusValid
	}

	_, _ = w.Write(msg.FormatField(f.Name(), b.Original.String()))
	_, _ = w.Write(msg.FormatField(filter.AuditHeader, strings.TrimSpace(f.Value)))
	_, _ = w.Write(msg.FormatField(filter.StatusHeader, status))
	return true
}

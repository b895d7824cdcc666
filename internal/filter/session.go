package filter

import (
	"errors"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/shineum/batv-milter/internal/batv"
	"github.com/shineum/batv-milter/internal/email"
	"github.com/shineum/batv-milter/internal/keys"
	"github.com/shineum/batv-milter/internal/metrics"
)

// Connection states.
const (
	stateConnecting = iota
	stateReady
	stateClosed
)

// Session is the state of one MTA connection. It is owned by the goroutine
// serving that connection and is not safe for concurrent use.
type Session struct {
	id     string
	filter *Filter
	log    *slog.Logger
	state  int

	// internal is set on connect and may be upgraded by authentication.
	// It is never downgraded.
	internal bool

	msg message
}

// message is the per-envelope state, cleared at end of message or abort.
type message struct {
	sender string

	tagged     bool
	rcptRaw    string
	rcpt       batv.Address
	rcptKey    keys.Key
	numStatus  int
	hasMessage bool
}

func newSession(f *Filter, id string) *Session {
	return &Session{
		id:     id,
		filter: f,
		log:    slog.With("session", id),
		state:  stateConnecting,
	}
}

// ID returns the session's log identifier.
func (s *Session) ID() string { return s.id }

// Internal reports whether the client is currently trusted for signing.
func (s *Session) Internal() bool { return s.internal }

// Connect classifies the client. present is false when there is no network
// peer, which is treated as internal.
func (s *Session) Connect(peer netip.Addr, present bool) {
	if s.state == stateClosed {
		return
	}
	s.internal = s.filter.cfg.InternalHosts.IsInternal(peer, present)
	s.state = stateReady

	client := metrics.ClientExternal
	if s.internal {
		client = metrics.ClientInternal
	}
	metrics.ConnectionsTotal.WithLabelValues(client).Inc()
	s.log.Debug("client connected", "peer", peer.String(), "present", present, "client", client)
}

// EnvelopeSender starts a new message. authenticated upgrades the
// connection to internal for the rest of its lifetime.
func (s *Session) EnvelopeSender(raw string, authenticated bool) {
	if s.state == stateClosed {
		return
	}
	if authenticated && !s.internal {
		s.internal = true
		s.log.Debug("authenticated client upgraded to internal")
	}
	s.msg = message{sender: email.Canonicalize(raw), hasMessage: true}
}

// EnvelopeRecipient remembers the first recipient that is a BATV address of
// a sender we hold a key for. Later recipients are not examined.
func (s *Session) EnvelopeRecipient(raw string) {
	if s.state == stateClosed || s.msg.tagged {
		return
	}
	addr, err := email.ParseCanonical(raw)
	if err != nil {
		return
	}
	b, ok := batv.Parse(addr, s.filter.cfg.Delimiter)
	if !ok {
		return
	}
	key, ok := s.filter.cfg.Keys.Resolve(b.Original)
	if !ok {
		return
	}
	s.msg.tagged = true
	s.msg.rcptRaw = raw
	s.msg.rcpt = b
	s.msg.rcptKey = key
	s.log.Debug("batv recipient", "recipient", addr.String(), "original", b.Original.String(), "type", string(b.Type))
}

// Header counts existing status headers so they can be removed later.
func (s *Session) Header(name, _ string) {
	if s.state == stateClosed {
		return
	}
	if strings.EqualFold(strings.TrimSpace(name), StatusHeader) {
		s.msg.numStatus++
	}
}

// EndOfMessage requests the message changes and returns the disposition.
// Message state is cleared whatever the outcome.
func (s *Session) EndOfMessage(m Mutator) Action {
	if s.state == stateClosed {
		return Accept
	}
	defer s.resetMessage()

	if s.filter.cfg.Verify {
		if err := s.verify(m); err != nil {
			return s.internalError(err)
		}
	}
	if s.filter.cfg.Sign {
		if err := s.sign(m); err != nil {
			return s.internalError(err)
		}
	}

	metrics.MessagesTotal.WithLabelValues(Accept.String()).Inc()
	return Accept
}

// verify strips spoofed status headers and, for a tagged recipient, adds
// the verdict and restores the original recipient when the tag is valid.
func (s *Session) verify(m Mutator) error {
	for i := s.msg.numStatus; i > 0; i-- {
		if err := m.RemoveHeader(StatusHeader, i); err != nil {
			return &MutationError{Op: "remove_header", Err: err}
		}
	}

	if !s.msg.tagged {
		return nil
	}

	cfg := s.filter.cfg
	rcpt := s.msg.rcpt
	valid := batv.Verify(rcpt, cfg.Lifetime, s.msg.rcptKey, cfg.Now())

	status := StatusInvalid
	if valid {
		status = StatusValid
	}
	metrics.VerificationsTotal.WithLabelValues(status).Inc()
	s.log.Info("verified batv recipient",
		"recipient", email.Canonicalize(s.msg.rcptRaw),
		"original", rcpt.Original.String(),
		"status", status,
	)

	if err := m.AddHeader(StatusHeader, status); err != nil {
		return &MutationError{Op: "add_header", Err: err}
	}
	if !valid {
		return nil
	}

	if err := m.AddHeader(AuditHeader, email.Canonicalize(s.msg.rcptRaw)); err != nil {
		return &MutationError{Op: "add_header", Err: err}
	}
	if err := m.DeleteRecipient(s.msg.rcptRaw); err != nil {
		return &MutationError{Op: "delete_recipient", Err: err}
	}
	if err := m.AddRecipient(rcpt.Original.String()); err != nil {
		return &MutationError{Op: "add_recipient", Err: err}
	}
	return nil
}

// sign rewrites the envelope sender of internal mail to a tagged address.
func (s *Session) sign(m Mutator) error {
	if !s.internal {
		return nil
	}
	sender, err := email.Parse(s.msg.sender)
	if err != nil {
		// Null or malformed sender: nothing to sign.
		return nil
	}
	cfg := s.filter.cfg
	if batv.IsTagged(sender, cfg.Delimiter) {
		return nil
	}
	key, ok := cfg.Keys.Resolve(sender)
	if !ok {
		return nil
	}

	signed := batv.Sign(sender, key, cfg.Delimiter, cfg.Now())
	if err := m.ChangeSender(signed.String()); err != nil {
		return &MutationError{Op: "change_sender", Err: err}
	}
	metrics.SignedTotal.Inc()
	s.log.Info("signed envelope sender", "sender", sender.String(), "batv", signed.String())
	return nil
}

func (s *Session) internalError(err error) Action {
	op := "unknown"
	var merr *MutationError
	if errors.As(err, &merr) {
		op = merr.Op
	}
	metrics.InternalErrorsTotal.WithLabelValues(op).Inc()

	action := s.filter.cfg.OnInternalError.Action()
	metrics.MessagesTotal.WithLabelValues(action.String()).Inc()
	s.log.Error("failed to modify message", "error", err, "action", action.String())
	return action
}

// Abort drops the current message without requesting any change.
func (s *Session) Abort() {
	if s.state == stateClosed {
		return
	}
	if s.msg.hasMessage {
		s.log.Debug("message aborted")
	}
	s.resetMessage()
}

// Close releases the session. Later events are ignored.
func (s *Session) Close() {
	if s.state == stateClosed {
		return
	}
	s.resetMessage()
	s.state = stateClosed
	s.log.Debug("connection closed")
}

func (s *Session) resetMessage() {
	s.msg = message{}
}

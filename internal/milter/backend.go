package milter

import (
	"net/netip"
	"strings"

	"github.com/d--j/go-milter"

	"github.com/shineum/batv-milter/internal/filter"
)

// backend serves one MTA connection. The milter library creates one per
// connection and calls it from a single goroutine.
type backend struct {
	milter.NoOpMilter

	session *filter.Session
}

func newBackend(f *filter.Filter) *backend {
	return &backend{session: f.NewSession()}
}

func (b *backend) Connect(host string, family string, port uint16, addr string, m milter.Modifier) (*milter.Response, error) {
	peer, present := peerAddr(family, addr)
	b.session.Connect(peer, present)
	return milter.RespContinue, nil
}

// peerAddr maps the connect family onto a classifier input. Only the
// "unknown" family means there is no network peer; unix sockets and
// unparseable addresses yield an invalid address, which is external.
func peerAddr(family, addr string) (netip.Addr, bool) {
	switch family {
	case "unknown", "":
		return netip.Addr{}, false
	case "tcp4", "tcp6", "tcp", "inet", "inet6":
		a := strings.TrimPrefix(strings.Trim(addr, "[]"), "IPv6:")
		ip, err := netip.ParseAddr(a)
		if err != nil {
			return netip.Addr{}, true
		}
		return ip, true
	default:
		return netip.Addr{}, true
	}
}

func (b *backend) MailFrom(from string, esmtpArgs string, m milter.Modifier) (*milter.Response, error) {
	b.mailFrom(from, m)
	return milter.RespContinue, nil
}

func (b *backend) mailFrom(from string, macros macroReader) {
	b.session.EnvelopeSender(from, authIdentity(macros) != "")
}

func (b *backend) RcptTo(rcptTo string, esmtpArgs string, m milter.Modifier) (*milter.Response, error) {
	b.session.EnvelopeRecipient(rcptTo)
	return milter.RespContinue, nil
}

func (b *backend) Header(name string, value string, m milter.Modifier) (*milter.Response, error) {
	b.session.Header(name, value)
	return milter.RespContinue, nil
}

func (b *backend) EndOfMessage(m milter.Modifier) (*milter.Response, error) {
	return b.endOfMessage(m), nil
}

func (b *backend) endOfMessage(m modifier) *milter.Response {
	return response(b.session.EndOfMessage(mutator{m: m}))
}

func (b *backend) Abort(m milter.Modifier) error {
	b.session.Abort()
	return nil
}

func (b *backend) Cleanup() {
	b.session.Close()
}

func response(a filter.Action) *milter.Response {
	switch a {
	case filter.Reject:
		return milter.RespReject
	case filter.TempFail:
		return milter.RespTempFail
	default:
		return milter.RespAccept
	}
}

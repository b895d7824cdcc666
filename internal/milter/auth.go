package milter

import (
	"strings"

	"github.com/d--j/go-milter"
)

// macroReader is the part of milter.Modifier that exposes MTA macros.
type macroReader interface {
	Get(name milter.MacroName) string
}

// authIdentity returns the SMTP AUTH identity the MTA reports for the
// current transaction, or "" when the client did not authenticate.
func authIdentity(m macroReader) string {
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m.Get(milter.MacroAuthAuthen))
}

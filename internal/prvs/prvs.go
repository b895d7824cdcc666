// Package prvs implements the PRVS signed address tag.
//
// A tag is ten characters, "KDDDHHHHHH": a key number digit, the day of
// generation as (unix days mod 1000), and the first three bytes of
// HMAC-SHA1(key, "KDDD" + original address) in hex. The day number is part
// of the MAC input, so a tag cannot have its lifetime extended without the key.
package prvs

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/shineum/batv-milter/internal/email"
)

const (
	// TagLen is the encoded length of a tag.
	TagLen = 10

	// MaxLifetime is the longest lifetime, in days, that Validate accepts.
	// Day numbers wrap every 1000 days and the slot just before "today" is
	// reserved for clock-skew tolerance, so lifetime+1 must stay below 999.
	MaxLifetime = 997

	dayRing = 1000
	macLen  = 3

	// generateKeyNum is the key number written into new tags.
	generateKeyNum = 0
)

// ErrMalformed is returned by Decode for strings that are not PRVS tags.
var ErrMalformed = errors.New("malformed prvs tag")

// Tag is a decoded PRVS tag.
type Tag struct {
	KeyNum int
	Day    int
	MAC    [macLen]byte
}

// Day returns the PRVS day number for t.
func Day(t time.Time) int {
	return int((t.Unix() / 86400) % dayRing)
}

// Generate signs original with key at time now.
func Generate(original email.Address, key []byte, now time.Time) Tag {
	tag := Tag{KeyNum: generateKeyNum, Day: Day(now)}
	tag.MAC = computeMAC(key, tag.KeyNum, tag.Day, original)
	return tag
}

// Decode parses the ten character wire form. Hex digits may be in either case.
func Decode(s string) (Tag, error) {
	if len(s) != TagLen {
		return Tag{}, fmt.Errorf("%w: length %d", ErrMalformed, len(s))
	}
	var tag Tag
	for i := 0; i < 4; i++ {
		if s[i] < '0' || s[i] > '9' {
			return Tag{}, fmt.Errorf("%w: non-digit in timestamp", ErrMalformed)
		}
	}
	tag.KeyNum = int(s[0] - '0')
	tag.Day = int(s[1]-'0')*100 + int(s[2]-'0')*10 + int(s[3]-'0')
	if _, err := hex.Decode(tag.MAC[:], []byte(s[4:])); err != nil {
		return Tag{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return tag, nil
}

// String encodes the tag in its wire form.
func (t Tag) String() string {
	return fmt.Sprintf("%d%03d%s", t.KeyNum, t.Day, hex.EncodeToString(t.MAC[:]))
}

// Validate reports whether tag is a genuine, unexpired tag for original under
// key. A tag is accepted from its day of generation through lifetime days
// later, and one day early to tolerate clock skew between signer and
// verifier. It never panics and treats every malformed input as invalid.
func Validate(tag Tag, original email.Address, lifetime int, key []byte, now time.Time) bool {
	if len(key) == 0 || lifetime < 1 || lifetime > MaxLifetime {
		return false
	}
	if tag.KeyNum < 0 || tag.KeyNum > 9 || tag.Day < 0 || tag.Day >= dayRing {
		return false
	}

	age := ((Day(now)-tag.Day)%dayRing + dayRing) % dayRing
	if age > lifetime && age != dayRing-1 {
		return false
	}

	want := computeMAC(key, tag.KeyNum, tag.Day, original)
	return hmac.Equal(want[:], tag.MAC[:])
}

// ValidateString decodes s and validates it. Decode failures are invalid.
func ValidateString(s string, original email.Address, lifetime int, key []byte, now time.Time) bool {
	tag, err := Decode(s)
	if err != nil {
		return false
	}
	return Validate(tag, original, lifetime, key, now)
}

// computeMAC builds a fresh HMAC per call so concurrent sessions never share
// hash state.
func computeMAC(key []byte, keyNum, day int, original email.Address) [macLen]byte {
	mac := hmac.New(sha1.New, key)
	fmt.Fprintf(mac, "%d%03d%s", keyNum, day, original.String())
	var out [macLen]byte
	copy(out[:], mac.Sum(nil))
	return out
}

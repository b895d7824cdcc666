package validate

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shineum/batv-milter/internal/batv"
	"github.com/shineum/batv-milter/internal/email"
	"github.com/shineum/batv-milter/internal/keys"
)

var testNow = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func newTestValidator(t *testing.T, delim byte) *Validator {
	t.Helper()
	km := keys.New(map[string]keys.Key{"example.com": keys.Key("secret")}, nil)
	v, err := New(Config{
		Keys:      km,
		Lifetime:  7,
		Delimiter: delim,
		Now:       func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func signed(t *testing.T, raw string, delim byte, at time.Time) string {
	t.Helper()
	orig, err := email.Parse(raw)
	if err != nil {
		t.Fatalf("Parse(%q): %v", raw, err)
	}
	return batv.Sign(orig, []byte("secret"), delim, at).String()
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	km := keys.New(nil, keys.Key("k"))
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"ok", Config{Keys: km, Lifetime: 7}, false},
		{"no keys", Config{Lifetime: 7}, true},
		{"zero lifetime", Config{Keys: km}, true},
		{"max lifetime", Config{Keys: km, Lifetime: 997}, false},
		{"lifetime too long", Config{Keys: km, Lifetime: 998}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New: got err %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCheckAddress(t *testing.T) {
	t.Parallel()

	v := newTestValidator(t, '+')
	good := signed(t, "alice@example.com", '+', testNow)
	expired := signed(t, "alice@example.com", '+', testNow.AddDate(0, 0, -8))
	noKey := signed(t, "bob@other.org", '+', testNow)

	tests := []struct {
		name     string
		raw      string
		wantErr  error
		wantCode int
	}{
		{"valid", good, nil, ExitOK},
		{"valid in brackets", "<" + good + ">", nil, ExitOK},
		{"expired", expired, ErrInvalidSignature, ExitInvalidSignature},
		{"untagged", "alice@example.com", ErrNotTagged, ExitNotTagged},
		{"unsupported type", "alice+xyz=abc@example.com", ErrNotTagged, ExitNotTagged},
		{"no domain", "nobody", ErrNotTagged, ExitNotTagged},
		{"no key", noKey, ErrNoKey, ExitNoKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			orig, err := v.CheckAddress(tt.raw)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("CheckAddress(%q): got %v, want %v", tt.raw, err, tt.wantErr)
			}
			if code := ExitCode(err); code != tt.wantCode {
				t.Errorf("ExitCode: got %d, want %d", code, tt.wantCode)
			}
			if tt.wantErr == nil && orig.String() != "alice@example.com" {
				t.Errorf("original: got %q, want %q", orig.String(), "alice@example.com")
			}
		})
	}
}

func TestCheckAddress_ErrorNamesAddress(t *testing.T) {
	t.Parallel()

	v := newTestValidator(t, '+')
	_, err := v.CheckAddress(signed(t, "bob@other.org", '+', testNow))
	if err == nil || !strings.HasPrefix(err.Error(), "bob@other.org: ") {
		t.Errorf("error: got %v, want prefix %q", err, "bob@other.org: ")
	}
}

func TestCheckAny(t *testing.T) {
	t.Parallel()

	v := newTestValidator(t, '+')
	good := signed(t, "alice@example.com", '+', testNow)

	t.Run("first valid wins", func(t *testing.T) {
		t.Parallel()
		orig, err := v.CheckAny([]string{"plain@example.com", good})
		if err != nil {
			t.Fatalf("CheckAny: %v", err)
		}
		if orig.String() != "alice@example.com" {
			t.Errorf("original: got %q, want %q", orig.String(), "alice@example.com")
		}
	})

	t.Run("last failure decides", func(t *testing.T) {
		t.Parallel()
		noKey := signed(t, "bob@other.org", '+', testNow)
		_, err := v.CheckAny([]string{"plain@example.com", noKey})
		if code := ExitCode(err); code != ExitNoKey {
			t.Errorf("ExitCode: got %d, want %d", code, ExitNoKey)
		}
		if lines := strings.Split(err.Error(), "\n"); len(lines) != 2 {
			t.Errorf("messages: got %q, want two lines", err.Error())
		}
	})

	t.Run("no candidates", func(t *testing.T) {
		t.Parallel()
		_, err := v.CheckAny(nil)
		if !errors.Is(err, ErrNoRecipientHeader) {
			t.Errorf("CheckAny(nil): got %v, want ErrNoRecipientHeader", err)
		}
	})
}

func TestRecipients(t *testing.T) {
	t.Parallel()

	v := newTestValidator(t, '+')

	rcpts, err := v.Recipients(strings.NewReader(
		"Delivered-To: a@example.com\nSubject: x\ndelivered-to: <b@example.com>\n\nbody\n"))
	if err != nil {
		t.Fatalf("Recipients: %v", err)
	}
	if len(rcpts) != 2 || rcpts[0] != "a@example.com" || rcpts[1] != "<b@example.com>" {
		t.Errorf("Recipients: got %v", rcpts)
	}

	_, err = v.Recipients(strings.NewReader("Subject: x\n\nbody\n"))
	if code := ExitCode(err); code != ExitNoRecipientHeader {
		t.Errorf("ExitCode without header: got %d, want %d", code, ExitNoRecipientHeader)
	}

	_, err = v.Recipients(strings.NewReader(" bad\n\n"))
	if code := ExitCode(err); code != ExitError {
		t.Errorf("ExitCode for malformed: got %d, want %d", code, ExitError)
	}
}

func TestFilter(t *testing.T) {
	t.Parallel()

	v := newTestValidator(t, '+')
	good := signed(t, "alice@example.com", '+', testNow)
	expired := signed(t, "alice@example.com", '+', testNow.AddDate(0, 0, -30))

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name: "valid recipient restored",
			input: "From sender@b.org Fri Mar  1 12:00:00 2024\n" +
				"X-Batv-Status: valid\n" +
				"Delivered-To: " + good + "\n" +
				"Subject: Hi\n" +
				"\n" +
				"body\n",
			want: "From sender@b.org Fri Mar  1 12:00:00 2024\n" +
				"Delivered-To: alice@example.com\n" +
				"X-Batv-Delivered-To: " + good + "\n" +
				"X-Batv-Status: valid\n" +
				"Subject: Hi\n" +
				"\n" +
				"body\n",
		},
		{
			name: "expired recipient marked invalid",
			input: "Delivered-To: " + expired + "\n" +
				"\n" +
				"body\n",
			want: "Delivered-To: alice@example.com\n" +
				"X-Batv-Delivered-To: " + expired + "\n" +
				"X-Batv-Status: invalid\n" +
				"\n" +
				"body\n",
		},
		{
			name: "untagged passes through",
			input: "Delivered-To: alice@example.com\n" +
				"X-Batv-Status: valid\n" +
				"\n" +
				"body\n",
			want: "Delivered-To: alice@example.com\n" +
				"\n" +
				"body\n",
		},
		{
			name: "only first tagged header rewritten",
			input: "Delivered-To: " + good + "\n" +
				"Delivered-To: " + good + "\n" +
				"\n",
			want: "Delivered-To: alice@example.com\n" +
				"X-Batv-Delivered-To: " + good + "\n" +
				"X-Batv-Status: valid\n" +
				"Delivered-To: " + good + "\n" +
				"\n",
		},
		{
			name: "crlf preserved",
			input: "Delivered-To: " + good + "\r\n" +
				"\r\n" +
				"body\r\n",
			want: "Delivered-To: alice@example.com\r\n" +
				"X-Batv-Delivered-To: " + good + "\r\n" +
				"X-Batv-Status: valid\r\n" +
				"\r\n" +
				"body\r\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var out bytes.Buffer
			if err := v.Filter(strings.NewReader(tt.input), &out); err != nil {
				t.Fatalf("Filter: %v", err)
			}
			if out.String() != tt.want {
				t.Errorf("Filter output:\ngot  %q\nwant %q", out.String(), tt.want)
			}
		})
	}
}

func TestFilter_Malformed(t *testing.T) {
	t.Parallel()

	v := newTestValidator(t, '+')
	var out bytes.Buffer
	err := v.Filter(strings.NewReader(" continuation\n\n"), &out)
	if ExitCode(err) != ExitError {
		t.Errorf("Filter: got %v, want input error", err)
	}
}

// Command batv-validate checks BATV addresses from the command line or from
// a delivered message, or filters a message the way the milter would.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/shineum/batv-milter/internal/keys"
	"github.com/shineum/batv-milter/internal/prvs"
	"github.com/shineum/batv-milter/internal/validate"
)

func main() {
	os.Exit(run(filepath.Base(os.Args[0]), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func usage(prog string, w io.Writer) {
	fmt.Fprintf(w, "Usage:\n")
	fmt.Fprintf(w, " %s [OPTIONS...] BATV-ADDRESS\n", prog)
	fmt.Fprintf(w, " %s [-f|-m] [OPTIONS...]\n", prog)
	fmt.Fprintf(w, "Options:\n")
	fmt.Fprintf(w, " -f                 -- filter message on stdin, add X-Batv-Status header\n")
	fmt.Fprintf(w, " -m                 -- read message from stdin, validate the recipient address\n")
	fmt.Fprintf(w, " -k KEY_FILE        -- path to key file (default: ~/.batv-key)\n")
	fmt.Fprintf(w, " -K KEY_MAP_FILE    -- path to key map file (default: ~/.batv-keys)\n")
	fmt.Fprintf(w, " -l LIFETIME        -- lifetime, in days, of BATV addresses (default: %d)\n", validate.DefaultLifetime)
	fmt.Fprintf(w, " -d SUB_ADDR_DELIM  -- sub address delimiter (default: %c)\n", validate.DefaultDelimiter)
	fmt.Fprintf(w, " -h RCPT_HEADER     -- envelope recipient header (for -f and -m mode)\n")
	fmt.Fprintf(w, "                       (default: %s)\n", validate.DefaultRcptHeader)
}

// run executes the command and returns its exit status.
func run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	flags.SetOutput(io.Discard)

	var (
		isFilter   = flags.Bool("f", false, "")
		isMail     = flags.Bool("m", false, "")
		keyFile    = flags.String("k", "", "")
		keyMapFile = flags.String("K", "", "")
		lifetime   = flags.Int("l", validate.DefaultLifetime, "")
		delim      = flags.String("d", string(rune(validate.DefaultDelimiter)), "")
		rcptHeader = flags.String("h", validate.DefaultRcptHeader, "")
	)
	if err := flags.Parse(args); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(stderr, "%s: %v\n", prog, err)
		}
		usage(prog, stderr)
		return validate.ExitUsage
	}

	if *isFilter && *isMail {
		fmt.Fprintf(stderr, "%s: can't specify both -f and -m\n", prog)
		usage(prog, stderr)
		return validate.ExitUsage
	}
	stdinMode := *isFilter || *isMail
	if (!stdinMode && flags.NArg() != 1) || (stdinMode && flags.NArg() != 0) {
		usage(prog, stderr)
		return validate.ExitUsage
	}

	if len(*delim) != 1 {
		fmt.Fprintf(stderr, "%s: sub address delimiter (as specified by -d) must be exactly one character\n", prog)
		return validate.ExitError
	}
	if *lifetime < 1 || *lifetime > prvs.MaxLifetime {
		fmt.Fprintf(stderr, "%s: address lifetime (as specified by -l) must be between 1 and %d, inclusive\n", prog, prvs.MaxLifetime)
		return validate.ExitError
	}

	if *keyFile == "" {
		*keyFile = keys.PersonalPath(".batv-key")
	}
	if *keyMapFile == "" {
		*keyMapFile = keys.PersonalPath(".batv-keys")
	}
	if *keyFile == "" && *keyMapFile == "" {
		fmt.Fprintf(stderr, "%s: Neither ~/.batv-key nor ~/.batv-keys exist.\n", prog)
		fmt.Fprintf(stderr, "Please create one and/or the other or specify alternative paths using -k or -K\n")
		return validate.ExitError
	}

	km, err := keys.Load(*keyFile, *keyMapFile)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", prog, err)
		return validate.ExitError
	}

	v, err := validate.New(validate.Config{
		Keys:       km,
		Lifetime:   *lifetime,
		Delimiter:  (*delim)[0],
		RcptHeader: *rcptHeader,
	})
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", prog, err)
		return validate.ExitError
	}

	if *isFilter {
		if err := v.Filter(stdin, stdout); err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", prog, err)
			return validate.ExitError
		}
		return validate.ExitOK
	}

	candidates := flags.Args()
	if *isMail {
		candidates, err = v.Recipients(stdin)
		if err != nil {
			fmt.Fprintf(stderr, "%s: %v", prog, err)
			if errors.Is(err, validate.ErrNoRecipientHeader) {
				fmt.Fprintf(stderr, " in message (use -h to specify a different header)")
			}
			fmt.Fprintln(stderr)
			return validate.ExitCode(err)
		}
	}

	orig, err := v.CheckAny(candidates)
	if err != nil {
		printFailures(prog, stderr, err)
		return validate.ExitCode(err)
	}
	fmt.Fprintln(stdout, orig.String())
	return validate.ExitOK
}

// printFailures writes one "prog: address: reason" line per failed candidate.
func printFailures(prog string, w io.Writer, err error) {
	var ce *validate.CheckError
	if !errors.As(err, &ce) {
		fmt.Fprintf(w, "%s: %v\n", prog, err)
		return
	}
	for _, f := range ce.Failures {
		fmt.Fprintf(w, "%s: %v\n", prog, f)
	}
}

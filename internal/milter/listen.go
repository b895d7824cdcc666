package milter

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
)

// Endpoint is a parsed listen address.
type Endpoint struct {
	Network string // "unix" or "tcp"
	Address string
}

// ParseListen accepts the sendmail-style socket addresses "unix:/path",
// "local:/path", "/path", "inet:port@host", "inet6:port@host" and the
// Go-style "tcp:host:port".
func ParseListen(listen string) (Endpoint, error) {
	listen = strings.TrimSpace(listen)
	if listen == "" {
		return Endpoint{}, errors.New("empty listen address")
	}
	if strings.HasPrefix(listen, "/") {
		return Endpoint{Network: "unix", Address: listen}, nil
	}

	proto, rest, ok := strings.Cut(listen, ":")
	if !ok || rest == "" {
		return Endpoint{}, fmt.Errorf("invalid listen address %q", listen)
	}

	switch strings.ToLower(proto) {
	case "unix", "local":
		return Endpoint{Network: "unix", Address: rest}, nil
	case "inet", "inet6":
		port, host, _ := strings.Cut(rest, "@")
		if _, err := strconv.ParseUint(port, 10, 16); err != nil {
			return Endpoint{}, fmt.Errorf("invalid port in listen address %q", listen)
		}
		return Endpoint{Network: "tcp", Address: net.JoinHostPort(host, port)}, nil
	case "tcp":
		if _, _, err := net.SplitHostPort(rest); err != nil {
			return Endpoint{}, fmt.Errorf("invalid listen address %q: %w", listen, err)
		}
		return Endpoint{Network: "tcp", Address: rest}, nil
	default:
		return Endpoint{}, fmt.Errorf("unsupported socket type %q in listen address", proto)
	}
}

// Listen opens the endpoint. For unix sockets a stale socket file is
// removed first and mode, when non-zero, is applied to the new socket.
func Listen(ep Endpoint, mode fs.FileMode) (net.Listener, error) {
	if ep.Network == "unix" {
		if err := removeStaleSocket(ep.Address); err != nil {
			return nil, err
		}
	}

	ln, err := net.Listen(ep.Network, ep.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s:%s: %w", ep.Network, ep.Address, err)
	}

	if ep.Network == "unix" && mode != 0 {
		if err := os.Chmod(ep.Address, mode); err != nil {
			ln.Close()
			return nil, fmt.Errorf("failed to set socket mode: %w", err)
		}
	}
	return ln, nil
}

func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat socket: %w", err)
	}
	if fi.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	return nil
}

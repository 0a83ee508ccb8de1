// Package netaddr parses atapp address strings of the form
// scheme://host[:port][/path] and offers an advisory classification used
// only by tooling (spec.md §4.3's address_type).
package netaddr

import (
	"net"
	"strconv"
	"strings"

	"github.com/anthanhphan/atapp/internal/errs"
)

// Address is a parsed scheme://host[:port][/path] value.
type Address struct {
	Scheme string
	Host   string
	Port   int
	Path   string
}

func (a Address) String() string {
	var b strings.Builder
	b.WriteString(a.Scheme)
	b.WriteString("://")
	b.WriteString(a.Host)
	if a.Port != 0 {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(a.Port))
	}
	b.WriteString(a.Path)
	return b.String()
}

// Parse parses "scheme://host[:port][/path]".
func Parse(raw string) (Address, error) {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok || scheme == "" {
		return Address{}, errs.New(errs.CodeParams, "address missing scheme: "+raw)
	}
	scheme = strings.ToLower(scheme)

	hostport := rest
	path := ""
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		hostport = rest[:idx]
		path = rest[idx:]
	}

	addr := Address{Scheme: scheme, Path: path}
	if hostport == "" {
		return addr, nil
	}

	if host, portStr, err := net.SplitHostPort(hostport); err == nil {
		addr.Host = host
		if portStr != "" {
			p, convErr := strconv.Atoi(portStr)
			if convErr != nil {
				return Address{}, errs.New(errs.CodeParams, "invalid port in address: "+raw)
			}
			addr.Port = p
		}
	} else {
		addr.Host = hostport
	}

	return addr, nil
}

// Flags advisorily classifies an address; unrelated to connector.AddressFlags
// so netaddr has no dependency on the connector package, but the bit
// positions are chosen to line up 1:1 for a trivial cast at call sites.
type Flags uint32

const (
	FlagLocal Flags = 1 << iota
	FlagPipe
	FlagIPv4
	FlagIPv6
	FlagResolvable
)

// Classify returns an advisory classification of addr's host.
func Classify(addr Address) Flags {
	switch addr.Scheme {
	case "unix", "unix-stream", "pipe":
		return FlagLocal | FlagPipe
	}

	if addr.Host == "" {
		return 0
	}
	if addr.Host == "localhost" || addr.Host == "127.0.0.1" || addr.Host == "::1" {
		return FlagLocal | FlagIPv4
	}

	ip := net.ParseIP(addr.Host)
	switch {
	case ip == nil:
		return FlagResolvable
	case ip.To4() != nil:
		return FlagIPv4
	default:
		return FlagIPv6
	}
}

// Package address turns operator input into the set of hosts to provision.
package address

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"sort"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/rileyhilliard/keyfleet/internal/errors"
	"github.com/rileyhilliard/keyfleet/internal/logger"
)

// Target is a validated IPv4 host address. The zero value is not valid.
type Target struct {
	addr netip.Addr
}

// Parse validates s as a dotted-quad IPv4 address. Surrounding whitespace is
// ignored; ports, zones and IPv6 forms (including IPv4-mapped) are rejected.
func Parse(s string) (Target, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil || !addr.Is4() {
		return Target{}, false
	}
	return Target{addr: addr}, true
}

// MustParse is Parse for tests and constants. It panics on invalid input.
func MustParse(s string) Target {
	t, ok := Parse(s)
	if !ok {
		panic(fmt.Sprintf("address: invalid IPv4 %q", s))
	}
	return t
}

// String returns the dotted-quad form.
func (t Target) String() string {
	if !t.addr.IsValid() {
		return ""
	}
	return t.addr.String()
}

// Addr returns the underlying address.
func (t Target) Addr() netip.Addr {
	return t.addr
}

// IsValid reports whether t came from a successful Parse.
func (t Target) IsValid() bool {
	return t.addr.IsValid()
}

// MarshalText implements encoding.TextMarshaler so targets serialize as plain strings.
func (t Target) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// FromSingle validates a single --rhost value. Unlike file input, an invalid
// address here is the operator's mistake and aborts the run.
func FromSingle(s string) (Target, error) {
	t, ok := Parse(s)
	if !ok {
		return Target{}, errors.New(errors.ErrAddress,
			fmt.Sprintf("'%s' is not a valid IPv4 address", s),
			"Pass a dotted-quad address like 10.0.0.5, or use --rhost_file for a list.")
	}
	return t, nil
}

// FromFile reads one candidate address per line. Blank lines and lines
// starting with '#' are skipped. Invalid entries are dropped (and logged at
// debug level) rather than failing the run. The result is deduplicated and
// sorted.
func FromFile(path string, log *clog.Logger) ([]Target, error) {
	log = logger.OrNoop(log)

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			fmt.Sprintf("Can't read host file %s", path),
			"Check the path passed to --rhost_file exists and is readable.")
	}
	defer f.Close()

	seen := make(map[netip.Addr]bool)
	var targets []Target

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		t, ok := Parse(line)
		if !ok {
			log.Debug("dropping invalid address", "file", path, "line", lineNo, "value", line)
			continue
		}
		if seen[t.addr] {
			continue
		}
		seen[t.addr] = true
		targets = append(targets, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			fmt.Sprintf("Failed reading host file %s", path),
			"Make sure it's a plain text file with one address per line.")
	}

	Sort(targets)
	log.Info("loaded targets", "file", path, "count", len(targets))
	return targets, nil
}

// Sort orders targets numerically in place.
func Sort(targets []Target) {
	sort.Slice(targets, func(i, j int) bool {
		return targets[i].addr.Less(targets[j].addr)
	})
}

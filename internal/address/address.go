// Package address canonicalizes email addresses into the forms under which
// amavis may have stored them.
package address

import (
	"log/slog"
	"net/mail"
	"strings"

	"golang.org/x/net/idna"
)

// Normalizer builds lookup candidates for an address according to the
// platform's local-part and recipient delimiter settings.
type Normalizer struct {
	CaseSensitive bool
	Delimiter     string
}

// Options tweak the candidate list built by Normalize.
type Options struct {
	// Wildcard, when set together with a recipient delimiter, adds a
	// base+<Wildcard>@domain candidate.
	Wildcard string
	// DomainSearch adds @domain and the catch-all marker "@.".
	DomainSearch bool
}

// CatchAll is the candidate amavis uses for a catch-all lookup.
const CatchAll = "@."

// Normalize returns the ordered candidate list for addr. Callers build OR
// filters or regex alternations from it, so both order and presence rules
// matter:
//
//  1. addr verbatim, when local parts are case sensitive or the domain
//     needed IDNA re-encoding
//  2. base+ext@domain, when an extension exists
//  3. base+<wildcard>@domain, when requested
//  4. base@domain
//  5. @domain and "@.", for domain searches
func (n Normalizer) Normalize(addr string, opts Options) []string {
	localPart, domain, hasDomain := SplitAddress(addr)
	if !n.CaseSensitive {
		localPart = strings.ToLower(localPart)
	}

	reencoded := false
	if hasDomain {
		domain = strings.TrimRight(strings.TrimLeft(domain, "@"), ".")
		domain = strings.ToLower(domain)
		orig := domain
		domain = toASCII(domain)
		reencoded = domain != orig
	}

	base, ext := SplitLocalPart(localPart, n.Delimiter)
	qualify := func(local string) string {
		if !hasDomain {
			return local
		}
		return local + "@" + domain
	}

	var candidates []string
	if n.CaseSensitive || reencoded {
		candidates = append(candidates, addr)
	}
	if ext != "" {
		candidates = append(candidates, qualify(base+n.Delimiter+ext))
	}
	if n.Delimiter != "" && opts.Wildcard != "" {
		candidates = append(candidates, qualify(base+n.Delimiter+opts.Wildcard))
	}
	candidates = append(candidates, qualify(base))
	if opts.DomainSearch && hasDomain {
		candidates = append(candidates, "@"+domain, CatchAll)
	}
	return candidates
}

// NormalizeAll returns the de-duplicated union of the candidates of every
// address, preserving first-seen order.
func (n Normalizer) NormalizeAll(addrs []string, opts Options) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, addr := range addrs {
		for _, c := range n.Normalize(addr, opts) {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}

func toASCII(domain string) string {
	encoded, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		slog.Debug("idna encoding failed, keeping domain as is", "domain", domain, "error", err)
		return domain
	}
	return encoded
}

// SplitAddress splits addr on its last "@". hasDomain is false when addr
// carries no domain part.
func SplitAddress(addr string) (localPart, domain string, hasDomain bool) {
	i := strings.LastIndex(addr, "@")
	if i < 0 {
		return addr, "", false
	}
	return addr[:i], addr[i+1:], true
}

// SplitLocalPart separates the recipient extension from a local part. An
// empty delimiter disables extension splitting.
func SplitLocalPart(localPart, delimiter string) (base, ext string) {
	if delimiter == "" {
		return localPart, ""
	}
	before, after, found := strings.Cut(localPart, delimiter)
	if !found || before == "" {
		return localPart, ""
	}
	return before, after
}

// SplitMailbox returns the extension-free local part, the lower-cased domain
// and the extension of addr.
func SplitMailbox(addr, delimiter string) (localPart, domain, ext string) {
	lp, d, _ := SplitAddress(addr)
	base, ext := SplitLocalPart(lp, delimiter)
	return base, strings.ToLower(d), ext
}

// DomainOf returns the lower-cased domain of addr, or "" when it has none.
func DomainOf(addr string) string {
	_, d, _ := SplitAddress(addr)
	return strings.ToLower(d)
}

// ReverseDomain returns name with its dot-separated labels reversed, the
// key form amavis stores in maddr.domain.
func ReverseDomain(name string) string {
	labels := strings.Split(name, ".")
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	return strings.Join(labels, ".")
}

// ReverseDomains applies ReverseDomain to every name.
func ReverseDomains(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, ReverseDomain(n))
	}
	return out
}

// Cleanup renders a raw From value as "Name <addr>" or a bare address.
func Cleanup(raw string) string {
	a, err := mail.ParseAddress(raw)
	if err != nil {
		return raw
	}
	if a.Name != "" {
		return a.Name + " <" + a.Address + ">"
	}
	return a.Address
}

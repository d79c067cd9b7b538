package trust

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultDomains are the hosts model files are usually published on.
var DefaultDomains = []string{
	"huggingface.co",
	"civitai.com",
	"github.com",
	"cdn.discordapp.com",
	"pixeldrain.com",
	"replicate.delivery",
}

// UntrustedSourceError is returned when a download URL does not belong to an allowed domain.
type UntrustedSourceError struct {
	URL  string // URL as given by the caller
	Host string // Parsed host, empty when the URL could not be parsed
}

func (e *UntrustedSourceError) Error() string {
	if e.Host == "" {
		return fmt.Sprintf("untrusted source: cannot parse url %q", e.URL)
	}

	return fmt.Sprintf("untrusted source: host %s is not in the allow-list", e.Host)
}

// Filter matches URLs against a fixed allow-list of domains.
type Filter struct {
	domains []string
}

// NewFilter returns a Filter for DefaultDomains plus any extra domains.
func NewFilter(extra ...string) *Filter {
	domains := make([]string, 0, len(DefaultDomains)+len(extra))

	for _, d := range append(append([]string{}, DefaultDomains...), extra...) {
		d = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
		if d != "" {
			domains = append(domains, d)
		}
	}

	return &Filter{domains: domains}
}

// Domains returns the allow-list.
func (f *Filter) Domains() []string {
	return append([]string(nil), f.domains...)
}

// IsTrusted reports whether raw is an http(s) URL whose host is, or is a subdomain of,
// an allowed domain. Parse errors are never trusted.
func (f *Filter) IsTrusted(raw string) bool {
	host, ok := parseHost(raw)
	if !ok {
		return false
	}

	for _, d := range f.domains {
		if hostIs(host, d) {
			return true
		}
	}

	return false
}

// Check is IsTrusted returning an *UntrustedSourceError instead of false.
func (f *Filter) Check(raw string) error {
	if f.IsTrusted(raw) {
		return nil
	}

	host, _ := parseHost(raw)

	return &UntrustedSourceError{URL: raw, Host: host}
}

func parseHost(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Hostname() == "" {
		return "", false
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}

	return u.Hostname(), true
}

// hostIs returns true if h equals root or is a subdomain of root.
func hostIs(h, root string) bool {
	h = strings.TrimSuffix(strings.ToLower(h), ".")

	return h == root || strings.HasSuffix(h, "."+root)
}

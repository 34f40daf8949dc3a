package dnscheck

import (
	"errors"
	"fmt"
	"net/mail"
	"net/netip"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// SPFOptions describes the SPF record to generate. An "mx" entry in
// IncludeDomains authorizes the domain's MX hosts.
type SPFOptions struct {
	IncludeIPs     []string
	IncludeDomains []string
	Policy         string
}

var spfPolicies = map[string]bool{"~all": true, "-all": true, "?all": true, "+all": true}

// GenerateSPF builds a v=spf1 record. Policy defaults to ~all.
func GenerateSPF(opts SPFOptions) (string, error) {
	policy := opts.Policy
	if policy == "" {
		policy = "~all"
	}
	if !spfPolicies[policy] {
		return "", fmt.Errorf("unknown SPF policy %q", policy)
	}

	parts := []string{"v=spf1"}
	for _, d := range opts.IncludeDomains {
		if d == "mx" {
			parts = append(parts, "mx")
			break
		}
	}
	for _, ip := range opts.IncludeIPs {
		prefix, err := parseIPOrPrefix(ip)
		if err != nil {
			return "", err
		}
		if prefix.Addr().Is4() {
			parts = append(parts, "ip4:"+ip)
		} else {
			parts = append(parts, "ip6:"+ip)
		}
	}
	for _, d := range opts.IncludeDomains {
		if d == "mx" {
			continue
		}
		host, err := NormalizeDomain(d)
		if err != nil {
			return "", err
		}
		parts = append(parts, "include:"+host)
	}
	parts = append(parts, policy)
	return strings.Join(parts, " "), nil
}

func parseIPOrPrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid IP range %q", s)
		}
		return p, nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid IP address %q", s)
	}
	return netip.PrefixFrom(a, a.BitLen()), nil
}

// DMARCOptions describes the DMARC record to generate. A nil Percentage
// means 100.
type DMARCOptions struct {
	Policy      string
	ReportEmail string
	Percentage  *int
	Alignment   string
}

// GenerateDMARC builds a v=DMARC1 record. Policy defaults to quarantine
// and alignment to relaxed.
func GenerateDMARC(opts DMARCOptions) (string, error) {
	policy := opts.Policy
	if policy == "" {
		policy = "quarantine"
	}
	switch policy {
	case "none", "quarantine", "reject":
	default:
		return "", fmt.Errorf("unknown DMARC policy %q", policy)
	}

	parts := []string{"v=DMARC1", "p=" + policy}
	if opts.ReportEmail != "" {
		if _, err := mail.ParseAddress(opts.ReportEmail); err != nil {
			return "", fmt.Errorf("invalid report email %q", opts.ReportEmail)
		}
		parts = append(parts, "rua=mailto:"+opts.ReportEmail)
	}
	if pct := opts.Percentage; pct != nil {
		if *pct < 0 || *pct > 100 {
			return "", fmt.Errorf("percentage must be between 0 and 100, got %d", *pct)
		}
		if *pct != 100 {
			parts = append(parts, "pct="+strconv.Itoa(*pct))
		}
	}
	switch opts.Alignment {
	case "", "relaxed":
	case "strict":
		parts = append(parts, "aspf=s", "adkim=s")
	default:
		return "", fmt.Errorf("unknown alignment %q", opts.Alignment)
	}
	return strings.Join(parts, "; "), nil
}

// hostProfile maps and validates like a lookup but accepts underscores,
// which SPF includes and DKIM selectors use.
var hostProfile = idna.New(
	idna.MapForLookup(),
	idna.StrictDomainName(false),
	idna.VerifyDNSLength(true),
	idna.BidiRule(),
)

// NormalizeDomain validates s as a host name and returns its lower-case
// ASCII form. Internationalized names are converted to punycode.
func NormalizeDomain(s string) (string, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), ".")
	if s == "" {
		return "", errors.New("domain is empty")
	}
	ascii, err := hostProfile.ToASCII(s)
	if err != nil {
		return "", fmt.Errorf("invalid domain %q: %w", s, err)
	}
	for _, label := range strings.Split(ascii, ".") {
		if !validLabel(label) {
			return "", fmt.Errorf("invalid domain %q: bad label %q", s, label)
		}
	}
	return strings.ToLower(ascii), nil
}

// ValidSelector reports whether s can be used as a DKIM selector.
func ValidSelector(s string) bool {
	_, err := NormalizeDomain(s)
	return err == nil
}

func validLabel(l string) bool {
	if l == "" || len(l) > 63 || l[0] == '-' || l[len(l)-1] == '-' {
		return false
	}
	for _, c := range l {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

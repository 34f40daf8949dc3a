// Package dnscheck inspects the DNS records that decide whether mail from
// a domain is delivered: MX, SPF, DKIM, DMARC and the sending IP's PTR.
package dnscheck

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultSelector is the DKIM selector used when none is given.
const DefaultSelector = "default"

const lookupTimeout = 5 * time.Second

// Resolver is the subset of *net.Resolver the checks use.
type Resolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// Checker runs record lookups against a Resolver.
type Checker struct {
	resolver Resolver
	timeout  time.Duration
}

// New returns a Checker. A nil resolver means net.DefaultResolver.
func New(r Resolver) *Checker {
	if r == nil {
		r = net.DefaultResolver
	}
	return &Checker{resolver: r, timeout: lookupTimeout}
}

type MXRecord struct {
	Exchange string `json:"exchange"`
	Priority uint16 `json:"priority"`
}

type MXResult struct {
	Success bool       `json:"success"`
	Error   string     `json:"error,omitempty"`
	HasMX   bool       `json:"hasMX"`
	Records []MXRecord `json:"records,omitempty"`
}

type SPFResult struct {
	Success bool     `json:"success"`
	Error   string   `json:"error,omitempty"`
	HasSPF  bool     `json:"hasSPF"`
	Records []string `json:"records,omitempty"`
}

type DKIMResult struct {
	Success  bool     `json:"success"`
	Error    string   `json:"error,omitempty"`
	HasDKIM  bool     `json:"hasDKIM"`
	Selector string   `json:"selector"`
	Records  []string `json:"records,omitempty"`
}

type DMARCResult struct {
	Success  bool     `json:"success"`
	Error    string   `json:"error,omitempty"`
	HasDMARC bool     `json:"hasDMARC"`
	Records  []string `json:"records,omitempty"`
}

type ReverseResult struct {
	Success       bool     `json:"success"`
	Error         string   `json:"error,omitempty"`
	HasReverseDNS bool     `json:"hasReverseDNS"`
	Hostnames     []string `json:"hostnames,omitempty"`
}

// MX returns the domain's mail exchangers, lowest preference first.
func (c *Checker) MX(ctx context.Context, domain string) MXResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	mxs, err := c.resolver.LookupMX(ctx, domain)
	if err != nil {
		slog.Warn("MX lookup failed", "domain", domain, "error", err)
		return MXResult{Error: err.Error()}
	}
	out := MXResult{Success: true, HasMX: len(mxs) > 0}
	for _, mx := range mxs {
		out.Records = append(out.Records, MXRecord{Exchange: strings.TrimSuffix(mx.Host, "."), Priority: mx.Pref})
	}
	sort.SliceStable(out.Records, func(i, j int) bool { return out.Records[i].Priority < out.Records[j].Priority })
	return out
}

// SPF returns the domain's v=spf1 TXT records.
func (c *Checker) SPF(ctx context.Context, domain string) SPFResult {
	records, err := c.txt(ctx, domain)
	if err != nil {
		slog.Warn("SPF lookup failed", "domain", domain, "error", err)
		return SPFResult{Error: err.Error()}
	}
	spf := withPrefix(records, "v=spf1")
	return SPFResult{Success: true, HasSPF: len(spf) > 0, Records: spf}
}

// DKIM returns the TXT records published at <selector>._domainkey.<domain>.
func (c *Checker) DKIM(ctx context.Context, domain, selector string) DKIMResult {
	if selector == "" {
		selector = DefaultSelector
	}
	records, err := c.txt(ctx, selector+"._domainkey."+domain)
	if err != nil {
		slog.Warn("DKIM lookup failed", "domain", domain, "selector", selector, "error", err)
		return DKIMResult{Error: err.Error(), Selector: selector}
	}
	return DKIMResult{Success: true, HasDKIM: len(records) > 0, Selector: selector, Records: records}
}

// DMARC returns the v=DMARC1 TXT records published at _dmarc.<domain>.
func (c *Checker) DMARC(ctx context.Context, domain string) DMARCResult {
	records, err := c.txt(ctx, "_dmarc."+domain)
	if err != nil {
		slog.Warn("DMARC lookup failed", "domain", domain, "error", err)
		return DMARCResult{Error: err.Error()}
	}
	dmarc := withPrefix(records, "v=DMARC1")
	return DMARCResult{Success: true, HasDMARC: len(dmarc) > 0, Records: dmarc}
}

// Reverse returns the PTR names of ip.
func (c *Checker) Reverse(ctx context.Context, ip string) ReverseResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	names, err := c.resolver.LookupAddr(ctx, ip)
	if err != nil {
		slog.Warn("reverse lookup failed", "ip", ip, "error", err)
		return ReverseResult{Error: err.Error()}
	}
	for i, n := range names {
		names[i] = strings.TrimSuffix(n, ".")
	}
	return ReverseResult{Success: true, HasReverseDNS: len(names) > 0, Hostnames: names}
}

func (c *Checker) txt(ctx context.Context, name string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.resolver.LookupTXT(ctx, name)
}

func withPrefix(records []string, prefix string) []string {
	var out []string
	for _, r := range records {
		if strings.HasPrefix(r, prefix) {
			out = append(out, r)
		}
	}
	return out
}

// Options narrows a full check.
type Options struct {
	// IP is the sending address whose PTR record is checked. Without it
	// the reverse check is skipped and scores nothing.
	IP           string
	DKIMSelector string
}

type Checks struct {
	MX         MXResult      `json:"mx"`
	SPF        SPFResult     `json:"spf"`
	DKIM       DKIMResult    `json:"dkim"`
	DMARC      DMARCResult   `json:"dmarc"`
	ReverseDNS ReverseResult `json:"reverseDNS"`
}

type Recommendation struct {
	Priority string `json:"priority"`
	Type     string `json:"type"`
	Message  string `json:"message"`
	Example  string `json:"example"`
}

// Report is the outcome of a full check. Each record present is worth 20
// points.
type Report struct {
	Domain          string           `json:"domain"`
	Score           int              `json:"score"`
	Status          string           `json:"status"`
	Checks          Checks           `json:"checks"`
	Recommendations []Recommendation `json:"recommendations"`
}

// Check runs every lookup concurrently and scores the result.
func (c *Checker) Check(ctx context.Context, domain string, opts Options) Report {
	var (
		wg     sync.WaitGroup
		checks Checks
	)
	wg.Go(func() { checks.MX = c.MX(ctx, domain) })
	wg.Go(func() { checks.SPF = c.SPF(ctx, domain) })
	wg.Go(func() { checks.DKIM = c.DKIM(ctx, domain, opts.DKIMSelector) })
	wg.Go(func() { checks.DMARC = c.DMARC(ctx, domain) })
	if opts.IP != "" {
		wg.Go(func() { checks.ReverseDNS = c.Reverse(ctx, opts.IP) })
	} else {
		checks.ReverseDNS = ReverseResult{Success: true}
	}
	wg.Wait()

	score := 0
	for _, ok := range []bool{
		checks.MX.HasMX,
		checks.SPF.HasSPF,
		checks.DKIM.HasDKIM,
		checks.DMARC.HasDMARC,
		checks.ReverseDNS.HasReverseDNS,
	} {
		if ok {
			score += 20
		}
	}

	return Report{
		Domain:          domain,
		Score:           score,
		Status:          status(score),
		Checks:          checks,
		Recommendations: recommend(checks),
	}
}

func status(score int) string {
	switch {
	case score >= 80:
		return "excellent"
	case score >= 60:
		return "good"
	case score >= 40:
		return "fair"
	default:
		return "poor"
	}
}

func recommend(c Checks) []Recommendation {
	recs := []Recommendation{}
	if !c.MX.HasMX {
		recs = append(recs, Recommendation{
			Priority: "high",
			Type:     "MX",
			Message:  "Add MX records to receive emails",
			Example:  "example.com. IN MX 10 mail.example.com.",
		})
	}
	if !c.SPF.HasSPF {
		recs = append(recs, Recommendation{
			Priority: "high",
			Type:     "SPF",
			Message:  "Add SPF record to prevent email spoofing",
			Example:  "v=spf1 mx ip4:YOUR_SERVER_IP ~all",
		})
	}
	if !c.DKIM.HasDKIM {
		recs = append(recs, Recommendation{
			Priority: "medium",
			Type:     "DKIM",
			Message:  "Set up DKIM signing to improve deliverability",
			Example:  "Generate DKIM keys and add TXT record at " + c.DKIM.Selector + "._domainkey.example.com",
		})
	}
	if !c.DMARC.HasDMARC {
		recs = append(recs, Recommendation{
			Priority: "medium",
			Type:     "DMARC",
			Message:  "Add DMARC policy to protect your domain",
			Example:  "v=DMARC1; p=quarantine; rua=mailto:dmarc@example.com",
		})
	}
	if !c.ReverseDNS.HasReverseDNS {
		recs = append(recs, Recommendation{
			Priority: "low",
			Type:     "Reverse DNS",
			Message:  "Set up reverse DNS (PTR record) for your mail server IP",
			Example:  "Contact your hosting provider to set up PTR record",
		})
	}
	return recs
}

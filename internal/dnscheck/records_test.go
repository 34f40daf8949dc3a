package dnscheck

import (
	"strings"
	"testing"
)

func intPtr(n int) *int { return &n }

func TestGenerateSPF(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		opts    SPFOptions
		want    string
		wantErr string
	}{
		{name: "defaults", opts: SPFOptions{}, want: "v=spf1 ~all"},
		{
			name: "mx first then ips then includes",
			opts: SPFOptions{
				IncludeIPs:     []string{"192.0.2.10", "2001:db8::1", "198.51.100.0/24"},
				IncludeDomains: []string{"_spf.google.com", "mx", "sendgrid.net"},
				Policy:         "-all",
			},
			want: "v=spf1 mx ip4:192.0.2.10 ip6:2001:db8::1 ip4:198.51.100.0/24 include:_spf.google.com include:sendgrid.net -all",
		},
		{name: "bad policy", opts: SPFOptions{Policy: "all"}, wantErr: "unknown SPF policy"},
		{name: "bad ip", opts: SPFOptions{IncludeIPs: []string{"300.1.1.1"}}, wantErr: "invalid IP address"},
		{name: "bad range", opts: SPFOptions{IncludeIPs: []string{"10.0.0.0/99"}}, wantErr: "invalid IP range"},
		{name: "bad include", opts: SPFOptions{IncludeDomains: []string{"not a domain"}}, wantErr: "invalid domain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := GenerateSPF(tt.opts)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("GenerateSPF(): got %q, %v, want error containing %q", got, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("GenerateSPF() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("GenerateSPF():\n got %q\nwant %q", got, tt.want)
			}
		})
	}
}

func TestGenerateDMARC(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		opts    DMARCOptions
		want    string
		wantErr string
	}{
		{name: "defaults", opts: DMARCOptions{}, want: "v=DMARC1; p=quarantine"},
		{
			name: "everything",
			opts: DMARCOptions{Policy: "reject", ReportEmail: "dmarc@example.com", Percentage: intPtr(50), Alignment: "strict"},
			want: "v=DMARC1; p=reject; rua=mailto:dmarc@example.com; pct=50; aspf=s; adkim=s",
		},
		{name: "full percentage omitted", opts: DMARCOptions{Policy: "none", Percentage: intPtr(100)}, want: "v=DMARC1; p=none"},
		{name: "zero percentage kept", opts: DMARCOptions{Percentage: intPtr(0)}, want: "v=DMARC1; p=quarantine; pct=0"},
		{name: "bad policy", opts: DMARCOptions{Policy: "block"}, wantErr: "unknown DMARC policy"},
		{name: "bad percentage", opts: DMARCOptions{Percentage: intPtr(101)}, wantErr: "between 0 and 100"},
		{name: "bad email", opts: DMARCOptions{ReportEmail: "nope"}, wantErr: "invalid report email"},
		{name: "bad alignment", opts: DMARCOptions{Alignment: "loose"}, wantErr: "unknown alignment"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := GenerateDMARC(tt.opts)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("GenerateDMARC(): got %q, %v, want error containing %q", got, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("GenerateDMARC() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("GenerateDMARC():\n got %q\nwant %q", got, tt.want)
			}
		})
	}
}

func TestNormalizeDomain(t *testing.T) {
	t.Parallel()

	valid := map[string]string{
		"Example.COM":  "example.com",
		"example.com.": "example.com",
		"bücher.de":    "xn--bcher-kva.de",
		"mail-1.a.io":  "mail-1.a.io",
	}
	for in, want := range valid {
		got, err := NormalizeDomain(in)
		if err != nil || got != want {
			t.Errorf("NormalizeDomain(%q): got %q, %v, want %q", in, got, err, want)
		}
	}

	for _, in := range []string{"", "two words.com", "a..b", strings.Repeat("a", 64) + ".com", "evil.com/path"} {
		if _, err := NormalizeDomain(in); err == nil {
			t.Errorf("NormalizeDomain(%q): want error", in)
		}
	}
}

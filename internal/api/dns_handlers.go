package api

import (
	"net/http"
	"net/netip"

	"github.com/shineum/mailgate/internal/dnscheck"
)

type dnsCheckRequest struct {
	Domain       string `json:"domain"`
	IP           string `json:"ip,omitempty"`
	DKIMSelector string `json:"dkimSelector,omitempty"`
}

type spfRequest struct {
	IncludeIPs     []string `json:"includeIPs"`
	IncludeDomains []string `json:"includeDomains"`
	Policy         string   `json:"policy"`
}

type dmarcRequest struct {
	Policy      string `json:"policy"`
	ReportEmail string `json:"reportEmail"`
	Percentage  *int   `json:"percentage"`
	Alignment   string `json:"alignment"`
}

// recordInstructions tells an operator where to publish a generated record.
type recordInstructions struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Value string `json:"value"`
	TTL   string `json:"ttl"`
}

type generatedRecord struct {
	Success      bool               `json:"success"`
	Record       string             `json:"record"`
	Instructions recordInstructions `json:"instructions"`
}

func (s *Server) handleDNSCheck(w http.ResponseWriter, r *http.Request) {
	var req dnsCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeValidation(w, err)
		return
	}
	if req.Domain == "" {
		writeValidation(w, invalid("domain", "is required"))
		return
	}
	domain, err := dnscheck.NormalizeDomain(req.Domain)
	if err != nil {
		writeValidation(w, invalid("domain", "%v", err))
		return
	}
	if req.IP != "" {
		if _, err := netip.ParseAddr(req.IP); err != nil {
			writeValidation(w, invalid("ip", "is not an IP address"))
			return
		}
	}
	if req.DKIMSelector != "" && !dnscheck.ValidSelector(req.DKIMSelector) {
		writeValidation(w, invalid("dkimSelector", "is not a valid selector"))
		return
	}

	report := s.deps.DNS.Check(r.Context(), domain, dnscheck.Options{IP: req.IP, DKIMSelector: req.DKIMSelector})
	writeJSON(w, http.StatusOK, struct {
		Success bool            `json:"success"`
		Results dnscheck.Report `json:"results"`
	}{true, report})
}

func (s *Server) handleGenerateSPF(w http.ResponseWriter, r *http.Request) {
	var req spfRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeValidation(w, err)
		return
	}
	record, err := dnscheck.GenerateSPF(dnscheck.SPFOptions{
		IncludeIPs:     req.IncludeIPs,
		IncludeDomains: req.IncludeDomains,
		Policy:         req.Policy,
	})
	if err != nil {
		writeValidation(w, invalid("", "%v", err))
		return
	}
	writeJSON(w, http.StatusOK, generatedRecord{
		Success:      true,
		Record:       record,
		Instructions: recordInstructions{Type: "TXT", Name: "@", Value: record, TTL: "3600"},
	})
}

func (s *Server) handleGenerateDMARC(w http.ResponseWriter, r *http.Request) {
	var req dmarcRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeValidation(w, err)
		return
	}
	record, err := dnscheck.GenerateDMARC(dnscheck.DMARCOptions{
		Policy:      req.Policy,
		ReportEmail: req.ReportEmail,
		Percentage:  req.Percentage,
		Alignment:   req.Alignment,
	})
	if err != nil {
		writeValidation(w, invalid("", "%v", err))
		return
	}
	writeJSON(w, http.StatusOK, generatedRecord{
		Success:      true,
		Record:       record,
		Instructions: recordInstructions{Type: "TXT", Name: "_dmarc", Value: record, TTL: "3600"},
	})
}

// pathDomain validates the {domain} path segment, answering 400 itself
// when it is unusable.
func pathDomain(w http.ResponseWriter, r *http.Request) (string, bool) {
	domain, err := dnscheck.NormalizeDomain(r.PathValue("domain"))
	if err != nil {
		writeValidation(w, invalid("domain", "%v", err))
		return "", false
	}
	return domain, true
}

func writeDNSResult(w http.ResponseWriter, result any) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": result})
}

func (s *Server) handleDNSMX(w http.ResponseWriter, r *http.Request) {
	if domain, ok := pathDomain(w, r); ok {
		writeDNSResult(w, s.deps.DNS.MX(r.Context(), domain))
	}
}

func (s *Server) handleDNSSPF(w http.ResponseWriter, r *http.Request) {
	if domain, ok := pathDomain(w, r); ok {
		writeDNSResult(w, s.deps.DNS.SPF(r.Context(), domain))
	}
}

func (s *Server) handleDNSDKIM(w http.ResponseWriter, r *http.Request) {
	domain, ok := pathDomain(w, r)
	if !ok {
		return
	}
	selector := r.PathValue("selector")
	if selector != "" && !dnscheck.ValidSelector(selector) {
		writeValidation(w, invalid("selector", "is not a valid selector"))
		return
	}
	writeDNSResult(w, s.deps.DNS.DKIM(r.Context(), domain, selector))
}

func (s *Server) handleDNSDMARC(w http.ResponseWriter, r *http.Request) {
	if domain, ok := pathDomain(w, r); ok {
		writeDNSResult(w, s.deps.DNS.DMARC(r.Context(), domain))
	}
}

package sink

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/firefart/dmarcpipeline/internal/config"
	"github.com/firefart/dmarcpipeline/internal/dmarc"
)

var aggregateCSVHeader = []string{
	"xml_schema", "org_name", "org_email", "org_extra_contact_info", "report_id",
	"begin_date", "end_date", "errors", "domain", "adkim", "aspf", "p", "sp", "pct", "fo",
	"source_ip_address", "source_reverse_dns", "source_base_domain", "source_asn", "count",
	"spf_aligned", "dkim_aligned", "dmarc_aligned", "disposition", "policy_override_reasons",
	"header_from", "envelope_from", "envelope_to",
	"dkim_domains", "dkim_selectors", "dkim_results", "spf_domains", "spf_scopes", "spf_results",
	"fingerprint", "is_duplicate",
}

var forensicCSVHeader = []string{
	"feedback_type", "user_agent", "version", "original_envelope_id", "original_mail_from",
	"original_rcpt_to", "arrival_date", "arrival_date_epoch", "subject", "message_id",
	"authentication_results", "dkim_domain", "source_ip_address", "source_reverse_dns",
	"delivery_result", "auth_failure", "reported_domain", "authentication_mechanisms",
	"sample_headers_only", "fingerprint", "is_duplicate",
}

// File appends reports to a local file, either one JSON document per line
// or as CSV rows. In CSV mode forensic reports go to a sibling file with a
// "_forensic" suffix.
type File struct {
	name   string
	path   string
	format string

	mu sync.Mutex
}

func NewFile(name string, conf config.FileConfig) (*File, error) {
	format := conf.Format
	if format == "" {
		format = "jsonl"
	}
	if dir := filepath.Dir(conf.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("could not create directory for sink %s: %w", name, err)
		}
	}
	return &File{
		name:   name,
		path:   conf.Path,
		format: format,
	}, nil
}

func (f *File) Name() string {
	return f.name
}

// ForensicPath returns the file forensic reports are written to in CSV mode.
func (f *File) ForensicPath() string {
	ext := filepath.Ext(f.path)
	return strings.TrimSuffix(f.path, ext) + "_forensic" + ext
}

func (f *File) Deliver(_ context.Context, report dmarc.Report) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.format == "csv" {
		return f.writeCSV(report)
	}

	b, err := json.Marshal(report)
	if err != nil {
		return Fatal(fmt.Errorf("could not marshal report: %w", err))
	}
	b = append(b, '\n')
	fp, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("could not open %s: %w", f.path, err)
	}
	if _, err := fp.Write(b); err != nil {
		_ = fp.Close()
		return fmt.Errorf("could not write to %s: %w", f.path, err)
	}
	return fp.Close()
}

func (f *File) writeCSV(report dmarc.Report) error {
	var path string
	var header []string
	var rows [][]string
	switch {
	case report.Aggregate != nil:
		path, header, rows = f.path, aggregateCSVHeader, aggregateRows(report)
	case report.Forensic != nil:
		path, header, rows = f.ForensicPath(), forensicCSVHeader, [][]string{forensicRow(report)}
	default:
		return Fatal(fmt.Errorf("report %s has no body", report.Fingerprint))
	}

	fp, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("could not open %s: %w", path, err)
	}
	defer fp.Close()
	info, err := fp.Stat()
	if err != nil {
		return fmt.Errorf("could not stat %s: %w", path, err)
	}

	w := csv.NewWriter(fp)
	if info.Size() == 0 {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("could not write csv header: %w", err)
		}
	}
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("could not write to %s: %w", path, err)
	}
	return fp.Close()
}

func aggregateRows(report dmarc.Report) [][]string {
	a := report.Aggregate
	pp := a.PolicyPublished
	rows := make([][]string, 0, len(a.Records))
	for _, r := range a.Records {
		var reasons []string
		for _, o := range r.PolicyEvaluated.PolicyOverrideReasons {
			reasons = append(reasons, o.Type)
		}
		var dkimDomains, dkimSelectors, dkimResults []string
		for _, d := range r.AuthResults.DKIM {
			dkimDomains = append(dkimDomains, d.Domain)
			dkimSelectors = append(dkimSelectors, d.Selector)
			dkimResults = append(dkimResults, d.Result)
		}
		var spfDomains, spfScopes, spfResults []string
		for _, s := range r.AuthResults.SPF {
			spfDomains = append(spfDomains, s.Domain)
			spfScopes = append(spfScopes, s.Scope)
			spfResults = append(spfResults, s.Result)
		}
		rows = append(rows, []string{
			a.XMLSchema, a.OrgName, a.OrgEmail, a.OrgExtraContactInfo, a.ReportID,
			strconv.FormatInt(a.BeginDate, 10), strconv.FormatInt(a.EndDate, 10), strings.Join(a.Errors, ","),
			pp.Domain, pp.ADKIM, pp.ASPF, pp.P, pp.SP, strconv.Itoa(pp.Pct), pp.FO,
			r.Source.IPAddress, r.Source.ReverseDNS, r.Source.BaseDomain, r.Source.ASN, strconv.FormatInt(r.Count, 10),
			strconv.FormatBool(r.Alignment.SPF), strconv.FormatBool(r.Alignment.DKIM), strconv.FormatBool(r.Alignment.DMARC),
			r.PolicyEvaluated.Disposition, strings.Join(reasons, ","),
			r.Identifiers.HeaderFrom, r.Identifiers.EnvelopeFrom, r.Identifiers.EnvelopeTo,
			strings.Join(dkimDomains, ","), strings.Join(dkimSelectors, ","), strings.Join(dkimResults, ","),
			strings.Join(spfDomains, ","), strings.Join(spfScopes, ","), strings.Join(spfResults, ","),
			report.Fingerprint, strconv.FormatBool(report.IsDuplicate),
		})
	}
	return rows
}

func forensicRow(report dmarc.Report) []string {
	f := report.Forensic
	var results []string
	for _, r := range f.AuthenticationResults {
		results = append(results, r.Method+"="+r.Value)
	}
	return []string{
		f.FeedbackType, f.UserAgent, f.Version, f.OriginalEnvelopeID, f.OriginalMailFrom,
		f.OriginalRcptTo, f.ArrivalDate, strconv.FormatInt(f.ArrivalDateEpoch, 10),
		f.ParsedSample.Subject, f.ParsedSample.MessageID,
		strings.Join(results, ","), f.DKIMDomain, f.Source.IPAddress, f.Source.ReverseDNS,
		f.DeliveryResult, strings.Join(f.AuthFailure, ","), f.ReportedDomain,
		strings.Join(f.AuthenticationMechanisms, ","),
		strconv.FormatBool(f.SampleHeadersOnly), report.Fingerprint, strconv.FormatBool(report.IsDuplicate),
	}
}

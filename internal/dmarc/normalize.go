package dmarc

import (
	"context"
	"errors"
	"log/slog"
	netmail "net/mail"
	"net/netip"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/net/publicsuffix"
)

var deliveryResults = []string{"delivered", "spam", "policy", "reject", "other"}

// Enrichment is optional data about a source IP. Empty fields are omitted
// from the output.
type Enrichment struct {
	ReverseDNS string
	BaseDomain string
	ASN        string
	Country    string
}

// Enricher looks up data about a source IP. The second return value is
// false when nothing is available, which is not an error.
type Enricher interface {
	Lookup(ctx context.Context, ip string) (Enrichment, bool)
}

// Normalizer maps parser output into canonical reports. It never mutates
// its input.
type Normalizer struct {
	enricher Enricher
	validate *validator.Validate
	logger   *slog.Logger
}

// NewNormalizer returns a Normalizer. enricher may be nil.
func NewNormalizer(enricher Enricher, logger *slog.Logger) *Normalizer {
	validate := validator.New(validator.WithRequiredStructEnabled())
	// report errors with the output field names
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Normalizer{
		enricher: enricher,
		validate: validate,
		logger:   logger,
	}
}

// reports may cover a day plus slack on either side
const (
	maxTimespan   = 2 * 86400
	timespanError = "Timespan > 24 hours - RFC 7489 section 7.2"
)

func (n *Normalizer) Aggregate(ctx context.Context, fb *Feedback) (*AggregateReport, error) {
	reportID := cleanReportID(fb.ReportID)
	if reportID == "" {
		return nil, missingField("report_id")
	}

	report := &AggregateReport{
		XMLSchema:           fb.Version,
		OrgName:             cleanOrgName(fb.OrgName),
		OrgEmail:            fb.Email,
		OrgExtraContactInfo: fb.ExtraContactInfo,
		ReportID:            reportID,
		BeginDate:           fb.Begin,
		EndDate:             fb.End,
		Errors:              append([]string{}, fb.Errors...),
		PolicyPublished:     normalizePolicy(fb.Policy),
		Records:             make([]Row, 0, len(fb.Records)),
	}
	if report.XMLSchema == "" {
		report.XMLSchema = "draft"
	}
	if report.EndDate-report.BeginDate > maxTimespan {
		report.Errors = append(report.Errors, timespanError)
	}

	lookups := make(map[string]Enrichment)
	for _, rec := range fb.Records {
		ip := rec.SourceIP.String()
		e, ok := lookups[ip]
		if !ok {
			e = n.lookup(ctx, ip)
			lookups[ip] = e
		}
		report.Records = append(report.Records, normalizeRow(rec, e))
	}

	if err := n.check(report); err != nil {
		return nil, err
	}
	return report, nil
}

func (n *Normalizer) Forensic(ctx context.Context, fr *FeedbackReport) (*ForensicReport, error) {
	fields := fr.Fields
	feedbackType := strings.ToLower(fields["feedback_type"])

	arrival, ok := parseDate(fields["arrival_date"])
	if !ok {
		switch {
		case !fr.SampleDate.IsZero():
			arrival = fr.SampleDate
		case !fr.MessageDate.IsZero():
			arrival = fr.MessageDate
		default:
			return nil, missingField("arrival_date")
		}
	}

	report := &ForensicReport{
		FeedbackType:             feedbackType,
		AuthFailureType:          authFailureType(feedbackType),
		AuthFailure:              splitList(fields["auth_failure"]),
		ArrivalDate:              arrival.UTC().Format(time.RFC3339),
		ArrivalDateEpoch:         arrival.Unix(),
		ReportingOrg:             reportingOrg(fr),
		OriginalMailFrom:         fields["original_mail_from"],
		OriginalRcptTo:           fields["original_rcpt_to"],
		OriginalEnvelopeID:       fields["original_envelope_id"],
		ReportedDomain:           strings.ToLower(fields["reported_domain"]),
		DeliveryResult:           deliveryResult(fields["delivery_result"]),
		AuthenticationMechanisms: splitList(fields["identity_alignment"]),
		AuthenticationResults:    append([]AuthenticationResult(nil), fr.AuthenticationResults...),
		DKIMDomain:               fields["dkim_domain"],
		UserAgent:                fields["user_agent"],
		Version:                  fields["version"],
		SampleHeadersOnly:        fr.SampleHeadersOnly,
		Sample:                   string(fr.Sample),
		ParsedSample:             cloneSample(fr.ParsedSample),
	}
	if len(report.AuthFailure) == 0 {
		report.AuthFailure = []string{"dmarc"}
	}
	if report.ReportedDomain == "" {
		report.ReportedDomain = domainOf(fr.ParsedSample.From)
	}

	if ip, _, _ := strings.Cut(strings.TrimSpace(fields["source_ip"]), " "); ip != "" {
		if isIP(ip) {
			e := n.lookup(ctx, ip)
			report.Source = SourceInfo{
				IPAddress:  ip,
				ReverseDNS: e.ReverseDNS,
				BaseDomain: e.BaseDomain,
				ASN:        e.ASN,
				Country:    e.Country,
			}
		} else {
			n.logger.Warn("ignoring invalid forensic source ip", slog.String("source_ip", ip))
		}
	}

	if err := n.check(report); err != nil {
		return nil, err
	}
	return report, nil
}

func (n *Normalizer) lookup(ctx context.Context, ip string) Enrichment {
	if n.enricher == nil {
		return Enrichment{}
	}
	e, ok := n.enricher.Lookup(ctx, ip)
	if !ok {
		n.logger.Debug("no enrichment available", slog.String("ip", ip))
		return Enrichment{}
	}
	return e
}

// check turns validation failures into a SchemaError naming the first
// offending field.
func (n *Normalizer) check(v any) error {
	err := n.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return invalidField(fe.Namespace(), errors.New("failed "+fe.Tag()+" validation"))
	}
	return invalidField("report", err)
}

func normalizePolicy(p FeedbackPolicy) PolicyPublished {
	out := PolicyPublished{
		Domain: p.Domain,
		ADKIM:  alignmentMode(p.ADKIM),
		ASPF:   alignmentMode(p.ASPF),
		P:      p.P,
		SP:     p.SP,
		NP:     p.NP,
		Pct:    100,
		FO:     p.FO,
	}
	if out.P == "" {
		out.P = "none"
	}
	if out.SP == "" {
		out.SP = out.P
	}
	if p.Pct != nil {
		out.Pct = *p.Pct
	}
	if out.FO == "" {
		out.FO = "0"
	}
	return out
}

func normalizeRow(rec FeedbackRecord, e Enrichment) Row {
	row := Row{
		Source: SourceInfo{
			IPAddress:  rec.SourceIP.String(),
			ReverseDNS: e.ReverseDNS,
			BaseDomain: e.BaseDomain,
			ASN:        e.ASN,
			Country:    e.Country,
		},
		Count: rec.Count,
		PolicyEvaluated: PolicyEvaluated{
			Disposition:           rec.Disposition,
			DKIM:                  passOrFail(rec.DKIM),
			SPF:                   passOrFail(rec.SPF),
			PolicyOverrideReasons: append([]OverrideReason{}, rec.Reasons...),
		},
		Identifiers: Identifiers{
			HeaderFrom:   strings.ToLower(rec.HeaderFrom),
			EnvelopeFrom: rec.EnvelopeFrom,
			EnvelopeTo:   rec.EnvelopeTo,
		},
		AuthResults: AuthResults{
			DKIM: make([]DKIMResult, 0, len(rec.DKIMResults)),
			SPF:  make([]SPFResult, 0, len(rec.SPFResults)),
		},
	}
	switch row.PolicyEvaluated.Disposition {
	case "", "pass":
		row.PolicyEvaluated.Disposition = "none"
	}

	row.Alignment = Alignment{
		SPF:  row.PolicyEvaluated.SPF == "pass",
		DKIM: row.PolicyEvaluated.DKIM == "pass",
	}
	row.Alignment.DMARC = row.Alignment.SPF || row.Alignment.DKIM

	for _, d := range rec.DKIMResults {
		if d.Selector == "" {
			d.Selector = "none"
		}
		if d.Result == "" {
			d.Result = "none"
		}
		row.AuthResults.DKIM = append(row.AuthResults.DKIM, d)
	}
	for _, s := range rec.SPFResults {
		if s.Scope == "" {
			s.Scope = "mfrom"
		}
		if s.Result == "" {
			s.Result = "none"
		}
		row.AuthResults.SPF = append(row.AuthResults.SPF, s)
	}

	if row.Identifiers.EnvelopeFrom == "" && len(row.AuthResults.SPF) > 0 {
		row.Identifiers.EnvelopeFrom = row.AuthResults.SPF[len(row.AuthResults.SPF)-1].Domain
	}
	return row
}

// cleanReportID removes angle brackets and any @host suffix some reporters add.
func cleanReportID(id string) string {
	id = strings.Trim(strings.TrimSpace(id), "<>")
	id, _, _ = strings.Cut(id, "@")
	return strings.TrimSpace(id)
}

// cleanOrgName reduces a bare domain to its registrable part so that
// mail.google.com and google.com report as the same organisation.
func cleanOrgName(name string) string {
	if strings.Contains(name, " ") || !strings.Contains(name, ".") {
		return name
	}
	if base, err := publicsuffix.EffectiveTLDPlusOne(strings.ToLower(name)); err == nil {
		return base
	}
	return name
}

func reportingOrg(fr *FeedbackReport) string {
	if d := domainOf(fr.From); d != "" {
		return cleanOrgName(d)
	}
	// Reporting-MTA: dns; mx.example.com
	if mta := fr.Fields["reporting_mta"]; mta != "" {
		if _, host, found := strings.Cut(mta, ";"); found {
			mta = host
		}
		return cleanOrgName(strings.ToLower(strings.TrimSpace(mta)))
	}
	return ""
}

func domainOf(address string) string {
	_, domain, found := strings.Cut(address, "@")
	if !found {
		return ""
	}
	return strings.ToLower(strings.Trim(domain, "> "))
}

func isIP(s string) bool {
	_, err := netip.ParseAddr(s)
	return err == nil
}

func alignmentMode(v string) string {
	if v == "s" || v == "strict" {
		return "s"
	}
	return "r"
}

func passOrFail(v string) string {
	if v == "pass" {
		return "pass"
	}
	return "fail"
}

func authFailureType(feedbackType string) string {
	switch feedbackType {
	case "auth-failure", "fraud":
		return feedbackType
	default:
		return "other"
	}
}

func deliveryResult(v string) string {
	v = strings.ToLower(v)
	for _, r := range deliveryResults {
		if strings.Contains(v, r) {
			return r
		}
	}
	return "other"
}

func splitList(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" || strings.EqualFold(v, "none") {
		return []string{}
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC1123Z,
	time.RFC1123,
}

func parseDate(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	if t, err := netmail.ParseDate(v); err == nil {
		return t.UTC(), true
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func cloneSample(s Sample) Sample {
	out := s
	out.Headers = make(map[string][]string, len(s.Headers))
	for k, v := range s.Headers {
		out.Headers[k] = append([]string(nil), v...)
	}
	out.To = append([]string(nil), s.To...)
	return out
}

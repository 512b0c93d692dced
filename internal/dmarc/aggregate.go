package dmarc

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"github.com/emersion/go-message/charset"
)

// some reporters wrap the feedback element in a stray xs:schema tag
var xsTag = regexp.MustCompile(`</?xs:schema[^>]*>`)

var errNotPositive = errors.New("must be a positive integer")

// Feedback is a validated aggregate report document. All required fields
// are present and all numeric fields are parsed.
type Feedback struct {
	Version          string
	OrgName          string
	Email            string
	ExtraContactInfo string
	ReportID         string
	Begin            int64
	End              int64
	Errors           []string
	Policy           FeedbackPolicy
	Records          []FeedbackRecord
}

// FeedbackPolicy holds policy_published as reported. Empty strings and a
// nil Pct mean the element was absent.
type FeedbackPolicy struct {
	Domain string
	ADKIM  string
	ASPF   string
	P      string
	SP     string
	NP     string
	Pct    *int
	FO     string
}

type FeedbackRecord struct {
	SourceIP     netip.Addr
	Count        int64
	Disposition  string
	DKIM         string
	SPF          string
	Reasons      []OverrideReason
	HeaderFrom   string
	EnvelopeFrom string
	EnvelopeTo   string
	DKIMResults  []DKIMResult
	SPFResults   []SPFResult
}

// ParseAggregate decodes and validates an aggregate report XML document.
// A document that fails validation yields a *SchemaError and no report.
func ParseAggregate(data []byte) (*Feedback, error) {
	data = cleanXML(data)

	var doc xmlFeedback
	decoder := xml.NewDecoder(bytes.NewReader(data))
	decoder.CharsetReader = charset.Reader
	if err := decoder.Decode(&doc); err != nil {
		return nil, invalidField("feedback", err)
	}

	meta := doc.ReportMetadata
	if meta == nil {
		return nil, missingField("report_metadata")
	}
	fb := &Feedback{
		Version:          strings.TrimSpace(doc.Version),
		OrgName:          strings.TrimSpace(meta.OrgName),
		Email:            strings.TrimSpace(meta.Email),
		ExtraContactInfo: strings.TrimSpace(meta.ExtraContactInfo),
		ReportID:         strings.TrimSpace(meta.ReportID),
	}
	if fb.OrgName == "" {
		return nil, missingField("org_name")
	}
	if fb.ReportID == "" {
		return nil, missingField("report_id")
	}
	for _, e := range meta.Error {
		if e = strings.TrimSpace(e); e != "" {
			fb.Errors = append(fb.Errors, e)
		}
	}

	if meta.DateRange == nil {
		return nil, missingField("date_range")
	}
	var err error
	if fb.Begin, err = requiredInt("date_range.begin", meta.DateRange.Begin); err != nil {
		return nil, err
	}
	if fb.End, err = requiredInt("date_range.end", meta.DateRange.End); err != nil {
		return nil, err
	}
	if fb.End < fb.Begin {
		return nil, invalidField("date_range", fmt.Errorf("end %d is before begin %d", fb.End, fb.Begin))
	}

	pp := doc.PolicyPublished
	if pp == nil {
		return nil, missingField("policy_published")
	}
	fb.Policy = FeedbackPolicy{
		Domain: strings.ToLower(strings.TrimSpace(pp.Domain)),
		ADKIM:  lowerTrim(pp.Adkim),
		ASPF:   lowerTrim(pp.Aspf),
		P:      lowerTrim(pp.P),
		SP:     lowerTrim(pp.Sp),
		NP:     lowerTrim(pp.Np),
		FO:     strings.TrimSpace(pp.Fo),
	}
	if fb.Policy.Domain == "" {
		return nil, missingField("policy_published.domain")
	}
	if s := strings.TrimSpace(pp.Pct); s != "" {
		pct, err := strconv.Atoi(s)
		if err != nil {
			return nil, invalidField("policy_published.pct", err)
		}
		fb.Policy.Pct = &pct
	}

	fb.Records = make([]FeedbackRecord, 0, len(doc.Records))
	for i, rec := range doc.Records {
		r, err := parseRecord(i, rec)
		if err != nil {
			return nil, err
		}
		fb.Records = append(fb.Records, r)
	}

	return fb, nil
}

func parseRecord(i int, rec xmlRecord) (FeedbackRecord, error) {
	field := func(name string) string {
		return fmt.Sprintf("record[%d].%s", i, name)
	}

	ipString := strings.TrimSpace(rec.Row.SourceIP)
	if ipString == "" {
		return FeedbackRecord{}, missingField(field("row.source_ip"))
	}
	ip, err := netip.ParseAddr(ipString)
	if err != nil {
		return FeedbackRecord{}, invalidField(field("row.source_ip"), err)
	}

	count, err := requiredInt(field("row.count"), rec.Row.Count)
	if err != nil {
		return FeedbackRecord{}, err
	}
	if count <= 0 {
		return FeedbackRecord{}, invalidField(field("row.count"), errNotPositive)
	}

	pe := rec.Row.PolicyEvaluated
	r := FeedbackRecord{
		SourceIP:    ip.Unmap(),
		Count:       count,
		Disposition: lowerTrim(pe.Disposition),
		DKIM:        lowerTrim(pe.Dkim),
		SPF:         lowerTrim(pe.Spf),
	}
	for _, reason := range pe.Reason {
		r.Reasons = append(r.Reasons, OverrideReason{
			Type:    lowerTrim(reason.Type),
			Comment: strings.TrimSpace(reason.Comment),
		})
	}

	ids := rec.Identifiers
	if ids == nil {
		ids = rec.Identities
	}
	if ids != nil {
		r.HeaderFrom = strings.TrimSpace(ids.HeaderFrom)
		r.EnvelopeFrom = strings.TrimSpace(ids.EnvelopeFrom)
		r.EnvelopeTo = strings.TrimSpace(ids.EnvelopeTo)
	}

	for _, d := range rec.AuthResults.Dkim {
		r.DKIMResults = append(r.DKIMResults, DKIMResult{
			Domain:   strings.TrimSpace(d.Domain),
			Selector: strings.TrimSpace(d.Selector),
			Result:   lowerTrim(d.Result),
		})
	}
	for _, s := range rec.AuthResults.Spf {
		r.SPFResults = append(r.SPFResults, SPFResult{
			Domain: strings.TrimSpace(s.Domain),
			Scope:  lowerTrim(s.Scope),
			Result: lowerTrim(s.Result),
		})
	}
	return r, nil
}

func requiredInt(field, value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, missingField(field)
	}
	v, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, invalidField(field, err)
	}
	return v, nil
}

func cleanXML(data []byte) []byte {
	data = xsTag.ReplaceAll(data, nil)
	// drop anything a broken generator put in front of the declaration
	if idx := bytes.Index(data, []byte("<?xml")); idx > 0 {
		data = data[idx:]
	}
	return data
}

func lowerTrim(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

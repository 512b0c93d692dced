package dmarc

// Kind distinguishes the two report families.
type Kind string

const (
	KindAggregate Kind = "aggregate"
	KindForensic  Kind = "forensic"
)

// Report is the envelope handed to sinks. Exactly one of Aggregate and
// Forensic is set. Field names are part of the output contract; only add.
type Report struct {
	Kind        Kind             `json:"kind"`
	Fingerprint string           `json:"fingerprint"`
	IsDuplicate bool             `json:"is_duplicate"`
	Source      Source           `json:"source"`
	Aggregate   *AggregateReport `json:"aggregate,omitempty"`
	Forensic    *ForensicReport  `json:"forensic,omitempty"`
}

// Source identifies where a report was read from.
type Source struct {
	Mailbox    string `json:"mailbox"`
	ItemID     string `json:"item_id"`
	Attachment string `json:"attachment,omitempty"`
}

// AsDuplicate returns a copy of the envelope tagged as a redelivery.
// The report bodies are shared and never modified.
func (r Report) AsDuplicate() Report {
	r.IsDuplicate = true
	return r
}

// OrgName returns the reporting organisation of either report kind.
func (r Report) OrgName() string {
	switch {
	case r.Aggregate != nil:
		return r.Aggregate.OrgName
	case r.Forensic != nil:
		return r.Forensic.ReportingOrg
	default:
		return ""
	}
}

// ID returns the report identifier used in log lines.
func (r Report) ID() string {
	switch {
	case r.Aggregate != nil:
		return r.Aggregate.ReportID
	case r.Forensic != nil:
		return r.Forensic.ParsedSample.MessageID
	default:
		return ""
	}
}

type AggregateReport struct {
	XMLSchema           string          `json:"xml_schema"`
	OrgName             string          `json:"org_name" validate:"required"`
	OrgEmail            string          `json:"org_email"`
	OrgExtraContactInfo string          `json:"org_extra_contact_info,omitempty"`
	ReportID            string          `json:"report_id" validate:"required"`
	BeginDate           int64           `json:"begin_date"`
	EndDate             int64           `json:"end_date" validate:"gtefield=BeginDate"`
	Errors              []string        `json:"errors"`
	PolicyPublished     PolicyPublished `json:"policy_published"`
	Records             []Row           `json:"records" validate:"dive"`
}

// MessageCount sums the message counts of all rows.
func (a *AggregateReport) MessageCount() int64 {
	var total int64
	for _, r := range a.Records {
		total += r.Count
	}
	return total
}

type PolicyPublished struct {
	Domain string `json:"domain" validate:"required"`
	ADKIM  string `json:"adkim" validate:"oneof=r s"`
	ASPF   string `json:"aspf" validate:"oneof=r s"`
	P      string `json:"p" validate:"oneof=none quarantine reject"`
	SP     string `json:"sp" validate:"oneof=none quarantine reject"`
	NP     string `json:"np,omitempty"`
	Pct    int    `json:"pct" validate:"min=0,max=100"`
	FO     string `json:"fo"`
}

type Row struct {
	Source          SourceInfo      `json:"source"`
	Count           int64           `json:"count" validate:"min=1"`
	PolicyEvaluated PolicyEvaluated `json:"policy_evaluated"`
	Alignment       Alignment       `json:"alignment"`
	Identifiers     Identifiers     `json:"identifiers"`
	AuthResults     AuthResults     `json:"auth_results"`
}

// SourceInfo carries the sending IP and optional enrichment. Enrichment
// fields stay empty when no lookup result is available.
type SourceInfo struct {
	IPAddress  string `json:"ip_address" validate:"omitempty,ip"`
	ReverseDNS string `json:"reverse_dns,omitempty"`
	BaseDomain string `json:"base_domain,omitempty"`
	ASN        string `json:"asn,omitempty"`
	Country    string `json:"country,omitempty"`
}

type PolicyEvaluated struct {
	Disposition           string           `json:"disposition" validate:"oneof=none quarantine reject"`
	DKIM                  string           `json:"dkim" validate:"oneof=pass fail"`
	SPF                   string           `json:"spf" validate:"oneof=pass fail"`
	PolicyOverrideReasons []OverrideReason `json:"policy_override_reasons"`
}

type OverrideReason struct {
	Type    string `json:"type"`
	Comment string `json:"comment,omitempty"`
}

type Alignment struct {
	SPF   bool `json:"spf"`
	DKIM  bool `json:"dkim"`
	DMARC bool `json:"dmarc"`
}

type Identifiers struct {
	HeaderFrom   string `json:"header_from"`
	EnvelopeFrom string `json:"envelope_from"`
	EnvelopeTo   string `json:"envelope_to,omitempty"`
}

type AuthResults struct {
	DKIM []DKIMResult `json:"dkim"`
	SPF  []SPFResult  `json:"spf"`
}

type DKIMResult struct {
	Domain   string `json:"domain"`
	Selector string `json:"selector"`
	Result   string `json:"result"`
}

type SPFResult struct {
	Domain string `json:"domain"`
	Scope  string `json:"scope"`
	Result string `json:"result"`
}

type ForensicReport struct {
	FeedbackType             string                 `json:"feedback_type" validate:"required"`
	AuthFailureType          string                 `json:"auth_failure_type" validate:"oneof=auth-failure fraud other"`
	AuthFailure              []string               `json:"auth_failure"`
	ArrivalDate              string                 `json:"arrival_date"`
	ArrivalDateEpoch         int64                  `json:"arrival_date_epoch"`
	ReportingOrg             string                 `json:"reporting_org"`
	OriginalMailFrom         string                 `json:"original_mail_from,omitempty"`
	OriginalRcptTo           string                 `json:"original_rcpt_to,omitempty"`
	OriginalEnvelopeID       string                 `json:"original_envelope_id,omitempty"`
	Source                   SourceInfo             `json:"source"`
	ReportedDomain           string                 `json:"reported_domain"`
	DeliveryResult           string                 `json:"delivery_result" validate:"oneof=delivered spam policy reject other"`
	AuthenticationMechanisms []string               `json:"authentication_mechanisms"`
	AuthenticationResults    []AuthenticationResult `json:"authentication_results,omitempty"`
	DKIMDomain               string                 `json:"dkim_domain,omitempty"`
	UserAgent                string                 `json:"user_agent,omitempty"`
	Version                  string                 `json:"version,omitempty"`
	SampleHeadersOnly        bool                   `json:"sample_headers_only"`
	Sample                   string                 `json:"sample"`
	ParsedSample             Sample                 `json:"parsed_sample"`
}

// AuthenticationResult is one method result of an Authentication-Results
// header found in the feedback block.
type AuthenticationResult struct {
	Method string `json:"method"`
	Value  string `json:"value"`
	Reason string `json:"reason,omitempty"`
}

type Sample struct {
	Headers   map[string][]string `json:"headers"`
	From      string              `json:"from"`
	To        []string            `json:"to"`
	Subject   string              `json:"subject"`
	MessageID string              `json:"message_id"`
	Date      string              `json:"date,omitempty"`
	HasBody   bool                `json:"has_body"`
}

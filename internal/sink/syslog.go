package sink

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"log/syslog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/firefart/dmarcpipeline/internal/config"
	"github.com/firefart/dmarcpipeline/internal/dmarc"
)

type CustomTime time.Time

func (t CustomTime) MarshalJSON() ([]byte, error) {
	stamp := fmt.Sprintf("\"%s\"", time.Time(t).UTC().Format(time.RFC822Z))
	return []byte(stamp), nil
}

func (t CustomTime) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	stamp := time.Time(t).UTC().Format(time.RFC822Z)
	return e.EncodeElement(stamp, start)
}

// SyslogEntry is one aggregate report row flattened for a SIEM.
type SyslogEntry struct {
	XMLName          xml.Name              `xml:"syslog_entry" json:"-"`                                    // for xml serialisation
	EventID          string                `xml:"event_id,omitempty" json:"event_id,omitempty"`             // SIEM specific
	EventCategory    string                `xml:"event_category,omitempty" json:"event_category,omitempty"` // SIEM specific
	Fingerprint      string                `xml:"fingerprint" json:"fingerprint"`
	IsDuplicate      bool                  `xml:"is_duplicate" json:"is_duplicate"`
	Version          string                `xml:"version" json:"version"`
	Domain           string                `xml:"domain" json:"domain"`
	DateBegin        int64                 `xml:"date_begin" json:"date_begin"`
	DateEnd          int64                 `xml:"date_end" json:"date_end"`
	DateBeginParsed  CustomTime            `xml:"date_begin_parsed" json:"date_begin_parsed"`
	DateEndParsed    CustomTime            `xml:"date_end_parsed" json:"date_end_parsed"`
	ReportID         string                `xml:"report_id" json:"report_id"`
	OrgName          string                `xml:"org_name" json:"org_name"`
	Email            string                `xml:"email" json:"email"`
	ExtraContactInfo string                `xml:"extra_contact_info" json:"extra_contact_info"`
	Errors           []string              `xml:"errors>error" json:"errors"`
	SourceIP         string                `xml:"source_ip" json:"source_ip"`
	SourceDNS        string                `xml:"source_dns" json:"source_dns"`
	SourceBaseDomain string                `xml:"source_base_domain,omitempty" json:"source_base_domain,omitempty"`
	SourceASN        string                `xml:"source_asn,omitempty" json:"source_asn,omitempty"`
	Count            int64                 `xml:"count" json:"count"`
	EnvelopeTo       string                `xml:"envelope_to" json:"envelope_to"`
	HeaderFrom       string                `xml:"header_from" json:"header_from"`
	EnvelopeFrom     string                `xml:"envelope_from" json:"envelope_from"`
	PolicyPublished  SyslogPolicyPublished `xml:"policy_published" json:"policy_published"`
	PolicyEvaluated  SyslogPolicyEvaluated `xml:"policy_evaluated" json:"policy_evaluated"`
	Alignment        dmarc.Alignment       `xml:"alignment" json:"alignment"`
	ResultSpf        []dmarc.SPFResult     `xml:"result_spf" json:"result_spf"`
	ResultDkim       []dmarc.DKIMResult    `xml:"result_dkim" json:"result_dkim"`
}

type SyslogPolicyPublished struct {
	Domain string `xml:"domain" json:"domain"`
	Adkim  string `xml:"adkim" json:"adkim"`
	Aspf   string `xml:"aspf" json:"aspf"`
	P      string `xml:"p" json:"p"`
	Sp     string `xml:"sp" json:"sp"`
	Pct    int    `xml:"pct" json:"pct"`
	Fo     string `xml:"fo" json:"fo"`
}

type SyslogPolicyEvaluated struct {
	Disposition string                       `xml:"disposition" json:"disposition"`
	Dkim        string                       `xml:"dkim" json:"dkim"`
	Spf         string                       `xml:"spf" json:"spf"`
	Reason      []SyslogPolicyOverrideReason `xml:"reason" json:"reason"`
}

type SyslogPolicyOverrideReason struct {
	Type    string `xml:"type" json:"type"`
	Comment string `xml:"comment" json:"comment"`
}

// SyslogForensicEntry is a forensic report flattened for a SIEM.
type SyslogForensicEntry struct {
	XMLName          xml.Name `xml:"syslog_forensic_entry" json:"-"`
	EventID          string   `xml:"event_id,omitempty" json:"event_id,omitempty"`
	EventCategory    string   `xml:"event_category,omitempty" json:"event_category,omitempty"`
	Fingerprint      string   `xml:"fingerprint" json:"fingerprint"`
	IsDuplicate      bool     `xml:"is_duplicate" json:"is_duplicate"`
	FeedbackType     string   `xml:"feedback_type" json:"feedback_type"`
	ArrivalDate      string   `xml:"arrival_date" json:"arrival_date"`
	ReportingOrg     string   `xml:"reporting_org" json:"reporting_org"`
	ReportedDomain   string   `xml:"reported_domain" json:"reported_domain"`
	SourceIP         string   `xml:"source_ip" json:"source_ip"`
	SourceDNS        string   `xml:"source_dns" json:"source_dns"`
	AuthFailure      []string `xml:"auth_failure>type" json:"auth_failure"`
	DeliveryResult   string   `xml:"delivery_result" json:"delivery_result"`
	OriginalMailFrom string   `xml:"original_mail_from" json:"original_mail_from"`
	OriginalRcptTo   string   `xml:"original_rcpt_to" json:"original_rcpt_to"`
	Subject          string   `xml:"subject" json:"subject"`
	MessageID        string   `xml:"message_id" json:"message_id"`
}

// ConvertToSyslog flattens a report into one entry per aggregate row, or a
// single entry for a forensic report.
func ConvertToSyslog(report dmarc.Report, eventID, eventCategory string) []any {
	switch {
	case report.Aggregate != nil:
		a := report.Aggregate
		domain, err := getDomainFromFilename(report.Source.Attachment)
		if err != nil {
			domain = a.OrgName
		}
		entries := make([]any, 0, len(a.Records))
		for _, row := range a.Records {
			var reasons []SyslogPolicyOverrideReason
			for _, r := range row.PolicyEvaluated.PolicyOverrideReasons {
				reasons = append(reasons, SyslogPolicyOverrideReason(r))
			}
			entries = append(entries, SyslogEntry{
				EventID:          eventID,
				EventCategory:    eventCategory,
				Fingerprint:      report.Fingerprint,
				IsDuplicate:      report.IsDuplicate,
				Version:          a.XMLSchema,
				Domain:           domain,
				DateBegin:        a.BeginDate,
				DateEnd:          a.EndDate,
				DateBeginParsed:  CustomTime(time.Unix(a.BeginDate, 0)),
				DateEndParsed:    CustomTime(time.Unix(a.EndDate, 0)),
				ReportID:         a.ReportID,
				OrgName:          a.OrgName,
				Email:            a.OrgEmail,
				ExtraContactInfo: a.OrgExtraContactInfo,
				Errors:           a.Errors,
				SourceIP:         row.Source.IPAddress,
				SourceDNS:        row.Source.ReverseDNS,
				SourceBaseDomain: row.Source.BaseDomain,
				SourceASN:        row.Source.ASN,
				Count:            row.Count,
				EnvelopeTo:       row.Identifiers.EnvelopeTo,
				EnvelopeFrom:     row.Identifiers.EnvelopeFrom,
				HeaderFrom:       row.Identifiers.HeaderFrom,
				PolicyPublished: SyslogPolicyPublished{
					Domain: a.PolicyPublished.Domain,
					Adkim:  a.PolicyPublished.ADKIM,
					Aspf:   a.PolicyPublished.ASPF,
					P:      a.PolicyPublished.P,
					Sp:     a.PolicyPublished.SP,
					Pct:    a.PolicyPublished.Pct,
					Fo:     a.PolicyPublished.FO,
				},
				PolicyEvaluated: SyslogPolicyEvaluated{
					Disposition: row.PolicyEvaluated.Disposition,
					Dkim:        row.PolicyEvaluated.DKIM,
					Spf:         row.PolicyEvaluated.SPF,
					Reason:      reasons,
				},
				Alignment:  row.Alignment,
				ResultSpf:  row.AuthResults.SPF,
				ResultDkim: row.AuthResults.DKIM,
			})
		}
		return entries
	case report.Forensic != nil:
		f := report.Forensic
		return []any{SyslogForensicEntry{
			EventID:          eventID,
			EventCategory:    eventCategory,
			Fingerprint:      report.Fingerprint,
			IsDuplicate:      report.IsDuplicate,
			FeedbackType:     f.FeedbackType,
			ArrivalDate:      f.ArrivalDate,
			ReportingOrg:     f.ReportingOrg,
			ReportedDomain:   f.ReportedDomain,
			SourceIP:         f.Source.IPAddress,
			SourceDNS:        f.Source.ReverseDNS,
			AuthFailure:      f.AuthFailure,
			DeliveryResult:   f.DeliveryResult,
			OriginalMailFrom: f.OriginalMailFrom,
			OriginalRcptTo:   f.OriginalRcptTo,
			Subject:          f.ParsedSample.Subject,
			MessageID:        f.ParsedSample.MessageID,
		}}
	default:
		return nil
	}
}

func getDomainFromFilename(filename string) (string, error) {
	// filename = receiver "!" policy-domain "!" begin-timestamp
	//               "!" end-timestamp [ "!" unique-id ] "." extension
	filename = filepath.Base(filename)
	parts := strings.Split(filename, "!")
	if len(parts) < 4 {
		return "", fmt.Errorf("filename %q does not match RFC", filename)
	}
	return parts[0], nil
}

// Syslog writes one message per aggregate row to a syslog server.
type Syslog struct {
	name   string
	conf   config.SyslogConfig
	logger *slog.Logger

	mu sync.Mutex
	w  io.Writer
	// dial opens the connection, replaced in tests
	dial func() (io.Writer, error)
}

func NewSyslog(name string, conf config.SyslogConfig, logger *slog.Logger) *Syslog {
	if conf.Format == "" {
		conf.Format = "xml"
	}
	// an empty server logs to the local syslog daemon
	if conf.Protocol == "" && conf.Server != "" {
		conf.Protocol = "tcp"
	}
	if conf.Tag == "" {
		conf.Tag = "dmarc"
	}
	s := &Syslog{
		name:   name,
		conf:   conf,
		logger: logger,
	}
	s.dial = func() (io.Writer, error) {
		return syslog.Dial(conf.Protocol, conf.Server, syslog.LOG_WARNING|syslog.LOG_DAEMON, conf.Tag)
	}
	return s
}

// NewSyslogWriter writes entries to w instead of a syslog connection.
func NewSyslogWriter(name string, conf config.SyslogConfig, w io.Writer, logger *slog.Logger) *Syslog {
	s := NewSyslog(name, conf, logger)
	s.dial = func() (io.Writer, error) {
		return w, nil
	}
	return s
}

func (s *Syslog) Name() string {
	return s.name
}

func (s *Syslog) Deliver(_ context.Context, report dmarc.Report) error {
	var messages [][]byte
	for _, entry := range ConvertToSyslog(report, s.conf.EventID, s.conf.EventCategory) {
		var b []byte
		var err error
		switch s.conf.Format {
		case "json":
			b, err = json.Marshal(entry)
		default:
			b, err = xml.Marshal(entry)
		}
		if err != nil {
			return Fatal(fmt.Errorf("could not marshal syslog entry: %w", err))
		}
		messages = append(messages, b)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.w == nil {
		w, err := s.dial()
		if err != nil {
			return Retryable(fmt.Errorf("could not connect to syslog: %w", err))
		}
		s.w = w
	}
	for _, m := range messages {
		s.logger.Debug("converted entry", slog.String("entry", string(m)))
		// hint: we can't check the number returned here because
		// it's just the len of the input, so pretty useless
		if _, err := s.w.Write(m); err != nil {
			s.reset()
			return Retryable(fmt.Errorf("could not send syslog entry: %w", err))
		}
	}
	return nil
}

// must be called with the lock held
func (s *Syslog) reset() {
	if c, ok := s.w.(io.Closer); ok {
		_ = c.Close()
	}
	s.w = nil
}

func (s *Syslog) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w != nil {
		s.reset()
	}
	return nil
}

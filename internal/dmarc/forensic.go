package dmarc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	netmail "net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-msgauth/authres"
	"github.com/jhillyerd/enmime"
)

var (
	feedbackFieldRegex = regexp.MustCompile(`(?m)^([\w\-]+): (.+)$`)
	textReportRegex    = regexp.MustCompile(`(?m)\s*([a-zA-Z\s]+):\s(.+)`)
)

// textReportMarker identifies failure reports that are sent as plain text
// instead of a message/feedback-report part.
const textReportMarker = "A message claiming to be from you has failed"

// FeedbackReport is a parsed forensic report email before normalization.
type FeedbackReport struct {
	// Fields holds the feedback-report block with keys lower-cased and
	// dashes replaced by underscores.
	Fields                map[string]string
	AuthenticationResults []AuthenticationResult
	Sample                []byte
	SampleHeadersOnly     bool
	ParsedSample          Sample
	SampleDate            time.Time
	// From is the address of the report email itself.
	From        string
	MessageDate time.Time
	Subject     string
}

// ParseForensic parses a failure report email into its feedback fields and
// the original message sample.
func ParseForensic(data []byte) (*FeedbackReport, error) {
	mr, err := mail.CreateReader(bytes.NewReader(data))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, invalidField("message", err)
	}
	defer mr.Close()

	fr := &FeedbackReport{
		Fields: make(map[string]string),
	}
	if addrs, err := mr.Header.AddressList("From"); err == nil && len(addrs) > 0 {
		fr.From = strings.ToLower(addrs[0].Address)
	}
	if d, err := mr.Header.Date(); err == nil {
		fr.MessageDate = d.UTC()
	}
	if s, err := mr.Header.Subject(); err == nil {
		fr.Subject = s
	}

	var feedback string
	var sample []byte
	headersOnly := false

	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil && !message.IsUnknownCharset(err) {
			return nil, invalidField("message", err)
		}
		if p == nil {
			continue
		}

		mediaType, _, _ := mime.ParseMediaType(p.Header.Get("Content-Type"))
		body, err := io.ReadAll(p.Body)
		if err != nil {
			return nil, invalidField("message", fmt.Errorf("read %s part: %w", mediaType, err))
		}

		switch mediaType {
		case "message/feedback-report":
			feedback = string(body)
		case "text/rfc822-headers":
			sample = body
			headersOnly = true
		case "message/rfc822", "message/global":
			sample = body
		case "text/plain":
			text := string(body)
			if !strings.Contains(text, textReportMarker) {
				continue
			}
			f, s, ok := splitTextReport(text)
			if ok {
				feedback = f
				sample = s
			}
		}
	}

	for _, m := range feedbackFieldRegex.FindAllStringSubmatch(feedback, -1) {
		key := strings.ReplaceAll(strings.ToLower(m[1]), "-", "_")
		fr.Fields[key] = strings.TrimSpace(m[2])
	}
	if fr.Fields["feedback_type"] == "" {
		return nil, missingField("feedback_type")
	}
	if len(bytes.TrimSpace(sample)) == 0 {
		return nil, missingField("sample")
	}

	if v := fr.Fields["authentication_results"]; v != "" {
		fr.AuthenticationResults = parseAuthResults(v)
	}

	fr.Sample = sample
	parsed, sampleDate, hasBody, err := parseSample(sample)
	if err != nil {
		return nil, invalidField("sample", err)
	}
	fr.ParsedSample = parsed
	fr.SampleDate = sampleDate
	fr.SampleHeadersOnly = headersOnly || !hasBody

	return fr, nil
}

// splitTextReport handles the plain text variant, where the report fields
// precede the word "detected." and the sample follows it.
func splitTextReport(text string) (string, []byte, bool) {
	head, tail, found := strings.Cut(text, "detected.")
	if !found {
		return "", nil, false
	}
	fields := make(map[string]string)
	for _, m := range textReportRegex.FindAllStringSubmatch(head, -1) {
		name := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(m[1])), " ", "-")
		fields[name] = strings.TrimSpace(m[2])
	}
	var b strings.Builder
	// the text variant carries no Feedback-Type, it is always a DMARC failure
	b.WriteString("Feedback-Type: auth-failure\n")
	if v := fields["received-date"]; v != "" {
		fmt.Fprintf(&b, "Arrival-Date: %s\n", v)
	}
	if v := fields["sender-ip-address"]; v != "" {
		fmt.Fprintf(&b, "Source-IP: %s\n", v)
	}
	sample := strings.ReplaceAll(strings.TrimLeft(tail, " \t\r\n"), "=\r\n", "")
	return b.String(), []byte(sample), true
}

func parseAuthResults(value string) []AuthenticationResult {
	_, results, err := authres.Parse(value)
	if err != nil {
		return nil
	}
	var out []AuthenticationResult
	for _, r := range results {
		var ar AuthenticationResult
		switch v := r.(type) {
		case *authres.DMARCResult:
			ar = AuthenticationResult{Method: "dmarc", Value: string(v.Value), Reason: v.Reason}
		case *authres.DKIMResult:
			ar = AuthenticationResult{Method: "dkim", Value: string(v.Value), Reason: v.Reason}
		case *authres.SPFResult:
			ar = AuthenticationResult{Method: "spf", Value: string(v.Value), Reason: v.Reason}
		case *authres.IPRevResult:
			ar = AuthenticationResult{Method: "iprev", Value: string(v.Value), Reason: v.Reason}
		case *authres.AuthResult:
			ar = AuthenticationResult{Method: "auth", Value: string(v.Value), Reason: v.Reason}
		case *authres.ARCResult:
			ar = AuthenticationResult{Method: "arc", Value: string(v.Value)}
		case *authres.GenericResult:
			ar = AuthenticationResult{Method: v.Method, Value: string(v.Value), Reason: v.Params["reason"]}
		default:
			continue
		}
		out = append(out, ar)
	}
	return out
}

func parseSample(sample []byte) (Sample, time.Time, bool, error) {
	// headers-only samples may lack the blank line that ends the header block
	if !bytes.Contains(sample, []byte("\n\n")) && !bytes.Contains(sample, []byte("\r\n\r\n")) {
		sample = append(bytes.Clone(sample), '\r', '\n', '\r', '\n')
	}
	env, err := enmime.ReadEnvelope(bytes.NewReader(sample))
	if err != nil {
		return Sample{}, time.Time{}, false, err
	}

	s := Sample{
		Headers:   make(map[string][]string),
		Subject:   env.GetHeader("Subject"),
		MessageID: strings.Trim(strings.TrimSpace(env.GetHeader("Message-ID")), "<>"),
		Date:      env.GetHeader("Date"),
	}
	for _, key := range env.GetHeaderKeys() {
		s.Headers[strings.ToLower(key)] = env.GetHeaderValues(key)
	}
	if from, err := env.AddressList("From"); err == nil && len(from) > 0 {
		s.From = strings.ToLower(from[0].Address)
	} else {
		s.From = strings.TrimSpace(env.GetHeader("From"))
	}
	if to, err := env.AddressList("To"); err == nil {
		for _, a := range to {
			s.To = append(s.To, strings.ToLower(a.Address))
		}
	}

	var sampleDate time.Time
	if d, err := netmail.ParseDate(s.Date); err == nil {
		sampleDate = d.UTC()
	}

	hasBody := strings.TrimSpace(env.Text) != "" || strings.TrimSpace(env.HTML) != "" || len(env.Attachments) > 0
	s.HasBody = hasBody
	return s, sampleDate, hasBody, nil
}

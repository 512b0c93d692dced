package dmarc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"testing"
)

func readTestdata(t *testing.T, name string) []byte {
	t.Helper()
	b, err := os.ReadFile(path.Join("..", "..", "testdata", name))
	if err != nil {
		t.Fatalf("could not read testdata %s: %v", name, err)
	}
	return b
}

func testNormalizer() *Normalizer {
	return NewNormalizer(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func parseAndNormalize(t *testing.T, data []byte) *AggregateReport {
	t.Helper()
	fb, err := ParseAggregate(data)
	if err != nil {
		t.Fatalf("ParseAggregate() error: %v", err)
	}
	report, err := testNormalizer().Aggregate(context.Background(), fb)
	if err != nil {
		t.Fatalf("Aggregate() error: %v", err)
	}
	return report
}

func TestParseAggregateExample(t *testing.T) {
	t.Parallel()

	report := parseAndNormalize(t, readTestdata(t, "aggregate_google.xml"))

	if report.OrgName != "google.com" {
		t.Errorf("org_name = %q", report.OrgName)
	}
	if report.ReportID != "R1" {
		t.Errorf("report_id = %q", report.ReportID)
	}
	if report.BeginDate != 1700000000 || report.EndDate != 1700086400 {
		t.Errorf("date range = [%d,%d]", report.BeginDate, report.EndDate)
	}
	if len(report.Records) != 1 {
		t.Fatalf("got %d rows, want 1", len(report.Records))
	}
	row := report.Records[0]
	if row.Source.IPAddress != "1.2.3.4" {
		t.Errorf("source ip = %q", row.Source.IPAddress)
	}
	if row.Count != 5 {
		t.Errorf("count = %d", row.Count)
	}
	pe := row.PolicyEvaluated
	if pe.Disposition != "none" || pe.DKIM != "pass" || pe.SPF != "fail" {
		t.Errorf("policy_evaluated = %+v", pe)
	}
	if !row.Alignment.DKIM || row.Alignment.SPF || !row.Alignment.DMARC {
		t.Errorf("alignment = %+v", row.Alignment)
	}
	if row.Identifiers.HeaderFrom != "example.com" {
		t.Errorf("header_from = %q", row.Identifiers.HeaderFrom)
	}
	if row.Identifiers.EnvelopeFrom != "bounce.example.com" {
		t.Errorf("envelope_from = %q, want fallback to spf domain", row.Identifiers.EnvelopeFrom)
	}
	if len(row.AuthResults.SPF) != 1 || row.AuthResults.SPF[0].Scope != "mfrom" {
		t.Errorf("spf results = %+v", row.AuthResults.SPF)
	}
	pp := report.PolicyPublished
	if pp.Domain != "example.com" || pp.P != "none" || pp.SP != "none" || pp.Pct != 100 || pp.FO != "0" {
		t.Errorf("policy_published = %+v", pp)
	}
}

func TestParseAggregateMissingReportID(t *testing.T) {
	t.Parallel()

	data := strings.Replace(string(readTestdata(t, "aggregate_google.xml")), "<report_id>R1</report_id>", "", 1)
	fb, err := ParseAggregate([]byte(data))
	if fb != nil {
		t.Fatalf("expected no report, got %+v", fb)
	}
	var schemaErr *SchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("expected SchemaError, got %T: %v", err, err)
	}
	if schemaErr.Field != "report_id" {
		t.Fatalf("SchemaError.Field = %q, want report_id", schemaErr.Field)
	}
}

func TestParseAggregateSchemaErrors(t *testing.T) {
	t.Parallel()

	base := string(readTestdata(t, "aggregate_google.xml"))
	tests := []struct {
		name  string
		old   string
		new   string
		field string
	}{
		{"missing org_name", "<org_name>google.com</org_name>", "", "org_name"},
		{"empty report_id", "<report_id>R1</report_id>", "<report_id>  </report_id>", "report_id"},
		{"missing date_range", "<date_range>\n      <begin>1700000000</begin>\n      <end>1700086400</end>\n    </date_range>", "", "date_range"},
		{"non numeric begin", "<begin>1700000000</begin>", "<begin>yesterday</begin>", "date_range.begin"},
		{"end before begin", "<end>1700086400</end>", "<end>1600000000</end>", "date_range"},
		{"missing policy domain", "<domain>example.com</domain>\n    <adkim>", "<adkim>", "policy_published.domain"},
		{"non numeric pct", "<pct>100</pct>", "<pct>all</pct>", "policy_published.pct"},
		{"non numeric count", "<count>5</count>", "<count>five</count>", "record[0].row.count"},
		{"zero count", "<count>5</count>", "<count>0</count>", "record[0].row.count"},
		{"negative count", "<count>5</count>", "<count>-5</count>", "record[0].row.count"},
		{"missing count", "<count>5</count>", "", "record[0].row.count"},
		{"bad source ip", "<source_ip>1.2.3.4</source_ip>", "<source_ip>1.2.3</source_ip>", "record[0].row.source_ip"},
		{"wrong root", "<feedback>", "<report>", "feedback"},
		{"truncated", "</feedback>", "", "feedback"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			data := strings.Replace(base, tc.old, tc.new, 1)
			if data == base {
				t.Fatalf("test input did not change, check %q", tc.old)
			}
			if tc.name == "wrong root" {
				data = strings.Replace(data, "</feedback>", "</report>", 1)
			}
			_, err := ParseAggregate([]byte(data))
			var schemaErr *SchemaError
			if !errors.As(err, &schemaErr) {
				t.Fatalf("expected SchemaError, got %T: %v", err, err)
			}
			if schemaErr.Field != tc.field {
				t.Fatalf("SchemaError.Field = %q, want %q (%v)", schemaErr.Field, tc.field, err)
			}
		})
	}
}

func TestParseAggregateNormalization(t *testing.T) {
	t.Parallel()

	report := parseAndNormalize(t, readTestdata(t, "aggregate_multi.xml"))

	if report.OrgName != "yahoo.com" {
		t.Errorf("org_name = %q, want base domain", report.OrgName)
	}
	if report.ReportID != "1700000000.123456" {
		t.Errorf("report_id = %q", report.ReportID)
	}
	if report.XMLSchema != "1.0" {
		t.Errorf("xml_schema = %q", report.XMLSchema)
	}
	pp := report.PolicyPublished
	if pp.Domain != "example.com" || pp.P != "quarantine" || pp.SP != "quarantine" || pp.ADKIM != "r" || pp.ASPF != "r" || pp.Pct != 100 {
		t.Errorf("policy_published = %+v", pp)
	}
	if len(report.Records) != 2 {
		t.Fatalf("got %d rows, want 2", len(report.Records))
	}

	first := report.Records[0]
	if first.PolicyEvaluated.Disposition != "none" {
		t.Errorf("disposition pass should become none, got %q", first.PolicyEvaluated.Disposition)
	}
	if first.Identifiers.HeaderFrom != "example.com" {
		t.Errorf("identities not mapped: %+v", first.Identifiers)
	}
	if len(first.AuthResults.DKIM) != 2 || first.AuthResults.DKIM[0].Selector != "none" || first.AuthResults.DKIM[1].Selector != "s1" {
		t.Errorf("dkim results = %+v", first.AuthResults.DKIM)
	}

	second := report.Records[1]
	if second.Source.IPAddress != "2001:db8::1" {
		t.Errorf("ipv6 source = %q", second.Source.IPAddress)
	}
	if second.Identifiers.EnvelopeFrom != "last.example.org" {
		t.Errorf("envelope_from = %q, want last spf domain", second.Identifiers.EnvelopeFrom)
	}
	if len(second.PolicyEvaluated.PolicyOverrideReasons) != 1 || second.PolicyEvaluated.PolicyOverrideReasons[0].Type != "forwarded" {
		t.Errorf("reasons = %+v", second.PolicyEvaluated.PolicyOverrideReasons)
	}
	if second.Alignment.DMARC {
		t.Errorf("alignment = %+v", second.Alignment)
	}
}

var countRegex = regexp.MustCompile(`<count>\s*(\d+)\s*</count>`)

func TestRowCountsSumToSource(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"aggregate_google.xml", "aggregate_multi.xml"} {
		data := readTestdata(t, name)
		var want int64
		for _, m := range countRegex.FindAllSubmatch(data, -1) {
			n, err := strconv.ParseInt(string(m[1]), 10, 64)
			if err != nil {
				t.Fatal(err)
			}
			want += n
		}

		report := parseAndNormalize(t, data)
		if got := report.MessageCount(); got != want {
			t.Fatalf("%s: row counts sum to %d, source says %d", name, got, want)
		}
	}
}

func TestParseAggregateCharset(t *testing.T) {
	t.Parallel()

	data := strings.Replace(string(readTestdata(t, "aggregate_google.xml")), `encoding="UTF-8"`, `encoding="ISO-8859-1"`, 1)
	data = strings.Replace(data, "<org_name>google.com</org_name>", "<org_name>M\xfcller GmbH</org_name>", 1)

	report := parseAndNormalize(t, []byte(data))
	if report.OrgName != "Müller GmbH" {
		t.Fatalf("org_name = %q", report.OrgName)
	}
}

func TestNormalizerDoesNotMutateInput(t *testing.T) {
	t.Parallel()

	fb, err := ParseAggregate(readTestdata(t, "aggregate_multi.xml"))
	if err != nil {
		t.Fatal(err)
	}
	before := fb.Records[0].DKIMResults[0].Selector
	if _, err := testNormalizer().Aggregate(context.Background(), fb); err != nil {
		t.Fatal(err)
	}
	if fb.Records[0].DKIMResults[0].Selector != before {
		t.Fatalf("input selector changed from %q to %q", before, fb.Records[0].DKIMResults[0].Selector)
	}
	if fb.ReportID != "<1700000000.123456@yahoo.com>" {
		t.Fatalf("input report id changed: %q", fb.ReportID)
	}
}

func TestNormalizerFlagsLongTimespan(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		span int64
		want bool
	}{
		{"one day", 86400, false},
		{"two days", 2 * 86400, false},
		{"over two days", 2*86400 + 1, true},
	}
	for _, tc := range tests {
		fb, err := ParseAggregate(readTestdata(t, "aggregate_google.xml"))
		if err != nil {
			t.Fatal(err)
		}
		fb.End = fb.Begin + tc.span
		report, err := testNormalizer().Aggregate(context.Background(), fb)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got := slices.Contains(report.Errors, "Timespan > 24 hours - RFC 7489 section 7.2"); got != tc.want {
			t.Errorf("%s: timespan error = %t, want %t (errors %v)", tc.name, got, tc.want, report.Errors)
		}
		if len(fb.Errors) != 0 {
			t.Errorf("%s: input errors changed: %v", tc.name, fb.Errors)
		}
	}
}

type staticEnricher map[string]Enrichment

func (s staticEnricher) Lookup(_ context.Context, ip string) (Enrichment, bool) {
	e, ok := s[ip]
	return e, ok
}

func TestNormalizerEnrichment(t *testing.T) {
	t.Parallel()

	fb, err := ParseAggregate(readTestdata(t, "aggregate_multi.xml"))
	if err != nil {
		t.Fatal(err)
	}
	n := NewNormalizer(staticEnricher{
		"192.0.2.10": {ReverseDNS: "mta1.example.com", BaseDomain: "example.com", ASN: "64500"},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	report, err := n.Aggregate(context.Background(), fb)
	if err != nil {
		t.Fatal(err)
	}
	if got := report.Records[0].Source; got.ReverseDNS != "mta1.example.com" || got.ASN != "64500" {
		t.Errorf("enriched source = %+v", got)
	}
	if got := report.Records[1].Source; got.ReverseDNS != "" || got.BaseDomain != "" {
		t.Errorf("unavailable enrichment should leave fields empty, got %+v", got)
	}
}

func TestNormalizerRejectsUnknownDisposition(t *testing.T) {
	t.Parallel()

	data := strings.Replace(string(readTestdata(t, "aggregate_google.xml")), "<disposition>none</disposition>", "<disposition>bounce</disposition>", 1)
	fb, err := ParseAggregate([]byte(data))
	if err != nil {
		t.Fatal(err)
	}
	_, err = testNormalizer().Aggregate(context.Background(), fb)
	var schemaErr *SchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("expected SchemaError, got %v", err)
	}
	if !strings.Contains(schemaErr.Field, "disposition") {
		t.Fatalf("SchemaError.Field = %q", schemaErr.Field)
	}
}

func TestAggregateFingerprint(t *testing.T) {
	t.Parallel()

	a := parseAndNormalize(t, readTestdata(t, "aggregate_google.xml"))
	b := parseAndNormalize(t, readTestdata(t, "aggregate_google.xml"))
	if AggregateFingerprint(a) != AggregateFingerprint(b) {
		t.Fatal("same report bytes produced different fingerprints")
	}

	other := strings.Replace(string(readTestdata(t, "aggregate_google.xml")), "<report_id>R1</report_id>", "<report_id>R2</report_id>", 1)
	c := parseAndNormalize(t, []byte(other))
	if AggregateFingerprint(a) == AggregateFingerprint(c) {
		t.Fatal("different report ids produced the same fingerprint")
	}
}

package dmarc

import "encoding/xml"

// xmlFeedback mirrors the aggregate report document
// https://tools.ietf.org/html/rfc7489#appendix-C
// Numeric values are kept as text so they can be validated strictly
// after decoding instead of silently becoming zero.
type xmlFeedback struct {
	XMLName        xml.Name `xml:"feedback"`
	Version        string   `xml:"version"`
	ReportMetadata *struct {
		OrgName          string `xml:"org_name"`
		Email            string `xml:"email"`
		ExtraContactInfo string `xml:"extra_contact_info"`
		ReportID         string `xml:"report_id"`
		DateRange        *struct {
			Begin string `xml:"begin"`
			End   string `xml:"end"`
		} `xml:"date_range"`
		Error []string `xml:"error"`
	} `xml:"report_metadata"`
	PolicyPublished *struct {
		Domain string `xml:"domain"`
		Adkim  string `xml:"adkim"`
		Aspf   string `xml:"aspf"`
		P      string `xml:"p"`
		Sp     string `xml:"sp"`
		Np     string `xml:"np"`
		Pct    string `xml:"pct"`
		Fo     string `xml:"fo"`
	} `xml:"policy_published"`
	Records []xmlRecord `xml:"record"`
}

type xmlRecord struct {
	Row struct {
		SourceIP        string `xml:"source_ip"`
		Count           string `xml:"count"`
		PolicyEvaluated struct {
			Disposition string                    `xml:"disposition"`
			Dkim        string                    `xml:"dkim"`
			Spf         string                    `xml:"spf"`
			Reason      []xmlPolicyOverrideReason `xml:"reason"`
		} `xml:"policy_evaluated"`
	} `xml:"row"`
	// some reporters use <identities> instead of <identifiers>
	Identifiers *xmlIdentifiers `xml:"identifiers"`
	Identities  *xmlIdentifiers `xml:"identities"`
	AuthResults struct {
		Spf []struct {
			Domain string `xml:"domain"`
			Scope  string `xml:"scope"`
			Result string `xml:"result"`
		} `xml:"spf"`
		Dkim []struct {
			Domain      string `xml:"domain"`
			Selector    string `xml:"selector"`
			Result      string `xml:"result"`
			HumanResult string `xml:"human_result"`
		} `xml:"dkim"`
	} `xml:"auth_results"`
}

type xmlIdentifiers struct {
	EnvelopeTo   string `xml:"envelope_to"`
	HeaderFrom   string `xml:"header_from"`
	EnvelopeFrom string `xml:"envelope_from"`
}

type xmlPolicyOverrideReason struct {
	Type    string `xml:"type"`
	Comment string `xml:"comment"`
}

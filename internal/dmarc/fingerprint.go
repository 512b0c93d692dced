package dmarc

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// AggregateFingerprint identifies an aggregate report independent of how
// it was delivered.
func AggregateFingerprint(r *AggregateReport) string {
	return fingerprint(
		"aggregate",
		strings.ToLower(r.OrgName),
		r.ReportID,
		strconv.FormatInt(r.BeginDate, 10),
		strconv.FormatInt(r.EndDate, 10),
	)
}

// ForensicFingerprint identifies a forensic report by the reported
// message, its arrival time and the reporting organisation.
func ForensicFingerprint(r *ForensicReport) string {
	return fingerprint(
		"forensic",
		r.ParsedSample.MessageID,
		strconv.FormatInt(r.ArrivalDateEpoch, 10),
		strings.ToLower(r.ReportingOrg),
	)
}

func fingerprint(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NewAggregate wraps a normalized aggregate report into a sink envelope.
func NewAggregate(src Source, r *AggregateReport) Report {
	return Report{
		Kind:        KindAggregate,
		Fingerprint: AggregateFingerprint(r),
		Source:      src,
		Aggregate:   r,
	}
}

// NewForensic wraps a normalized forensic report into a sink envelope.
func NewForensic(src Source, r *ForensicReport) Report {
	return Report{
		Kind:        KindForensic,
		Fingerprint: ForensicFingerprint(r),
		Source:      src,
		Forensic:    r,
	}
}

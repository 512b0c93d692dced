package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/firefart/dmarcpipeline/internal/config"
	"github.com/firefart/dmarcpipeline/internal/dmarc"
)

const defaultIndexPrefix = "dmarc"

// Elasticsearch indexes reports with the fingerprint as document id, so a
// redelivery overwrites the earlier document instead of adding a new one.
// Duplicates get their own id and never replace the original.
type Elasticsearch struct {
	name   string
	conf   config.ElasticsearchConfig
	client *http.Client
}

func NewElasticsearch(name string, conf config.ElasticsearchConfig, client *http.Client) *Elasticsearch {
	if conf.IndexPrefix == "" {
		conf.IndexPrefix = defaultIndexPrefix
	}
	conf.URL = strings.TrimSuffix(conf.URL, "/")
	return &Elasticsearch{
		name:   name,
		conf:   conf,
		client: client,
	}
}

func (e *Elasticsearch) Name() string {
	return e.name
}

func (e *Elasticsearch) Deliver(ctx context.Context, report dmarc.Report) error {
	body, err := json.Marshal(report)
	if err != nil {
		return Fatal(fmt.Errorf("could not marshal report: %w", err))
	}
	target := fmt.Sprintf("%s/%s-%s/_doc/%s", e.conf.URL, e.conf.IndexPrefix, report.Kind, url.PathEscape(documentID(report)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(body))
	if err != nil {
		return Fatal(fmt.Errorf("could not create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if e.conf.Username != "" {
		req.SetBasicAuth(e.conf.Username, e.conf.Password)
	}
	return doRequest(e.client, req)
}

func documentID(report dmarc.Report) string {
	if report.IsDuplicate {
		return report.Fingerprint + "-dup-" + ulid.Make().String()
	}
	return report.Fingerprint
}

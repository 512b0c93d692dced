package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/firefart/dmarcpipeline/internal/config"
	"github.com/firefart/dmarcpipeline/internal/dmarc"
)

// Webhook posts every report as JSON to the url configured for its kind.
// Kinds without a url are accepted and dropped.
type Webhook struct {
	name   string
	conf   config.WebhookConfig
	client *http.Client
}

func NewWebhook(name string, conf config.WebhookConfig, client *http.Client) *Webhook {
	return &Webhook{
		name:   name,
		conf:   conf,
		client: client,
	}
}

func (w *Webhook) Name() string {
	return w.name
}

func (w *Webhook) url(kind dmarc.Kind) string {
	switch kind {
	case dmarc.KindAggregate:
		return w.conf.AggregateURL
	case dmarc.KindForensic:
		return w.conf.ForensicURL
	default:
		return ""
	}
}

func (w *Webhook) Deliver(ctx context.Context, report dmarc.Report) error {
	url := w.url(report.Kind)
	if url == "" {
		return nil
	}
	body, err := json.Marshal(report)
	if err != nil {
		return Fatal(fmt.Errorf("could not marshal report: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Fatal(fmt.Errorf("could not create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.conf.Headers {
		req.Header.Set(k, v)
	}
	return doRequest(w.client, req)
}

func doRequest(client *http.Client, req *http.Request) error {
	resp, err := client.Do(req)
	if err != nil {
		return Retryable(fmt.Errorf("could not send request to %s: %w", req.URL.Host, err))
	}
	defer resp.Body.Close()
	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	return httpStatusError(resp)
}

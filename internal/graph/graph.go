// Package graph reads report mails from an Exchange Online mailbox through
// the Microsoft Graph API.
package graph

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/firefart/dmarcpipeline/internal/config"
	"github.com/firefart/dmarcpipeline/internal/mailbox"
)

const (
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"
	DefaultTimeout = 30 * time.Second
	defaultFolder  = "inbox"
	maxPageSize    = 1000
)

type messageList struct {
	Value []message `json:"value"`
}

type message struct {
	ID               string    `json:"id"`
	Subject          string    `json:"subject"`
	ReceivedDateTime time.Time `json:"receivedDateTime"`
}

type folderList struct {
	Value []folder `json:"value"`
}

type folder struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Mailbox lists a mail folder ordered by receive time. Positions have the
// form "<receivedDateTime>|<id>".
type Mailbox struct {
	name       string
	user       string
	folder     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.Mutex
	folderIDs map[string]string
}

func New(ctx context.Context, name string, conf config.GraphConfig, logger *slog.Logger) *Mailbox {
	tokenURL := conf.TokenURL
	if tokenURL == "" {
		tokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", conf.TenantID)
	}
	creds := &clientcredentials.Config{
		ClientID:     conf.ClientID,
		ClientSecret: conf.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	baseURL := conf.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	folderName := conf.Folder
	if folderName == "" {
		folderName = defaultFolder
	}
	timeout := conf.Timeout.Duration
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	// token requests use the client from the context, api calls the
	// returned one, which does not inherit its timeout
	ctx = context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, &http.Client{Timeout: timeout})
	httpClient := creds.Client(ctx)
	httpClient.Timeout = timeout
	return &Mailbox{
		name:       name,
		user:       conf.User,
		folder:     folderName,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger.With(slog.String("mailbox", name)),
		folderIDs:  make(map[string]string),
	}
}

func (m *Mailbox) Name() string {
	return m.name
}

func ParsePosition(pos string) (time.Time, string, error) {
	if pos == "" {
		return time.Time{}, "", nil
	}
	ts, id, found := strings.Cut(pos, "|")
	if !found {
		return time.Time{}, "", fmt.Errorf("invalid graph position %q", pos)
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid graph position %q: %w", pos, err)
	}
	return t, id, nil
}

func FormatPosition(received time.Time, id string) string {
	return received.UTC().Format(time.RFC3339Nano) + "|" + id
}

func (m *Mailbox) ListSince(ctx context.Context, cursor string, limit int) ([]mailbox.ItemRef, error) {
	since, lastID, err := ParsePosition(cursor)
	if err != nil {
		return nil, err
	}

	// messages sharing the cursor timestamp come back again and are
	// filtered below, so ask for a few more than needed
	top := maxPageSize
	if limit > 0 {
		top = min(limit*2+10, maxPageSize)
	}
	params := url.Values{}
	params.Set("$select", "id,subject,receivedDateTime")
	params.Set("$orderby", "receivedDateTime asc")
	params.Set("$top", fmt.Sprint(top))
	if !since.IsZero() {
		params.Set("$filter", "receivedDateTime ge "+since.UTC().Format(time.RFC3339))
	}
	u := fmt.Sprintf("%s/users/%s/mailFolders/%s/messages?%s", m.baseURL, url.PathEscape(m.user), url.PathEscape(m.folder), params.Encode())

	var list messageList
	if err := m.do(ctx, http.MethodGet, u, nil, &list); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	slices.SortStableFunc(list.Value, func(a, b message) int {
		if c := a.ReceivedDateTime.Compare(b.ReceivedDateTime); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	var refs []mailbox.ItemRef
	for _, msg := range list.Value {
		if !since.IsZero() {
			c := msg.ReceivedDateTime.Compare(since)
			if c < 0 || (c == 0 && msg.ID <= lastID) {
				continue
			}
		}
		refs = append(refs, mailbox.ItemRef{
			ID:       msg.ID,
			Position: FormatPosition(msg.ReceivedDateTime, msg.ID),
			Subject:  msg.Subject,
			Received: msg.ReceivedDateTime,
		})
		if limit > 0 && len(refs) == limit {
			break
		}
	}
	m.logger.Debug("found new mails", slog.Int("count", len(refs)))
	return refs, nil
}

func (m *Mailbox) Fetch(ctx context.Context, ref mailbox.ItemRef) (mailbox.RawMessage, error) {
	u := fmt.Sprintf("%s/users/%s/messages/%s/$value", m.baseURL, url.PathEscape(m.user), url.PathEscape(ref.ID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return mailbox.RawMessage{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return mailbox.RawMessage{}, fmt.Errorf("fetch message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return mailbox.RawMessage{}, fmt.Errorf("graph API returned HTTP %d for message %s", resp.StatusCode, ref.ID)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return mailbox.RawMessage{}, fmt.Errorf("read message: %w", err)
	}
	return mailbox.RawMessage{Ref: ref, Data: data}, nil
}

func (m *Mailbox) ApplyDisposition(ctx context.Context, ref mailbox.ItemRef, d mailbox.Disposition) error {
	msgURL := fmt.Sprintf("%s/users/%s/messages/%s", m.baseURL, url.PathEscape(m.user), url.PathEscape(ref.ID))
	switch d.Action {
	case mailbox.ActionNone, "":
		return nil
	case mailbox.ActionMarkRead:
		if err := m.do(ctx, http.MethodPatch, msgURL, map[string]any{"isRead": true}, nil); err != nil {
			return fmt.Errorf("mark read: %w", err)
		}
	case mailbox.ActionMove:
		folderID, err := m.folderID(ctx, d.Folder)
		if err != nil {
			return err
		}
		if err := m.do(ctx, http.MethodPost, msgURL+"/move", map[string]any{"destinationId": folderID}, nil); err != nil {
			return fmt.Errorf("move: %w", err)
		}
	case mailbox.ActionDelete:
		if err := m.do(ctx, http.MethodDelete, msgURL, nil, nil); err != nil {
			return fmt.Errorf("delete: %w", err)
		}
	default:
		return fmt.Errorf("unsupported disposition %q", d.Action)
	}
	m.logger.Info("applied disposition", slog.String("item", ref.ID), slog.String("subject", ref.Subject), slog.String("disposition", d.String()))
	return nil
}

func (m *Mailbox) Close() error {
	m.httpClient.CloseIdleConnections()
	return nil
}

// folderID resolves a slash separated folder path below the mailbox root,
// creating missing folders.
func (m *Mailbox) folderID(ctx context.Context, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.folderIDs[path]; ok {
		return id, nil
	}

	parent := ""
	for _, name := range strings.Split(strings.Trim(path, "/"), "/") {
		var listURL string
		if parent == "" {
			listURL = fmt.Sprintf("%s/users/%s/mailFolders", m.baseURL, url.PathEscape(m.user))
		} else {
			listURL = fmt.Sprintf("%s/users/%s/mailFolders/%s/childFolders", m.baseURL, url.PathEscape(m.user), url.PathEscape(parent))
		}

		params := url.Values{}
		params.Set("$filter", fmt.Sprintf("displayName eq '%s'", strings.ReplaceAll(name, "'", "''")))
		var list folderList
		if err := m.do(ctx, http.MethodGet, listURL+"?"+params.Encode(), nil, &list); err != nil {
			return "", fmt.Errorf("look up folder %s: %w", name, err)
		}
		if len(list.Value) > 0 {
			parent = list.Value[0].ID
			continue
		}

		m.logger.Info("creating folder", slog.String("folder", name))
		var created folder
		if err := m.do(ctx, http.MethodPost, listURL, map[string]any{"displayName": name}, &created); err != nil {
			return "", fmt.Errorf("create folder %s: %w", name, err)
		}
		parent = created.ID
	}

	m.folderIDs[path] = parent
	return parent, nil
}

func (m *Mailbox) do(ctx context.Context, method, u string, body any, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		m.logger.Error("graph API error", slog.Int("status", resp.StatusCode), slog.String("body", string(b)))
		return fmt.Errorf("graph API returned HTTP %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

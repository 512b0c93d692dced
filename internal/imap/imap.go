package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/firefart/dmarcpipeline/internal/config"
	"github.com/firefart/dmarcpipeline/internal/mailbox"
)

// DefaultTimeout applies to every command when the config sets none.
const DefaultTimeout = 30 * time.Second

func Connect(conf config.IMAPConfig, logger imap.Logger) (*client.Client, error) {
	tlsConfig := tls.Config{} // nolint: gosec
	if conf.IgnoreCert {
		tlsConfig.InsecureSkipVerify = true // nolint:gosec
	}
	// the dialer timeout also covers the server greeting
	dialer := &net.Dialer{Timeout: conf.Timeout.Duration}
	if conf.SSL {
		c, err := client.DialWithDialerTLS(dialer, conf.Host, &tlsConfig)
		if err != nil {
			return nil, err
		}
		c.Timeout = conf.Timeout.Duration
		c.ErrorLog = logger
		return c, nil
	}
	c, err := client.DialWithDialer(dialer, conf.Host)
	if err != nil {
		return nil, err
	}
	c.ErrorLog = logger
	c.Timeout = conf.Timeout.Duration
	support, err := c.SupportStartTLS()
	if err != nil {
		return nil, err
	}
	if support {
		if err := c.StartTLS(&tlsConfig); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func HasImapFolder(c *client.Client, folderName string) (bool, error) {
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.List("", "*", mailboxes)
	}()

	hasFolder := false
	// drain the channel, List blocks until every entry is read
	for m := range mailboxes {
		if m.Name == folderName {
			hasFolder = true
		}
	}

	if err := <-done; err != nil {
		return false, err
	}

	return hasFolder, nil
}

func MarkMessageAsDeleted(c *client.Client, msgUID uint32) error {
	return addFlag(c, msgUID, imap.DeletedFlag)
}

func addFlag(c *client.Client, msgUID uint32, flag string) error {
	seq := new(imap.SeqSet)
	seq.AddNum(msgUID)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{flag}
	return c.UidStore(seq, item, flags, nil)
}

// Mailbox reads reports from one IMAP folder. Positions have the form
// "uidvalidity:uid" so a recreated folder starts over instead of skipping
// messages.
//
// The connection is kept open between calls and re-established after an
// error, since some servers have pretty short timeouts and the imap library
// does not handle reconnects.
type Mailbox struct {
	name   string
	conf   config.IMAPConfig
	logger *slog.Logger

	mu          sync.Mutex
	c           *client.Client
	uidValidity uint32
	folders     map[string]bool
}

func New(name string, conf config.IMAPConfig, logger *slog.Logger) *Mailbox {
	if conf.Timeout.Duration <= 0 {
		conf.Timeout.Duration = DefaultTimeout
	}
	return &Mailbox{
		name:    name,
		conf:    conf,
		logger:  logger.With(slog.String("mailbox", name)),
		folders: make(map[string]bool),
	}
}

func (m *Mailbox) Name() string {
	return m.name
}

// ParsePosition splits a cursor position into uid validity and uid. An
// empty position is valid and returns zeros.
func ParsePosition(pos string) (uint32, uint32, error) {
	if pos == "" {
		return 0, 0, nil
	}
	validity, uid, found := strings.Cut(pos, ":")
	if !found {
		return 0, 0, fmt.Errorf("invalid imap position %q", pos)
	}
	v, err := strconv.ParseUint(validity, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid uid validity in %q: %w", pos, err)
	}
	u, err := strconv.ParseUint(uid, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid uid in %q: %w", pos, err)
	}
	return uint32(v), uint32(u), nil
}

func FormatPosition(uidValidity, uid uint32) string {
	return fmt.Sprintf("%d:%d", uidValidity, uid)
}

func (m *Mailbox) ListSince(ctx context.Context, cursor string, limit int) ([]mailbox.ItemRef, error) {
	validity, last, err := ParsePosition(cursor)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.client(ctx)
	if err != nil {
		return nil, err
	}
	if validity != 0 && validity != m.uidValidity {
		m.logger.Warn("uid validity changed, listing the folder from the start",
			slog.Uint64("old", uint64(validity)), slog.Uint64("new", uint64(m.uidValidity)))
		last = 0
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.DeletedFlag}
	criteria.Uid = new(imap.SeqSet)
	criteria.Uid.AddRange(last+1, 0)
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, m.fail(fmt.Errorf("could not search for mails: %w", err))
	}

	// "n:*" always matches the highest uid, even when it is below n
	uids = slices.DeleteFunc(uids, func(u uint32) bool { return u <= last })
	slices.Sort(uids)
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}
	m.logger.Debug("found new mails", slog.Int("count", len(uids)))
	if len(uids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, []imap.FetchItem{imap.FetchUid, imap.FetchEnvelope, imap.FetchInternalDate}, messages)
	}()

	byUID := make(map[uint32]mailbox.ItemRef, len(uids))
	for msg := range messages {
		ref := mailbox.ItemRef{
			ID:       strconv.FormatUint(uint64(msg.Uid), 10),
			Position: FormatPosition(m.uidValidity, msg.Uid),
			Received: msg.InternalDate,
		}
		if msg.Envelope != nil {
			ref.Subject = msg.Envelope.Subject
		}
		byUID[msg.Uid] = ref
	}
	if err := <-done; err != nil {
		return nil, m.fail(fmt.Errorf("error on fetch: %w", err))
	}

	refs := make([]mailbox.ItemRef, 0, len(uids))
	for _, uid := range uids {
		ref, ok := byUID[uid]
		if !ok {
			// expunged between search and fetch
			continue
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (m *Mailbox) Fetch(ctx context.Context, ref mailbox.ItemRef) (mailbox.RawMessage, error) {
	uid, err := parseUID(ref.ID)
	if err != nil {
		return mailbox.RawMessage{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.client(ctx)
	if err != nil {
		return mailbox.RawMessage{}, err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	// do not set the seen flag, that is up to the disposition
	section := &imap.BodySectionName{Peek: true}
	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, []imap.FetchItem{section.FetchItem(), imap.FetchUid}, messages)
	}()

	var body []byte
	var readErr error
	for msg := range messages {
		r := msg.GetBody(section)
		if r == nil {
			readErr = errors.New("server didn't return message body")
			continue
		}
		body, readErr = io.ReadAll(r)
	}
	if err := <-done; err != nil {
		return mailbox.RawMessage{}, m.fail(fmt.Errorf("error on fetch: %w", err))
	}
	if readErr != nil {
		return mailbox.RawMessage{}, readErr
	}
	if body == nil {
		return mailbox.RawMessage{}, fmt.Errorf("message %d not found", uid)
	}
	m.logger.Debug("fetched message", slog.String("item", ref.ID), slog.Int("size", len(body)))
	return mailbox.RawMessage{Ref: ref, Data: body}, nil
}

func (m *Mailbox) ApplyDisposition(ctx context.Context, ref mailbox.ItemRef, d mailbox.Disposition) error {
	if d.Action == mailbox.ActionNone || d.Action == "" {
		return nil
	}
	uid, err := parseUID(ref.ID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.client(ctx)
	if err != nil {
		return err
	}

	switch d.Action {
	case mailbox.ActionMarkRead:
		if err := addFlag(c, uid, imap.SeenFlag); err != nil {
			return m.fail(fmt.Errorf("could not set seen flag on message %d: %w", uid, err))
		}
	case mailbox.ActionMove:
		if err := m.ensureFolder(c, d.Folder); err != nil {
			return m.fail(err)
		}
		seqset := new(imap.SeqSet)
		seqset.AddNum(uid)
		if err := c.UidMove(seqset, d.Folder); err != nil {
			return m.fail(fmt.Errorf("could not move message %d to %s: %w", uid, d.Folder, err))
		}
	case mailbox.ActionDelete:
		if err := MarkMessageAsDeleted(c, uid); err != nil {
			return m.fail(fmt.Errorf("could not set delete flag on message %d: %w", uid, err))
		}
		if err := c.Expunge(nil); err != nil {
			return m.fail(fmt.Errorf("could not expunge: %w", err))
		}
	default:
		return fmt.Errorf("unsupported disposition %q", d.Action)
	}
	m.logger.Info("applied disposition", slog.String("item", ref.ID), slog.String("subject", ref.Subject), slog.String("disposition", d.String()))
	return nil
}

func (m *Mailbox) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c == nil {
		return nil
	}
	err := m.c.Logout()
	m.c = nil
	return err
}

// client returns a logged in client with the folder selected. Must be
// called with the lock held.
func (m *Mailbox) client(ctx context.Context) (*client.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.c != nil && m.c.State() == imap.SelectedState {
		return m.c, nil
	}
	m.reset()

	c, err := Connect(m.conf, slog.NewLogLogger(m.logger.Handler(), slog.LevelError))
	if err != nil {
		return nil, fmt.Errorf("could not connect to %s: %w", m.conf.Host, err)
	}
	m.logger.Debug("connected to imap server")

	if err := c.Login(m.conf.User, m.conf.Pass); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("could not login: %w", err)
	}
	m.logger.Debug("successful login")

	hasFolder, err := HasImapFolder(c, m.conf.Folder)
	if err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("could not check if folder %s exists: %w", m.conf.Folder, err)
	}
	if !hasFolder {
		_ = c.Logout()
		return nil, fmt.Errorf("imap folder %s not found in account", m.conf.Folder)
	}

	mbox, err := c.Select(m.conf.Folder, false)
	if err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("could not select folder %s: %w", m.conf.Folder, err)
	}
	m.logger.Info("opened folder", slog.String("folder", mbox.Name), slog.Uint64("messages", uint64(mbox.Messages)), slog.Uint64("unseen", uint64(mbox.Unseen)))

	m.c = c
	m.uidValidity = mbox.UidValidity
	return c, nil
}

// fail drops the connection so the next call reconnects.
func (m *Mailbox) fail(err error) error {
	m.reset()
	return err
}

func (m *Mailbox) reset() {
	if m.c == nil {
		return
	}
	if err := m.c.Logout(); err != nil {
		m.logger.Debug("error on logout", slog.String("error", err.Error()))
	}
	m.c = nil
	clear(m.folders)
}

func (m *Mailbox) ensureFolder(c *client.Client, folder string) error {
	if folder == "" {
		return errors.New("no target folder for move")
	}
	if m.folders[folder] {
		return nil
	}
	exists, err := HasImapFolder(c, folder)
	if err != nil {
		return fmt.Errorf("could not check if folder %s exists: %w", folder, err)
	}
	if !exists {
		m.logger.Info("creating folder", slog.String("folder", folder))
		if err := c.Create(folder); err != nil {
			return fmt.Errorf("could not create folder %s: %w", folder, err)
		}
	}
	m.folders[folder] = true
	return nil
}

func parseUID(id string) (uint32, error) {
	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil || uid == 0 {
		return 0, fmt.Errorf("invalid imap uid %q", id)
	}
	return uint32(uid), nil
}

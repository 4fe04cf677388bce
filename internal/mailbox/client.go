// Package mailbox speaks IMAP to the shared print inbox and extracts
// print jobs from raw messages.
package mailbox

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"go.uber.org/zap"
)

// Client holds the connection settings for the shared inbox.
type Client struct {
	host     string
	port     string
	username string
	password string
	tls      bool
	logger   *zap.Logger
}

// NewClient creates an IMAP client configuration. useTLS selects
// implicit TLS; otherwise STARTTLS is attempted.
func NewClient(host, port, username, password string, useTLS bool, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		host:     host,
		port:     port,
		username: username,
		password: password,
		tls:      useTLS,
		logger:   logger,
	}
}

// Session is one authenticated IMAP connection with INBOX selected.
// The pipeline opens one session per poll cycle and must call Logout
// when done.
type Session struct {
	client *imapclient.Client
}

// Dial connects, authenticates, and selects INBOX. A login rejection
// is returned as an AuthError.
func (c *Client) Dial(_ context.Context) (*Session, error) {
	addr := c.host + ":" + c.port

	var client *imapclient.Client
	var err error

	if c.tls {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := client.Login(c.username, c.password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &AuthError{
			Username: c.username,
			Message:  err.Error(),
		}
	}

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("selecting INBOX: %w", err)
	}

	c.logger.Debug("mailbox session opened", zap.String("addr", addr))
	return &Session{client: client}, nil
}

// Unseen returns the UIDs of messages without the \Seen flag, in the
// order the server reports them. The pipeline must not reorder them.
func (s *Session) Unseen() ([]uint32, error) {
	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}

	searchData, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching unseen messages: %w", err)
	}

	uids := searchData.AllUIDs()
	out := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		out = append(out, uint32(uid))
	}
	return out, nil
}

// Fetch returns the raw RFC 5322 bytes of the message with the given
// UID. The body section is fetched with Peek so the \Seen flag is only
// ever set by MarkSeen, after the outcome has been logged.
func (s *Session) Fetch(uid uint32) ([]byte, error) {
	uidSet := imap.UIDSetNum(imap.UID(uid))

	bodySection := &imap.FetchItemBodySection{
		Peek: true,
	}

	fetchOpts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := s.client.Fetch(uidSet, fetchOpts)
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, fmt.Errorf("message UID %d not found", uid)
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, fmt.Errorf("collecting message data: %w", err)
	}

	raw := buf.FindBodySection(bodySection)
	if raw == nil {
		return nil, fmt.Errorf("message UID %d has no body section", uid)
	}

	if err := fetchCmd.Close(); err != nil {
		return raw, fmt.Errorf("closing fetch: %w", err)
	}

	return raw, nil
}

// MarkSeen adds the \Seen flag so the message is never reprocessed.
func (s *Session) MarkSeen(uid uint32) error {
	uidSet := imap.UIDSetNum(imap.UID(uid))

	storeCmd := s.client.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)

	return storeCmd.Close()
}

// Logout ends the session.
func (s *Session) Logout() error {
	return s.client.Logout().Wait()
}

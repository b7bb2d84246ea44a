package source

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

type IMAPOptions struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string
}

// IMAPSource scans one mailbox over a single connection held for the whole
// pass and released on Close.
type IMAPSource struct {
	opts      IMAPOptions
	client    *imapclient.Client
	stopClose func() bool
	ctx       context.Context
	logger    *slog.Logger
}

// OpenIMAP dials, authenticates and selects the configured mailbox. Any
// failure here is connection-level: the caller surfaces it and does not retry.
func OpenIMAP(ctx context.Context, opts IMAPOptions, logger *slog.Logger) (*IMAPSource, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}

	address := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	options := &imapclient.Options{}

	if opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(opts.Username, opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("imap login failed: %w", err)
	}

	mailbox := opts.Mailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := client.Select(mailbox, nil).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("select mailbox %s: %w", mailbox, err)
	}

	if logger != nil {
		logger.Debug("imap connection established", "address", address, "user", opts.Username, "mailbox", mailbox, "tls", opts.UseTLS)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	return &IMAPSource{
		opts:      opts,
		client:    client,
		stopClose: stopClose,
		ctx:       ctx,
		logger:    logger,
	}, nil
}

func (s *IMAPSource) List(ctx context.Context) ([]string, error) {
	data, err := s.client.UIDSearch(&imapv2.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("uid search: %w", err)
	}

	uids := data.AllUIDs()
	ids := make([]string, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, strconv.FormatUint(uint64(uid), 10))
	}
	return ids, nil
}

func (s *IMAPSource) Fetch(ctx context.Context, id string) ([]byte, error) {
	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid message id %q: %w", id, err)
	}

	section := &imapv2.FetchItemBodySection{}
	fetchOptions := &imapv2.FetchOptions{
		BodySection: []*imapv2.FetchItemBodySection{section},
	}

	msgs, err := s.client.Fetch(imapv2.UIDSetNum(imapv2.UID(uid)), fetchOptions).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch uid %s: %w", id, err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("fetch uid %s: no data returned", id)
	}

	raw := msgs[0].FindBodySection(section)
	if len(raw) == 0 {
		return nil, fmt.Errorf("fetch uid %s: empty body section", id)
	}
	return raw, nil
}

func (s *IMAPSource) Close() error {
	s.stopClose()
	if s.ctx.Err() == nil {
		if err := s.client.Logout().Wait(); err != nil {
			if s.logger != nil {
				s.logger.Warn("imap logout failed", "err", err)
			}
		}
	}
	if err := s.client.Close(); err != nil {
		if s.logger != nil {
			s.logger.Debug("imap connection closed", "err", err)
		}
		return err
	}
	return nil
}

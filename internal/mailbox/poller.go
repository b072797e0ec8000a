package mailbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/rs/zerolog/log"

	"github.com/pipewatch/pkg/models"
)

// Submitter accepts a normalized trigger.
type Submitter interface {
	Submit(ctx context.Context, trigger models.Trigger) (string, error)
}

// EmailLedger is the durable record of handled message ids. It is
// consulted before fingerprint dedup: a message id seen once is never
// reparsed, even across restarts.
type EmailLedger interface {
	IsEmailProcessed(ctx context.Context, messageID string) (bool, error)
	RecordProcessedEmail(ctx context.Context, rec models.ProcessedEmailRecord) error
}

// Config holds mailbox connection settings.
type Config struct {
	Server          string
	Port            int
	User            string
	Password        string
	Folder          string
	SenderAddress   string
	PollInterval    time.Duration
	FailureKeywords []string
}

// Poller reads the notification folder on a fixed interval. It is
// single threaded: one connection, one pass, disconnect. A failed
// cycle is logged and retried on the next tick.
type Poller struct {
	config    Config
	submitter Submitter
	ledger    EmailLedger

	now func() time.Time
}

// NewPoller creates a poller.
func NewPoller(config Config, submitter Submitter, ledger EmailLedger) *Poller {
	if config.Folder == "" {
		config.Folder = "INBOX"
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 30 * time.Second
	}
	return &Poller{
		config:    config,
		submitter: submitter,
		ledger:    ledger,
		now:       time.Now,
	}
}

// Run polls until the context is canceled.
func (p *Poller) Run(ctx context.Context) error {
	log.Info().
		Str("server", p.config.Server).
		Str("folder", p.config.Folder).
		Dur("interval", p.config.PollInterval).
		Msg("Mailbox poller started")

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		if err := p.pollOnce(ctx); err != nil {
			log.Warn().Err(err).Msg("Mailbox poll failed, will retry next cycle")
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("Mailbox poller stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", p.config.Server, p.config.Port)
	client, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer client.Close()

	if err := client.Login(p.config.User, p.config.Password).Wait(); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	if _, err := client.Select(p.config.Folder, nil).Wait(); err != nil {
		return fmt.Errorf("failed to select %s: %w", p.config.Folder, err)
	}

	search, err := client.Search(&imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}, nil).Wait()
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	seqNums := search.AllSeqNums()
	if len(seqNums) == 0 {
		if err := client.Logout().Wait(); err != nil {
			log.Debug().Err(err).Msg("Logout failed")
		}
		return nil
	}

	log.Debug().Int("count", len(seqNums)).Msg("Unread messages found")

	section := &imap.FetchItemBodySection{Specifier: imap.PartSpecifierHeader}
	fetched, err := client.Fetch(imap.SeqSetNum(seqNums...), &imap.FetchOptions{
		Envelope:    true,
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return fmt.Errorf("fetch failed: %w", err)
	}

	for _, raw := range fetched {
		msg, err := buildMessage(raw, section)
		if err != nil {
			log.Warn().Err(err).Uint32("seq", raw.SeqNum).Msg("Skipping unreadable message")
		} else if err := p.handleMessage(ctx, msg); err != nil {
			log.Error().Err(err).Str("message_id", msg.MessageID).Msg("Failed to handle message")
			// Leave the message unread so the next cycle retries it.
			continue
		}

		markSeen := client.Store(imap.SeqSetNum(raw.SeqNum), &imap.StoreFlags{
			Op:     imap.StoreFlagsAdd,
			Flags:  []imap.Flag{imap.FlagSeen},
			Silent: true,
		}, nil)
		if err := markSeen.Close(); err != nil {
			log.Warn().Err(err).Uint32("seq", raw.SeqNum).Msg("Failed to mark message seen")
		}
	}

	if err := client.Logout().Wait(); err != nil {
		log.Debug().Err(err).Msg("Logout failed")
	}
	return nil
}

// buildMessage converts a fetched IMAP message into the parser's view.
func buildMessage(raw *imapclient.FetchMessageBuffer, section *imap.FetchItemBodySection) (Message, error) {
	if raw.Envelope == nil {
		return Message{}, errors.New("message has no envelope")
	}

	msg := Message{
		MessageID: raw.Envelope.MessageID,
		Subject:   raw.Envelope.Subject,
		Date:      raw.Envelope.Date,
		Header:    make(map[string]string),
	}
	if len(raw.Envelope.From) > 0 {
		msg.From = raw.Envelope.From[0].Addr()
	}
	if msg.MessageID == "" {
		return Message{}, errors.New("message has no message id")
	}

	headerBytes := raw.FindBodySection(section)
	if len(headerBytes) > 0 {
		entity, err := message.Read(bytes.NewReader(headerBytes))
		if err != nil && !message.IsUnknownCharset(err) {
			return Message{}, fmt.Errorf("failed to parse headers: %w", err)
		}
		for _, name := range []string{
			"X-Gitlab-Project-Id",
			"X-Gitlab-Pipeline-Id",
			"X-Gitlab-Pipeline-Status",
			"X-Gitlab-Pipeline-Ref",
		} {
			if v := entity.Header.Get(name); v != "" {
				msg.Header[name] = v
			}
		}
	}

	return msg, nil
}

// handleMessage runs the message-level pipeline: ledger check first,
// then parse, then submit. The ledger records every message that was
// looked at, whatever the outcome, so nothing is parsed twice.
func (p *Poller) handleMessage(ctx context.Context, msg Message) error {
	processed, err := p.ledger.IsEmailProcessed(ctx, msg.MessageID)
	if err != nil {
		return fmt.Errorf("failed to check email ledger: %w", err)
	}
	if processed {
		log.Debug().Str("message_id", msg.MessageID).Msg("Message already processed")
		return nil
	}

	record := models.ProcessedEmailRecord{
		MessageID:   msg.MessageID,
		ProcessedAt: p.now().UTC(),
	}

	trigger, err := Parse(msg, ParserOptions{
		SenderAddress:   p.config.SenderAddress,
		FailureKeywords: p.config.FailureKeywords,
	})
	if err != nil {
		var verr *models.ValidationError
		if errors.Is(err, ErrNotFailureNotification) || errors.As(err, &verr) {
			log.Debug().Err(err).Str("message_id", msg.MessageID).Msg("Message is not an actionable notification")
			return p.ledger.RecordProcessedEmail(ctx, record)
		}
		return err
	}

	record.Fingerprint = models.FingerprintOf(trigger)

	if _, err := p.submitter.Submit(ctx, trigger); err != nil {
		var conflict *models.DedupConflict
		if !errors.As(err, &conflict) {
			// The submit failed outright; record the message anyway so
			// a poison email cannot wedge the poller.
			log.Error().Err(err).Str("message_id", msg.MessageID).Msg("Failed to submit email trigger")
		}
	}

	return p.ledger.RecordProcessedEmail(ctx, record)
}

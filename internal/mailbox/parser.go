// Package mailbox turns GitLab pipeline failure notification emails
// into triggers. A single-threaded poller reads an IMAP folder; the
// parser extracts pipeline identity from the X-Gitlab headers GitLab
// stamps on its notification mail.
package mailbox

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pipewatch/pkg/models"
)

// ErrNotFailureNotification marks mail that is valid but not a
// pipeline failure notification. Such messages are recorded as
// processed and never looked at again.
var ErrNotFailureNotification = errors.New("not a pipeline failure notification")

// Message is the parser's view of one email. The poller fills it from
// IMAP; tests construct it directly.
type Message struct {
	MessageID string
	From      string
	Subject   string
	Date      time.Time
	// Header holds the X-Gitlab-* notification headers, keyed by
	// canonical name.
	Header map[string]string
}

// ParserOptions configure which mail qualifies.
type ParserOptions struct {
	// SenderAddress, when set, restricts parsing to mail from this
	// address.
	SenderAddress string
	// FailureKeywords mark a subject as a failure notification when
	// the pipeline status header is absent.
	FailureKeywords []string
}

// DefaultFailureKeywords matches the subjects GitLab uses for failed
// pipeline notifications.
var DefaultFailureKeywords = []string{"failed", "failure", "broken"}

// Parse converts one message into a trigger. Mail from other senders,
// or without failure markers, returns ErrNotFailureNotification;
// structurally broken notifications return a ValidationError.
func Parse(msg Message, opts ParserOptions) (models.Trigger, error) {
	if opts.SenderAddress != "" && !strings.EqualFold(strings.TrimSpace(msg.From), opts.SenderAddress) {
		return models.Trigger{}, ErrNotFailureNotification
	}

	projectHeader := msg.Header["X-Gitlab-Project-Id"]
	pipelineHeader := msg.Header["X-Gitlab-Pipeline-Id"]
	if projectHeader == "" || pipelineHeader == "" {
		return models.Trigger{}, ErrNotFailureNotification
	}

	status := strings.ToLower(strings.TrimSpace(msg.Header["X-Gitlab-Pipeline-Status"]))
	if status == "" {
		if !subjectIndicatesFailure(msg.Subject, opts.FailureKeywords) {
			return models.Trigger{}, ErrNotFailureNotification
		}
		status = "failed"
	}
	if status != "failed" {
		return models.Trigger{}, ErrNotFailureNotification
	}

	projectID, err := strconv.Atoi(strings.TrimSpace(projectHeader))
	if err != nil || projectID <= 0 {
		return models.Trigger{}, &models.ValidationError{
			Field:  "X-Gitlab-Project-Id",
			Reason: fmt.Sprintf("not a valid project id: %q", projectHeader),
		}
	}
	pipelineID, err := strconv.Atoi(strings.TrimSpace(pipelineHeader))
	if err != nil || pipelineID <= 0 {
		return models.Trigger{}, &models.ValidationError{
			Field:  "X-Gitlab-Pipeline-Id",
			Reason: fmt.Sprintf("not a valid pipeline id: %q", pipelineHeader),
		}
	}

	received := msg.Date
	if received.IsZero() {
		received = time.Now()
	}

	return models.Trigger{
		Source:     models.SourceEmail,
		ProjectID:  projectID,
		PipelineID: pipelineID,
		Status:     status,
		RawContext: models.RawContext{
			Ref: msg.Header["X-Gitlab-Pipeline-Ref"],
		},
		ReceivedAt: received.UTC(),
	}, nil
}

func subjectIndicatesFailure(subject string, keywords []string) bool {
	if len(keywords) == 0 {
		keywords = DefaultFailureKeywords
	}
	lowered := strings.ToLower(subject)
	for _, kw := range keywords {
		if strings.Contains(lowered, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

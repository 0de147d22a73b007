package localfs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/iaintheardofu/Tronas/internal/port/source"
)

// EmailSource searches a JSON mailbox export. The file is re-read per
// search, so a refreshed export is picked up without a restart.
type EmailSource struct {
	path string
}

// NewEmailSource creates a source over the given mailbox export file.
func NewEmailSource(path string) *EmailSource {
	return &EmailSource{path: path}
}

type exportedMessage struct {
	Subject    string    `json:"subject"`
	Sender     string    `json:"sender"`
	Recipients []string  `json:"recipients"`
	Mailbox    string    `json:"mailbox"`
	Body       string    `json:"body"`
	SentAt     time.Time `json:"sent_at"`
}

// SearchMessages returns messages matching any filter term in the subject or
// body, restricted by sent date when given. A missing export file yields an
// empty result, not an error.
func (s *EmailSource) SearchMessages(ctx context.Context, filters source.Filters) ([]source.EmailMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path) //nolint:gosec // G304: path comes from config
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read mailbox export: %w", err)
	}

	var exported []exportedMessage
	if err := json.Unmarshal(data, &exported); err != nil {
		return nil, fmt.Errorf("parse mailbox export: %w", err)
	}

	var messages []source.EmailMessage
	for i, m := range exported {
		if !matchMessage(m, filters) {
			continue
		}
		messages = append(messages, source.EmailMessage{
			Ref:        fmt.Sprintf("%s#%d", m.Mailbox, i),
			Subject:    m.Subject,
			Sender:     m.Sender,
			Recipients: m.Recipients,
			Mailbox:    m.Mailbox,
			Body:       m.Body,
			SentAt:     m.SentAt,
		})
	}
	return messages, nil
}

func matchMessage(m exportedMessage, filters source.Filters) bool {
	if filters.DateFrom != nil && m.SentAt.Before(*filters.DateFrom) {
		return false
	}
	if filters.DateTo != nil && m.SentAt.After(*filters.DateTo) {
		return false
	}
	if len(filters.Terms) == 0 {
		return true
	}
	haystack := strings.ToLower(m.Subject + " " + m.Body)
	for _, t := range filters.Terms {
		if strings.Contains(haystack, strings.ToLower(t)) {
			return true
		}
	}
	return false
}

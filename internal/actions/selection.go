package actions

import (
	"errors"
	"fmt"
	"strings"
)

var ErrBadRequest = errors.New("invalid request")

// Item is one (recipient, message) pair of a selection.
type Item struct {
	Recipient string `json:"rcpt"`
	MailID    string `json:"mail_id"`
}

func (i Item) String() string { return i.Recipient + " " + i.MailID }

// ParseSelection reads "rcpt mailid" entries.
func ParseSelection(raw []string) ([]Item, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty selection", ErrBadRequest)
	}
	items := make([]Item, 0, len(raw))
	for _, entry := range raw {
		fields := strings.Fields(entry)
		if len(fields) != 2 {
			return nil, fmt.Errorf("%w: malformed selection entry %q", ErrBadRequest, entry)
		}
		items = append(items, Item{Recipient: fields[0], MailID: fields[1]})
	}
	return items, nil
}

// SingleSelection builds the selection of one message addressed to rcpt.
func SingleSelection(mailID, rcpt string) ([]Item, error) {
	if mailID == "" || rcpt == "" {
		return nil, fmt.Errorf("%w: rcpt and mail id are required", ErrBadRequest)
	}
	return []Item{{Recipient: rcpt, MailID: mailID}}, nil
}

// plural renders "n <one>" or "n <many>" followed by suffix.
func plural(n int, one, many, suffix string) string {
	word := many
	if n == 1 {
		word = one
	}
	return fmt.Sprintf("%d %s %s", n, word, suffix)
}

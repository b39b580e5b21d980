// Package quarantine builds role scoped listings over the amavis
// message-recipient table and reads quarantined message bodies.
package quarantine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"

	"github.com/znz-systems/quarantined/internal/address"
	"github.com/znz-systems/quarantined/internal/models"
	"github.com/znz-systems/quarantined/internal/store"
)

var (
	ErrEmptyQuarantine = errors.New("quarantine is empty")
	ErrPageOutOfRange  = errors.New("page out of range")
	ErrInvalidSortKey  = store.ErrInvalidSortKey
)

// VisibleStatuses are the recipient statuses shown in a regular listing.
var VisibleStatuses = []models.Status{
	models.StatusUnseen, "", models.StatusViewed, models.StatusReleased,
	models.StatusPending, models.StatusSpam, models.StatusHam,
}

const (
	DefaultPageSize = 40
	DefaultOrder    = "-date"
)

type Options struct {
	PageSize     int
	DefaultOrder string
	Normalizer   address.Normalizer
}

type Service struct {
	store store.QuarantineStore
	opts  Options
}

func NewService(s store.QuarantineStore, opts Options) *Service {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.DefaultOrder == "" {
		opts.DefaultOrder = DefaultOrder
	}
	return &Service{store: s, opts: opts}
}

// Listing is one rendered listing response. Pages holds the page numbers
// merged into Rows, in order.
type Listing struct {
	Total int              `json:"total"`
	Pages []int            `json:"pages"`
	Rows  []models.Summary `json:"rows"`
}

// ValidOrder reports whether order is a known sort key, optionally
// prefixed by "-".
func ValidOrder(order string) bool {
	return slices.Contains(store.SortKeys, strings.TrimPrefix(order, "-"))
}

// Filter returns the store filter for q as seen by id.
func (s *Service) Filter(id *models.Identity, q Query) (store.QuarantineFilter, error) {
	f := store.QuarantineFilter{
		Statuses:    VisibleStatuses,
		Pattern:     q.Pattern,
		Criteria:    q.Criteria,
		ContentType: q.MsgType,
		Order:       q.Order,
		Quarantined: true,
	}
	if q.ViewRequests {
		f.Statuses = []models.Status{models.StatusPending}
	}
	if f.Order == "" {
		f.Order = s.opts.DefaultOrder
	}
	if !ValidOrder(f.Order) {
		return f, fmt.Errorf("%w: %q", ErrInvalidSortKey, f.Order)
	}

	switch {
	case id.IsSuperAdmin():
	case id.IsSimpleUser():
		f.Recipients = s.ownAddresses(id)
	default:
		if len(id.Domains) == 0 {
			return f, ErrEmptyQuarantine
		}
		f.ReversedDomains = address.ReverseDomains(id.Domains)
	}
	return f, nil
}

// ownAddresses lists the stored forms under which mail for a simple user
// and its aliases may have been recorded.
func (s *Service) ownAddresses(id *models.Identity) []string {
	raw := append([]string{id.Email}, id.Aliases...)
	out := slices.Clone(raw)
	for _, cand := range s.opts.Normalizer.NormalizeAll(raw, address.Options{}) {
		if !slices.Contains(out, cand) {
			out = append(out, cand)
		}
	}
	return out
}

// List returns the requested listing page. When that page is the last
// one, is not the first and is under-full, the previous page is merged in
// front of it.
func (s *Service) List(ctx context.Context, id *models.Identity, q Query) (*Listing, error) {
	f, err := s.Filter(id, q)
	if err != nil {
		return nil, err
	}
	total, err := s.store.CountQuarantine(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("counting quarantine: %w", err)
	}
	if total == 0 {
		return nil, ErrEmptyQuarantine
	}

	p := Paginator{Total: total, PerPage: s.opts.PageSize}
	number := max(q.Page, 1)
	page, ok := p.GetPage(number)
	if !ok {
		return nil, fmt.Errorf("%w: %d of %d", ErrPageOutOfRange, number, p.LastPage())
	}
	pages := []Page{page}
	if !page.HasNext && page.HasPrevious && page.Items() < s.opts.PageSize {
		prev, _ := p.GetPage(number - 1)
		pages = []Page{prev, page}
	}

	listing := &Listing{Total: total}
	for _, pg := range pages {
		rows, err := s.store.ListQuarantine(ctx, f, pg.Items(), pg.Offset())
		if err != nil {
			return nil, fmt.Errorf("listing quarantine: %w", err)
		}
		listing.Pages = append(listing.Pages, pg.Number)
		listing.Rows = append(listing.Rows, Summaries(rows)...)
	}
	return listing, nil
}

// Summaries converts listing rows, dropping deleted recipients.
func Summaries(rows []models.QuarantineRow) []models.Summary {
	out := make([]models.Summary, 0, len(rows))
	for _, r := range rows {
		if r.Status == models.StatusDeleted {
			continue
		}
		sum := models.Summary{
			From:    r.FromAddr,
			To:      r.Email,
			Subject: r.Subject,
			MailID:  r.MailID,
			Date:    time.Unix(r.TimeNum, 0),
			Type:    r.Content,
			Score:   r.SpamLevel,
			Status:  r.Status,
		}
		switch {
		case r.Status.Unseen():
			sum.Class = "unseen"
		case r.Status == models.StatusPending:
			sum.Class = "pending"
		}
		out = append(out, sum)
	}
	return out
}

// PendingRequestCount returns the number of release requests id may
// act on.
func (s *Service) PendingRequestCount(ctx context.Context, id *models.Identity) (int, error) {
	f := store.QuarantineFilter{Statuses: []models.Status{models.StatusPending}}
	if !id.IsSuperAdmin() {
		if len(id.Domains) == 0 {
			return 0, nil
		}
		f.ReversedDomains = address.ReverseDomains(id.Domains)
	}
	return s.store.CountQuarantine(ctx, f)
}

// DomainsPendingRequests returns the number of pending release requests for
// recipients of domains together with the most recent limit of them. A nil
// domains slice means every domain.
func (s *Service) DomainsPendingRequests(ctx context.Context, domains []string, limit int) (int, []models.Summary, error) {
	f := store.QuarantineFilter{
		Statuses: []models.Status{models.StatusPending},
		Order:    DefaultOrder,
	}
	if domains != nil {
		if len(domains) == 0 {
			return 0, nil, nil
		}
		f.ReversedDomains = address.ReverseDomains(domains)
	}
	total, err := s.store.CountQuarantine(ctx, f)
	if err != nil || total == 0 {
		return 0, nil, err
	}
	rows, err := s.store.ListQuarantine(ctx, f, limit, 0)
	if err != nil {
		return 0, nil, err
	}
	return total, Summaries(rows), nil
}

// MarkViewed flags an unseen message as viewed when rcpt is one of the
// caller's own addresses. It reports whether the status changed.
func (s *Service) MarkViewed(ctx context.Context, id *models.Identity, rcpt, mailID string) (bool, error) {
	if !id.OwnsAddress(rcpt) {
		return false, nil
	}
	r, err := s.store.GetRecipientMessage(ctx, mailID, rcpt)
	if err != nil {
		return false, err
	}
	if !r.Status.Unseen() {
		return false, nil
	}
	if err := s.store.SetRecipientStatus(ctx, mailID, rcpt, models.StatusViewed); err != nil {
		return false, err
	}
	return true, nil
}

// MailContent reassembles the raw quarantined message from its chunks.
func (s *Service) MailContent(ctx context.Context, mailID string) (string, error) {
	chunks, err := s.store.GetMailChunks(ctx, mailID)
	if err != nil {
		return "", err
	}
	if len(chunks) == 0 {
		return "", fmt.Errorf("mail %s: %w", mailID, store.ErrNotFound)
	}
	var buf bytes.Buffer
	for _, c := range chunks {
		buf.Write(c.MailText)
	}
	return DecodeContent(buf.Bytes()), nil
}

var charsetRe = regexp.MustCompile(`(?i)charset\s*=\s*"?([A-Za-z0-9_.:-]+)`)

// DecodeContent returns raw as text. Non UTF-8 content is decoded with the
// first charset it declares, or as ISO-8859-1 when that is unknown.
func DecodeContent(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	var enc encoding.Encoding = charmap.ISO8859_1
	if m := charsetRe.FindSubmatch(raw); m != nil {
		if e, err := ianaindex.MIME.Encoding(string(m[1])); err == nil && e != nil {
			enc = e
		} else {
			slog.Debug("unknown message charset", "charset", string(m[1]))
		}
	}
	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		out, _ = charmap.ISO8859_1.NewDecoder().Bytes(raw)
	}
	return string(out)
}

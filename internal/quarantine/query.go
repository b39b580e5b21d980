package quarantine

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/znz-systems/quarantined/internal/models"
	"github.com/znz-systems/quarantined/internal/store"
)

var ErrBadQuery = errors.New("invalid query")

// Query is the navigation state of a listing request.
type Query struct {
	Pattern      string
	Criteria     []string
	MsgType      models.ContentType
	Order        string
	Page         int
	ViewRequests bool
}

// CriteriaBoth is the shorthand for searching every criterion at once.
const CriteriaBoth = "both"

// ParseCriteria splits a comma separated criteria list. "both" expands to
// every known criterion; unknown names are kept and ignored at query time.
func ParseCriteria(raw string) []string {
	if raw == "" {
		return []string{store.CriterionFrom}
	}
	if raw == CriteriaBoth {
		return []string{store.CriterionFrom, store.CriterionSubject, store.CriterionTo}
	}
	var out []string
	for _, c := range strings.Split(raw, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// ParseQuery reads listing parameters from a request query string. Both
// "order" and "sort_order" are accepted for the sort key.
func ParseQuery(v url.Values) (Query, error) {
	q := Query{
		Pattern:      strings.TrimSpace(v.Get("pattern")),
		Criteria:     ParseCriteria(v.Get("criteria")),
		Order:        v.Get("order"),
		Page:         1,
		ViewRequests: v.Get("viewrequests") == "1",
	}
	if q.Order == "" {
		q.Order = v.Get("sort_order")
	}
	if raw := v.Get("msgtype"); raw != "" {
		ct := models.ContentType(raw)
		if !ct.Valid() {
			return Query{}, fmt.Errorf("%w: unknown message type %q", ErrBadQuery, raw)
		}
		q.MsgType = ct
	}
	if raw := v.Get("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil || page < 1 {
			return Query{}, fmt.Errorf("%w: page %q", ErrBadQuery, raw)
		}
		q.Page = page
	}
	return q, nil
}

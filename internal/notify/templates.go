package notify

import (
	"bytes"
	"html/template"

	"github.com/znz-systems/quarantined/internal/models"
)

var pendingTmpl = template.Must(template.New("pending").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <style>
    body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif; background-color: #f4f4f7; margin: 0; padding: 0; }
    .container { max-width: 680px; margin: 40px auto; background-color: #ffffff; border-radius: 8px; overflow: hidden; box-shadow: 0 2px 8px rgba(0,0,0,0.08); }
    .header { background-color: #1a1a2e; color: #ffffff; padding: 24px 32px; }
    .header h1 { margin: 0; font-size: 20px; font-weight: 600; }
    .body { padding: 32px; color: #333333; line-height: 1.6; }
    table { width: 100%; border-collapse: collapse; font-size: 13px; }
    th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid #eeeeee; }
    .footer { padding: 20px 32px; text-align: center; font-size: 12px; color: #999999; border-top: 1px solid #eeeeee; }
  </style>
</head>
<body>
  <div class="container">
    <div class="header">
      <h1>{{.Total}} pending release request{{if ne .Total 1}}s{{end}}</h1>
    </div>
    <div class="body">
      {{- if .Requests}}
      <table>
        <tr><th>Date</th><th>From</th><th>To</th><th>Subject</th></tr>
        {{- range .Requests}}
        <tr><td>{{.Date.Format "2006-01-02 15:04"}}</td><td>{{.From}}</td><td>{{.To}}</td><td>{{.Subject}}</td></tr>
        {{- end}}
      </table>
      {{- if gt .Total (len .Requests)}}
      <p>{{len .Requests}} most recent requests shown.</p>
      {{- end}}
      {{- end}}
      <p><a href="{{.ListingURL}}">Review the pending requests</a></p>
    </div>
    <div class="footer">
      This notification was sent by the quarantine manager.
    </div>
  </div>
</body>
</html>`))

// PendingRequestsBody renders the HTML notification listing the most recent
// pending release requests.
func PendingRequestsBody(total int, requests []models.Summary, listingURL string) (string, error) {
	var buf bytes.Buffer
	err := pendingTmpl.Execute(&buf, struct {
		Total      int
		Requests   []models.Summary
		ListingURL string
	}{total, requests, listingURL})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

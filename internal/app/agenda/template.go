package agenda

import (
	"errors"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidTemplate marks a caller-supplied template that failed to
// parse or execute. A bad override must not kill a scheduled run, so
// dispatch falls back to the default template; preview surfaces it.
var ErrInvalidTemplate = errors.New("invalid digest template")

// DigestData is the model both the default and caller-supplied
// templates render against.
type DigestData struct {
	FullName    string
	Date        string
	Timezone    string
	Commitments []DigestCommitment
}

type DigestCommitment struct {
	Title         string
	When          string
	Location      string
	ProcessNumber string
	ClientName    string
}

const defaultDigestTemplate = `<!DOCTYPE html>
<html>
<body style="margin:0;padding:0;background:#f4f5f7;font-family:Arial,Helvetica,sans-serif;">
  <div style="max-width:600px;margin:0 auto;padding:24px;">
    <div style="background:#1a2b4a;color:#ffffff;padding:20px 24px;border-radius:8px 8px 0 0;">
      <h1 style="margin:0;font-size:20px;">Your agenda for {{.Date}}</h1>
    </div>
    <div style="background:#ffffff;padding:24px;border-radius:0 0 8px 8px;">
      <p style="margin-top:0;">Hello {{.FullName}},</p>
      <p>You have {{len .Commitments}} pending commitment(s) in the next 24 hours:</p>
      {{range .Commitments}}
      <div style="border-left:4px solid #1a2b4a;background:#f8f9fb;padding:12px 16px;margin:12px 0;">
        <p style="margin:0;font-weight:bold;">{{.Title}}</p>
        <p style="margin:4px 0 0;color:#444;">{{.When}}</p>
        {{if .Location}}<p style="margin:4px 0 0;color:#444;">Location: {{.Location}}</p>{{end}}
        {{if .ProcessNumber}}<p style="margin:4px 0 0;color:#444;">Case: {{.ProcessNumber}}</p>{{end}}
        {{if .ClientName}}<p style="margin:4px 0 0;color:#444;">Client: {{.ClientName}}</p>{{end}}
      </div>
      {{end}}
      <p style="color:#888;font-size:12px;margin-bottom:0;">Times shown in {{.Timezone}}. You receive this digest because agenda notifications are enabled in your profile.</p>
    </div>
  </div>
</body>
</html>`

var defaultTemplate = template.Must(template.New("digest").Parse(defaultDigestTemplate))

// RenderDigest renders the digest body. An empty src selects the
// default template; a non-empty src is parsed at runtime so operators
// can try template changes without a deploy.
func RenderDigest(src string, data DigestData) (string, error) {
	tmpl := defaultTemplate
	if strings.TrimSpace(src) != "" {
		parsed, err := template.New("digest").Parse(src)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
		}
		tmpl = parsed
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	return sb.String(), nil
}

// BuildDigestData formats a user's commitments in their resolved zone.
func BuildDigestData(fullName string, commitments []Commitment, loc *time.Location, now time.Time) DigestData {
	data := DigestData{
		FullName: fullName,
		Date:     now.In(loc).Format("Monday, 02 Jan 2006"),
		Timezone: loc.String(),
	}
	if data.FullName == "" {
		data.FullName = "Counselor"
	}
	for _, c := range commitments {
		data.Commitments = append(data.Commitments, DigestCommitment{
			Title:         c.Title,
			When:          c.Date.In(loc).Format("Mon, 02 Jan 2006 15:04"),
			Location:      c.Location,
			ProcessNumber: c.ProcessNumber,
			ClientName:    c.ClientName,
		})
	}
	return data
}

// SampleCommitments fabricates plausible data for preview and for test
// dispatches that have no real commitments to show.
func SampleCommitments(now time.Time) []Commitment {
	return []Commitment{
		{
			ID:            uuid.NewString(),
			UserID:        uuid.NewString(),
			Title:         "Hearing - preliminary conciliation",
			Date:          now.Add(3 * time.Hour),
			Location:      "2nd Civil Court, Room 104",
			ProcessNumber: "0012345-67.2026.8.26.0100",
			ClientName:    "M. Andrade",
			Status:        StatusPending,
		},
		{
			ID:            uuid.NewString(),
			UserID:        uuid.NewString(),
			Title:         "Filing deadline - appeal brief",
			Date:          now.Add(20 * time.Hour),
			ProcessNumber: "0098765-43.2026.8.26.0224",
			ClientName:    "R. Costa",
			Status:        StatusPending,
		},
	}
}

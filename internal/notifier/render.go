package notifier

import (
	"bytes"
	htmltemplate "html/template"
	"strings"
	"text/template"
	"time"

	"github.com/dustin/go-humanize"

	"govwatch/internal/domain"
)

// ProtocolInfo names a protocol in rendered digests.
type ProtocolInfo struct {
	DisplayName  string
	ProposalKind string
}

type digest struct {
	Badge       string
	Headline    string
	Label       string
	Title       string
	URL         string
	Severity    domain.Severity
	Breaking    bool
	Summary     string
	Author      string
	Age         string
	DetectedAt  string
	Provisional bool
}

const textDigest = `{{.Badge}} {{.Headline}}
{{if .Title}}Title: {{.Title}}
{{end}}Severity: {{.Severity}}{{if .Breaking}} (breaking change){{end}}{{if .Provisional}} (provisional){{end}}
{{if .Summary}}Summary: {{.Summary}}
{{end}}{{if .Age}}Created: {{.Age}}{{if .Author}} by {{.Author}}{{end}}
{{end}}{{if .URL}}Link: {{.URL}}
{{end}}Detected: {{.DetectedAt}}
`

const htmlDigest = `<html><body>
<h3>{{.Badge}} {{.Headline}}</h3>
{{if .Title}}<p><b>{{if .URL}}<a href="{{.URL}}">{{.Title}}</a>{{else}}{{.Title}}{{end}}</b></p>{{end}}
<p>Severity: <b>{{.Severity}}</b>{{if .Breaking}} &middot; breaking change{{end}}{{if .Provisional}} &middot; provisional{{end}}</p>
{{if .Summary}}<p>{{.Summary}}</p>{{end}}
{{if .Age}}<p>Created {{.Age}}{{if .Author}} by {{.Author}}{{end}}</p>{{end}}
<p><small>Detected {{.DetectedAt}}</small></p>
</body></html>
`

const markdownDigest = `{{.Badge}} *{{.Headline}}*
{{if .Title}}{{if .URL}}<{{.URL}}|{{.Title}}>{{else}}{{.Title}}{{end}}
{{end}}Severity: *{{.Severity}}*{{if .Breaking}} · breaking change{{end}}{{if .Provisional}} · provisional{{end}}
{{if .Summary}}> {{.Summary}}
{{end}}{{if .Age}}_Created {{.Age}}{{if .Author}} by {{.Author}}{{end}}_
{{end}}`

var (
	textTmpl     = template.Must(template.New("text").Parse(textDigest))
	markdownTmpl = template.Must(template.New("markdown").Parse(markdownDigest))
	htmlTmpl     = htmltemplate.Must(htmltemplate.New("html").Parse(htmlDigest))
)

func badge(s domain.Severity) string {
	switch s {
	case domain.SeverityCritical:
		return "🚨"
	case domain.SeverityHigh:
		return "⚠️"
	case domain.SeverityMedium:
		return "🔔"
	default:
		return "ℹ️"
	}
}

// Label formats a proposal id with its kind, e.g. "EIP-7702". Ids that
// already carry a prefix ("BEP-20") are left alone.
func Label(kind, id string) string {
	if kind == "" || strings.ContainsAny(id, "-_ ") || !startsWithDigit(id) {
		return id
	}
	return kind + "-" + id
}

func startsWithDigit(s string) bool {
	return s != "" && s[0] >= '0' && s[0] <= '9'
}

// Render builds the digest for one change. rec may be the zero value.
func Render(ev domain.ChangeEvent, a domain.ImpactAssessment, rec domain.ProposalRecord, info ProtocolInfo, loc *time.Location, now time.Time) domain.Payload {
	if loc == nil {
		loc = time.UTC
	}
	name := info.DisplayName
	if name == "" {
		name = ev.Protocol
	}
	label := Label(info.ProposalKind, ev.ProposalID)

	var headline string
	switch ev.Kind {
	case domain.ChangeNew:
		headline = "New " + name + " proposal " + label + " (" + string(ev.NewStatus) + ")"
	case domain.ChangeStatusChanged:
		headline = name + " " + label + ": " + string(ev.PreviousStatus) + " → " + string(ev.NewStatus)
	default:
		headline = name + " " + label + " updated (" + string(ev.NewStatus) + ")"
	}

	d := digest{
		Badge:       badge(a.Severity),
		Headline:    headline,
		Label:       label,
		Title:       firstNonEmpty(ev.Title, rec.Title),
		URL:         firstNonEmpty(ev.URL, rec.URL),
		Severity:    a.Severity,
		Breaking:    a.BreakingChange,
		Summary:     a.Summary,
		Author:      rec.Author,
		DetectedAt:  ev.DetectedAt.In(loc).Format("2006-01-02 15:04 MST"),
		Provisional: a.Placeholder,
	}
	if !rec.CreatedAt.IsZero() {
		d.Age = humanize.RelTime(rec.CreatedAt, now, "ago", "from now")
	}

	return domain.Payload{
		Subject:  "[" + string(a.Severity) + "] " + headline,
		Text:     execText(textTmpl, d),
		HTML:     execHTML(d),
		Markdown: execText(markdownTmpl, d),
	}
}

func execText(t *template.Template, d digest) string {
	var b bytes.Buffer
	if err := t.Execute(&b, d); err != nil {
		return d.Headline
	}
	return strings.TrimSpace(b.String())
}

func execHTML(d digest) string {
	var b bytes.Buffer
	if err := htmlTmpl.Execute(&b, d); err != nil {
		return ""
	}
	return b.String()
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

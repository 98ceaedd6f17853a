package notifications

import (
	"bytes"
	"embed"
	"fmt"
	"html"
	"strings"
	"text/template"
	"time"

	"github.com/bissquit/medication-reminders/internal/domain"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Renderer renders notification candidates from templates.
type Renderer struct {
	templates map[string]*template.Template
	funcMap   template.FuncMap
}

// templateData is what every template is executed with.
type templateData struct {
	Kind    domain.NotificationKind
	Payload domain.NotificationPayload
	Slot    time.Time
}

// NewRenderer creates a new renderer and loads all templates.
func NewRenderer() (*Renderer, error) {
	funcMap := template.FuncMap{
		"title":      titleCase,
		"escapeHTML": html.EscapeString,
		"percent":    percent,
		"formatDate": formatDate,
		"kindEmoji":  kindEmoji,
	}

	r := &Renderer{
		templates: make(map[string]*template.Template),
		funcMap:   funcMap,
	}

	channelTypes := []domain.ChannelType{domain.ChannelTypeTelegram, domain.ChannelTypeMattermost}
	for _, channel := range channelTypes {
		for _, kind := range domain.AllKinds() {
			name := templateName(channel, kind)
			filename := fmt.Sprintf("templates/%s.tmpl", name)

			content, err := templatesFS.ReadFile(filename)
			if err != nil {
				return nil, fmt.Errorf("read template %s: %w", filename, err)
			}

			tmpl, err := template.New(name).Funcs(funcMap).Parse(string(content))
			if err != nil {
				return nil, fmt.Errorf("parse template %s: %w", name, err)
			}

			r.templates[name] = tmpl
		}
	}

	return r, nil
}

func templateName(channel domain.ChannelType, kind domain.NotificationKind) string {
	return fmt.Sprintf("%s_%s", channel, kind)
}

// Render renders a candidate for the specified channel type.
// Returns subject and body.
func (r *Renderer) Render(channelType domain.ChannelType, candidate domain.NotificationCandidate) (subject, body string, err error) {
	name := templateName(channelType, candidate.Kind)
	tmpl, ok := r.templates[name]
	if !ok {
		return "", "", fmt.Errorf("template not found: %s", name)
	}

	data := templateData{
		Kind:    candidate.Kind,
		Payload: candidate.Payload,
		Slot:    candidate.Slot,
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("execute template %s: %w", name, err)
	}

	return renderSubject(candidate), strings.TrimSpace(buf.String()), nil
}

func renderSubject(candidate domain.NotificationCandidate) string {
	p := candidate.Payload
	switch candidate.Kind {
	case domain.KindDoseReminder:
		return fmt.Sprintf("Time for %s", p.MedicineName)
	case domain.KindSoftReminder:
		return fmt.Sprintf("Reminder: %s", p.MedicineName)
	case domain.KindStockAlert:
		return "Running low on medicine"
	case domain.KindDailyDigest:
		return "Today's doses"
	case domain.KindAdherenceReport:
		return fmt.Sprintf("Weekly report %s", p.PeriodLabel)
	case domain.KindTitrationAlert:
		return fmt.Sprintf("Dosage change for %s", p.MedicineName)
	case domain.KindMonthlyReport:
		return fmt.Sprintf("Monthly report %s", p.PeriodLabel)
	default:
		return "Notification"
	}
}

// Template functions

var titleCaser = cases.Title(language.English)

func titleCase(s string) string {
	return titleCaser.String(s)
}

func percent(a *domain.Adherence) string {
	if a == nil || a.Scheduled == 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.0f%%", a.Rate())
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("Mon, Jan 2")
}

func kindEmoji(kind domain.NotificationKind) string {
	switch kind {
	case domain.KindDoseReminder, domain.KindSoftReminder:
		return "💊"
	case domain.KindStockAlert:
		return "📦"
	case domain.KindDailyDigest:
		return "📋"
	case domain.KindAdherenceReport, domain.KindMonthlyReport:
		return "📈"
	case domain.KindTitrationAlert:
		return "🔁"
	default:
		return "🔔"
	}
}

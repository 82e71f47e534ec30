package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/wolfman30/saathi-ai-platform/internal/crisis"
	"github.com/wolfman30/saathi-ai-platform/internal/observability/metrics"
	"github.com/wolfman30/saathi-ai-platform/pkg/logging"
)

// CounselorAlerter emails on-call counselors when a session escalates.
type CounselorAlerter struct {
	email        EmailSender
	recipients   []string
	dashboardURL string
	metrics      *metrics.PipelineMetrics
	logger       *logging.Logger
}

type AlerterOption func(*CounselorAlerter)

// WithDashboardURL adds a link to the counselor dashboard in every alert.
func WithDashboardURL(url string) AlerterOption {
	return func(a *CounselorAlerter) { a.dashboardURL = strings.TrimRight(url, "/") }
}

func WithAlertMetrics(m *metrics.PipelineMetrics) AlerterOption {
	return func(a *CounselorAlerter) { a.metrics = m }
}

// NewCounselorAlerter accepts a comma-separated recipient list. A nil sender
// falls back to the stub.
func NewCounselorAlerter(email EmailSender, recipients string, logger *logging.Logger, opts ...AlerterOption) *CounselorAlerter {
	if logger == nil {
		logger = logging.Default()
	}
	if email == nil {
		email = NewStubEmailSender(logger)
	}
	a := &CounselorAlerter{email: email, recipients: splitRecipients(recipients), logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func splitRecipients(raw string) []string {
	var out []string
	for _, r := range strings.Split(raw, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// AlertCrisis notifies every recipient about evt. The user's message text is
// never included.
func (a *CounselorAlerter) AlertCrisis(ctx context.Context, evt *crisis.Event) error {
	if evt == nil {
		return errors.New("notify: crisis event cannot be nil")
	}
	if len(a.recipients) == 0 {
		a.logger.Warn("notify: no counselor recipients configured, skipping alert", "event_id", evt.ID)
		a.metrics.ObserveCounselorAlert("skipped")
		return nil
	}

	msg := a.render(evt)
	var errs []error
	for _, to := range a.recipients {
		msg.To = to
		if err := a.email.Send(ctx, msg); err != nil {
			a.logger.Error("notify: failed to send counselor alert", "error", err, "to", to, "event_id", evt.ID)
			errs = append(errs, err)
			continue
		}
		a.logger.Info("notify: counselor alert sent", "to", to, "event_id", evt.ID, "risk_level", evt.RiskLevel.String())
	}
	if len(errs) > 0 {
		a.metrics.ObserveCounselorAlert("failed")
		return fmt.Errorf("notify: %d of %d counselor alert(s) failed: %w", len(errs), len(a.recipients), errors.Join(errs...))
	}
	a.metrics.ObserveCounselorAlert("sent")
	return nil
}

func (a *CounselorAlerter) render(evt *crisis.Event) EmailMessage {
	level := strings.ToUpper(evt.RiskLevel.String())
	reasons := make([]string, 0, len(evt.Reasons))
	for _, r := range evt.Reasons {
		reasons = append(reasons, strings.ReplaceAll(string(r), "_", " "))
	}
	reasonText := strings.Join(reasons, ", ")
	if reasonText == "" {
		reasonText = "unspecified"
	}
	triggered := evt.TriggeredAt.UTC().Format("2006-01-02 15:04 MST")
	link := ""
	if a.dashboardURL != "" {
		link = fmt.Sprintf("%s/crisis-events/%s", a.dashboardURL, evt.ID)
	}

	var body strings.Builder
	fmt.Fprintf(&body, "A Saathi session escalated to %s risk.\n\n", level)
	fmt.Fprintf(&body, "Event: %s\nSession: %s\nTriggered: %s\nSignals: %s\n", evt.ID, evt.SessionID, triggered, reasonText)
	fmt.Fprintf(&body, "Resources offered: %d\n", len(evt.ResourcesOffered))
	if link != "" {
		fmt.Fprintf(&body, "\nReview and resolve: %s\n", link)
	}
	body.WriteString("\nThe session stays in crisis mode until a counselor resolves this event.")

	var page strings.Builder
	page.WriteString(`<div style="font-family: sans-serif; max-width: 600px;">`)
	fmt.Fprintf(&page, `<h2 style="color: #b91c1c;">%s risk session</h2>`, html.EscapeString(level))
	page.WriteString(`<table style="border-collapse: collapse; margin: 20px 0;">`)
	for _, row := range [][2]string{
		{"Event", evt.ID},
		{"Session", evt.SessionID},
		{"Triggered", triggered},
		{"Signals", reasonText},
	} {
		fmt.Fprintf(&page, `<tr><td style="padding: 8px;"><strong>%s:</strong></td><td style="padding: 8px;">%s</td></tr>`,
			row[0], html.EscapeString(row[1]))
	}
	page.WriteString(`</table>`)
	if link != "" {
		fmt.Fprintf(&page, `<p><a href="%s">Review and resolve</a></p>`, html.EscapeString(link))
	}
	page.WriteString(`<p style="color: #6b7280; font-size: 12px;">The session stays in crisis mode until a counselor resolves this event.</p></div>`)

	return EmailMessage{
		ToName:  "Counselor on call",
		Subject: fmt.Sprintf("[Saathi] %s risk session needs review", level),
		Body:    body.String(),
		HTML:    page.String(),
	}
}

// NewEmailSender picks a provider: "sendgrid", "ses", "stub", or "auto" which
// prefers SendGrid, then SES, then the stub.
func NewEmailSender(provider string, sendgridCfg SendGridConfig, sesClient sesAPI, sesCfg SESConfig, logger *logging.Logger) EmailSender {
	sg := NewSendGridSender(sendgridCfg, logger)
	ses := NewSESSender(sesClient, sesCfg, logger)
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "sendgrid":
		if sg != nil {
			return sg
		}
	case "ses":
		if ses != nil {
			return ses
		}
	case "stub":
	default:
		if sg != nil {
			return sg
		}
		if ses != nil {
			return ses
		}
	}
	return NewStubEmailSender(logger)
}

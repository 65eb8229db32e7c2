package mail

import (
	"fmt"
	"html"
	"strings"
	"time"
)

// Original is the part of a stored message quoted by a forward.
type Original struct {
	From     []string
	To       []string
	Cc       []string
	Subject  string
	Date     time.Time
	TextBody string
	HTMLBody string
}

// ForwardSubject prefixes subject with "Fwd:" unless already present.
func ForwardSubject(subject string) string {
	trimmed := strings.TrimSpace(subject)
	if strings.HasPrefix(strings.ToLower(trimmed), "fwd:") {
		return trimmed
	}
	return "Fwd: " + trimmed
}

// ForwardText renders the plain-text body of a forwarded message.
func ForwardText(o Original) string {
	var b strings.Builder
	b.WriteString("---------- Forwarded message ---------\n")
	fmt.Fprintf(&b, "From: %s\n", strings.Join(o.From, ", "))
	fmt.Fprintf(&b, "Date: %s\n", o.Date.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Subject: %s\n", o.Subject)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(o.To, ", "))
	if len(o.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", strings.Join(o.Cc, ", "))
	}
	b.WriteString("\n")
	b.WriteString(o.TextBody)
	return b.String()
}

// ForwardHTML renders the HTML body of a forwarded message, or "" when the
// original has no HTML part.
func ForwardHTML(o Original) string {
	if strings.TrimSpace(o.HTMLBody) == "" {
		return ""
	}
	return fmt.Sprintf(`<div class="forwarded">
  <p>---------- Forwarded message ---------<br>
  <strong>From:</strong> %s<br>
  <strong>Date:</strong> %s<br>
  <strong>Subject:</strong> %s<br>
  <strong>To:</strong> %s</p>
  <blockquote>%s</blockquote>
</div>`,
		html.EscapeString(strings.Join(o.From, ", ")),
		html.EscapeString(o.Date.Format(time.RFC1123Z)),
		html.EscapeString(o.Subject),
		html.EscapeString(strings.Join(o.To, ", ")),
		o.HTMLBody,
	)
}

package notify

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

// EmailSender sends plain-text mail through Sendgrid. With an empty API key
// it logs instead of sending, for dev.
type EmailSender struct {
	key  string
	from *sgmail.Email
}

// NewEmailSender creates a sender.
func NewEmailSender(apiKey, fromName, fromAddr string) *EmailSender {
	return &EmailSender{
		key:  apiKey,
		from: sgmail.NewEmail(fromName, fromAddr),
	}
}

// Send delivers one message to the given recipients.
func (s *EmailSender) Send(_ context.Context, to []string, subject, body string) error {
	if len(to) == 0 {
		return fmt.Errorf("email: no recipients")
	}
	if s.key == "" {
		log.Printf("email: sendgrid not configured, would send %q to %v", subject, to)
		return nil
	}

	p := sgmail.NewPersonalization()
	p.Subject = subject
	for _, addr := range to {
		p.AddTos(sgmail.NewEmail("", addr))
	}

	m := sgmail.NewV3Mail()
	m.SetFrom(s.from)
	m.AddPersonalizations(p)
	m.AddContent(sgmail.NewContent("text/plain", body))

	req := sendgrid.GetRequest(s.key, "/v3/mail/send", "https://api.sendgrid.com")
	req.Method = http.MethodPost
	req.Body = sgmail.GetRequestBody(m)

	res, err := sendgrid.API(req)
	if err != nil {
		return fmt.Errorf("email: send failed: %w", err)
	}
	if res.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("email: send failed (%d): %s", res.StatusCode, res.Body)
	}
	return nil
}

package notify

import (
	"context"
	"encoding/json"

	"github.com/lord-joeh/course-rep-management-system-sub000/internal/queue"
)

// Job type tags for notification work.
const (
	JobTypeEmail = "sendEmail"
	JobTypeSMS   = "sendSMS"
)

// EmailPayload is the queued form of an email send.
type EmailPayload struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

// SMSPayload is the queued form of an SMS send.
type SMSPayload struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

// EmailHandler returns the dispatcher handler for JobTypeEmail.
func EmailHandler(sender *EmailSender) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var p EmailPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return queue.Unrecoverable("bad email payload: %v", err)
		}
		if len(p.To) == 0 {
			return queue.Unrecoverable("email recipient required")
		}
		return sender.Send(ctx, p.To, p.Subject, p.Body)
	}
}

// SMSHandler returns the dispatcher handler for JobTypeSMS.
func SMSHandler(client *SMSClient) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var p SMSPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return queue.Unrecoverable("bad sms payload: %v", err)
		}
		if p.To == "" || p.Message == "" {
			return queue.Unrecoverable("sms recipient and message required")
		}
		return client.Send(ctx, p.To, p.Message)
	}
}

package notifications

// EmailSender delivers a plain-text message.
type EmailSender interface {
	SendEmail(to, subject, body string) error
}

type nopSender struct{}

// NopSender drops every message.
var NopSender EmailSender = &nopSender{}

func (n *nopSender) SendEmail(to, subject, body string) error {
	return nil
}

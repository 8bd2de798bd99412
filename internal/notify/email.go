package notify

import (
	"context"
	"coursewatch/internal/components/assert"
	"coursewatch/internal/components/telemetry"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/jordan-wright/email"
)

type SmtpConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`
}

// Email mails messages to users, a user id is their email address.
type Email struct {
	config SmtpConfig
	tel    telemetry.API
	// send is replaced in tests.
	send func(mail *email.Email, addr string, auth smtp.Auth) error
}

func NewEmail(config SmtpConfig, tel telemetry.API) *Email {
	assert.NotEmptyStr(config.Host, "config.Host")
	assert.NotNil(tel, "tel")

	if config.Port == 0 {
		config.Port = 587
	}
	if config.From == "" {
		config.From = config.Username
	}

	return &Email{
		config: config,
		tel:    telemetry.NewScopedAPI("notify", tel),
		send: func(mail *email.Email, addr string, auth smtp.Auth) error {
			return mail.Send(addr, auth)
		},
	}
}

func (e *Email) SendDirectMessage(ctx context.Context, userId, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	mail := email.NewEmail()
	mail.From = fmt.Sprintf("Course Watch <%s>", e.config.From)
	mail.To = []string{userId}
	mail.Subject = "Course seats available"
	mail.Text = []byte(text)

	addr := fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
	var auth smtp.Auth
	if e.config.Username != "" {
		auth = smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.Host)
	}

	err := e.send(mail, addr, auth)
	if err != nil && auth != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = e.send(mail, addr, nil)
	}
	if err != nil {
		return fmt.Errorf("send email to %s: %w", userId, err)
	}
	return nil
}

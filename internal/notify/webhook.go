package notify

import (
	"context"
	"coursewatch/internal/components/assert"
	"coursewatch/internal/components/telemetry"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const report_webhook_send = "webhook.send-direct-message"

type allowedMentions struct {
	Users []string `json:"users"`
}

type webhookMessage struct {
	Content         string          `json:"content"`
	AllowedMentions allowedMentions `json:"allowed_mentions"`
}

// Webhook posts messages to a Discord-compatible webhook, mentioning the user so
// only they are pinged.
type Webhook struct {
	url  string
	http *resty.Client
	tel  telemetry.API
}

func NewWebhook(url string, tel telemetry.API) *Webhook {
	assert.NotEmptyStr(url, "url")
	assert.NotNil(tel, "tel")

	tel = telemetry.NewScopedAPI("notify", tel)

	client := resty.New()
	client.SetTimeout(time.Second * 30)
	telemetry.InstrumentResty(client, tel)

	return &Webhook{
		url:  url,
		http: client,
		tel:  tel,
	}
}

func (w *Webhook) SendDirectMessage(ctx context.Context, userId, text string) error {
	res, err := w.http.R().
		SetContext(ctx).
		SetBody(webhookMessage{
			Content:         fmt.Sprintf("<@%s> %s", userId, text),
			AllowedMentions: allowedMentions{Users: []string{userId}},
		}).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("send webhook message: %w", err)
	}
	if !res.IsSuccess() {
		err = fmt.Errorf("send webhook message: unexpected status %s", res.Status())
		w.tel.ReportBroken(report_webhook_send, err, res.String())
		return err
	}
	return nil
}

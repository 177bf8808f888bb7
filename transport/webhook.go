package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	paygate "github.com/agentpay/paygate"
)

// Envelope types delivered to payer callbacks.
const (
	EnvelopePaymentRequest  = "payment_request"
	EnvelopeCompletePayment = "complete_payment"
	EnvelopeRejectPayment   = "reject_payment"
	EnvelopeCancelPayment   = "cancel_payment"
	EnvelopeText            = "text"
	EnvelopeResource        = "resource"
)

// Envelope is one outbound message posted to a payer's callback URL.
type Envelope struct {
	Type      string      `json:"type"`
	Recipient string      `json:"recipient"`
	Payload   interface{} `json:"payload"`
}

// CallbackResolver maps a recipient id to its callback URL.
type CallbackResolver func(recipient string) (string, error)

// FixedCallback sends every recipient's messages to one URL. Useful
// when a chat bridge in front of the gate does the fan-out.
func FixedCallback(url string) CallbackResolver {
	return func(string) (string, error) { return url, nil }
}

// WebhookOutbox delivers gate messages to payers as JSON webhooks. It
// implements paygate.Outbox.
type WebhookOutbox struct {
	resolve CallbackResolver
	client  *http.Client
	log     *logrus.Entry
}

// NewWebhookOutbox creates an outbox. A nil client gets a 15s timeout
// default.
func NewWebhookOutbox(resolve CallbackResolver, client *http.Client, log *logrus.Entry) *WebhookOutbox {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &WebhookOutbox{
		resolve: resolve,
		client:  client,
		log:     log.WithField("component", "webhook_outbox"),
	}
}

func (o *WebhookOutbox) SendPaymentRequest(ctx context.Context, recipient string, req paygate.PaymentRequest) error {
	return o.post(ctx, recipient, EnvelopePaymentRequest, req)
}

func (o *WebhookOutbox) SendComplete(ctx context.Context, recipient string, msg paygate.CompletePayment) error {
	return o.post(ctx, recipient, EnvelopeCompletePayment, msg)
}

func (o *WebhookOutbox) SendReject(ctx context.Context, recipient string, msg paygate.RejectPayment) error {
	return o.post(ctx, recipient, EnvelopeRejectPayment, msg)
}

func (o *WebhookOutbox) SendCancel(ctx context.Context, recipient string, msg paygate.CancelPayment) error {
	return o.post(ctx, recipient, EnvelopeCancelPayment, msg)
}

func (o *WebhookOutbox) SendText(ctx context.Context, recipient string, text string) error {
	return o.post(ctx, recipient, EnvelopeText, map[string]string{"text": text})
}

func (o *WebhookOutbox) SendResource(ctx context.Context, recipient string, uri string, mimeType string) error {
	return o.post(ctx, recipient, EnvelopeResource, map[string]string{
		"uri":       uri,
		"mime_type": mimeType,
	})
}

func (o *WebhookOutbox) post(ctx context.Context, recipient, kind string, payload interface{}) error {
	url, err := o.resolve(recipient)
	if err != nil {
		return fmt.Errorf("resolve callback for %s: %w", recipient, err)
	}
	body, err := json.Marshal(Envelope{Type: kind, Recipient: recipient, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", kind, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", kind, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s to %s: %w", kind, recipient, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post %s to %s: status %d", kind, recipient, resp.StatusCode)
	}
	o.log.WithFields(logrus.Fields{
		"type":      kind,
		"recipient": recipient,
	}).Debug("outbound message delivered")
	return nil
}

var _ paygate.Outbox = (*WebhookOutbox)(nil)

package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	paygate "github.com/agentpay/paygate"
)

func newTestOutbox(t *testing.T, handler http.HandlerFunc) (*WebhookOutbox, *[]Envelope) {
	t.Helper()
	var received []Envelope
	if handler == nil {
		handler = func(w http.ResponseWriter, r *http.Request) {
			var env Envelope
			require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
			received = append(received, env)
			w.WriteHeader(http.StatusOK)
		}
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewWebhookOutbox(FixedCallback(server.URL), nil, logrus.NewEntry(log)), &received
}

func TestWebhookOutbox_SendPaymentRequest(t *testing.T) {
	outbox, received := newTestOutbox(t, nil)

	err := outbox.SendPaymentRequest(context.Background(), "alice", paygate.PaymentRequest{
		Reference: "ref-1",
		Recipient: "0xseller",
		AcceptedFunds: []paygate.Funds{
			{Currency: "FET", Amount: "0.1", PaymentMethod: paygate.MethodFetDirect},
		},
	})
	require.NoError(t, err)

	require.Len(t, *received, 1)
	env := (*received)[0]
	assert.Equal(t, EnvelopePaymentRequest, env.Type)
	assert.Equal(t, "alice", env.Recipient)
}

func TestWebhookOutbox_SendResource(t *testing.T) {
	outbox, received := newTestOutbox(t, nil)

	err := outbox.SendResource(context.Background(), "alice", "agent-storage://host/abc", "image/png")
	require.NoError(t, err)

	require.Len(t, *received, 1)
	payload, ok := (*received)[0].Payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "agent-storage://host/abc", payload["uri"])
	assert.Equal(t, "image/png", payload["mime_type"])
}

func TestWebhookOutbox_Non2xxIsError(t *testing.T) {
	outbox, _ := newTestOutbox(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	})

	err := outbox.SendText(context.Background(), "alice", "hello")
	require.Error(t, err)
}

func TestWebhookOutbox_ResolverFailure(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	outbox := NewWebhookOutbox(func(string) (string, error) {
		return "", assert.AnError
	}, nil, logrus.NewEntry(log))

	err := outbox.SendText(context.Background(), "alice", "hello")
	require.Error(t, err)
}

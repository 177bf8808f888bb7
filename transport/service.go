// Package transport exposes the payment gate over HTTP. The core
// Service is framework-agnostic; thin echo and gin adapters mount it.
//
// Inbound messages are acknowledged immediately and processed off the
// request path. The ack is idempotent per msg_id so a payer retrying a
// delivery does not trigger the paid work twice at the transport layer.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	paygate "github.com/agentpay/paygate"
)

// ErrBadRequest marks malformed inbound payloads. Adapters map it to a
// 400 response.
var ErrBadRequest = errors.New("bad request")

// Handler is the application side of the transport. *gate.Gate
// satisfies it.
type Handler interface {
	HandleChat(ctx context.Context, msg paygate.ChatMessage) error
	HandleCommit(ctx context.Context, sender, sessionID string, commit paygate.CommitPayment) error
	HandleReject(ctx context.Context, sender, sessionID string, rej paygate.RejectPayment) error
}

// ChatRequest is an inbound chat message.
type ChatRequest struct {
	SenderID  string `json:"sender_id"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	MsgID     string `json:"msg_id"`
}

// CommitRequest is an inbound payment commit.
type CommitRequest struct {
	SenderID  string                `json:"sender_id"`
	SessionID string                `json:"session_id"`
	MsgID     string                `json:"msg_id"`
	Commit    paygate.CommitPayment `json:"commit"`
}

// RejectRequest is an inbound payment rejection from the payer.
type RejectRequest struct {
	SenderID  string                `json:"sender_id"`
	SessionID string                `json:"session_id"`
	MsgID     string                `json:"msg_id"`
	Reject    paygate.RejectPayment `json:"reject"`
}

// Ack is the immediate response to any inbound message.
type Ack struct {
	Acknowledged bool   `json:"acknowledged"`
	MsgID        string `json:"msg_id"`
}

// Config configures the transport service.
type Config struct {
	// AckWindow is how long a msg_id stays acknowledged-and-dropped.
	// Zero means 10 minutes.
	AckWindow time.Duration
	// WorkTimeout bounds the detached processing of one message. Zero
	// means 2 minutes.
	WorkTimeout time.Duration
}

// Service accepts inbound messages, acks them, and hands them to the
// application handler on a detached context.
type Service struct {
	handler Handler
	acks    *ackCache
	log     *logrus.Entry
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewService creates a transport service around a handler.
func NewService(handler Handler, cfg Config, log *logrus.Entry) *Service {
	if cfg.AckWindow == 0 {
		cfg.AckWindow = 10 * time.Minute
	}
	if cfg.WorkTimeout == 0 {
		cfg.WorkTimeout = 2 * time.Minute
	}
	return &Service{
		handler: handler,
		acks:    newAckCache(cfg.AckWindow),
		log:     log.WithField("component", "transport"),
		timeout: cfg.WorkTimeout,
	}
}

// Chat acks an inbound chat message and processes it off the request
// path. A replayed msg_id is acked again but not reprocessed.
func (s *Service) Chat(ctx context.Context, req ChatRequest) (Ack, error) {
	if err := validateEnvelope(req.SenderID, req.SessionID, req.MsgID); err != nil {
		return Ack{}, err
	}
	if !s.acks.mark(req.MsgID) {
		return Ack{Acknowledged: true, MsgID: req.MsgID}, nil
	}
	msg := paygate.ChatMessage{
		SenderID:  req.SenderID,
		SessionID: req.SessionID,
		Text:      req.Text,
		MsgID:     req.MsgID,
	}
	s.dispatch("chat", req.MsgID, func(ctx context.Context) error {
		return s.handler.HandleChat(ctx, msg)
	})
	return Ack{Acknowledged: true, MsgID: req.MsgID}, nil
}

// Commit acks an inbound payment commit and verifies it off the
// request path.
func (s *Service) Commit(ctx context.Context, req CommitRequest) (Ack, error) {
	if err := validateEnvelope(req.SenderID, req.SessionID, req.MsgID); err != nil {
		return Ack{}, err
	}
	if req.Commit.TransactionID == "" {
		return Ack{}, fmt.Errorf("%w: commit missing transaction_id", ErrBadRequest)
	}
	if !s.acks.mark(req.MsgID) {
		return Ack{Acknowledged: true, MsgID: req.MsgID}, nil
	}
	s.dispatch("commit", req.MsgID, func(ctx context.Context) error {
		return s.handler.HandleCommit(ctx, req.SenderID, req.SessionID, req.Commit)
	})
	return Ack{Acknowledged: true, MsgID: req.MsgID}, nil
}

// Reject acks a payer-side rejection.
func (s *Service) Reject(ctx context.Context, req RejectRequest) (Ack, error) {
	if err := validateEnvelope(req.SenderID, req.SessionID, req.MsgID); err != nil {
		return Ack{}, err
	}
	if !s.acks.mark(req.MsgID) {
		return Ack{Acknowledged: true, MsgID: req.MsgID}, nil
	}
	s.dispatch("reject", req.MsgID, func(ctx context.Context) error {
		return s.handler.HandleReject(ctx, req.SenderID, req.SessionID, req.Reject)
	})
	return Ack{Acknowledged: true, MsgID: req.MsgID}, nil
}

// Shutdown waits for in-flight message processing to finish or the
// context to expire.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch runs fn detached from the inbound request. The request
// context is not used: the payer already has their ack, and the work
// must not die with the connection.
func (s *Service) dispatch(kind, msgID string, fn func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.log.WithFields(logrus.Fields{
				"kind":   kind,
				"msg_id": msgID,
			}).WithError(err).Error("message processing failed")
		}
	}()
}

func validateEnvelope(sender, sessionID, msgID string) error {
	if sender == "" || sessionID == "" || msgID == "" {
		return fmt.Errorf("%w: sender_id, session_id and msg_id are required", ErrBadRequest)
	}
	return nil
}

// ackCache remembers recently acked msg_ids.
type ackCache struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	now    func() time.Time
}

func newAckCache(window time.Duration) *ackCache {
	return &ackCache{
		seen:   make(map[string]time.Time),
		window: window,
		now:    time.Now,
	}
}

// mark records the id and reports whether it was new.
func (c *ackCache) mark(msgID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for id, at := range c.seen {
		if now.Sub(at) > c.window {
			delete(c.seen, id)
		}
	}
	if _, dup := c.seen[msgID]; dup {
		return false
	}
	c.seen[msgID] = now
	return true
}

package consult

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects for the human response channel.
const (
	// SubjectRequestPrefix is the prefix for raised consultations; the full
	// subject is consult.request.<urgency>.
	SubjectRequestPrefix = "consult.request"
	// SubjectAnswerPrefix is the prefix humans answer on; the full subject
	// is consult.answer.<request-id>.
	SubjectAnswerPrefix = "consult.answer"
)

// RequestSubject returns the publish subject for a request.
func RequestSubject(u Urgency) string {
	return fmt.Sprintf("%s.%s", SubjectRequestPrefix, u)
}

// AnswerSubject returns the subject a human answer arrives on.
func AnswerSubject(requestID string) string {
	return fmt.Sprintf("%s.%s", SubjectAnswerPrefix, requestID)
}

// Answer is the wire format for a human-authored decision.
type Answer struct {
	RequestID  string            `json:"request_id"`
	ResolverID string            `json:"resolver_id"`
	Decision   map[string]string `json:"decision"`
	Note       string            `json:"note,omitempty"`
}

// ManagerConfig holds consultation manager settings.
type ManagerConfig struct {
	// DefaultDeadline applies when a request has no deadline set.
	DefaultDeadline time.Duration

	// SweepInterval is how often the sweeper checks for overdue pending
	// requests left behind by interrupted runs.
	SweepInterval time.Duration
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		DefaultDeadline: 24 * time.Hour,
		SweepInterval:   1 * time.Minute,
	}
}

// Manager brokers consultations: it publishes requests, waits for human
// answers up to the deadline, and falls back to the conservative default.
// Consultations for different items proceed independently; each call to
// RequestConsultation owns its own subscription and timer.
type Manager struct {
	config ManagerConfig
	nc     *nats.Conn // nil disables the human response channel
	store  *Store     // nil disables persistence
	logger *slog.Logger

	// Metrics
	requestsRaised  atomic.Int64
	humanResolved   atomic.Int64
	timeoutResolved atomic.Int64
}

// NewManager creates a consultation manager. Both nc and store may be nil;
// without a connection every request resolves by the timeout default, which
// is the correct degraded behavior when no human channel exists.
func NewManager(config ManagerConfig, nc *nats.Conn, store *Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if config.DefaultDeadline == 0 {
		config.DefaultDeadline = DefaultManagerConfig().DefaultDeadline
	}
	if config.SweepInterval == 0 {
		config.SweepInterval = DefaultManagerConfig().SweepInterval
	}
	return &Manager{
		config: config,
		nc:     nc,
		store:  store,
		logger: logger,
	}
}

// RequestConsultation publishes a request and blocks until a human answer
// arrives or the deadline passes. On timeout it synthesizes a response from
// the conservative default policy — never an empty decision. The only error
// paths are validation and context cancellation.
func (m *Manager) RequestConsultation(ctx context.Context, req *Request) (*Response, error) {
	if req.Urgency == "" {
		req.Urgency = UrgencyNormal
	}
	if req.Deadline.IsZero() {
		req.Deadline = time.Now().UTC().Add(m.config.DefaultDeadline)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid consultation request: %w", err)
	}

	m.requestsRaised.Add(1)

	// Subscribe for the answer before publishing the request so an immediate
	// answer cannot be lost.
	var answers chan *nats.Msg
	if m.nc != nil {
		answers = make(chan *nats.Msg, 1)
		sub, err := m.nc.ChanSubscribe(AnswerSubject(req.ID), answers)
		if err != nil {
			return nil, fmt.Errorf("subscribe for answer: %w", err)
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	if m.store != nil {
		if err := m.store.Put(ctx, req); err != nil {
			m.logger.Warn("Failed to persist consultation request",
				"request_id", req.ID,
				"error", err)
		}
	}

	m.publishRequest(req)

	m.logger.Info("Consultation raised",
		"request_id", req.ID,
		"item_id", req.ItemID,
		"reason", req.Reason,
		"urgency", req.Urgency,
		"deadline", req.Deadline)

	timer := time.NewTimer(time.Until(req.Deadline))
	defer timer.Stop()

	for {
		var msg *nats.Msg
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return m.resolveTimeout(req)
		case msg = <-answers:
		}

		var answer Answer
		if err := json.Unmarshal(msg.Data, &answer); err != nil {
			m.logger.Warn("Ignoring malformed consultation answer",
				"request_id", req.ID,
				"error", err)
			continue
		}
		if len(answer.Decision) == 0 {
			m.logger.Warn("Ignoring consultation answer with empty decision",
				"request_id", req.ID,
				"resolver", answer.ResolverID)
			continue
		}

		return m.resolveHuman(req, &answer)
	}
}

func (m *Manager) publishRequest(req *Request) {
	if m.nc == nil {
		return
	}
	data, err := json.Marshal(req)
	if err != nil {
		m.logger.Warn("Failed to marshal consultation request",
			"request_id", req.ID,
			"error", err)
		return
	}
	if err := m.nc.Publish(RequestSubject(req.Urgency), data); err != nil {
		// The request is stored; publication is routing, not correctness.
		m.logger.Warn("Failed to publish consultation request",
			"request_id", req.ID,
			"error", err)
	}
}

func (m *Manager) resolveHuman(req *Request, answer *Answer) (*Response, error) {
	resp := &Response{
		RequestID:  req.ID,
		ItemID:     req.ItemID,
		ResolvedBy: ResolvedByHuman,
		ResolverID: answer.ResolverID,
		Decision:   answer.Decision,
		ResolvedAt: time.Now().UTC(),
	}
	req.Status = StatusResolved
	m.record(req, resp)
	m.humanResolved.Add(1)

	m.logger.Info("Consultation resolved by human",
		"request_id", req.ID,
		"item_id", req.ItemID,
		"resolver", answer.ResolverID)
	return resp, nil
}

func (m *Manager) resolveTimeout(req *Request) (*Response, error) {
	resp := &Response{
		RequestID:  req.ID,
		ItemID:     req.ItemID,
		ResolvedBy: ResolvedByTimeoutDefault,
		Decision:   ConservativeDecision(req),
		ResolvedAt: time.Now().UTC(),
	}
	req.Status = StatusTimeout
	m.record(req, resp)
	m.timeoutResolved.Add(1)

	m.logger.Info("Consultation timed out, conservative default applied",
		"request_id", req.ID,
		"item_id", req.ItemID,
		"reason", req.Reason)
	return resp, nil
}

func (m *Manager) record(req *Request, resp *Response) {
	if m.store == nil {
		return
	}
	// Resolution recording must not block the pipeline; a background context
	// bounds the write independently of the caller's (possibly expired) one.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.store.Resolve(ctx, req, resp); err != nil {
		m.logger.Warn("Failed to record consultation resolution",
			"request_id", req.ID,
			"error", err)
	}
}

// Sweep resolves overdue pending requests left behind by interrupted runs.
// Returns the number of requests resolved.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	overdue, err := m.store.ListPending(ctx, true, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("list overdue consultations: %w", err)
	}
	for _, req := range overdue {
		if _, err := m.resolveTimeout(req); err != nil {
			return 0, err
		}
	}
	return len(overdue), nil
}

// RunSweeper periodically sweeps overdue consultations until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.Sweep(ctx)
			if err != nil {
				m.logger.Warn("Consultation sweep failed", "error", err)
				continue
			}
			if n > 0 {
				m.logger.Info("Swept overdue consultations", "count", n)
			}
		}
	}
}

// Stats reports manager counters for status surfaces.
type Stats struct {
	Raised          int64 `json:"raised"`
	HumanResolved   int64 `json:"human_resolved"`
	TimeoutResolved int64 `json:"timeout_resolved"`
}

// Stats returns a snapshot of the manager counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Raised:          m.requestsRaised.Load(),
		HumanResolved:   m.humanResolved.Load(),
		TimeoutResolved: m.timeoutResolved.Load(),
	}
}

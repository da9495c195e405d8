package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/suPer8Hu/ai-chat/internal/ai"
	"github.com/suPer8Hu/ai-chat/internal/common"
	"github.com/suPer8Hu/ai-chat/internal/logger"
	"github.com/suPer8Hu/ai-chat/internal/retry"
)

// Completer is the streaming side of ai.Gateway.
type Completer interface {
	Complete(ctx context.Context, history []ai.Message, systemContext, model string) (<-chan string, <-chan error)
}

type Grounder interface {
	Ground(ctx context.Context, query string, field DominationField) string
}

// TopicScheduler queues model-derived naming for a chat.
type TopicScheduler interface {
	ScheduleTopic(ctx context.Context, chatID, model string) error
}

type CoordinatorConfig struct {
	Timeout               time.Duration
	CheckpointInterval    time.Duration
	CheckpointChars       int
	HeartbeatInterval     time.Duration
	ContextWindow         int
	TerminalWriteAttempts int
	// RetryBaseDelay overrides the first backoff step of store retries.
	RetryBaseDelay time.Duration
}

func (c *CoordinatorConfig) normalize() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = 100 * time.Millisecond
	}
	if c.CheckpointChars <= 0 {
		c.CheckpointChars = 256
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.ContextWindow <= 0 {
		c.ContextWindow = 20
	}
	if c.TerminalWriteAttempts <= 0 {
		c.TerminalWriteAttempts = 3
	}
}

type CoordinatorOption func(*Coordinator)

func WithGrounder(g Grounder) CoordinatorOption {
	return func(c *Coordinator) { c.grounder = g }
}

func WithLease(l Lease) CoordinatorOption {
	return func(c *Coordinator) { c.lease = l }
}

func WithTopicScheduler(t TopicScheduler) CoordinatorOption {
	return func(c *Coordinator) { c.topics = t }
}

// Coordinator runs exchanges: one in flight per chat, increments relayed as
// they arrive, partial content checkpointed, and every exchange finalized.
type Coordinator struct {
	store    Store
	gateway  Completer
	grounder Grounder
	topics   TopicScheduler
	lease    Lease
	sessions *registry
	cfg      CoordinatorConfig
	log      *logger.Logger
	tracer   trace.Tracer
}

func NewCoordinator(store Store, gateway Completer, cfg CoordinatorConfig, log *logger.Logger, opts ...CoordinatorOption) *Coordinator {
	cfg.normalize()
	if log == nil {
		log = logger.Nop()
	}
	c := &Coordinator{
		store:   store,
		gateway: gateway,
		cfg:     cfg,
		log:     log.With("component", "chat.coordinator"),
		tracer:  otel.Tracer("github.com/suPer8Hu/ai-chat/internal/chat"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.sessions = newRegistry(c.lease, cfg.Timeout+10*time.Second, c.log)
	return c
}

type ExchangeRequest struct {
	ChatID          string
	UserID          string
	Content         string
	MessagePairID   string
	Model           string
	DominationField string
	CustomPrompt    string
}

const maxPairIDLen = 64

func (r *ExchangeRequest) validate() (DominationField, error) {
	r.ChatID = strings.TrimSpace(r.ChatID)
	r.Model = strings.TrimSpace(r.Model)
	r.MessagePairID = strings.TrimSpace(r.MessagePairID)
	switch {
	case r.ChatID == "":
		return "", invalid("chat_id", "")
	case len(r.ChatID) > maxPairIDLen:
		return "", invalid("chat_id", "too long")
	case strings.TrimSpace(r.Content) == "":
		return "", invalid("content", "")
	case r.Model == "":
		return "", invalid("model", "")
	case len(r.MessagePairID) > maxPairIDLen:
		return "", invalid("message_pair_id", "too long")
	}
	return ParseDominationField(r.DominationField)
}

// Result is how an exchange ended.
type Result struct {
	MessagePairID string
	Status        Status
	Content       string
	ChatTopic     string
	Reason        string
	Err           error
}

// Exchange is a started exchange. Run must be called exactly once.
type Exchange struct {
	c       *Coordinator
	sess    *session
	req     ExchangeRequest
	field   DominationField
	pair    *MessagePair
	created bool
	// chat had no name when this exchange started
	first bool

	ctx         context.Context
	cancel      context.CancelCauseFunc
	stopTimeout context.CancelFunc
	span        trace.Span
	log         *logger.Logger
}

func (e *Exchange) Pair() *MessagePair { return e.pair }

// Created is false when the pair already existed (a client retry).
func (e *Exchange) Created() bool { return e.created }

// StartExchange validates the request, claims the chat and durably records the
// user's message. Errors are ValidationError, ErrAlreadyStreaming,
// ErrConflict, ErrNotFound or a store error.
func (c *Coordinator) StartExchange(ctx context.Context, req ExchangeRequest) (ex *Exchange, err error) {
	field, err := req.validate()
	if err != nil {
		return nil, err
	}
	if req.MessagePairID == "" {
		if req.MessagePairID, err = common.NewULID(); err != nil {
			return nil, err
		}
	}

	base, cancel := context.WithCancelCause(ctx)
	runCtx, stopTimeout := context.WithTimeoutCause(base, c.cfg.Timeout, ErrTimeout)
	runCtx, span := c.tracer.Start(runCtx, "chat.exchange", trace.WithAttributes(
		attribute.String("chat.id", req.ChatID),
		attribute.String("chat.message_pair_id", req.MessagePairID),
		attribute.String("chat.model", req.Model),
		attribute.String("chat.domination_field", string(field)),
	))

	sess, err := c.sessions.reserve(runCtx, req.ChatID, cancel)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.End()
		stopTimeout()
		cancel(err)
		return nil, err
	}
	defer func() {
		if err != nil {
			c.sessions.release(sess)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			stopTimeout()
			cancel(err)
		}
	}()
	c.sessions.setPair(sess, req.MessagePairID)

	chat, err := c.store.EnsureChat(runCtx, &Chat{
		ChatID:          req.ChatID,
		UserID:          req.UserID,
		Model:           req.Model,
		DominationField: string(field),
		CustomPrompt:    req.CustomPrompt,
	})
	if err != nil {
		return nil, err
	}
	if chat.UserID != "" && req.UserID != "" && chat.UserID != req.UserID {
		return nil, ErrNotFound
	}

	log := c.log.With("chat_id", req.ChatID, "message_pair_id", req.MessagePairID)

	var (
		pair    *MessagePair
		created bool
	)
	err = retry.Do(runCtx, c.writePolicy(), log, "create_pair", func() error {
		var cerr error
		pair, created, cerr = c.store.CreatePair(runCtx, &MessagePair{
			MessagePairID:   req.MessagePairID,
			ChatID:          req.ChatID,
			UserContent:     req.Content,
			Model:           req.Model,
			DominationField: string(field),
			CustomPrompt:    req.CustomPrompt,
		})
		if errors.Is(cerr, ErrConflict) {
			return retry.Permanent(cerr)
		}
		return cerr
	})
	if err != nil {
		if cause := context.Cause(runCtx); cause != nil {
			err = cause
		}
		return nil, err
	}

	log.Info("exchange started", "created", created, "model", req.Model, "domination_field", field)
	return &Exchange{
		c:           c,
		sess:        sess,
		req:         req,
		field:       field,
		pair:        pair,
		created:     created,
		first:       chat.Name == "",
		ctx:         runCtx,
		cancel:      cancel,
		stopTimeout: stopTimeout,
		span:        span,
		log:         log,
	}, nil
}

func (c *Coordinator) writePolicy() retry.Policy {
	p := retry.TerminalWrites(c.cfg.TerminalWriteAttempts)
	if c.cfg.RetryBaseDelay > 0 {
		p.BaseDelay = c.cfg.RetryBaseDelay
		p.MaxDelay = 10 * c.cfg.RetryBaseDelay
	}
	return p
}

// Abort cancels the chat's in-flight exchange and frees its slot at once; the
// exchange still finalizes its pair as failed with reason "aborted".
func (c *Coordinator) Abort(chatID string) bool {
	s, ok := c.sessions.get(chatID)
	if !ok {
		return false
	}
	s.cancel(ErrAborted)
	c.sessions.release(s)
	c.log.Info("exchange aborted", "chat_id", chatID, "message_pair_id", c.sessions.pairOf(s))
	return true
}

// Active reports the pair currently streaming on chatID.
func (c *Coordinator) Active(chatID string) (string, bool) {
	s, ok := c.sessions.get(chatID)
	if !ok {
		return "", false
	}
	return c.sessions.pairOf(s), true
}

type transportError struct{ err error }

func (e *transportError) Error() string { return "transport: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

type storeError struct{ err error }

func (e *storeError) Error() string { return "store: " + e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

func reasonFor(err error) string {
	var te *transportError
	var se *storeError
	switch {
	case errors.Is(err, ErrAborted):
		return ReasonAborted
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, ErrEmptyResponse):
		return ReasonEmptyResponse
	case errors.As(err, &te):
		return ReasonTransport
	case errors.As(err, &se):
		return ReasonStore
	case errors.Is(err, ErrClientGone), errors.Is(err, context.Canceled):
		return ReasonClientGone
	default:
		return ReasonGateway
	}
}

// Run streams the completion to out and finalizes the pair. The chat slot is
// released on every path.
func (e *Exchange) Run(out Emitter) (res Result) {
	defer e.finish(&res)

	if !e.created && e.pair.Status.Terminal() {
		return e.replay(out)
	}
	// resumed pairs continue after their last checkpoint
	e.sess.seq = e.pair.CheckpointSeq

	history, err := e.history()
	if err != nil {
		if cause := context.Cause(e.ctx); cause != nil {
			return e.fail(out, "", cause)
		}
		return e.fail(out, "", &storeError{err})
	}

	grounding := ""
	if e.c.grounder != nil && e.field.UsesRetrieval() {
		grounding = e.c.grounder.Ground(e.ctx, e.req.Content, e.field)
	}

	cp := newCheckpointer(e.ctx, e.c.store, e.pair.MessagePairID, e.c.cfg.CheckpointInterval, e.c.cfg.CheckpointChars, e.log)
	cp.floor = len(e.pair.AssistantContent)
	defer cp.stop()

	content, err := e.stream(out, cp, history, SystemPrompt(e.field, grounding, e.req.CustomPrompt, false))
	if err == nil && strings.TrimSpace(content) == "" {
		e.log.Warn("empty completion, retrying with fallback prompt")
		e.sess.buf.Reset()
		content, err = e.stream(out, cp, history, SystemPrompt(e.field, grounding, e.req.CustomPrompt, true))
		if err == nil && strings.TrimSpace(content) == "" {
			err = ErrEmptyResponse
		}
	}
	cp.stop()

	if err != nil {
		return e.fail(out, content, err)
	}
	return e.succeed(out, content)
}

// history is the prior conversation, oldest first, capped to the context
// window, followed by the current user message.
func (e *Exchange) history() ([]ai.Message, error) {
	pairs, err := e.c.store.ListPairs(e.ctx, e.req.ChatID)
	if err != nil {
		return nil, err
	}
	prior := make([]MessagePair, 0, len(pairs))
	for _, p := range pairs {
		if p.MessagePairID == e.pair.MessagePairID {
			break
		}
		if p.Status == StatusSuccess || (p.Status == StatusFailed && p.AssistantContent != "") {
			prior = append(prior, p)
		}
	}
	if n := len(prior) - e.c.cfg.ContextWindow; n > 0 {
		prior = prior[n:]
	}

	msgs := make([]ai.Message, 0, 2*len(prior)+1)
	for _, p := range prior {
		msgs = append(msgs,
			ai.Message{Role: ai.RoleUser, Content: p.UserContent},
			ai.Message{Role: ai.RoleAssistant, Content: p.AssistantContent},
		)
	}
	return append(msgs, ai.Message{Role: ai.RoleUser, Content: e.pair.UserContent}), nil
}

func (e *Exchange) stream(out Emitter, cp *checkpointer, history []ai.Message, system string) (string, error) {
	chunks, errs := e.c.gateway.Complete(e.ctx, history, system, e.pair.Model)

	hb := time.NewTicker(e.c.cfg.HeartbeatInterval)
	defer hb.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return e.sess.buf.String(), context.Cause(e.ctx)

		case <-hb.C:
			if h, ok := out.(Heartbeater); ok {
				if err := h.Heartbeat(); err != nil {
					return e.sess.buf.String(), &transportError{err}
				}
			}

		case c, ok := <-chunks:
			if !ok {
				content := e.sess.buf.String()
				if e.ctx.Err() != nil {
					return content, context.Cause(e.ctx)
				}
				return content, <-errs
			}
			if c == "" {
				continue
			}
			e.sess.buf.WriteString(c)
			e.sess.seq++
			content := e.sess.buf.String()
			if err := out.Emit(Event{
				Kind:          EventIncrement,
				MessagePairID: e.pair.MessagePairID,
				Delta:         c,
				Content:       content,
				Seq:           e.sess.seq,
			}); err != nil {
				return content, &transportError{err}
			}
			cp.offer(content, e.sess.seq)
		}
	}
}

// finalCtx outlives abort and timeout so terminal writes still land.
func (e *Exchange) finalCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(e.ctx), 10*time.Second)
}

func (e *Exchange) succeed(out Emitter, content string) Result {
	topic := ""
	if e.first {
		topic = deriveTopic(e.pair.UserContent)
	}

	ctx, cancel := e.finalCtx()
	defer cancel()

	var applied bool
	err := retry.Do(ctx, e.c.writePolicy(), e.log, "complete_pair", func() error {
		var werr error
		applied, werr = e.c.store.Complete(ctx, e.pair.MessagePairID, content, topic)
		return werr
	})
	if err != nil {
		e.log.Error("complete pair failed", "error", err)
		return e.fail(out, content, &storeError{err})
	}
	if !applied {
		// lost the race to another finalization
		return e.settled(ctx, out)
	}

	e.log.Info("exchange succeeded", "chars", len(content), "seq", e.sess.seq)
	_ = out.Emit(Event{
		Kind:          EventSuccess,
		MessagePairID: e.pair.MessagePairID,
		Content:       content,
		Seq:           e.sess.seq,
		ChatTopic:     topic,
	})

	if e.first && e.c.topics != nil {
		go func(chatID, model string) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := e.c.topics.ScheduleTopic(ctx, chatID, model); err != nil {
				e.log.Warn("schedule topic job", "error", err)
			}
		}(e.req.ChatID, e.pair.Model)
	}
	return Result{MessagePairID: e.pair.MessagePairID, Status: StatusSuccess, Content: content, ChatTopic: topic}
}

func (e *Exchange) fail(out Emitter, content string, cause error) Result {
	reason := reasonFor(cause)

	ctx, cancel := e.finalCtx()
	defer cancel()

	var applied bool
	err := retry.Do(ctx, e.c.writePolicy(), e.log, "fail_pair", func() error {
		var werr error
		applied, werr = e.c.store.Fail(ctx, e.pair.MessagePairID, content, reason)
		return werr
	})
	if err == nil && !applied {
		return e.settled(ctx, out)
	}
	if err != nil {
		e.log.Error("fail pair failed, record may stay in flight", "reason", reason, "error", err)
	}

	e.log.Info("exchange failed", "reason", reason, "chars", len(content), "error", cause)
	_ = out.Emit(Event{
		Kind:          EventFailed,
		MessagePairID: e.pair.MessagePairID,
		Content:       content,
		Seq:           e.sess.seq,
		Reason:        reason,
		Err:           cause.Error(),
	})
	if err != nil {
		cause = errors.Join(cause, err)
	}
	return Result{MessagePairID: e.pair.MessagePairID, Status: StatusFailed, Content: content, Reason: reason, Err: cause}
}

// settled reports whatever terminal state the store already holds.
func (e *Exchange) settled(ctx context.Context, out Emitter) Result {
	stored, err := e.c.store.GetPair(ctx, e.pair.MessagePairID)
	if err != nil {
		_ = out.Emit(Event{Kind: EventFailed, MessagePairID: e.pair.MessagePairID, Reason: ReasonStore, Err: err.Error()})
		return Result{MessagePairID: e.pair.MessagePairID, Status: StatusFailed, Reason: ReasonStore, Err: err}
	}
	e.pair = stored
	return e.replay(out)
}

// replay emits the terminal event of an already finalized pair.
func (e *Exchange) replay(out Emitter) Result {
	p := e.pair
	res := Result{MessagePairID: p.MessagePairID, Status: p.Status, Content: p.AssistantContent, Reason: p.FailureReason}
	if p.Status == StatusSuccess {
		_ = out.Emit(Event{Kind: EventSuccess, MessagePairID: p.MessagePairID, Content: p.AssistantContent, Seq: p.CheckpointSeq})
		return res
	}
	_ = out.Emit(Event{
		Kind:          EventFailed,
		MessagePairID: p.MessagePairID,
		Content:       p.AssistantContent,
		Reason:        p.FailureReason,
		Err:           "exchange " + p.FailureReason,
	})
	return res
}

func (e *Exchange) finish(res *Result) {
	e.c.sessions.release(e.sess)
	e.span.SetAttributes(
		attribute.String("chat.status", string(res.Status)),
		attribute.Int("chat.content_chars", len(res.Content)),
	)
	if res.Status == StatusFailed {
		e.span.SetStatus(codes.Error, res.Reason)
	}
	e.span.End()
	e.stopTimeout()
	e.cancel(context.Canceled)
}

// Package orchestrator drives one chat exchange end to end: admission,
// variant assignment, prompt construction, the provider stream, and
// finalization with token and cost accounting.
//
// An exchange moves through exactly one terminal state (completed,
// errored, or disconnected) and emits at most one terminal event to the
// client. Accounting is recorded for every terminal state, with partial
// counts when the stream dies early.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keyur7523/promptLab/pkg/exchange"
	"github.com/keyur7523/promptLab/pkg/experiments"
	"github.com/keyur7523/promptLab/pkg/feedback"
	"github.com/keyur7523/promptLab/pkg/modelprovider"
	"github.com/keyur7523/promptLab/pkg/observability/logging"
	"github.com/keyur7523/promptLab/pkg/observability/metrics"
	"github.com/keyur7523/promptLab/pkg/persistence"
	"github.com/keyur7523/promptLab/pkg/ratelimit"
	"github.com/keyur7523/promptLab/pkg/tokenest"
)

// Error kinds reported in terminal error events and persisted on the
// exchange.
const (
	errKindProvider    = "provider_error"
	errKindIdleTimeout = "idle_timeout"
	errKindTimeout     = "stream_timeout"
)

// QuotaError is returned when admission denies the request. The decision
// carries the limit and retry-after for response headers.
type QuotaError struct {
	Decision *ratelimit.Decision
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d requests per window", e.Decision.Limit)
}

// Metadata is the terminal accounting event of a completed exchange.
type Metadata struct {
	ExchangeID    string  `json:"exchange_id"`
	ExperimentKey string  `json:"experiment_key,omitempty"`
	Variant       string  `json:"variant"`
	Model         string  `json:"model"`
	TokensIn      int     `json:"tokens_in"`
	TokensOut     int     `json:"tokens_out"`
	CostUSD       float64 `json:"cost_usd"`
	LatencyMs     int64   `json:"latency_ms"`
	// Approximate marks heuristic token counts; provider-reported and
	// BPE counts clear it.
	Approximate bool `json:"approximate"`
}

// Sink receives the events of one exchange, in order: Admitted once,
// zero or more SendToken calls, then at most one SendDone or SendError.
// A send error means the client is gone.
type Sink interface {
	Admitted(d *ratelimit.Decision)
	SendToken(token string) error
	SendDone(meta Metadata) error
	SendError(kind, message string) error
}

// Request is one user chat turn.
type Request struct {
	UserID         string
	ConversationID string
	Message        string
	// LimitOverride replaces the default quota when positive; set by the
	// upstream auth layer for users with custom plans.
	LimitOverride int
}

// Options configures the orchestrator.
type Options struct {
	Model       string
	Temperature float64
	// StreamTimeout caps the whole exchange.
	StreamTimeout time.Duration
	// IdleTimeout bounds one wait for the next provider chunk.
	IdleTimeout time.Duration
	// HistoryLimit is how many prior exchanges are replayed as context.
	HistoryLimit int
}

// Orchestrator coordinates the chat pipeline components.
type Orchestrator struct {
	limiter   *ratelimit.Resolver
	streams   *ratelimit.StreamLimiter
	registry  *experiments.Registry
	provider  modelprovider.Provider
	estimator tokenest.Estimator
	store     persistence.Store
	writer    *persistence.Writer
	feedback  *feedback.Aggregator
	opts      Options
	tracer    trace.Tracer
}

// New wires an orchestrator. streams and feedback may be nil to disable
// the stream cap and the feedback ledger respectively.
func New(
	limiter *ratelimit.Resolver,
	streams *ratelimit.StreamLimiter,
	registry *experiments.Registry,
	provider modelprovider.Provider,
	estimator tokenest.Estimator,
	store persistence.Store,
	writer *persistence.Writer,
	fb *feedback.Aggregator,
	opts Options,
) *Orchestrator {
	return &Orchestrator{
		limiter:   limiter,
		streams:   streams,
		registry:  registry,
		provider:  provider,
		estimator: estimator,
		store:     store,
		writer:    writer,
		feedback:  fb,
		opts:      opts,
		tracer:    otel.Tracer("promptlab/orchestrator"),
	}
}

// Run executes one exchange. Errors are returned only for pre-stream
// rejections (quota, stream cap); once the sink is admitted every
// outcome is delivered as a terminal event and Run returns nil.
func (o *Orchestrator) Run(ctx context.Context, req Request, sink Sink) error {
	decision := o.limiter.Admit(ctx, ratelimit.Context{UserID: req.UserID, Limit: req.LimitOverride})
	if !decision.Allowed {
		metrics.ChatRequestsTotal.WithLabelValues("rejected").Inc()
		return &QuotaError{Decision: decision}
	}

	if o.streams != nil {
		streamID, err := o.streams.Acquire(ctx, req.UserID)
		if err != nil {
			metrics.ChatRequestsTotal.WithLabelValues("rejected").Inc()
			return err
		}
		defer o.streams.Release(req.UserID, streamID)
	}

	sink.Admitted(decision)
	o.stream(ctx, req, sink)
	return nil
}

func (o *Orchestrator) stream(ctx context.Context, req Request, sink Sink) {
	assignment := o.registry.Assign(req.UserID)

	exch := exchange.New(req.UserID, req.ConversationID, o.opts.Model, req.Message)
	exch.ExperimentKey = assignment.ExperimentKey
	exch.Variant = assignment.Variant
	exch.PromptVersion = assignment.Version

	ctx, span := o.tracer.Start(ctx, "chat.exchange", trace.WithAttributes(
		attribute.String("exchange.id", exch.ID),
		attribute.String("experiment.key", assignment.ExperimentKey),
		attribute.String("experiment.variant", assignment.Variant),
		attribute.String("model", o.opts.Model),
	))
	defer span.End()

	messages := o.buildMessages(ctx, assignment.Prompt, req)

	inEstimate, err := o.estimator.EstimateTokens(ctx, promptText(messages), o.opts.Model)
	if err != nil {
		// Only possible without a local fallback in the chain; accounting
		// degrades to zero tokens-in rather than blocking the exchange.
		logging.Warnf("Token pre-estimate failed for exchange %s: %v", exch.ID, err)
	}
	exch.TokensIn = inEstimate.Tokens
	approximate := inEstimate.Approximate

	streamCtx, cancel := context.WithTimeout(ctx, o.opts.StreamTimeout)
	defer cancel()

	stream, err := o.provider.OpenStream(streamCtx, modelprovider.Request{
		Model:       o.opts.Model,
		Messages:    messages,
		Temperature: o.opts.Temperature,
	})
	if err != nil {
		logging.Errorf("Opening provider stream for exchange %s failed: %v", exch.ID, err)
		o.finishErrored(sink, exch, errKindProvider, "model provider unavailable")
		return
	}
	defer stream.Close()

	chunks := make(chan recvResult, 1)
	quit := make(chan struct{})
	defer close(quit)
	go pump(stream, chunks, quit)

	idle := time.NewTimer(o.opts.IdleTimeout)
	defer idle.Stop()

	var response strings.Builder
	tokensOut := 0

	for {
		select {
		case <-streamCtx.Done():
			o.captureOutput(exch, &response, tokensOut, stream)
			if ctx.Err() != nil {
				// The request context went away: client disconnect or
				// server shutdown.
				o.finishDisconnected(exch)
				return
			}
			o.finishErrored(sink, exch, errKindTimeout, "stream exceeded the time budget")
			return

		case <-idle.C:
			o.captureOutput(exch, &response, tokensOut, stream)
			o.finishErrored(sink, exch, errKindIdleTimeout, "model produced no output in time")
			return

		case r := <-chunks:
			if r.err != nil {
				if o.captureOutput(exch, &response, tokensOut, stream) {
					approximate = false
				}
				if errors.Is(r.err, io.EOF) {
					o.finishCompleted(sink, exch, approximate)
					return
				}
				if errors.Is(streamCtx.Err(), context.DeadlineExceeded) {
					o.finishErrored(sink, exch, errKindTimeout, "stream exceeded the time budget")
					return
				}
				logging.Errorf("Provider stream for exchange %s failed after %d tokens: %v", exch.ID, tokensOut, r.err)
				o.finishErrored(sink, exch, errKindProvider, "model stream failed")
				return
			}

			if r.chunk.Content != "" {
				if err := sink.SendToken(r.chunk.Content); err != nil {
					o.captureOutput(exch, &response, tokensOut, stream)
					o.finishDisconnected(exch)
					return
				}
				response.WriteString(r.chunk.Content)
				tokensOut++
			}

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(o.opts.IdleTimeout)
		}
	}
}

type recvResult struct {
	chunk modelprovider.Chunk
	err   error
}

// pump moves Recv results onto a channel so the select loop can impose
// idle and disconnect deadlines on a blocking read. quit unblocks the
// send when the loop exited on its own deadline.
func pump(stream modelprovider.Stream, out chan<- recvResult, quit <-chan struct{}) {
	for {
		chunk, err := stream.Recv()
		select {
		case out <- recvResult{chunk: chunk, err: err}:
		case <-quit:
			return
		}
		if err != nil {
			return
		}
	}
}

// captureOutput folds the accumulated output and any provider-reported
// usage into the exchange before finalization. It reports whether the
// provider supplied exact counts.
func (o *Orchestrator) captureOutput(exch *exchange.Exchange, response *strings.Builder, tokensOut int, stream modelprovider.Stream) bool {
	exch.Response = response.String()
	exch.TokensOut = tokensOut
	usage, ok := stream.Usage()
	if !ok {
		return false
	}
	if usage.TokensIn > 0 {
		exch.TokensIn = usage.TokensIn
	}
	if usage.TokensOut > 0 {
		exch.TokensOut = usage.TokensOut
	}
	return true
}

func (o *Orchestrator) finishCompleted(sink Sink, exch *exchange.Exchange, approximate bool) {
	if !exch.Finalize(exchange.StatusCompleted) {
		return
	}

	cost := tokenest.EstimateCost(exch.TokensIn, exch.TokensOut, exch.Model)
	exch.CostUSD = cost.CostUSD

	meta := Metadata{
		ExchangeID:    exch.ID,
		ExperimentKey: exch.ExperimentKey,
		Variant:       exch.Variant,
		Model:         exch.Model,
		TokensIn:      exch.TokensIn,
		TokensOut:     exch.TokensOut,
		CostUSD:       exch.CostUSD,
		LatencyMs:     exch.LatencyMs,
		Approximate:   approximate,
	}
	if err := sink.SendDone(meta); err != nil {
		// Too late to change the terminal state; the exchange completed,
		// the client just never saw the receipt.
		logging.Warnf("Terminal event for exchange %s not delivered: %v", exch.ID, err)
	}

	o.persistAndRecord(exch, "completed")
	if o.feedback != nil {
		o.feedback.Register(context.Background(), exch)
	}
}

func (o *Orchestrator) finishErrored(sink Sink, exch *exchange.Exchange, kind, message string) {
	if !exch.Finalize(exchange.StatusErrored) {
		return
	}
	exch.ErrorKind = kind
	exch.CostUSD = tokenest.EstimateCost(exch.TokensIn, exch.TokensOut, exch.Model).CostUSD

	if err := sink.SendError(kind, message); err != nil {
		logging.Warnf("Error event for exchange %s not delivered: %v", exch.ID, err)
	}
	o.persistAndRecord(exch, "errored")
}

func (o *Orchestrator) finishDisconnected(exch *exchange.Exchange) {
	if !exch.Finalize(exchange.StatusDisconnected) {
		return
	}
	// No terminal event: there is nobody left to send it to.
	exch.CostUSD = tokenest.EstimateCost(exch.TokensIn, exch.TokensOut, exch.Model).CostUSD
	logging.Infof("Client disconnected from exchange %s after %d tokens", exch.ID, exch.TokensOut)
	o.persistAndRecord(exch, "disconnected")
}

func (o *Orchestrator) persistAndRecord(exch *exchange.Exchange, outcome string) {
	metrics.RecordExchange(outcome, exch.Model, exch.TokensIn, exch.TokensOut,
		exch.CostUSD, float64(exch.LatencyMs)/1000)
	if o.writer != nil {
		o.writer.EnqueueExchange(exch)
	}
}

// buildMessages assembles the provider request: the variant's system
// prompt, the replayed conversation window, and the new user turn.
func (o *Orchestrator) buildMessages(ctx context.Context, systemPrompt string, req Request) []modelprovider.Message {
	messages := []modelprovider.Message{}
	if systemPrompt != "" {
		messages = append(messages, modelprovider.Message{Role: modelprovider.RoleSystem, Content: systemPrompt})
	}

	if o.store != nil && req.ConversationID != "" && o.opts.HistoryLimit > 0 {
		history, err := o.store.RecentExchanges(ctx, req.ConversationID, o.opts.HistoryLimit)
		if err != nil {
			logging.Warnf("History load for conversation %s failed, continuing without context: %v", req.ConversationID, err)
		}
		for _, h := range history {
			messages = append(messages,
				modelprovider.Message{Role: modelprovider.RoleUser, Content: h.Prompt},
				modelprovider.Message{Role: modelprovider.RoleAssistant, Content: h.Response},
			)
		}
	}

	return append(messages, modelprovider.Message{Role: modelprovider.RoleUser, Content: req.Message})
}

func promptText(messages []modelprovider.Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Content)
	}
	return b.String()
}

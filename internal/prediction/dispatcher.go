package prediction

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/shopvoice/voice-relay/internal/event"
	"github.com/shopvoice/voice-relay/internal/metrics"
)

// State is the dispatch state machine:
// Submitted -> Polling -> {Succeeded, Failed, TimedOut, Cancelled}.
type State int

const (
	StateSubmitted State = iota
	StatePolling
	StateSucceeded
	StateFailed
	StateTimedOut
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateSubmitted:
		return "submitted"
	case StatePolling:
		return "polling"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// defaultCommand is the instruction given to the model alongside the audio.
const defaultCommand = "Interpret the shopper's spoken request and respond with the JSON contract."

// FallbackMessage is the fixed best-effort response used when the external
// service fails, times out, or is not configured.
const FallbackMessage = "Sorry, I couldn't process that. Please try again."

// FallbackEnvelope returns the canned response routed to the participant on
// any terminal failure.
func FallbackEnvelope() event.ResultEnvelope {
	return event.ResultEnvelope{Message: FallbackMessage, Action: "none"}
}

// LivenessFunc reports the owning session's two channel bits. The poll loop
// checks it before every attempt and cancels when both are false.
type LivenessFunc func(sessionID string) (stream, socket bool)

// DeliverFunc routes a result or error envelope back to the participant,
// reporting whether any channel accepted it. The dispatcher does not retry
// on a false return; the result router already walked every channel.
type DeliverFunc func(participantID string, env event.ResultEnvelope, requestID string, isError bool) bool

// Job describes one assembled-audio dispatch.
type Job struct {
	ParticipantID string
	SessionID     string
	RequestID     string
	ShopDomain    string
	Audio         []byte // assembled audio bytes, base64-encoded on submit
}

// Dispatcher drives prediction jobs from submission to a terminal state.
// A nil client means credentials are missing and every dispatch degrades
// immediately to the fallback response.
type Dispatcher struct {
	client  *Client
	logger  *slog.Logger
	metrics *metrics.Metrics

	liveness LivenessFunc
	deliver  DeliverFunc

	pollInterval time.Duration
	maxAttempts  int
}

// NewDispatcher wires the dispatcher. client may be nil (degraded mode) and
// m may be nil in tests.
func NewDispatcher(client *Client, logger *slog.Logger, m *metrics.Metrics, liveness LivenessFunc, deliver DeliverFunc, pollInterval time.Duration, maxAttempts int) *Dispatcher {
	return &Dispatcher{
		client:       client,
		logger:       logger,
		metrics:      m,
		liveness:     liveness,
		deliver:      deliver,
		pollInterval: pollInterval,
		maxAttempts:  maxAttempts,
	}
}

// Dispatch submits the job and follows it to a terminal state, delivering
// the outcome to the participant. It blocks for the life of the job and is
// normally run on its own goroutine. The returned state is the terminal one.
func (d *Dispatcher) Dispatch(ctx context.Context, job Job) State {
	startTime := time.Now()
	state := d.run(ctx, job)
	if d.metrics != nil {
		d.metrics.RecordPredictionOutcome(state.String(), time.Since(startTime).Seconds())
	}

	d.logger.Info("Prediction dispatch finished",
		slog.String("request_id", job.RequestID),
		slog.String("participant_id", job.ParticipantID),
		slog.String("state", state.String()),
		slog.Duration("duration", time.Since(startTime)),
	)
	return state
}

func (d *Dispatcher) run(ctx context.Context, job Job) State {
	if d.client == nil {
		// No credentials configured, answer with the canned response.
		d.deliver(job.ParticipantID, FallbackEnvelope(), job.RequestID, false)
		return StateFailed
	}

	if d.metrics != nil {
		d.metrics.RecordPredictionSubmitted()
	}

	input := Input{
		Command:    defaultCommand,
		Audio:      base64.StdEncoding.EncodeToString(job.Audio),
		ShopDomain: job.ShopDomain,
	}

	pred, err := d.client.Submit(ctx, input)
	if err != nil {
		d.logger.Error("Prediction submit failed",
			slog.String("request_id", job.RequestID),
			slog.String("error", err.Error()),
		)
		d.deliver(job.ParticipantID, FallbackEnvelope(), job.RequestID, true)
		return StateFailed
	}

	switch pred.Status {
	case StatusSucceeded:
		// Immediate completion, no polling needed.
		d.deliver(job.ParticipantID, Normalize(pred.Output), job.RequestID, false)
		return StateSucceeded
	case StatusFailed, StatusCanceled:
		d.logger.Warn("Prediction terminally failed on submit",
			slog.String("request_id", job.RequestID),
			slog.String("job_id", pred.ID),
			slog.String("service_error", pred.Error),
		)
		d.deliver(job.ParticipantID, FallbackEnvelope(), job.RequestID, true)
		return StateFailed
	}

	return d.poll(ctx, job, pred)
}

// poll checks the job on a fixed interval up to maxAttempts times. Session
// liveness is checked before every attempt: with both channels inactive
// there is nobody to answer, so the dispatch cancels rather than keep
// spending external calls.
func (d *Dispatcher) poll(ctx context.Context, job Job, pred *Prediction) State {
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		stream, sock := d.liveness(job.SessionID)
		if !stream && !sock {
			d.logger.Info("Prediction cancelled, session has no live channel",
				slog.String("request_id", job.RequestID),
				slog.String("session_id", job.SessionID),
				slog.Int("attempt", attempt),
			)
			return StateCancelled
		}

		select {
		case <-ctx.Done():
			return StateCancelled
		case <-time.After(d.pollInterval):
		}

		if d.metrics != nil {
			d.metrics.RecordPollAttempt()
		}

		next, err := d.client.Poll(ctx, pred)
		if err != nil {
			// Transient: unreachable service and non-success statuses both
			// stay inside the attempt budget.
			d.logger.Warn("Prediction poll attempt failed",
				slog.String("request_id", job.RequestID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			continue
		}

		switch next.Status {
		case StatusSucceeded:
			d.deliver(job.ParticipantID, Normalize(next.Output), job.RequestID, false)
			return StateSucceeded
		case StatusFailed, StatusCanceled:
			d.logger.Warn("Prediction terminally failed",
				slog.String("request_id", job.RequestID),
				slog.String("job_id", next.ID),
				slog.String("service_error", next.Error),
			)
			d.deliver(job.ParticipantID, FallbackEnvelope(), job.RequestID, true)
			return StateFailed
		}
		pred = next
	}

	d.logger.Warn("Prediction poll budget exhausted",
		slog.String("request_id", job.RequestID),
		slog.String("job_id", pred.ID),
		slog.Int("max_attempts", d.maxAttempts),
	)
	d.deliver(job.ParticipantID, FallbackEnvelope(), job.RequestID, true)
	return StateTimedOut
}

// Normalize decodes the service output into a result envelope. The output
// may be a structured object or a pre-serialized JSON string; undecodable
// output is wrapped as a plain message rather than discarded.
func Normalize(raw json.RawMessage) event.ResultEnvelope {
	if len(raw) == 0 {
		return FallbackEnvelope()
	}

	// Pre-serialized string output: unwrap, then try structured decode.
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if env, ok := decodeEnvelope([]byte(text)); ok {
			return env
		}
		return event.ResultEnvelope{Message: strings.TrimSpace(text), Action: "none"}
	}

	if env, ok := decodeEnvelope(raw); ok {
		return env
	}

	return event.ResultEnvelope{Message: strings.TrimSpace(string(raw)), Action: "none"}
}

func decodeEnvelope(data []byte) (event.ResultEnvelope, bool) {
	var env event.ResultEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return event.ResultEnvelope{}, false
	}
	if env.Message == "" {
		return event.ResultEnvelope{}, false
	}
	if env.Action == "" {
		env.Action = "none"
	}
	return env, true
}

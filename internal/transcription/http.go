package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/loqalabs/loqa-capture/internal/audio"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/errkind"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const submitPath = "/v1/transcriptions"

type submitRequest struct {
	EncodedAudio string `json:"encodedAudio"`
	AudioFormat  string `json:"audioFormat"`
	SampleRate   int    `json:"sampleRate"`
	Channels     int    `json:"channels"`
	ContextID    string `json:"contextId"`
	SessionID    string `json:"sessionId"`
	SubjectID    string `json:"subjectId,omitempty"`
	Language     string `json:"language,omitempty"`
	PromptHint   string `json:"promptHint,omitempty"`
}

// errorBody accepts both {"error":{"code","message"}} and {"message"}.
type errorBody struct {
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Message string `json:"message"`
}

func (b errorBody) reason() string {
	if b.Error != nil {
		switch {
		case b.Error.Code != "" && b.Error.Message != "":
			return b.Error.Code + ": " + b.Error.Message
		case b.Error.Message != "":
			return b.Error.Message
		case b.Error.Code != "":
			return b.Error.Code
		}
	}
	return b.Message
}

type HTTPClient struct {
	rc       *resty.Client
	cfg      config.TranscriptionConfig
	log      *slog.Logger
	inflight inflight
}

func NewHTTPClient(cfg config.TranscriptionConfig, log *slog.Logger) *HTTPClient {
	rc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.Endpoint, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "loqa-capture")
	if cfg.Token != "" {
		rc.SetAuthToken(cfg.Token)
	}
	return &HTTPClient{
		rc:  rc,
		cfg: cfg,
		log: log.With(slog.String("component", "transcription.http")),
	}
}

func (c *HTTPClient) Submit(ctx context.Context, buf audio.EncodedBuffer, meta Metadata, timeout time.Duration) (result Result, err error) {
	if err := c.inflight.begin(meta.SessionID); err != nil {
		return Result{}, err
	}
	defer c.inflight.end(meta.SessionID)

	if timeout <= 0 {
		timeout = c.cfg.Timeout()
	}
	if meta.Language == "" {
		meta.Language = c.cfg.Language
	}
	if meta.PromptHint == "" {
		meta.PromptHint = c.cfg.PromptHint
	}

	ctx, span := otel.Tracer("loqa-capture/transcription").Start(ctx, "transcription.submit")
	span.SetAttributes(
		attribute.String("session.id", meta.SessionID),
		attribute.String("audio.format", string(buf.Format)),
		attribute.Int("audio.bytes", buf.Bytes),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(errkind.Of(err)))
		}
		span.End()
	}()

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.rc.R().
		SetContext(attemptCtx).
		SetBody(submitRequest{
			EncodedAudio: buf.Data,
			AudioFormat:  string(buf.Format),
			SampleRate:   buf.SampleRate,
			Channels:     buf.Channels,
			ContextID:    meta.ContextID(),
			SessionID:    meta.SessionID,
			SubjectID:    meta.SubjectID,
			Language:     meta.Language,
			PromptHint:   meta.PromptHint,
		}).
		Post(submitPath)
	if err != nil {
		return Result{}, classify(ctx, attemptCtx, err, timeout)
	}

	if resp.IsError() {
		var body errorBody
		_ = json.Unmarshal(resp.Body(), &body)
		reason := body.reason()
		if reason == "" {
			reason = resp.Status()
		}
		c.log.Warn("transcription rejected",
			slog.String("session_id", meta.SessionID),
			slog.Int("status", resp.StatusCode()),
			slog.String("reason", reason))
		return Result{}, errkind.New(errkind.RemoteRejected, "%s", reason)
	}

	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return Result{}, errkind.Wrap(errkind.RemoteRejected, err, "malformed transcription response")
	}
	result.Confidence = clampConfidence(result.Confidence)
	return result, nil
}

func classify(parent, attempt context.Context, err error, timeout time.Duration) error {
	if parent.Err() != nil {
		return errkind.Wrap(errkind.Cancelled, parent.Err(), "submission abandoned")
	}
	if errors.Is(err, context.DeadlineExceeded) || attempt.Err() != nil {
		return errkind.Wrap(errkind.Timeout, err, "no response within "+timeout.String())
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errkind.Wrap(errkind.Timeout, err, "no response within "+timeout.String())
	}
	return errkind.Wrap(errkind.NetworkFailure, err, "transcription service unreachable")
}

// Package ingest turns a signed ping into an update of the visitor
// statistics.
//
// Every ping walks the same sequence of stages and is rejected at the first
// check it fails:
//
//	Received -> TimestampChecked -> NonceChecked -> SignatureVerified ->
//	IdentityDerived -> StructuresUpdated -> Persisted -> Acknowledged
//
// The cheap checks (field validation, clock skew, nonce reuse) run before
// signature verification, and the order never changes, so the time and the
// outcome of a rejection say nothing about whether the signature would have
// verified.
package ingest

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"tally.lopezb.com/internal/tally/calendar"
	"tally.lopezb.com/internal/tally/identity"
	"tally.lopezb.com/internal/tally/replay"
	"tally.lopezb.com/internal/tally/signature"
	"tally.lopezb.com/internal/tally/tracker"
)

const (
	PublicKeySize = 32
	SignatureSize = 64
	MaxNonceLen   = 256

	DefaultWindow = 5 * time.Minute
)

// Stage is a step of the ingestion state machine.
type Stage int

const (
	StageReceived Stage = iota
	StageTimestampChecked
	StageNonceChecked
	StageSignatureVerified
	StageIdentityDerived
	StageStructuresUpdated
	StagePersisted
	StageAcknowledged
)

var stageNames = [...]string{
	"received",
	"timestamp-checked",
	"nonce-checked",
	"signature-verified",
	"identity-derived",
	"structures-updated",
	"persisted",
	"acknowledged",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// Unit is the resolution of client timestamps.
type Unit string

const (
	Seconds      Unit = "s"
	Milliseconds Unit = "ms"
)

// ParseUnit accepts "s" or "ms". The empty string means milliseconds.
func ParseUnit(s string) (Unit, error) {
	switch Unit(s) {
	case "", Milliseconds:
		return Milliseconds, nil
	case Seconds:
		return Seconds, nil
	default:
		return "", fmt.Errorf("ingest: unknown timestamp unit %q", s)
	}
}

// fresh reports whether ts lies within window of now. The bounds are
// computed in the client's unit so an extreme ts cannot overflow.
func (u Unit) fresh(ts int64, now time.Time, window time.Duration) bool {
	nowMs, winMs := now.UnixMilli(), window.Milliseconds()

	if u == Seconds {
		// Pre-filter on whole seconds, then compare exactly in milliseconds.
		nowS, winS := now.Unix(), winMs/1000+1
		if ts < nowS-winS || ts > nowS+winS {
			return false
		}
		ts *= 1000
	}

	return ts >= nowMs-winMs && ts <= nowMs+winMs
}

// Request is a ping as received over the wire.
type Request struct {
	PublicKey string `json:"publicKey"` // hex
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"` // hex
}

// Response acknowledges an accepted ping.
type Response struct {
	Success bool   `json:"success"`
	Day     string `json:"day"`
	NewUser bool   `json:"newUser"`
	DAU     uint64 `json:"dau"`
}

// Recorder is the statistics state updated by the pipeline.
type Recorder interface {
	Record(ctx context.Context, day calendar.Key, id []byte) (tracker.Result, error)
	Flush(ctx context.Context) error
}

// Observer is told the outcome of every ping.
type Observer interface {
	Accepted(newUser bool)
	Rejected(kind Kind)
}

// Config controls the checks applied to each ping.
type Config struct {
	// Window is the largest accepted difference between the client
	// timestamp and the server clock, in either direction.
	Window time.Duration

	TimestampUnit Unit

	// SyncPersist flushes the statistics before acknowledging. Otherwise
	// the ping is persisted by the tracker's background flush.
	SyncPersist bool
}

// Option configures optional Pipeline behaviour.
type Option func(*Pipeline)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithObserver(o Observer) Option {
	return func(p *Pipeline) {
		p.observer = o
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithVerifier replaces the Ed25519 verifier.
func WithVerifier(v signature.Verifier) Option {
	return func(p *Pipeline) {
		if v != nil {
			p.verifier = v
		}
	}
}

// Pipeline validates pings and applies them to a Recorder. It is safe for
// concurrent use.
type Pipeline struct {
	cfg      Config
	guard    *replay.Guard
	deriver  identity.Deriver
	recorder Recorder
	verifier signature.Verifier
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

// New builds a pipeline. The guard should remember nonces for at least
// twice cfg.Window: a ping may arrive up to Window early or late, so two
// pings carrying the same nonce can be that far apart and both be fresh.
func New(cfg Config, guard *replay.Guard, deriver identity.Deriver, recorder Recorder, opts ...Option) (*Pipeline, error) {
	if guard == nil || deriver == nil || recorder == nil {
		return nil, &Error{Kind: KindConfiguration, Reason: "pipeline needs a replay guard, an identity deriver and a recorder"}
	}

	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}

	unit, err := ParseUnit(string(cfg.TimestampUnit))
	if err != nil {
		return nil, &Error{Kind: KindConfiguration, Err: err}
	}
	cfg.TimestampUnit = unit

	p := &Pipeline{
		cfg:      cfg,
		guard:    guard,
		deriver:  deriver,
		recorder: recorder,
		verifier: signature.Ed25519Verifier{},
		logger:   slog.New(slog.DiscardHandler),
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// Ingest runs req through every stage. The returned error is an *Error.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (Response, error) {
	resp, err := p.ingest(ctx, req)
	if err != nil {
		kind := KindOf(err)
		if p.observer != nil {
			p.observer.Rejected(kind)
		}

		level := slog.LevelDebug
		if kind == KindInternal {
			level = slog.LevelError
		}
		p.logger.Log(ctx, level, "ping rejected", "kind", kind.String(), "error", err)

		return Response{}, err
	}

	if p.observer != nil {
		p.observer.Accepted(resp.NewUser)
	}

	return resp, nil
}

func (p *Pipeline) ingest(ctx context.Context, req Request) (Response, error) {
	stage := StageReceived

	pub, sig, err := decode(req)
	if err != nil {
		err.Stage = stage
		return Response{}, err
	}

	now := p.now()
	nowMs := now.UnixMilli()

	if !p.cfg.TimestampUnit.fresh(req.Timestamp, now, p.cfg.Window) {
		return Response{}, reject(KindFreshness, stage, "timestamp outside the accepted window")
	}
	stage = StageTimestampChecked

	if !p.guard.Accept(req.Nonce, nowMs) {
		return Response{}, reject(KindReplay, stage, "nonce already used")
	}
	stage = StageNonceChecked

	msg := signature.CanonicalMessage(pub, req.Timestamp, req.Nonce)
	if !p.verifier.Verify(msg, sig, pub) {
		return Response{}, reject(KindAuth, stage, "signature does not verify")
	}
	stage = StageSignatureVerified

	id, derr := p.deriver.Derive(pub)
	if derr != nil {
		return Response{}, &Error{Kind: KindInternal, Stage: stage, Reason: "derive identity", Err: derr}
	}
	stage = StageIdentityDerived

	res, rerr := p.recorder.Record(ctx, calendar.DayOf(now), id)
	if rerr != nil {
		return Response{}, &Error{Kind: KindInternal, Stage: stage, Reason: "update statistics", Err: rerr}
	}
	stage = StageStructuresUpdated

	if p.cfg.SyncPersist {
		// The in-memory update stands. The failed scopes stay dirty and the
		// tracker has already reported them.
		if ferr := p.recorder.Flush(ctx); ferr != nil {
			p.logger.Warn("ping acknowledged before it was persisted",
				"error", &Error{Kind: KindPersistence, Stage: stage, Err: ferr})
		}
	}
	stage = StagePersisted

	p.logger.Debug("ping accepted", "day", res.Day.Date(), "new_user", res.NewUser, "stage", stage.String())

	return Response{
		Success: true,
		Day:     res.Day.Date(),
		NewUser: res.NewUser,
		DAU:     res.DAU,
	}, nil
}

// decode checks the presence and shape of every field.
func decode(req Request) ([]byte, []byte, *Error) {
	switch {
	case req.PublicKey == "":
		return nil, nil, reject(KindValidation, StageReceived, "publicKey is required")
	case req.Timestamp == 0:
		return nil, nil, reject(KindValidation, StageReceived, "timestamp is required")
	case req.Nonce == "":
		return nil, nil, reject(KindValidation, StageReceived, "nonce is required")
	case req.Signature == "":
		return nil, nil, reject(KindValidation, StageReceived, "signature is required")
	}

	if len(req.Nonce) > MaxNonceLen {
		return nil, nil, reject(KindValidation, StageReceived,
			fmt.Sprintf("nonce must be at most %d bytes", MaxNonceLen))
	}

	pub, err := hex.DecodeString(req.PublicKey)
	if err != nil || len(pub) != PublicKeySize {
		return nil, nil, reject(KindValidation, StageReceived,
			fmt.Sprintf("publicKey must be %d hex-encoded bytes", PublicKeySize))
	}

	sig, err := hex.DecodeString(req.Signature)
	if err != nil || len(sig) != SignatureSize {
		return nil, nil, reject(KindValidation, StageReceived,
			fmt.Sprintf("signature must be %d hex-encoded bytes", SignatureSize))
	}

	return pub, sig, nil
}

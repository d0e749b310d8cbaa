package redemption

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"giftcode-redeemer/pkg/captcha"
	"giftcode-redeemer/pkg/gameapi"
)

var tracer = otel.Tracer("giftcode-redeemer/services/redemption")

// GameAPI is the remote game service as seen by one item.
type GameAPI interface {
	CheckIdentity(ctx context.Context, sess *gameapi.Session, fid string) (*gameapi.Player, error)
	FetchChallenge(ctx context.Context, sess *gameapi.Session, fid string) ([]byte, error)
	SubmitRedemption(ctx context.Context, sess *gameapi.Session, fid, code, answer string) (*gameapi.Response, error)
}

// Solver turns a captcha image into its text.
type Solver interface {
	Solve(ctx context.Context, img []byte) (string, error)
}

// History is the subset of the Ledger the engine depends on.
type History interface {
	Record(ctx context.Context, fid, code string) (bool, error)
	Exists(ctx context.Context, fid, code string) (bool, error)
	Redeemed(ctx context.Context, code string, fids []string) (map[string]struct{}, error)
}

type Policy struct {
	FetchAttempts int
	SolveAttempts int
	SolveDelay    time.Duration
	OuterAttempts int
	MaxBackoff    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		FetchAttempts: 3,
		SolveAttempts: 3,
		SolveDelay:    2 * time.Second,
		OuterAttempts: 5,
		MaxBackoff:    30 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.FetchAttempts <= 0 {
		p.FetchAttempts = d.FetchAttempts
	}
	if p.SolveAttempts <= 0 {
		p.SolveAttempts = d.SolveAttempts
	}
	if p.SolveDelay < 0 {
		p.SolveDelay = 0
	}
	if p.OuterAttempts <= 0 {
		p.OuterAttempts = d.OuterAttempts
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	return p
}

type backoffRule struct {
	base       time.Duration
	multiplier float64
}

// Challenge failures wait the longest; the captcha endpoint throttles hardest.
var backoffRules = map[gameapi.FailureCategory]backoffRule{
	gameapi.FailureChallenge: {base: 3 * time.Second, multiplier: 2},
	gameapi.FailureAuth:      {base: 2 * time.Second, multiplier: 2},
	gameapi.FailureNetwork:   {base: 1 * time.Second, multiplier: 2},
	gameapi.FailureOther:     {base: 1 * time.Second, multiplier: 1.5},
}

func newBackOff(category gameapi.FailureCategory, maxInterval time.Duration) *backoff.ExponentialBackOff {
	rule, ok := backoffRules[category]
	if !ok {
		rule = backoffRules[gameapi.FailureOther]
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     rule.base,
		RandomizationFactor: 0,
		Multiplier:          rule.multiplier,
		MaxInterval:         maxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Redeemer drives one item through identity check, captcha fetch, captcha
// solve and submit.
type Redeemer struct {
	api     GameAPI
	solver  Solver
	history History
	policy  Policy
	sleep   SleepFunc
}

type RedeemerOption func(*Redeemer)

func WithPolicy(p Policy) RedeemerOption {
	return func(r *Redeemer) { r.policy = p.withDefaults() }
}

func WithSleep(fn SleepFunc) RedeemerOption {
	return func(r *Redeemer) { r.sleep = fn }
}

func NewRedeemer(api GameAPI, solver Solver, history History, opts ...RedeemerOption) *Redeemer {
	r := &Redeemer{
		api:     api,
		solver:  solver,
		history: history,
		policy:  DefaultPolicy(),
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// failure is the last error observed by an item.
type failure struct {
	state    State
	category gameapi.FailureCategory
	reason   string
	raw      string
}

func failureFrom(state State, err error) failure {
	f := failure{state: state, category: gameapi.FailureOther, reason: err.Error()}

	var apiErr *gameapi.Error
	if errors.As(err, &apiErr) {
		f.category = apiErr.Category
		f.reason = apiErr.Message
		f.raw = string(apiErr.Raw)
	}
	var oracleErr *captcha.Error
	if errors.As(err, &oracleErr) {
		f.reason = oracleErr.Error()
	}
	return f
}

// Redeem runs the state machine for item and always returns a terminal
// Result. sess must not be shared with another goroutine while Redeem runs.
func (r *Redeemer) Redeem(ctx context.Context, sess *gameapi.Session, item Item, code string) Result {
	ctx, span := tracer.Start(ctx, "redemption.item")
	defer span.End()
	span.SetAttributes(attribute.String("fid", item.FID), attribute.String("code", code))

	start := time.Now()
	res := r.redeem(ctx, sess, item, code)

	redemptionsTotal.WithLabelValues(res.Status.String()).Inc()
	itemDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.String("status", res.Status.String()),
		attribute.Int("attempts", res.Attempts),
		attribute.Int("challenges", res.Challenges),
	)
	if res.Status == StatusFailed {
		span.SetStatus(codes.Error, res.Reason)
	}
	return res
}

func (r *Redeemer) redeem(ctx context.Context, sess *gameapi.Session, item Item, code string) Result {
	zapLog := zap.L().With(zap.String("fid", item.FID), zap.String("code", code))
	res := Result{FID: item.FID, Nickname: item.Name}

	exists, err := r.history.Exists(ctx, item.FID, code)
	if err != nil {
		zapLog.Warn("history lookup failed, continuing", zap.Error(err))
	}
	if exists {
		res.Status, res.Reason = StatusSkipped, "already redeemed"
		return res
	}

	var (
		state    = StateCheckIdentity
		last     failure
		backoffs = make(map[gameapi.FailureCategory]*backoff.ExponentialBackOff)
	)

	for attempt := 1; attempt <= r.policy.OuterAttempts; attempt++ {
		res.Attempts = attempt

		if attempt > 1 {
			b, ok := backoffs[last.category]
			if !ok {
				b = newBackOff(last.category, r.policy.MaxBackoff)
				backoffs[last.category] = b
			}
			wait := b.NextBackOff()
			outerRetries.WithLabelValues(last.category.String()).Inc()
			zapLog.Info("retrying item",
				zap.Int("attempt", attempt),
				zap.String("category", last.category.String()),
				zap.String("from", string(state)),
				zap.Duration("wait", wait),
			)
			if err := r.sleep(ctx, wait); err != nil {
				return failed(res, fmt.Sprintf("interrupted: %v", err), last.raw)
			}
		}

		if state == StateCheckIdentity {
			player, err := r.api.CheckIdentity(ctx, sess, item.FID)
			if err != nil {
				f := failureFrom(StateCheckIdentity, err)
				return failed(res, "identity check failed: "+f.reason, f.raw)
			}
			if player.Nickname != "" {
				res.Nickname = player.Nickname
			}
			state = StateFetchChallenge
		}

		img, f, ok := r.fetchChallenge(ctx, sess, item.FID, &res)
		if !ok {
			return failed(res, f.reason, f.raw)
		}

		answer, f, ok := r.solveChallenge(ctx, img)
		if !ok {
			return failed(res, f.reason, f.raw)
		}
		res.Challenges++
		challengeCycles.Inc()

		resp, err := r.api.SubmitRedemption(ctx, sess, item.FID, code, answer)
		var verdict gameapi.Verdict
		raw := ""
		if err != nil {
			f := failureFrom(StateSubmit, err)
			verdict = gameapi.Verdict{Kind: gameapi.VerdictRetry, Category: f.category, Reason: f.reason}
			raw = f.raw
		} else {
			verdict = gameapi.ClassifyRedemption(resp)
			raw = string(resp.Raw)
		}

		switch verdict.Kind {
		case gameapi.VerdictSuccess:
			inserted, err := r.history.Record(ctx, item.FID, code)
			if err != nil {
				zapLog.Error("redeemed but failed to write history", zap.Error(err))
				res.Status, res.Reason = StatusSuccess, "redeemed; history write failed: "+err.Error()
				return res
			}
			if !inserted {
				zapLog.Warn("history already had this pair")
			}
			res.Status, res.Reason = StatusSuccess, "redeemed"
			return res

		case gameapi.VerdictAlreadyRedeemed:
			res.Status, res.Reason = StatusSkipped, "already redeemed: "+verdict.Reason
			return res

		case gameapi.VerdictFailed:
			return failed(res, verdict.Reason, raw)
		}

		last = failure{state: StateSubmit, category: verdict.Category, reason: verdict.Reason, raw: raw}
		if verdict.Category == gameapi.FailureAuth {
			sess.Clear()
			state = StateCheckIdentity
		} else {
			state = StateFetchChallenge
		}
	}

	return failed(res, fmt.Sprintf("gave up after %d attempts: %s", r.policy.OuterAttempts, last.reason), last.raw)
}

// fetchChallenge makes up to FetchAttempts immediate attempts. An auth failure
// clears the session and re-runs the identity check before the next attempt.
func (r *Redeemer) fetchChallenge(ctx context.Context, sess *gameapi.Session, fid string, res *Result) ([]byte, failure, bool) {
	var last failure
	for i := 1; i <= r.policy.FetchAttempts; i++ {
		img, err := r.api.FetchChallenge(ctx, sess, fid)
		if err == nil {
			return img, failure{}, true
		}
		last = failureFrom(StateFetchChallenge, err)
		zap.L().Debug("captcha fetch failed",
			zap.String("fid", fid),
			zap.Int("try", i),
			zap.String("category", last.category.String()),
			zap.Error(err),
		)
		if err := ctx.Err(); err != nil {
			last.reason = fmt.Sprintf("interrupted: %v", err)
			return nil, last, false
		}

		if last.category == gameapi.FailureAuth && i < r.policy.FetchAttempts {
			sess.Clear()
			player, err := r.api.CheckIdentity(ctx, sess, fid)
			if err != nil {
				f := failureFrom(StateCheckIdentity, err)
				f.reason = "identity check failed: " + f.reason
				return nil, f, false
			}
			if player.Nickname != "" {
				res.Nickname = player.Nickname
			}
		}
	}
	last.reason = fmt.Sprintf("captcha fetch failed after %d attempts: %s", r.policy.FetchAttempts, last.reason)
	return nil, last, false
}

func (r *Redeemer) solveChallenge(ctx context.Context, img []byte) (string, failure, bool) {
	var last failure
	for i := 1; i <= r.policy.SolveAttempts; i++ {
		if i > 1 {
			if err := r.sleep(ctx, r.policy.SolveDelay); err != nil {
				last.reason = fmt.Sprintf("interrupted: %v", err)
				return "", last, false
			}
		}
		answer, err := r.solver.Solve(ctx, img)
		if err == nil && answer != "" {
			return answer, failure{}, true
		}
		if err == nil {
			err = errors.New("empty captcha answer")
		}
		last = failureFrom(StateSolveChallenge, err)
	}
	last.reason = fmt.Sprintf("captcha solve failed after %d attempts: %s", r.policy.SolveAttempts, last.reason)
	return "", last, false
}

func failed(res Result, reason, raw string) Result {
	res.Status = StatusFailed
	res.Reason = reason
	res.RawError = raw
	return res
}

package redemption

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"giftcode-redeemer/pkg/errutil"
	"giftcode-redeemer/pkg/gameapi"
)

var codePattern = regexp.MustCompile(`^[A-Za-z0-9]{4,20}$`)

const (
	DefaultConcurrency = 2
	DefaultItemDelay   = time.Second

	reasonAborted   = "aborted before start"
	reasonDuplicate = "duplicate item"
)

// ProgressFunc is called once per item, never concurrently, in completion
// order.
type ProgressFunc func(processed, total int, r Result)

type BatchConfig struct {
	Concurrency int
	ItemDelay   time.Duration
}

type runOptions struct {
	concurrency int
	itemDelay   time.Duration
	abort       func() bool
}

type RunOption func(*runOptions)

// WithAbort installs a check consulted before each item starts. It may be
// called from several workers at once.
func WithAbort(fn func() bool) RunOption {
	return func(o *runOptions) { o.abort = fn }
}

func WithConcurrency(n int) RunOption {
	return func(o *runOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

func WithItemDelay(d time.Duration) RunOption {
	return func(o *runOptions) {
		if d >= 0 {
			o.itemDelay = d
		}
	}
}

// Batch runs the per-item state machine over many accounts with a fixed
// number of worker slots. Each slot owns its session.
type Batch struct {
	redeemer *Redeemer
	history  History
	cfg      BatchConfig
}

func NewBatch(redeemer *Redeemer, history History, cfg BatchConfig) *Batch {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.ItemDelay < 0 {
		cfg.ItemDelay = 0
	}
	return &Batch{redeemer: redeemer, history: history, cfg: cfg}
}

// ValidateRequest rejects a malformed code or item list before any network
// activity.
func ValidateRequest(items []Item, code string) error {
	if !codePattern.MatchString(code) {
		return errutil.ValidationFailed("invalid gift code", nil, errutil.WithDetails(errutil.Detail{
			Field:   "code",
			Message: "must be 4 to 20 letters or digits",
		}))
	}
	if len(items) == 0 {
		return errutil.ValidationFailed("no items to redeem", nil, errutil.WithDetails(errutil.Detail{
			Field:   "items",
			Message: "must not be empty",
		}))
	}
	for i, it := range items {
		if strings.TrimSpace(it.FID) == "" {
			return errutil.ValidationFailed("invalid item", nil, errutil.WithDetails(errutil.Detail{
				Field:   fmt.Sprintf("items[%d].fid", i),
				Message: "must not be empty",
			}))
		}
	}
	return nil
}

// NormalizeItems returns a copy of items with surrounding whitespace removed
// from fids and names, so " 1001" and "1001" are the same account.
func NormalizeItems(items []Item) []Item {
	out := make([]Item, len(items))
	for i, it := range items {
		out[i] = Item{FID: strings.TrimSpace(it.FID), Name: strings.TrimSpace(it.Name)}
	}
	return out
}

// Run redeems code for every item and returns one Result per item in
// completion order. Only validation returns an error; once items start,
// every outcome is reported as a Result.
func (b *Batch) Run(ctx context.Context, items []Item, code string, onProgress ProgressFunc, opts ...RunOption) ([]Result, error) {
	if err := ValidateRequest(items, code); err != nil {
		return nil, err
	}
	items = NormalizeItems(items)

	o := runOptions{concurrency: b.cfg.Concurrency, itemDelay: b.cfg.ItemDelay}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := tracer.Start(ctx, "redemption.batch")
	defer span.End()
	span.SetAttributes(attribute.String("code", code), attribute.Int("items", len(items)))

	zapLog := zap.L().With(zap.String("code", code), zap.Int("total", len(items)))

	fids := make([]string, len(items))
	for i, it := range items {
		fids[i] = it.FID
	}
	// the unique index still rejects a second credit, so a failed lookup
	// only costs network calls
	redeemed, err := b.history.Redeemed(ctx, code, fids)
	if err != nil {
		zapLog.Warn("history lookup failed, running without pre-filter", zap.Error(err))
		redeemed = map[string]struct{}{}
	}

	total := len(items)
	results := make([]Result, 0, total)
	emit := func(r Result) {
		results = append(results, r)
		if onProgress != nil {
			onProgress(len(results), total, r)
		}
	}

	work := make([]Item, 0, total)
	seen := make(map[string]struct{}, total)
	for _, it := range items {
		if _, ok := redeemed[it.FID]; ok {
			redemptionsTotal.WithLabelValues(StatusSkipped.String()).Inc()
			emit(Result{FID: it.FID, Nickname: it.Name, Status: StatusSkipped, Reason: "already redeemed"})
			continue
		}
		if _, ok := seen[it.FID]; ok {
			emit(duplicate(it))
			continue
		}
		seen[it.FID] = struct{}{}
		work = append(work, it)
	}

	zapLog.Info("batch started", zap.Int("pending", len(work)), zap.Int("prefiltered", total-len(work)), zap.Int("concurrency", o.concurrency))

	out := make(chan Result, len(work))
	var (
		next    atomic.Int64
		stopped atomic.Bool
		g       errgroup.Group
	)
	shouldStop := func() bool {
		if stopped.Load() {
			return true
		}
		if ctx.Err() != nil || (o.abort != nil && o.abort()) {
			stopped.Store(true)
			return true
		}
		return false
	}

	slots := min(o.concurrency, len(work))
	for slot := 0; slot < slots; slot++ {
		g.Go(func() error {
			sess := &gameapi.Session{}
			first := true
			for {
				i := int(next.Add(1)) - 1
				if i >= len(work) {
					return nil
				}
				item := work[i]

				if shouldStop() {
					out <- aborted(item)
					continue
				}
				if !first {
					if err := b.redeemer.sleep(ctx, o.itemDelay); err != nil {
						stopped.Store(true)
						out <- aborted(item)
						continue
					}
				}
				first = false

				out <- b.redeemer.Redeem(ctx, sess, item, code)
			}
		})
	}

	go func() {
		_ = g.Wait()
		close(out)
	}()

	for r := range out {
		emit(r)
	}

	s := Summarize(results)
	span.SetAttributes(
		attribute.Int("success", s.Success),
		attribute.Int("skipped", s.Skipped),
		attribute.Int("failed", s.Failed),
	)
	zapLog.Info("batch finished",
		zap.Int("success", s.Success),
		zap.Int("skipped", s.Skipped),
		zap.Int("failed", s.Failed),
	)
	return results, nil
}

func duplicate(item Item) Result {
	redemptionsTotal.WithLabelValues(StatusSkipped.String()).Inc()
	return Result{FID: item.FID, Nickname: item.Name, Status: StatusSkipped, Reason: reasonDuplicate}
}

func aborted(item Item) Result {
	redemptionsTotal.WithLabelValues(StatusFailed.String()).Inc()
	return Result{FID: item.FID, Nickname: item.Name, Status: StatusFailed, Reason: reasonAborted}
}

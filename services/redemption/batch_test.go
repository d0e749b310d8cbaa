package redemption

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"giftcode-redeemer/pkg/errutil"
	"giftcode-redeemer/pkg/gameapi"
)

func makeItems(n int) []Item {
	items := make([]Item, n)
	for i := range items {
		items[i] = Item{FID: fmt.Sprintf("%d", 1000+i), Name: fmt.Sprintf("name-%d", i)}
	}
	return items
}

type progressLog struct {
	mu        sync.Mutex
	processed []int
	totals    []int
	results   []Result
	active    int
	overlap   bool
}

func (p *progressLog) record(processed, total int, r Result) {
	p.mu.Lock()
	p.active++
	if p.active > 1 {
		p.overlap = true
	}
	p.mu.Unlock()

	time.Sleep(time.Millisecond)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.active--
	p.processed = append(p.processed, processed)
	p.totals = append(p.totals, total)
	p.results = append(p.results, r)
}

func requireAccounted(t *testing.T, items []Item, results []Result) {
	t.Helper()
	require.Len(t, results, len(items))

	s := Summarize(results)
	require.Equal(t, len(items), s.Success+s.Skipped+s.Failed)

	seen := make(map[string]int)
	for _, r := range results {
		seen[r.FID]++
	}
	for _, it := range items {
		require.Equal(t, 1, seen[it.FID], "fid %s must be reported exactly once", it.FID)
	}
}

func TestBatchPrefiltersHistory(t *testing.T) {
	f := newFixture(t)
	items := makeItems(10)
	for _, it := range items[:3] {
		_, err := f.ledger.Record(context.Background(), it.FID, testCode)
		require.NoError(t, err)
	}

	var progress progressLog
	results, err := f.newBatch(2, 0).Run(context.Background(), items, testCode, progress.record)
	require.NoError(t, err)

	requireAccounted(t, items, results)
	require.Equal(t, 7, f.api.identityCalls)
	require.Equal(t, 7, f.api.submitCalls)

	s := Summarize(results)
	require.Equal(t, 7, s.Success)
	require.Equal(t, 3, s.Skipped)

	for i, r := range results[:3] {
		require.Equal(t, StatusSkipped, r.Status)
		require.Equal(t, items[i].FID, r.FID)
	}
	require.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, progress.processed)
	for _, total := range progress.totals {
		require.Equal(t, 10, total)
	}
	require.False(t, progress.overlap)
	require.Equal(t, int64(10), f.historyCount(t, testCode))
}

func TestBatchIsIdempotentAcrossRuns(t *testing.T) {
	f := newFixture(t)
	items := makeItems(4)
	b := f.newBatch(2, 0)

	first, err := b.Run(context.Background(), items, testCode, nil)
	require.NoError(t, err)
	require.Equal(t, 4, Summarize(first).Success)
	callsAfterFirst := f.api.calls()

	second, err := b.Run(context.Background(), items, testCode, nil)
	require.NoError(t, err)
	require.Equal(t, 4, Summarize(second).Skipped)
	require.Equal(t, callsAfterFirst, f.api.calls())
	require.Equal(t, int64(4), f.historyCount(t, testCode))
}

func TestBatchAccountsForMixedOutcomes(t *testing.T) {
	f := newFixture(t)
	f.api.identity = func(fid string, _ int) (*gameapi.Player, error) {
		if fid == "1001" {
			return nil, apiError(gameapi.OpCheckIdentity, gameapi.FailureOther, 0, "role not exist.")
		}
		return &gameapi.Player{FID: fid, Nickname: "p" + fid}, nil
	}
	f.api.submit = func(fid string, _ int) (*gameapi.Response, error) {
		switch fid {
		case "1002":
			return upstreamResponse(gameapi.ErrCodeReceived, gameapi.MsgReceived), nil
		case "1003":
			return upstreamResponse(gameapi.ErrCodeUsed, "USED."), nil
		}
		return successResponse(), nil
	}

	items := makeItems(6)
	results, err := f.newBatch(3, 0).Run(context.Background(), items, testCode, nil)
	require.NoError(t, err)

	requireAccounted(t, items, results)
	s := Summarize(results)
	require.Equal(t, 3, s.Success)
	require.Equal(t, 1, s.Skipped)
	require.Equal(t, 2, s.Failed)
	require.Equal(t, int64(3), f.historyCount(t, testCode))
}

func TestBatchRespectsConcurrencyAndSessions(t *testing.T) {
	f := newFixture(t)
	f.api.hold = 5 * time.Millisecond

	items := makeItems(8)
	results, err := f.newBatch(2, 0).Run(context.Background(), items, testCode, nil)
	require.NoError(t, err)

	requireAccounted(t, items, results)
	require.LessOrEqual(t, f.api.maxInFlight.Load(), int32(2))
	require.LessOrEqual(t, len(f.api.sessions), 2)
	require.NotEmpty(t, f.api.sessions)
}

func TestBatchPacesItemsWithinSlot(t *testing.T) {
	f := newFixture(t)

	results, err := f.newBatch(1, time.Second).Run(context.Background(), makeItems(3), testCode, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, []time.Duration{time.Second, time.Second}, f.sleep.recorded())
}

func TestBatchAbortAtItemBoundary(t *testing.T) {
	f := newFixture(t)
	items := makeItems(10)

	results, err := f.newBatch(1, 0).Run(context.Background(), items, testCode, nil, WithAbort(func() bool {
		return f.api.started.Load() >= 2
	}))
	require.NoError(t, err)

	requireAccounted(t, items, results)
	s := Summarize(results)
	require.Equal(t, 2, s.Success)
	require.Equal(t, 8, s.Failed)
	for _, r := range results[2:] {
		require.Equal(t, reasonAborted, r.Reason)
	}
	require.Equal(t, 2, f.api.identityCalls)
}

func TestBatchCanceledContextFailsRemaining(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.api.submit = func(string, int) (*gameapi.Response, error) {
		cancel()
		return successResponse(), nil
	}

	items := makeItems(5)
	results, err := f.newBatch(1, 0).Run(ctx, items, testCode, nil)
	require.NoError(t, err)

	requireAccounted(t, items, results)
	require.Equal(t, 1, f.api.submitCalls)
	require.Equal(t, 4, Summarize(results).Failed)
}

func TestBatchDuplicateItemsReportedOnce(t *testing.T) {
	f := newFixture(t)
	items := []Item{{FID: "1"}, {FID: "2"}, {FID: "1"}}

	results, err := f.newBatch(2, 0).Run(context.Background(), items, testCode, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, StatusSkipped, results[0].Status)
	require.Equal(t, "duplicate item", results[0].Reason)
	require.Equal(t, 2, f.api.identityCalls)
}

func TestBatchValidation(t *testing.T) {
	f := newFixture(t)
	b := f.newBatch(2, 0)

	cases := map[string]struct {
		items []Item
		code  string
	}{
		"short code":    {makeItems(1), "abc"},
		"long code":     {makeItems(1), "ABCDEFGHIJKLMNOPQRSTU"},
		"symbol code":   {makeItems(1), "GIFT-2024"},
		"no items":      {nil, testCode},
		"empty fid":     {[]Item{{FID: "1"}, {FID: "  "}}, testCode},
		"empty code":    {makeItems(1), ""},
		"unicode digit": {makeItems(1), "GIFT２０２４"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			results, err := b.Run(context.Background(), tc.items, tc.code, nil)
			require.Error(t, err)
			require.True(t, errutil.IsStatus(err, errutil.StatusValidationFailed))
			require.Nil(t, results)
		})
	}
	require.Zero(t, f.api.calls())
}

type failingHistory struct{ History }

func (failingHistory) Redeemed(context.Context, string, []string) (map[string]struct{}, error) {
	return nil, errors.New("db down")
}

func TestBatchHistoryErrorRunsWithoutPrefilter(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.Record(context.Background(), "1000", testCode)
	require.NoError(t, err)

	b := NewBatch(f.r, failingHistory{}, BatchConfig{})
	items := makeItems(3)
	results, err := b.Run(context.Background(), items, testCode, nil)
	require.NoError(t, err)

	requireAccounted(t, items, results)
	s := Summarize(results)
	require.Equal(t, 2, s.Success)
	require.Equal(t, 1, s.Skipped)
	require.Equal(t, 2, f.api.identityCalls)
}

func TestBatchTrimsFIDs(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.Record(context.Background(), "1001", testCode)
	require.NoError(t, err)

	items := []Item{{FID: " 1001", Name: "a"}, {FID: "1002 "}, {FID: "1002"}}
	results, err := f.newBatch(2, 0).Run(context.Background(), items, testCode, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)

	byReason := make(map[string]string)
	for _, r := range results {
		require.NotContains(t, r.FID, " ")
		byReason[r.Reason] = r.FID
	}
	require.Equal(t, "1001", byReason["already redeemed"])
	require.Equal(t, "1002", byReason["duplicate item"])
	require.Equal(t, 1, f.api.identityCalls)

	exists, err := f.ledger.Exists(context.Background(), "1002", testCode)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestValidCodes(t *testing.T) {
	for _, code := range []string{"abcd", "GIFT2024", "A1b2C3d4E5f6G7h8I9j0"} {
		require.NoError(t, ValidateRequest(makeItems(1), code), code)
	}
}

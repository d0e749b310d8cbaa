package redemption

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"giftcode-redeemer/pkg/captcha"
	"giftcode-redeemer/pkg/gameapi"
	"giftcode-redeemer/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func successResponse() *gameapi.Response {
	return &gameapi.Response{Code: 0, ErrCode: gameapi.ErrCodeSuccess, Message: gameapi.MsgSuccess, Raw: []byte(`{"code":0,"msg":"SUCCESS","err_code":20000}`)}
}

func upstreamResponse(code gameapi.ErrCode, msg string) *gameapi.Response {
	return &gameapi.Response{Code: 1, ErrCode: code, Message: msg, Raw: []byte(`{"code":1,"msg":"` + msg + `"}`)}
}

func sessionCookie(name, value string) *http.Response {
	return &http.Response{Header: http.Header{"Set-Cookie": {name + "=" + value}}}
}

// fakeAPI counts every call and answers through the per-call funcs. Nil funcs
// succeed.
type fakeAPI struct {
	mu sync.Mutex

	identityCalls int
	fetchCalls    int
	submitCalls   int

	identitySessionLens []int
	sessions            map[*gameapi.Session]struct{}

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	started     atomic.Int32
	hold        time.Duration

	identity func(fid string, n int) (*gameapi.Player, error)
	fetch    func(fid string, n int) ([]byte, error)
	submit   func(fid string, n int) (*gameapi.Response, error)
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{sessions: make(map[*gameapi.Session]struct{})}
}

func (f *fakeAPI) CheckIdentity(ctx context.Context, sess *gameapi.Session, fid string) (*gameapi.Player, error) {
	f.mu.Lock()
	f.identityCalls++
	n := f.identityCalls
	f.identitySessionLens = append(f.identitySessionLens, sess.Len())
	f.sessions[sess] = struct{}{}
	fn := f.identity
	f.mu.Unlock()

	f.started.Add(1)
	cur := f.inFlight.Add(1)
	for {
		prev := f.maxInFlight.Load()
		if cur <= prev || f.maxInFlight.CompareAndSwap(prev, cur) {
			break
		}
	}
	if f.hold > 0 {
		time.Sleep(f.hold)
	}

	var (
		p   *gameapi.Player
		err error
	)
	if fn != nil {
		p, err = fn(fid, n)
	} else {
		p = &gameapi.Player{FID: fid, Nickname: "player-" + fid}
	}
	if err != nil {
		f.inFlight.Add(-1)
		return nil, err
	}
	sess.Capture(sessionCookie("sid", fid))
	return p, nil
}

func (f *fakeAPI) FetchChallenge(ctx context.Context, sess *gameapi.Session, fid string) ([]byte, error) {
	f.mu.Lock()
	f.fetchCalls++
	n := f.fetchCalls
	fn := f.fetch
	f.mu.Unlock()

	if fn != nil {
		return fn(fid, n)
	}
	return []byte("png"), nil
}

func (f *fakeAPI) SubmitRedemption(ctx context.Context, sess *gameapi.Session, fid, code, answer string) (*gameapi.Response, error) {
	f.mu.Lock()
	f.submitCalls++
	n := f.submitCalls
	fn := f.submit
	f.mu.Unlock()

	defer f.inFlight.Add(-1)
	if fn != nil {
		return fn(fid, n)
	}
	return successResponse(), nil
}

func (f *fakeAPI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identityCalls + f.fetchCalls + f.submitCalls
}

type fakeSolver struct {
	calls atomic.Int32
	solve func(n int) (string, error)
}

func (f *fakeSolver) Solve(ctx context.Context, img []byte) (string, error) {
	n := int(f.calls.Add(1))
	if f.solve != nil {
		return f.solve(n)
	}
	return "ab12", nil
}

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
	err    error
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sleeps = append(s.sleeps, d)
	if s.err != nil {
		return s.err
	}
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

type fixture struct {
	api    *fakeAPI
	solver *fakeSolver
	sleep  *sleepRecorder
	ledger *Ledger
	node   *snowflake.Node
	r      *Redeemer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t, &RedemptionHistory{}, &RedemptionJob{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	f := &fixture{
		api:    newFakeAPI(),
		solver: &fakeSolver{},
		sleep:  &sleepRecorder{},
		ledger: NewLedger(db, node),
		node:   node,
	}
	f.r = NewRedeemer(f.api, f.solver, f.ledger, WithSleep(f.sleep.sleep))
	return f
}

func (f *fixture) newBatch(concurrency int, delay time.Duration) *Batch {
	return NewBatch(f.r, f.ledger, BatchConfig{Concurrency: concurrency, ItemDelay: delay})
}

func (f *fixture) historyCount(t *testing.T, code string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.ledger.db.Model(&RedemptionHistory{}).Where("code = ?", code).Count(&n).Error)
	return n
}

func apiError(op string, cat gameapi.FailureCategory, code gameapi.ErrCode, msg string) error {
	return &gameapi.Error{Op: op, Category: cat, Code: 1, ErrCode: code, Message: msg, Raw: []byte(`{"msg":"` + msg + `"}`)}
}

var errOracleDown = &captcha.Error{Op: "result", Message: "ERROR_NO_SLOT_AVAILABLE"}

package captcha

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeSolver struct {
	readyAfter int32
	answer     string
	failWith   string

	polls   atomic.Int32
	gotBody atomic.Value
}

func (f *fakeSolver) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/in.php", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("key") != "k" {
			_, _ = w.Write([]byte(`{"status":0,"request":"ERROR_WRONG_USER_KEY"}`))
			return
		}
		f.gotBody.Store(r.PostForm.Get("body"))
		_, _ = w.Write([]byte(`{"status":1,"request":"42"}`))
	})
	mux.HandleFunc("/res.php", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "42", r.URL.Query().Get("id"))
		require.Equal(t, "get", r.URL.Query().Get("action"))
		n := f.polls.Add(1)
		switch {
		case f.failWith != "":
			_, _ = w.Write([]byte(`{"status":0,"request":"` + f.failWith + `"}`))
		case n < f.readyAfter:
			_, _ = w.Write([]byte(`{"status":0,"request":"CAPCHA_NOT_READY"}`))
		default:
			_, _ = w.Write([]byte(`{"status":1,"request":"` + f.answer + `"}`))
		}
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeSolver, maxPolls int) *Client {
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, APIKey: "k", PollInterval: time.Millisecond, MaxPolls: maxPolls})
}

func TestSolvePollsUntilReady(t *testing.T) {
	f := &fakeSolver{readyAfter: 3, answer: "ab12"}
	c := newTestClient(t, f, 5)

	answer, err := c.Solve(context.Background(), []byte("png"))
	require.NoError(t, err)
	require.Equal(t, "ab12", answer)
	require.Equal(t, int32(3), f.polls.Load())
	require.Equal(t, base64.StdEncoding.EncodeToString([]byte("png")), f.gotBody.Load())
}

func TestSolvePollExhausted(t *testing.T) {
	f := &fakeSolver{readyAfter: 100}
	c := newTestClient(t, f, 3)

	_, err := c.Solve(context.Background(), []byte("png"))
	require.ErrorIs(t, err, ErrPollExhausted)
	require.Equal(t, int32(3), f.polls.Load())
}

func TestSolveTerminalErrorStopsPolling(t *testing.T) {
	f := &fakeSolver{failWith: "ERROR_CAPTCHA_UNSOLVABLE"}
	c := newTestClient(t, f, 5)

	_, err := c.Solve(context.Background(), []byte("png"))
	var svcErr *Error
	require.True(t, errors.As(err, &svcErr))
	require.Equal(t, "ERROR_CAPTCHA_UNSOLVABLE", svcErr.Message)
	require.Equal(t, int32(1), f.polls.Load())
}

func TestSolveRejectedSubmit(t *testing.T) {
	f := &fakeSolver{}
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	c := NewClient(Config{BaseURL: srv.URL, APIKey: "wrong", PollInterval: time.Millisecond})

	_, err := c.Solve(context.Background(), []byte("png"))
	var svcErr *Error
	require.True(t, errors.As(err, &svcErr))
	require.Equal(t, "submit", svcErr.Op)
	require.Zero(t, f.polls.Load())
}

func TestSolveEmptyImage(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://127.0.0.1:0"})
	_, err := c.Solve(context.Background(), nil)
	require.ErrorIs(t, err, ErrEmptyImage)
}

func TestSolveCanceled(t *testing.T) {
	f := &fakeSolver{readyAfter: 1000}
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	c := NewClient(Config{BaseURL: srv.URL, APIKey: "k", PollInterval: 50 * time.Millisecond, MaxPolls: 1000})

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	_, err := c.Solve(ctx, []byte("png"))
	require.Error(t, err)
	require.Less(t, f.polls.Load(), int32(10))
}

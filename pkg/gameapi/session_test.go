package gameapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func responseWithCookies(cookies ...*http.Cookie) *http.Response {
	rec := httptest.NewRecorder()
	for _, c := range cookies {
		http.SetCookie(rec, c)
	}
	return rec.Result()
}

func TestSessionCaptureNewestWins(t *testing.T) {
	var s Session
	require.True(t, s.Empty())

	s.Capture(responseWithCookies(&http.Cookie{Name: "sid", Value: "one"}, &http.Cookie{Name: "lang", Value: "en"}))
	s.Capture(responseWithCookies(&http.Cookie{Name: "sid", Value: "two"}))

	require.Equal(t, 2, s.Len())
	v, ok := s.Value("sid")
	require.True(t, ok)
	require.Equal(t, "two", v)
}

func TestSessionExpiredCookieDeletes(t *testing.T) {
	var s Session
	s.Capture(responseWithCookies(&http.Cookie{Name: "sid", Value: "one"}))
	s.Capture(responseWithCookies(&http.Cookie{Name: "sid", Value: "", MaxAge: -1}))

	_, ok := s.Value("sid")
	require.False(t, ok)
}

func TestSessionApplyAndClear(t *testing.T) {
	var s Session
	s.Capture(responseWithCookies(&http.Cookie{Name: "b", Value: "2"}, &http.Cookie{Name: "a", Value: "1"}))

	req := httptest.NewRequest(http.MethodPost, "/player", nil)
	s.Apply(req)
	require.Equal(t, "a=1; b=2", req.Header.Get("Cookie"))

	s.Clear()
	require.True(t, s.Empty())

	req = httptest.NewRequest(http.MethodPost, "/player", nil)
	s.Apply(req)
	require.Empty(t, req.Header.Get("Cookie"))
}

func TestSessionCaptureNil(t *testing.T) {
	var s Session
	s.Capture(nil)
	require.True(t, s.Empty())
}

package gameapi

import (
	"net/http"
	"sort"
	"sync"
)

// Session holds the cookies the game API issues after an identity check.
// The zero value is an empty, ready to use session. A Session is safe for
// concurrent use, but callers running items in parallel should give each
// worker its own Session: the upstream ties a captcha to the session that
// requested it.
type Session struct {
	mu      sync.Mutex
	cookies map[string]*http.Cookie
}

// Capture stores every cookie set by resp, replacing earlier cookies with the
// same name. Cookies the server expires are dropped.
func (s *Session) Capture(resp *http.Response) {
	if resp == nil {
		return
	}
	cookies := resp.Cookies()
	if len(cookies) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cookies == nil {
		s.cookies = make(map[string]*http.Cookie, len(cookies))
	}
	for _, c := range cookies {
		if c.MaxAge < 0 {
			delete(s.cookies, c.Name)
			continue
		}
		s.cookies[c.Name] = &http.Cookie{Name: c.Name, Value: c.Value}
	}
}

// Apply attaches the held cookies to req in name order.
func (s *Session) Apply(req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.cookies))
	for name := range s.cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		req.AddCookie(s.cookies[name])
	}
}

// Clear drops all cookies, forcing a fresh identity check.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookies = nil
}

func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cookies)
}

func (s *Session) Empty() bool {
	return s.Len() == 0
}

// Value returns the cookie value stored under name.
func (s *Session) Value(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cookies[name]
	if !ok {
		return "", false
	}
	return c.Value, true
}

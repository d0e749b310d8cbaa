package gameapi

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// ErrCode is the upstream "err_code" field. The API sends it as a number, a
// quoted number or an empty string; absent and empty both decode to 0.
type ErrCode int

func (c *ErrCode) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*c = 0
		return nil
	}
	s := string(b)
	if unq, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unq)
	}
	if s == "" {
		*c = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*c = ErrCode(n)
	return nil
}

func (c ErrCode) MarshalJSON() ([]byte, error) {
	return json.Marshal(int(c))
}

// Upstream error codes. Values are fixed by the game API.
const (
	ErrCodeSuccess            ErrCode = 20000
	ErrCodeTimeoutRetry       ErrCode = 40004
	ErrCodeUsed               ErrCode = 40005
	ErrCodeTimeError          ErrCode = 40007
	ErrCodeReceived           ErrCode = 40008
	ErrCodeNotLogin           ErrCode = 40009
	ErrCodeSameTypeExchange   ErrCode = 40011
	ErrCodeCDKNotFound        ErrCode = 40014
	ErrCodeCaptchaTooFrequent ErrCode = 40101
	ErrCodeCaptchaCheckError  ErrCode = 40103
)

// Upstream messages, used only when err_code is missing.
const (
	MsgSuccess            = "SUCCESS"
	MsgReceived           = "RECEIVED."
	MsgSameTypeExchange   = "SAME TYPE EXCHANGE."
	MsgCaptchaCheckError  = "CAPTCHA CHECK ERROR."
	MsgCaptchaTooFrequent = "CAPTCHA CHECK TOO FREQUENT."
	MsgNotLogin           = "NOT LOGIN."
	MsgTimeoutRetry       = "TIMEOUT RETRY."
)

// FailureCategory drives retry and backoff decisions.
type FailureCategory int

const (
	FailureOther FailureCategory = iota
	FailureChallenge
	FailureAuth
	FailureNetwork
)

func (c FailureCategory) String() string {
	switch c {
	case FailureChallenge:
		return "challenge"
	case FailureAuth:
		return "auth"
	case FailureNetwork:
		return "network"
	default:
		return "other"
	}
}

// Categorize maps an upstream error to a FailureCategory.
func Categorize(code ErrCode, msg string) FailureCategory {
	switch code {
	case ErrCodeCaptchaCheckError, ErrCodeCaptchaTooFrequent:
		return FailureChallenge
	case ErrCodeNotLogin:
		return FailureAuth
	case ErrCodeTimeoutRetry:
		return FailureNetwork
	case 0:
	default:
		return FailureOther
	}

	m := strings.ToUpper(msg)
	switch {
	case strings.Contains(m, "CAPTCHA"):
		return FailureChallenge
	case strings.Contains(m, "LOGIN"):
		return FailureAuth
	case strings.Contains(m, "TIMEOUT"):
		return FailureNetwork
	default:
		return FailureOther
	}
}

type VerdictKind int

const (
	VerdictFailed VerdictKind = iota
	VerdictSuccess
	VerdictAlreadyRedeemed
	VerdictRetry
)

func (k VerdictKind) String() string {
	switch k {
	case VerdictSuccess:
		return "success"
	case VerdictAlreadyRedeemed:
		return "already_redeemed"
	case VerdictRetry:
		return "retry"
	default:
		return "failed"
	}
}

// Verdict is the classification of one redemption response. Category is set
// for VerdictRetry.
type Verdict struct {
	Kind     VerdictKind
	Category FailureCategory
	Reason   string
}

// ClassifyRedemption decides what a gift_code response means. The upstream
// answers "already redeemed" with an ordinary error envelope, so this is the
// only place that knows which codes count as success.
func ClassifyRedemption(resp *Response) Verdict {
	if resp == nil {
		return Verdict{Kind: VerdictRetry, Category: FailureNetwork, Reason: "empty response"}
	}

	msg := strings.TrimSpace(resp.Message)
	switch resp.ErrCode {
	case ErrCodeSuccess:
		return Verdict{Kind: VerdictSuccess, Reason: msg}
	case ErrCodeReceived, ErrCodeSameTypeExchange:
		return Verdict{Kind: VerdictAlreadyRedeemed, Reason: msg}
	case 0:
		switch strings.ToUpper(msg) {
		case MsgSuccess:
			return Verdict{Kind: VerdictSuccess, Reason: msg}
		case MsgReceived, MsgSameTypeExchange:
			return Verdict{Kind: VerdictAlreadyRedeemed, Reason: msg}
		}
		if resp.Code == 0 {
			return Verdict{Kind: VerdictSuccess, Reason: msg}
		}
	}

	switch cat := Categorize(resp.ErrCode, msg); cat {
	case FailureChallenge, FailureAuth, FailureNetwork:
		return Verdict{Kind: VerdictRetry, Category: cat, Reason: msg}
	default:
		return Verdict{Kind: VerdictFailed, Category: FailureOther, Reason: msg}
	}
}

package gameapi

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrCodeUnmarshal(t *testing.T) {
	cases := map[string]ErrCode{
		`{"err_code":40008}`:   ErrCodeReceived,
		`{"err_code":"40103"}`: ErrCodeCaptchaCheckError,
		`{"err_code":""}`:      0,
		`{"err_code":null}`:    0,
		`{}`:                   0,
	}
	for in, want := range cases {
		var r Response
		require.NoError(t, json.Unmarshal([]byte(in), &r), in)
		require.Equal(t, want, r.ErrCode, in)
	}

	var r Response
	require.Error(t, json.Unmarshal([]byte(`{"err_code":"abc"}`), &r))
}

func TestCategorize(t *testing.T) {
	require.Equal(t, FailureChallenge, Categorize(ErrCodeCaptchaCheckError, ""))
	require.Equal(t, FailureChallenge, Categorize(ErrCodeCaptchaTooFrequent, ""))
	require.Equal(t, FailureAuth, Categorize(ErrCodeNotLogin, ""))
	require.Equal(t, FailureNetwork, Categorize(ErrCodeTimeoutRetry, ""))
	require.Equal(t, FailureOther, Categorize(ErrCodeCDKNotFound, "CAPTCHA words ignored when code known"))

	require.Equal(t, FailureChallenge, Categorize(0, MsgCaptchaCheckError))
	require.Equal(t, FailureAuth, Categorize(0, MsgNotLogin))
	require.Equal(t, FailureNetwork, Categorize(0, MsgTimeoutRetry))
	require.Equal(t, FailureOther, Categorize(0, "role not exist"))
}

func TestClassifyRedemption(t *testing.T) {
	cases := []struct {
		name     string
		resp     *Response
		kind     VerdictKind
		category FailureCategory
	}{
		{"success code", &Response{Code: 0, ErrCode: ErrCodeSuccess, Message: "SUCCESS"}, VerdictSuccess, FailureOther},
		{"success without err_code", &Response{Code: 0, Message: "SUCCESS"}, VerdictSuccess, FailureOther},
		{"received", &Response{Code: 1, ErrCode: ErrCodeReceived, Message: MsgReceived}, VerdictAlreadyRedeemed, FailureOther},
		{"same type", &Response{Code: 1, ErrCode: ErrCodeSameTypeExchange, Message: MsgSameTypeExchange}, VerdictAlreadyRedeemed, FailureOther},
		{"received by message", &Response{Code: 1, Message: MsgReceived}, VerdictAlreadyRedeemed, FailureOther},
		{"captcha error", &Response{Code: 1, ErrCode: ErrCodeCaptchaCheckError, Message: MsgCaptchaCheckError}, VerdictRetry, FailureChallenge},
		{"captcha too frequent", &Response{Code: 1, ErrCode: ErrCodeCaptchaTooFrequent}, VerdictRetry, FailureChallenge},
		{"not login", &Response{Code: 1, ErrCode: ErrCodeNotLogin, Message: MsgNotLogin}, VerdictRetry, FailureAuth},
		{"timeout retry", &Response{Code: 1, ErrCode: ErrCodeTimeoutRetry}, VerdictRetry, FailureNetwork},
		{"cdk not found", &Response{Code: 1, ErrCode: ErrCodeCDKNotFound, Message: "CDK NOT FOUND."}, VerdictFailed, FailureOther},
		{"expired", &Response{Code: 1, ErrCode: ErrCodeTimeError, Message: "TIME ERROR."}, VerdictFailed, FailureOther},
		{"claim limit", &Response{Code: 1, ErrCode: ErrCodeUsed, Message: "USED."}, VerdictFailed, FailureOther},
		{"nil", nil, VerdictRetry, FailureNetwork},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := ClassifyRedemption(tc.resp)
			require.Equal(t, tc.kind, v.Kind)
			require.Equal(t, tc.category, v.Category)
		})
	}
}

func TestClassifyRedemptionKeepsMessage(t *testing.T) {
	v := ClassifyRedemption(&Response{Code: 1, ErrCode: ErrCodeCDKNotFound, Message: " CDK NOT FOUND. "})
	require.Equal(t, "CDK NOT FOUND.", v.Reason)
	require.Equal(t, "failed", v.Kind.String())
}

package gameapi

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// SignField is the form field carrying the request signature.
const SignField = "sign"

// CanonicalString joins params as k=v pairs sorted by key, separated by '&',
// with secret appended directly after the last value.
func CanonicalString(params map[string]string, secret string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	b.WriteString(secret)
	return b.String()
}

// Signature returns the hex MD5 digest of the canonical string.
func Signature(params map[string]string, secret string) string {
	sum := md5.Sum([]byte(CanonicalString(params, secret)))
	return hex.EncodeToString(sum[:])
}

// Sign returns a form payload with every param plus the sign field. params is
// not modified.
func Sign(params map[string]string, secret string) url.Values {
	form := make(url.Values, len(params)+1)
	for k, v := range params {
		form.Set(k, v)
	}
	form.Set(SignField, Signature(params, secret))
	return form
}

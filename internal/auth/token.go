package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrTokenFormat = errors.New("invalid token format")
	ErrTokenSig    = errors.New("invalid token signature")
	ErrTokenExp    = errors.New("token expired")
	ErrTokenCall   = errors.New("call sid mismatch")
)

// GenerateStreamToken signs a media-stream admission for one call.
// Format: base64url(call_sid + "." + exp_unix + "." + hex(hmac_sha256(secret, call_sid+"."+exp)))
func GenerateStreamToken(secret, callSID string, exp time.Time) string {
	msg := callSID + "." + strconv.FormatInt(exp.Unix(), 10)
	raw := msg + "." + sign(secret, msg)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// ValidateStreamToken checks signature and expiry and returns the embedded call sid.
// An empty expectCallSID skips the binding check. skew tolerates clock drift past exp.
func ValidateStreamToken(secret, token, expectCallSID string, now time.Time, skew time.Duration) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", ErrTokenFormat
	}
	// call sids never contain dots; split from the right anyway
	i := strings.LastIndexByte(string(b), '.')
	if i <= 0 {
		return "", ErrTokenFormat
	}
	msg, sigHex := string(b[:i]), string(b[i+1:])
	j := strings.LastIndexByte(msg, '.')
	if j <= 0 {
		return "", ErrTokenFormat
	}
	callSID, expStr := msg[:j], msg[j+1:]
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return "", ErrTokenFormat
	}
	got, err := hex.DecodeString(sigHex)
	if err != nil {
		return "", ErrTokenFormat
	}
	want, _ := hex.DecodeString(sign(secret, msg))
	if !hmac.Equal(want, got) {
		return "", ErrTokenSig
	}
	if expectCallSID != "" && callSID != expectCallSID {
		return "", ErrTokenCall
	}
	if now.After(time.Unix(exp, 0).Add(skew)) {
		return "", ErrTokenExp
	}
	return callSID, nil
}

func sign(secret, msg string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

package slackapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// signatureMaxAge rejects replayed event deliveries.
const signatureMaxAge = 5 * time.Minute

var (
	dealRefPattern = regexp.MustCompile(`(?i)\b(?:deal|opp|opportunity)\s*[:#-]\s*([a-z0-9-]+)`)
)

// VerifySignature checks a Slack request signature (v0 scheme) against the
// signing secret. Timestamps older than five minutes are rejected regardless
// of signature validity.
func VerifySignature(signingSecret, rawBody, timestamp, signature string) bool {
	if signingSecret == "" || timestamp == "" || signature == "" {
		return false
	}

	epoch, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}

	age := time.Now().Unix() - epoch
	if age < 0 {
		age = -age
	}
	if time.Duration(age)*time.Second > signatureMaxAge {
		return false
	}

	mac := hmac.New(sha256.New, []byte(signingSecret))
	mac.Write([]byte("v0:" + timestamp + ":" + rawBody))
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}

// ExtractDealReference pulls an opportunity identifier out of message text
// written as "deal: acme-renewal", "opp #123", and similar forms.
func ExtractDealReference(text string) string {
	m := dealRefPattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1]
}

// ExtractNamedField pulls a "field: value" pair out of message text. Field is
// matched case-insensitively; the value runs to the next newline or pipe.
func ExtractNamedField(text, field string) string {
	re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(field) + `\s*:\s*([^\n|]+)`)
	m := re.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// Permalink builds the canonical archive URL for a channel message.
func Permalink(channelID, messageTS string) string {
	return "https://slack.com/archives/" + channelID + "/p" + strings.Replace(messageTS, ".", "", 1)
}

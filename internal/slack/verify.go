package slack

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

const signatureVersion = "v0"

// maxSignatureAge rejects replayed interactive requests.
const maxSignatureAge = 5 * time.Minute

// VerifySignature checks a Slack request signature (the
// X-Slack-Signature / X-Slack-Request-Timestamp header pair) against
// the app's signing secret.
func VerifySignature(signingSecret, timestamp, signature string, body []byte) bool {
	if strings.TrimSpace(signingSecret) == "" {
		return false
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return false
	}
	age := time.Since(time.Unix(ts, 0))
	if age > maxSignatureAge || age < -maxSignatureAge {
		return false
	}

	mac := hmac.New(sha256.New, []byte(signingSecret))
	mac.Write([]byte(signatureVersion + ":" + timestamp + ":"))
	mac.Write(body)
	expected := signatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature)))
}

package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// GatewayAuth holds the gateway API credentials.
type GatewayAuth struct {
	Key    string
	Secret string
}

// Login is the first frame sent on a gateway connection.
type Login struct {
	Type      string `json:"type"`
	APIKey    string `json:"api_key"`
	Timestamp string `json:"timestamp"`
	Signature string `json:"signature"`
}

// LoginFrame signs a login for the current time.
func (a GatewayAuth) LoginFrame() Login {
	return a.LoginFrameAt(time.Now().UnixMilli())
}

// LoginFrameAt signs HMAC-SHA256(secret, timestamp+key) for the given Unix
// millisecond timestamp, base64 encoded.
func (a GatewayAuth) LoginFrameAt(unixMilli int64) Login {
	ts := strconv.FormatInt(unixMilli, 10)
	return Login{
		Type:      "login",
		APIKey:    a.Key,
		Timestamp: ts,
		Signature: Sign(a.Secret, ts+a.Key),
	}
}

// Sign returns base64(HMAC-SHA256(secret, message)).
func Sign(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String redacts the credentials for logging.
func (a GatewayAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("GatewayAuth{key=%s, secret=%s}", redact(a.Key), redact(a.Secret))
}

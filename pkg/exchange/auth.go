// Package exchange contains the transport collaborators: request
// signing, the REST client, the websocket client, and typed decoding of
// inbound wire messages. Validation of wire payloads happens here and
// nowhere else.
package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
)

// signPayload signs method+timestamp+path+query+body with HMAC-SHA256,
// the exchange's REST authentication scheme. A non-empty query is
// signed with its leading "?".
func signPayload(secret, method, path, query, body string, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(method))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte(path))
	if query != "" {
		mac.Write([]byte("?" + query))
	}
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

// signWebSocket signs the websocket auth challenge: "GET" + ts + "/live".
func signWebSocket(secret string, timestamp int64) string {
	return signPayload(secret, "GET", "/live", "", "", timestamp)
}

// authMessage builds the websocket authentication frame.
func authMessage(apiKey, apiSecret string, timestamp int64) ([]byte, error) {
	msg := map[string]any{
		"type": "auth",
		"payload": map[string]string{
			"api-key":   apiKey,
			"signature": signWebSocket(apiSecret, timestamp),
			"timestamp": strconv.FormatInt(timestamp, 10),
		},
	}
	return json.Marshal(msg)
}

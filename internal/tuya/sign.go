package tuya

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

const signMethod = "HMAC-SHA256"

// stringToSign is METHOD \n sha256(body) \n headers \n url. No custom headers
// are signed, so the headers line is always empty.
func stringToSign(method, path string, params map[string]string, body []byte) string {
	sum := sha256.Sum256(body)

	var b strings.Builder
	b.WriteString(method)
	b.WriteByte('\n')
	b.WriteString(hex.EncodeToString(sum[:]))
	b.WriteString("\n\n")
	b.WriteString(signedURL(path, params))
	return b.String()
}

// signedURL appends params sorted by key, unescaped, as the cloud expects.
func signedURL(path string, params map[string]string) string {
	if len(params) == 0 {
		return path
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return path + "?" + strings.Join(parts, "&")
}

// sign returns the upper-case hex HMAC-SHA256 over
// client_id + access_token + t + nonce + stringToSign.
// accessToken is empty for token requests.
func sign(accessID, accessSecret, accessToken string, t int64, nonce, toSign string) string {
	mac := hmac.New(sha256.New, []byte(accessSecret))
	mac.Write([]byte(accessID))
	mac.Write([]byte(accessToken))
	mac.Write([]byte(strconv.FormatInt(t, 10)))
	mac.Write([]byte(nonce))
	mac.Write([]byte(toSign))
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}

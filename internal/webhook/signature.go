package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Sign computes the delivery signature sent in X-Webhook-Signature. The
// timestamp is bound into the signed message so replays are detectable:
// "t={unix},v1={hmac-sha256-hex}" over "{unix}.{body}".
func Sign(secret string, body []byte, unixTimestamp int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", unixTimestamp, body)
	return fmt.Sprintf("t=%d,v1=%s", unixTimestamp, hex.EncodeToString(mac.Sum(nil)))
}

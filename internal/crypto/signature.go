// Package crypto provides payment signature generation and verification.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignPayment computes the hex HMAC-SHA256 digest of "orderID|paymentID"
// under the shared signing secret. The provider computes the same digest
// and hands it to the client after checkout.
func SignPayment(providerOrderID, paymentID, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(providerOrderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyPaymentSignature reports whether signature matches the expected
// digest for the order/payment pair. Comparison is constant time.
func VerifyPaymentSignature(providerOrderID, paymentID, signature, secret string) bool {
	if providerOrderID == "" || paymentID == "" || signature == "" {
		return false
	}
	expected := SignPayment(providerOrderID, paymentID, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

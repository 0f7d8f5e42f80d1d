package receipt

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// ComputeHash returns hex(HMAC-SHA256(secret, receiptID ":" donationID)).
func ComputeHash(secret []byte, receiptID, donationID string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(receiptID + ":" + donationID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHash compares in constant time.
func VerifyHash(secret []byte, receiptID, donationID, hash string) bool {
	expected := ComputeHash(secret, receiptID, donationID)
	return hmac.Equal([]byte(expected), []byte(hash))
}

package rediskey

import "fmt"

const (
	LockPrefix             = "lock"
	DonationLockPrefix     = "lock:donation"
	ReceiptEmailLockPrefix = "lock:receipt-email"
	SweepLockPrefix        = "lock:sweep"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// DonationLock returns "lock:donation:{transactionID}"
func DonationLock(transactionID string) string {
	return NamespaceKey(DonationLockPrefix, transactionID)
}

// ReceiptEmailLock returns "lock:receipt-email:{receiptID}"
func ReceiptEmailLock(receiptID string) string {
	return NamespaceKey(ReceiptEmailLockPrefix, receiptID)
}

// SweepLock returns "lock:sweep:{mode}"
func SweepLock(mode string) string {
	return NamespaceKey(SweepLockPrefix, mode)
}

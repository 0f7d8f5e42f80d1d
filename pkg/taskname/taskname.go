package taskname

const (
	// Notification tasks
	ReceiptEmailSend = "receipt:email:send"
)

package logger

// RedactPhone masks an E.164 phone number for safe logging.
// "+254700000001" → "+2547*****001"
// Numbers too short to mask are fully masked.
func RedactPhone(phone string) string {
	if len(phone) < 8 {
		return "***"
	}
	masked := make([]byte, 0, len(phone))
	masked = append(masked, phone[:5]...)
	for i := 5; i < len(phone)-3; i++ {
		masked = append(masked, '*')
	}
	masked = append(masked, phone[len(phone)-3:]...)
	return string(masked)
}

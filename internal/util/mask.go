package util

// MaskIdentifier hides the middle of an email address or phone number so it
// can appear in logs and audit events without exposing the contact detail.
// Short values are masked entirely.
func MaskIdentifier(identifier string) string {
	const keep = 3

	if len(identifier) <= keep*2 {
		return "***"
	}
	return identifier[:keep] + "***" + identifier[len(identifier)-keep:]
}

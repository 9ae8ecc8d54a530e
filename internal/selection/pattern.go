package selection

// PatternLength is the number of digits in a phone pattern.
const PatternLength = 4

// PhonePattern returns the repetition key for a raw phone number: the digits
// that follow the first digit once every non-digit is stripped. The first
// digit is treated as a dial-code marker. Short numbers yield a shorter key,
// and numbers without digits yield "", which is a bucket of its own.
func PhonePattern(phone string) string {
	digits := make([]byte, 0, PatternLength+1)
	for i := 0; i < len(phone) && len(digits) < PatternLength+1; i++ {
		if c := phone[i]; c >= '0' && c <= '9' {
			digits = append(digits, c)
		}
	}
	if len(digits) <= 1 {
		return ""
	}
	return string(digits[1:])
}

package notify

import "strings"

const brazilPrefix = "55"

// RemoveNinthDigit returns the legacy form of a Brazilian mobile number: the
// leading 9 of the subscriber part is dropped when present. Numbers outside
// +55, or without that 9, come back unchanged.
func RemoveNinthDigit(number string) string {
	if !strings.HasPrefix(number, brazilPrefix) || len(number) < 5 {
		return number
	}
	areaCode := number[2:4]
	rest := number[4:]
	if len(rest) == 9 && rest[0] == '9' {
		return brazilPrefix + areaCode + rest[1:]
	}
	return number
}

// ChatID is the gateway address of a plain phone number.
func ChatID(number string) string {
	return number + "@c.us"
}

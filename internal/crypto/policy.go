package crypto

import (
	"strings"
	"unicode"
)

// Password strength buckets.
const (
	StrengthWeak       = "weak"
	StrengthMedium     = "medium"
	StrengthStrong     = "strong"
	StrengthVeryStrong = "very-strong"
)

// PasswordCheck is the result of scoring a candidate password.
type PasswordCheck struct {
	Valid    bool     `json:"is_valid"`
	Errors   []string `json:"errors,omitempty"`
	Strength string   `json:"strength"`
}

// commonSubstrings are trivially guessable fragments that penalize the score.
var commonSubstrings = []string{
	"123", "abc", "password", "qwerty", "admin", "letmein", "111", "clinaxis",
}

// ValidatePasswordPolicy scores a password and reports policy violations.
// Length of at least 8 is required; 12+ and 16+ earn bonus points, and each
// character class contributes one point. Common substrings subtract a point.
func ValidatePasswordPolicy(password string) PasswordCheck {
	var (
		errs  []string
		score int
	)

	if len(password) >= 8 {
		score++
	} else {
		errs = append(errs, "password must be at least 8 characters")
	}
	if len(password) >= 12 {
		score++
	}
	if len(password) >= 16 {
		score++
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSpecial = true
		}
	}
	if hasUpper {
		score++
	} else {
		errs = append(errs, "password must contain an uppercase letter")
	}
	if hasLower {
		score++
	} else {
		errs = append(errs, "password must contain a lowercase letter")
	}
	if hasDigit {
		score++
	} else {
		errs = append(errs, "password must contain a digit")
	}
	if hasSpecial {
		score++
	}

	lowered := strings.ToLower(password)
	for _, frag := range commonSubstrings {
		if strings.Contains(lowered, frag) {
			score--
		}
	}
	if score < 0 {
		score = 0
	}

	return PasswordCheck{
		Valid:    len(errs) == 0,
		Errors:   errs,
		Strength: strengthBucket(score),
	}
}

func strengthBucket(score int) string {
	switch {
	case score < 3:
		return StrengthWeak
	case score < 5:
		return StrengthMedium
	case score < 7:
		return StrengthStrong
	default:
		return StrengthVeryStrong
	}
}

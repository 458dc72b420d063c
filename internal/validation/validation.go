// Package validation provides input validation for identity payloads and
// request parameters.
package validation

import (
	"net/http"
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/altscore/internal/apperr"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 512

// Identity field minimums.
const (
	MinNameLength       = 3
	MinNationalIDLength = 5
)

var (
	// idRegex validates persona, model and run identifiers
	idRegex    = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,64}$`)
	phoneRegex = regexp.MustCompile(`^\+?[0-9 ()-]{7,20}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID checks persona, model and run identifiers
func IsValidID(s string) bool {
	return idRegex.MatchString(s)
}

// SanitizeString strips null bytes, trims whitespace and limits length to
// maxLen bytes without splitting a rune.
func SanitizeString(s string, maxLen int) string {
	s = clean(s)
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// clean strips null bytes before trimming so a trailing NUL cannot shield
// whitespace from TrimSpace.
func clean(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\x00", ""))
}

// ValidationError is a field-level failure with a machine-readable code
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// First converts the first failure into an apperr validation error
func (e ValidationErrors) First() *apperr.Error {
	if len(e) == 0 {
		return nil
	}
	return apperr.Validation(e[0].Code, e[0].Field, e[0].Message)
}

// Validate runs validators in order and collects their failures
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// MinLength checks the trimmed rune length of a field
func MinLength(field, value string, min int) func() *ValidationError {
	return func() *ValidationError {
		if utf8.RuneCountInString(strings.TrimSpace(value)) < min {
			return &ValidationError{Field: field, Code: "invalid_" + field, Message: field + " is too short"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Code: "invalid_" + field, Message: field + " exceeds maximum length"}
		}
		return nil
	}
}

// Email checks that a field holds a single bare address with a domain
func Email(field, value string) func() *ValidationError {
	return func() *ValidationError {
		bad := &ValidationError{Field: field, Code: "invalid_" + field, Message: field + " must be a valid email address"}
		value = strings.TrimSpace(value)
		addr, err := mail.ParseAddress(value)
		if err != nil || addr.Address != value {
			return bad
		}
		at := strings.LastIndex(value, "@")
		if at < 1 || !strings.Contains(value[at+1:], ".") {
			return bad
		}
		return nil
	}
}

// OptionalPhone checks a phone number when one is provided
func OptionalPhone(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return nil
		}
		if !phoneRegex.MatchString(strings.TrimSpace(value)) {
			return &ValidationError{Field: field, Code: "invalid_" + field, Message: field + " must be a valid phone number"}
		}
		return nil
	}
}

// Identity is the borrower identity payload accepted by the token broker and
// the gated scoring endpoint.
type Identity struct {
	FullName   string `json:"full_name"`
	Email      string `json:"email"`
	NationalID string `json:"national_id"`
	Phone      string `json:"phone,omitempty"`
}

// Normalized returns a trimmed copy with the email lower-cased. Lengths are
// left alone so ValidateIdentity can reject oversized fields.
func (i Identity) Normalized() Identity {
	return Identity{
		FullName:   clean(i.FullName),
		Email:      strings.ToLower(clean(i.Email)),
		NationalID: clean(i.NationalID),
		Phone:      clean(i.Phone),
	}
}

// EmailDomain returns the lower-cased part after the last '@'.
func (i Identity) EmailDomain() string {
	email := strings.ToLower(strings.TrimSpace(i.Email))
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return ""
	}
	return email[at+1:]
}

// ValidateIdentity checks the identity fields in a fixed order and returns
// the first failure, or nil.
func ValidateIdentity(id Identity) *apperr.Error {
	errs := Validate(
		MinLength("full_name", id.FullName, MinNameLength),
		MaxLength("full_name", id.FullName, MaxStringLength),
		Email("email", id.Email),
		MinLength("national_id", id.NationalID, MinNationalIDLength),
		MaxLength("national_id", id.NationalID, MaxStringLength),
		OptionalPhone("phone", id.Phone),
	)
	return errs.First()
}

// IDParamMiddleware rejects malformed identifiers in the named URL params.
func IDParamMiddleware(params ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, p := range params {
			v := c.Param(p)
			if v != "" && !IsValidID(v) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_" + p,
					"message": p + " must be 1-64 characters of letters, digits, '_', '.', ':' or '-'",
				})
				return
			}
		}
		c.Next()
	}
}

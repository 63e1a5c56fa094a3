// Package validation provides input validation middleware for the bridge API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

var (
	// phoneRegex validates E.164-ish Kenyan mobile numbers (2547XXXXXXXX / 2541XXXXXXXX)
	phoneRegex = regexp.MustCompile(`^254(7|1)[0-9]{8}$`)
	// accountRegex validates bank account numbers (8-20 digits)
	accountRegex = regexp.MustCompile(`^[0-9]{8,20}$`)
	// requestIDRegex constrains caller-supplied request IDs to safe characters
	requestIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidPhone checks if a string is a valid mobile money phone number
func IsValidPhone(phone string) bool {
	return phoneRegex.MatchString(phone)
}

// IsValidBankAccount checks if a string is a plausible bank account number
func IsValidBankAccount(account string) bool {
	return accountRegex.MatchString(account)
}

// IsValidRequestID checks a caller-supplied settlement request ID
func IsValidRequestID(id string) bool {
	return requestIDRegex.MatchString(id)
}

// SanitizePhone normalizes a phone number to the 254XXXXXXXXX form
func SanitizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	phone = strings.TrimPrefix(phone, "+")
	if strings.HasPrefix(phone, "07") || strings.HasPrefix(phone, "01") {
		phone = "254" + phone[1:]
	}
	return phone
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
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

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidPhone checks if a field is a valid mobile money number
func ValidPhone(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidPhone(value) {
			return &ValidationError{Field: field, Message: "must be a valid mobile number (2547XXXXXXXX)"}
		}
		return nil
	}
}

// ValidRequestID checks if a field is a well-formed request ID
func ValidRequestID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !IsValidRequestID(value) {
			return &ValidationError{Field: field, Message: "must be 1-64 characters of [a-zA-Z0-9_-]"}
		}
		return nil
	}
}

// ValidRail checks if a field names a supported payment rail
func ValidRail(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if value != "mobile_money" && value != "bank" {
			return &ValidationError{Field: field, Message: "must be one of: mobile_money, bank"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// RequestIDParamMiddleware validates the :requestId URL parameter on routes that use it.
// Apply to route groups that include :requestId params to reject malformed IDs early.
func RequestIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("requestId")
		if id != "" && !IsValidRequestID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request_id",
				"message": "requestId must be 1-64 characters of [a-zA-Z0-9_-]",
			})
			return
		}
		c.Next()
	}
}

// ValidAmount checks that a value is present and a positive KES amount.
// The amount is what moves money, so unlike the other field validators
// it treats absence as an error rather than deferring to Required.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		// Positive decimal, at most one point, at most 2 cent digits.
		decimalAt := -1
		hasNonZero := false
		for i, c := range value {
			if c == '.' {
				if decimalAt >= 0 || i == 0 || i == len(value)-1 {
					return &ValidationError{Field: field, Message: "invalid amount format"}
				}
				decimalAt = i
				continue
			}
			if c < '0' || c > '9' {
				return &ValidationError{Field: field, Message: "invalid amount format"}
			}
			if c != '0' {
				hasNonZero = true
			}
		}
		if decimalAt >= 0 && len(value)-decimalAt-1 > 2 {
			return &ValidationError{Field: field, Message: "amount supports at most 2 decimal places"}
		}
		if !hasNonZero {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// Package validation checks loan API input before it reaches the pipeline.
package validation

import (
	"math"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize caps request bodies at 64KB. Loan requests are tiny.
const MaxRequestSize = 64 << 10

// MaxPurposeLength bounds the free-text purpose written on-chain.
const MaxPurposeLength = 256

var (
	ethAddressRegex   = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	decisionHashRegex = regexp.MustCompile(`^(0x)?[a-fA-F0-9]{64}$`)
	outcomeRegex      = regexp.MustCompile(`^(?i)(REPAID|DEFAULTED)$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress checks if a string is a 0x-prefixed 20-byte hex address.
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// IsValidDecisionHash accepts 64 hex chars with an optional 0x prefix.
func IsValidDecisionHash(s string) bool {
	return decisionHashRegex.MatchString(s)
}

// SanitizeString trims, drops NUL bytes and truncates to maxLen bytes.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
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

// Validate runs validators and collects their failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
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

// ValidAddress checks if a field is a valid Ethereum address. Empty passes;
// pair it with Required.
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidEthAddress(strings.TrimSpace(value)) {
			return &ValidationError{Field: field, Message: "must be a valid Ethereum address (0x...)"}
		}
		return nil
	}
}

// PositiveAmount rejects zero, negative and non-finite amounts.
func PositiveAmount(field string, value float64) func() *ValidationError {
	return func() *ValidationError {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return &ValidationError{Field: field, Message: "must be a finite number"}
		}
		if value <= 0 {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// ValidDecisionHash checks a decision hash field.
func ValidDecisionHash(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !IsValidDecisionHash(strings.TrimSpace(value)) {
			return &ValidationError{Field: field, Message: "must be 64-char hex (0x optional)"}
		}
		return nil
	}
}

// ValidOutcome accepts REPAID or DEFAULTED in any case.
func ValidOutcome(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !outcomeRegex.MatchString(strings.TrimSpace(value)) {
			return &ValidationError{Field: field, Message: "must be REPAID or DEFAULTED"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, limit int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > limit {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// AddressParamMiddleware rejects a malformed :address URL parameter.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.Param("address")
		if addr != "" && !IsValidEthAddress(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "address must be a valid Ethereum address (0x + 40 hex chars)",
			})
			return
		}
		c.Next()
	}
}

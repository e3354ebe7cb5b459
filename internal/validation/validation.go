// Package validation provides request validation helpers and middleware for
// the escrow API.
package validation

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// MaxRequestSize is the maximum request body size (64KB).
const MaxRequestSize = 64 << 10

// MaxStringLength is the default limit for free-text fields.
const MaxStringLength = 1000

// MaxAmountScale is the number of decimal places accepted for amounts.
const MaxAmountScale = 2

var (
	// kenyanMobile matches Safaricom/Airtel style subscriber numbers after
	// normalisation to the 254 prefix.
	kenyanMobile = regexp.MustCompile(`^254(7|1)\d{8}$`)
	transactionID = regexp.MustCompile(`^txn_[a-f0-9]{32}$`)
	nonDigits     = regexp.MustCompile(`[\s\-()]`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// NormalizeMSISDN converts the common local formats (07XXXXXXXX,
// +2547XXXXXXXX, 7XXXXXXXX) into 2547XXXXXXXX. It returns "" when the input
// is not a valid mobile number.
func NormalizeMSISDN(phone string) string {
	p := nonDigits.ReplaceAllString(strings.TrimSpace(phone), "")
	p = strings.TrimPrefix(p, "+")
	switch {
	case strings.HasPrefix(p, "0") && len(p) == 10:
		p = "254" + p[1:]
	case len(p) == 9 && (p[0] == '7' || p[0] == '1'):
		p = "254" + p
	}
	if !kenyanMobile.MatchString(p) {
		return ""
	}
	return p
}

// IsValidTransactionID checks the shape of a transaction identifier.
func IsValidTransactionID(id string) bool {
	return transactionID.MatchString(id)
}

// SanitizeString trims whitespace, strips null bytes and limits length.
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

// Validate runs validators and collects their errors.
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

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidPhone checks that a field is a mobile-money MSISDN.
func ValidPhone(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if NormalizeMSISDN(value) == "" {
			return &ValidationError{Field: field, Message: "must be a valid mobile number (e.g. 0712345678)"}
		}
		return nil
	}
}

// PositiveAmount checks that an amount is > 0 with at most MaxAmountScale
// decimal places.
func PositiveAmount(field string, amount decimal.Decimal) func() *ValidationError {
	return func() *ValidationError {
		if !amount.IsPositive() {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		if amount.Exponent() < -MaxAmountScale && !amount.Equal(amount.Round(MaxAmountScale)) {
			return &ValidationError{Field: field, Message: "has too many decimal places"}
		}
		return nil
	}
}

// OneOf checks that value is in allowed.
func OneOf(field, value string, allowed []string) func() *ValidationError {
	return func() *ValidationError {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &ValidationError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}

// HTTPURLs checks that every entry is an absolute http(s) URL.
func HTTPURLs(field string, values []string) func() *ValidationError {
	return func() *ValidationError {
		for _, v := range values {
			u, err := url.Parse(v)
			if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
				return &ValidationError{Field: field, Message: "must contain absolute http(s) URLs"}
			}
		}
		return nil
	}
}

// TransactionIDParamMiddleware rejects malformed :id parameters early.
func TransactionIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param("id"); id != "" && !IsValidTransactionID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "validation",
				"message": "transaction id must look like txn_<32 hex chars>",
			})
			return
		}
		c.Next()
	}
}

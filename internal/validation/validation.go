// Package validation provides input validation helpers for the phraseclaim API.
package validation

import (
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB)
const MaxRequestSize = 64 << 10

var (
	// ethAddressRegex validates Ethereum addresses
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	// hashRegex validates 32-byte hex values (item keys, claim tokens)
	hashRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
)

// RequestSizeMiddleware limits request body size. Declared lengths over the
// limit are rejected up front with 413; chunked bodies are cut off while
// being read.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "request_too_large",
				"message": "Request body too large",
			})
			return
		}
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		}
		c.Next()
	}
}

// IsValidEthAddress checks if a string is a valid Ethereum address
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// IsValidHash checks if a string is a 0x-prefixed 32-byte hex value
func IsValidHash(s string) bool {
	return hashRegex.MatchString(s)
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

// Validate runs every validator and collects the failures
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// ValidAddress checks if a field is a valid Ethereum address
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidEthAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid Ethereum address (0x...)"}
		}
		return nil
	}
}

// ValidHash checks if a field is a 32-byte hex value
func ValidHash(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidHash(value) {
			return &ValidationError{Field: field, Message: "must be 0x followed by 64 hex characters"}
		}
		return nil
	}
}

// MaxDurationSeconds is the longest duration, in seconds, a time.Duration holds.
const MaxDurationSeconds = math.MaxInt64 / int64(time.Second)

// DurationSeconds checks a duration given in seconds
func DurationSeconds(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		switch {
		case value < 0:
			return &ValidationError{Field: field, Message: "must not be negative"}
		case value > MaxDurationSeconds:
			return &ValidationError{Field: field, Message: "must be at most " + strconv.FormatInt(MaxDurationSeconds, 10)}
		}
		return nil
	}
}

// OptionalDurationSeconds is DurationSeconds for a field that may be omitted.
func OptionalDurationSeconds(field string, value *int64) func() *ValidationError {
	if value == nil {
		return func() *ValidationError { return nil }
	}
	return DurationSeconds(field, *value)
}

// MaxPhraseLength bounds a phrase in bytes.
const MaxPhraseLength = 1024

// Phrase checks a key phrase. Phrases are hashed byte for byte, so they are
// never trimmed; blank, oversized, NUL-bearing and non-UTF-8 input is refused.
func Phrase(field, value string) func() *ValidationError {
	return func() *ValidationError {
		switch {
		case value == "":
			return nil
		case strings.TrimSpace(value) == "":
			return &ValidationError{Field: field, Message: "must not be blank"}
		case len(value) > MaxPhraseLength:
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		case strings.ContainsRune(value, 0):
			return &ValidationError{Field: field, Message: "must not contain NUL bytes"}
		case !utf8.ValidString(value):
			return &ValidationError{Field: field, Message: "must be valid UTF-8"}
		}
		return nil
	}
}

// HashParamMiddleware rejects requests whose URL parameter is not a 32-byte
// hex value.
func HashParamMiddleware(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		v := c.Param(param)
		if v != "" && !IsValidHash(v) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_" + param,
				"message": param + " must be 0x followed by 64 hex characters",
			})
			return
		}
		c.Next()
	}
}

package httpserver

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"

	"github.com/fairyhunter13/code-sandbox-evaluator/internal/domain"
	"github.com/fairyhunter13/code-sandbox-evaluator/pkg/textx"
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult represents the result of validation
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

var validEvalID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateEvalID validates an evaluation ID path parameter
func ValidateEvalID(evalID string) ValidationResult {
	if evalID == "" {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{
					Field:   "id",
					Code:    "REQUIRED",
					Message: "Evaluation ID is required",
				},
			},
		}
	}

	if len(evalID) > 100 {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{
					Field:   "id",
					Code:    "TOO_LONG",
					Message: "Evaluation ID is too long (max 100 characters)",
				},
			},
		}
	}

	if !validEvalID.MatchString(evalID) {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{
					Field:   "id",
					Code:    "INVALID_FORMAT",
					Message: "Evaluation ID contains invalid characters",
				},
			},
		}
	}

	return ValidationResult{Valid: true}
}

// ValidatePagination validates limit/offset query parameters
func ValidatePagination(limit, offset string) ValidationResult {
	var errors []ValidationError

	if limit != "" {
		limitNum, err := strconv.Atoi(limit)
		if err != nil || limitNum < 1 || limitNum > 100 {
			errors = append(errors, ValidationError{
				Field:   "limit",
				Code:    "INVALID_FORMAT",
				Message: "Limit must be between 1 and 100",
			})
		}
	}

	if offset != "" {
		offsetNum, err := strconv.Atoi(offset)
		if err != nil || offsetNum < 0 {
			errors = append(errors, ValidationError{
				Field:   "offset",
				Code:    "INVALID_FORMAT",
				Message: "Offset must be a non-negative integer",
			})
		}
	}

	if len(errors) > 0 {
		return ValidationResult{
			Valid:  false,
			Errors: errors,
		}
	}

	return ValidationResult{Valid: true}
}

// ValidateStatus validates a status filter against the lifecycle states
func ValidateStatus(status string) ValidationResult {
	if status == "" {
		return ValidationResult{Valid: true}
	}

	if domain.EvaluationStatus(status).Valid() {
		return ValidationResult{Valid: true}
	}

	return ValidationResult{
		Valid: false,
		Errors: []ValidationError{
			{
				Field:   "status",
				Code:    "INVALID_VALUE",
				Message: "Status must be one of: queued, provisioning, running, completed, failed, timeout, cancelled",
			},
		},
	}
}

// ValidateCodePayload rejects submissions that are not text. Executors get
// the payload verbatim, so a binary blob here is either a mistake or an
// attempt to smuggle something past the language toolchain.
func ValidateCodePayload(code string) ValidationResult {
	if strings.ContainsRune(code, '\x00') {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{
					Field:   "code",
					Code:    "BINARY",
					Message: "Code must not contain null bytes",
				},
			},
		}
	}

	if !utf8.ValidString(code) {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{
					Field:   "code",
					Code:    "INVALID_ENCODING",
					Message: "Code must be valid UTF-8",
				},
			},
		}
	}

	if !isTextPayload([]byte(code)) {
		detected := mimetype.Detect([]byte(code))
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{
					Field:   "code",
					Code:    "BINARY",
					Message: fmt.Sprintf("Code looks like %s, expected a text payload", detected.String()),
				},
			},
		}
	}

	return ValidationResult{Valid: true}
}

// isTextPayload reports whether the detected MIME type descends from
// text/plain. Every textual format mimetype knows about has text/plain as
// an ancestor.
func isTextPayload(raw []byte) bool {
	for m := mimetype.Detect(raw); m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

// SanitizeString normalizes a short metadata field (language, engine,
// sort keys): control characters stripped, UTF-8 repaired, length capped.
// Never applied to code payloads; those are validated, not rewritten.
func SanitizeString(input string) string {
	if !utf8.ValidString(input) {
		input = strings.ToValidUTF8(input, "")
	}
	input = textx.SanitizeText(input)
	return textx.TruncateBytes(input, 1000)
}

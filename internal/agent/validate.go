package agent

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"engram/internal/types"
)

// Bounds on caller-supplied data. These protect the store, not the caller:
// a million-character metadata value is a bug somewhere upstream.
const (
	maxKeyLen     = 255
	maxValueLen   = 1_000_000
	maxArrayItems = 1000
)

var check = validator.New(validator.WithRequiredStructEnabled())

// RememberInput is one validated write request.
type RememberInput struct {
	Content    string         `validate:"required,max=1000000"`
	Tags       []string       `validate:"max=1000,dive,min=1,max=255"`
	Metadata   map[string]any `validate:"-"`
	Importance float64        `validate:"gte=0,lte=10"`
}

// RecallInput is one validated search request. Timeframe accepts the shapes
// timeframe.Normalize understands, or the "auto" sentinel to extract the
// window from the query text.
type RecallInput struct {
	Query         string `validate:"required,max=1000000"`
	Timeframe     any    `validate:"-"`
	Limit         int    `validate:"gte=0,lte=100"`
	Strategy      string `validate:"omitempty,oneof=hybrid vector fulltext"`
	Raw           bool
	WithRelevance bool
}

// checkInput maps the first validator failure onto a structured validation
// error naming the offending field.
func checkInput(v any) error {
	err := check.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		constraint := fe.Tag()
		if fe.Param() != "" {
			constraint += "=" + fe.Param()
		}
		return types.Validationf("field %q violates %s", strings.ToLower(fe.Field()), constraint)
	}
	return types.Wrap(types.KindValidation, err, "validate input")
}

// checkMetadata enforces the key/value bounds validator tags cannot express
// over an open map.
func checkMetadata(meta map[string]any) error {
	for k, v := range meta {
		if len(k) == 0 || len(k) > maxKeyLen {
			return types.Validationf("metadata key %q must be 1-%d characters", k, maxKeyLen)
		}
		switch val := v.(type) {
		case string:
			if len(val) > maxValueLen {
				return types.Validationf("metadata value for %q is %d bytes, max %d", k, len(val), maxValueLen)
			}
		case []any:
			if len(val) > maxArrayItems {
				return types.Validationf("metadata array %q has %d items, max %d", k, len(val), maxArrayItems)
			}
		case []string:
			if len(val) > maxArrayItems {
				return types.Validationf("metadata array %q has %d items, max %d", k, len(val), maxArrayItems)
			}
		}
	}
	return nil
}

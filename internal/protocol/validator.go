package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

// Violation codes carried by SecurityViolation. Stable machine-readable
// identifiers; clients and the abuse monitor branch on these.
const (
	CodeMessageSizeExceeded = "MESSAGE_SIZE_EXCEEDED"
	CodeInvalidVersion      = "INVALID_VERSION"
	CodeInvalidMessage      = "INVALID_MESSAGE"
	CodeMethodNotAllowed    = "METHOD_NOT_ALLOWED"
	CodeFieldTooLong        = "FIELD_TOO_LONG"
	CodeArrayTooLarge       = "ARRAY_TOO_LARGE"
	CodeInvalidID           = "INVALID_ID"
	CodeRateLimited         = "RATE_LIMITED"
	CodeClientBlocked       = "CLIENT_BLOCKED"
	CodeTooManyConnections  = "TOO_MANY_CONNECTIONS"
)

// SecurityViolation is a typed protocol or abuse violation. The input
// message is never mutated when one is raised.
type SecurityViolation struct {
	Code   string
	Detail string
}

func (v *SecurityViolation) Error() string {
	return fmt.Sprintf("security violation %s: %s", v.Code, v.Detail)
}

// NewViolation builds a SecurityViolation with formatted detail.
func NewViolation(code, format string, args ...any) *SecurityViolation {
	return &SecurityViolation{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// methodPattern defines the valid shape of a method name: lowercase start,
// then alphanumerics with "_" or "/" separators. Examples: "initialize",
// "tools/list".
var methodPattern = regexp.MustCompile(`^[a-z][a-zA-Z0-9_]*(/[a-z][a-zA-Z0-9_]*)*$`)

// ValidatorConfig bounds accepted messages.
type ValidatorConfig struct {
	MaxMessageSize   int      // serialized frame body bytes
	MaxFieldLength   int      // every string value and object key
	MaxArrayElements int      // per array
	AllowedMethods   []string // application method allow-list
}

// DefaultValidatorConfig returns the default message bounds.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxMessageSize:   1 << 20, // 1MB
		MaxFieldLength:   4096,
		MaxArrayElements: 100,
		AllowedMethods:   DefaultAllowedMethods,
	}
}

// envelope is the struct-validated view of a message.
type envelope struct {
	Version string `validate:"required,eq=2.0"`
	Method  string `validate:"omitempty,method_format"`
}

// Validator enforces protocol-envelope correctness and bounds.
type Validator struct {
	cfg      ValidatorConfig
	validate *validator.Validate
	allowed  map[string]bool
}

// NewValidator creates a validator with the given bounds. Zero-valued limits
// fall back to defaults; the authenticate method is always admitted.
func NewValidator(cfg ValidatorConfig) *Validator {
	def := DefaultValidatorConfig()
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.MaxFieldLength <= 0 {
		cfg.MaxFieldLength = def.MaxFieldLength
	}
	if cfg.MaxArrayElements <= 0 {
		cfg.MaxArrayElements = def.MaxArrayElements
	}
	if cfg.AllowedMethods == nil {
		cfg.AllowedMethods = def.AllowedMethods
	}

	allowed := make(map[string]bool, len(cfg.AllowedMethods)+1)
	for _, m := range cfg.AllowedMethods {
		allowed[m] = true
	}
	allowed[MethodAuthenticate] = true

	v := validator.New()
	v.RegisterValidation("method_format", func(fl validator.FieldLevel) bool {
		return methodPattern.MatchString(fl.Field().String())
	})

	return &Validator{cfg: cfg, validate: v, allowed: allowed}
}

// MaxMessageSize returns the configured frame body cap, for the frame reader.
func (v *Validator) MaxMessageSize() int {
	return v.cfg.MaxMessageSize
}

// Validate checks a decoded message against the configured bounds. rawSize
// is the serialized body length, checked before anything else.
func (v *Validator) Validate(msg *Message, rawSize int) error {
	if rawSize > v.cfg.MaxMessageSize {
		return NewViolation(CodeMessageSizeExceeded,
			"message size %d exceeds limit %d", rawSize, v.cfg.MaxMessageSize)
	}

	if msg.Version != Version {
		return NewViolation(CodeInvalidVersion,
			"unsupported protocol version %q", truncate(msg.Version, 32))
	}

	hasMethod := msg.Method != ""
	hasResponse := msg.Result != nil || msg.Error != nil
	if hasMethod == hasResponse {
		return NewViolation(CodeInvalidMessage,
			"message must carry exactly one of method or result/error")
	}

	if err := v.validateID(msg.ID); err != nil {
		return err
	}

	if hasMethod {
		if len(msg.Method) > v.cfg.MaxFieldLength {
			return NewViolation(CodeFieldTooLong,
				"method name length %d exceeds limit %d", len(msg.Method), v.cfg.MaxFieldLength)
		}
		if err := v.validate.Struct(envelope{Version: msg.Version, Method: msg.Method}); err != nil {
			return NewViolation(CodeMethodNotAllowed,
				"malformed method name %q", truncate(msg.Method, 64))
		}
		if !v.allowed[msg.Method] {
			return NewViolation(CodeMethodNotAllowed,
				"method %q is not in the allow-list", truncate(msg.Method, 64))
		}
		if err := v.validateParams(msg.Params); err != nil {
			return err
		}
	}

	return nil
}

// validateID accepts a missing id, null, a bounded string or a number.
func (v *Validator) validateID(id json.RawMessage) error {
	if len(id) == 0 {
		return nil
	}

	var decoded any
	if err := json.Unmarshal(id, &decoded); err != nil {
		return NewViolation(CodeInvalidID, "id is not valid JSON")
	}

	switch val := decoded.(type) {
	case nil:
		return nil
	case float64:
		return nil
	case string:
		if len(val) > v.cfg.MaxFieldLength {
			return NewViolation(CodeFieldTooLong,
				"id length %d exceeds limit %d", len(val), v.cfg.MaxFieldLength)
		}
		return nil
	default:
		return NewViolation(CodeInvalidID, "id must be a string, number or null")
	}
}

// validateParams requires an object or array and walks it, bounding every
// string value, object key and array length.
func (v *Validator) validateParams(params json.RawMessage) error {
	if len(params) == 0 {
		return nil
	}

	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return NewViolation(CodeInvalidMessage, "params is not valid JSON")
	}

	switch decoded.(type) {
	case map[string]any, []any:
		return v.walkValue(decoded)
	default:
		return NewViolation(CodeInvalidMessage, "params must be an object or array")
	}
}

func (v *Validator) walkValue(value any) error {
	switch val := value.(type) {
	case string:
		if len(val) > v.cfg.MaxFieldLength {
			return NewViolation(CodeFieldTooLong,
				"string value length %d exceeds limit %d", len(val), v.cfg.MaxFieldLength)
		}
	case map[string]any:
		for key, item := range val {
			if len(key) > v.cfg.MaxFieldLength {
				return NewViolation(CodeFieldTooLong,
					"object key length %d exceeds limit %d", len(key), v.cfg.MaxFieldLength)
			}
			if err := v.walkValue(item); err != nil {
				return err
			}
		}
	case []any:
		if len(val) > v.cfg.MaxArrayElements {
			return NewViolation(CodeArrayTooLarge,
				"array length %d exceeds limit %d", len(val), v.cfg.MaxArrayElements)
		}
		for _, item := range val {
			if err := v.walkValue(item); err != nil {
				return err
			}
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

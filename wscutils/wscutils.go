package wscutils

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Response status values.
const (
	ErrorStatus   = "error"
	SuccessStatus = "success"
)

// Package-level defaults for validation error reporting. Services override
// these at startup via the Set* functions below.
var (
	defaultMsgID         = DefaultMsgID
	defaultErrCode       = ErrcodeUnknown
	msgIDInvalidJSON     = ErrMsgIDInvalidJson
	errCodeInvalidJSON   = ErrcodeInvalidJson
	validationTagToMsgID = make(map[string]int)
	validationTagToCode  = make(map[string]string)
)

// SetDefaultMsgID sets the message ID used for validation errors whose tag
// has no registered mapping.
func SetDefaultMsgID(msgID int) {
	defaultMsgID = msgID
}

// SetDefaultErrCode sets the error code used for validation errors whose tag
// has no registered mapping.
func SetDefaultErrCode(errCode string) {
	defaultErrCode = errCode
}

// SetMsgIDInvalidJSON sets the message ID reported by BindJSON on malformed
// request bodies.
func SetMsgIDInvalidJSON(msgID int) {
	msgIDInvalidJSON = msgID
}

// SetErrCodeInvalidJSON sets the error code reported by BindJSON on malformed
// request bodies.
func SetErrCodeInvalidJSON(errCode string) {
	errCodeInvalidJSON = errCode
}

// SetValidationTagToMsgIDMap registers the mapping from validator tags
// (required, email, min, ...) to message IDs.
func SetValidationTagToMsgIDMap(m map[string]int) {
	validationTagToMsgID = m
}

// SetValidationTagToErrCodeMap registers the mapping from validator tags to
// error codes.
func SetValidationTagToErrCodeMap(m map[string]string) {
	validationTagToCode = m
}

// LoadErrorTypes loads the validator-tag to message ID mapping from a YAML
// document of the form "required: 1001".
func LoadErrorTypes(r io.Reader) {
	byteValue, err := io.ReadAll(r)
	if err != nil {
		log.Fatalf("Failed to read error types: %v", err)
	}

	if err := yaml.Unmarshal(byteValue, &validationTagToMsgID); err != nil {
		log.Panic(err)
	}
}

// Request represents the standard structure of a request to the web service.
type Request struct {
	Data any `json:"data" binding:"required"`
}

// Response represents the standard structure of a response of the web service.
type Response struct {
	Status   string         `json:"status"`
	Data     any            `json:"data"`
	Messages []ErrorMessage `json:"messages"`
}

// ErrorMessage defines the format of error part of the standard response object
type ErrorMessage struct {
	MsgID   int      `json:"msgid"`
	ErrCode string   `json:"errcode"`
	Field   string   `json:"field,omitempty"`
	Vals    []string `json:"vals,omitempty"` // omit if Vals is empty
}

// Optional represents a field that distinguishes between absent, null and
// set-to-a-value in incoming JSON. Present reports whether the field appeared
// at all; Null reports whether it was explicitly null.
type Optional[T any] struct {
	Value   T
	Present bool
	Null    bool
}

// NewOptional returns a present, non-null Optional holding value.
func NewOptional[T any](value T) Optional[T] {
	return Optional[T]{Value: value, Present: true}
}

// NewOptionalNull returns a present Optional that was explicitly null.
func NewOptionalNull[T any]() Optional[T] {
	return Optional[T]{Present: true, Null: true}
}

// NewOptionalAbsent returns an Optional for a field that never appeared.
func NewOptionalAbsent[T any]() Optional[T] {
	return Optional[T]{}
}

// UnmarshalJSON implements json.Unmarshaler. It is only invoked when the
// field is present in the document, so Present is always set here.
func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	o.Present = true
	if bytes.Equal(data, []byte("null")) {
		o.Null = true
		var zero T
		o.Value = zero
		return nil
	}
	return json.Unmarshal(data, &o.Value)
}

// MarshalJSON implements json.Marshaler.
func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if o.Null || !o.Present {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

// IsZero reports whether the field was absent, so encoding/json's omitzero
// tag drops unset optionals from responses.
func (o Optional[T]) IsZero() bool {
	return !o.Present
}

// WscValidate is a generic function that accepts any data structure,
// validates it according to struct tag-provided validation rules
// and returns a slice of ErrorMessage in case of validation errors.
// This function will not add `vals` that's required as per the specifications
// because it does not know the request-specific values.
// `vals` will be added to ErrorMessage by the caller.
func WscValidate[T any](data T, getVals func(err validator.FieldError) []string) []ErrorMessage {
	var validationErrors []ErrorMessage

	validate := validator.New()

	err := validate.Struct(data)

	if err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			for _, err := range validationErrs {
				// We handle validation error creation for developers.
				vals := getVals(err)
				msgID, ok := validationTagToMsgID[err.Tag()]
				if !ok {
					msgID = defaultMsgID
				}
				errCode, ok := validationTagToCode[err.Tag()]
				if !ok {
					errCode = defaultErrCode
				}
				vErr := BuildErrorMessage(msgID, errCode, err.Field(), vals...)
				validationErrors = append(validationErrors, vErr)
			}
		}
	}
	return validationErrors
}

// BuildErrorMessage generates an ErrorMessage with the given message ID,
// error code, offending field and optional values.
//
// Examples:
//
//	errorMessage := BuildErrorMessage(1001, "required", "Name")
//	errorMessage := BuildErrorMessage(1003, "min", "Age", "10", "18-65")
func BuildErrorMessage(msgID int, errCode string, fieldName string, vals ...string) ErrorMessage {
	return ErrorMessage{
		MsgID:   msgID,
		ErrCode: errCode,
		Field:   fieldName,
		Vals:    vals,
	}
}

// NewResponse is a helper function to create a new web service response
// and any error messages that might need to be sent back to the client. It allows
// for a consistent structure in all API responses
func NewResponse(status string, data any, messages []ErrorMessage) *Response {
	return &Response{
		Status:   status,
		Data:     data,
		Messages: messages,
	}
}

// BindJson provides a standard way of binding incoming JSON data to a
// given request data structure. It incorporates error handling .
func BindJSON(c *gin.Context, data any) error {
	req := Request{Data: data}
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidJsonError := BuildErrorMessage(msgIDInvalidJSON, errCodeInvalidJSON, "")
		c.JSON(http.StatusBadRequest, NewResponse(ErrorStatus, nil, []ErrorMessage{invalidJsonError}))
		return err
	}
	return nil
}

// NewErrorResponse simplifies the process of creating a standard error response
// with a single error message
func NewErrorResponse(msgID int, errCode string) *Response {
	return NewResponse(ErrorStatus, nil, []ErrorMessage{BuildErrorMessage(msgID, errCode, "")})
}

// NewSuccessResponse simplifies the process of creating a standard success response
func NewSuccessResponse(data any) *Response {
	return NewResponse(SuccessStatus, data, nil)
}

// GetRequestUser extracts the requestUser from the gin context.
func GetRequestUser(c *gin.Context) (string, error) {
	requestUser, exists := c.Get("RequestUser")
	if !exists {
		return "", fmt.Errorf("missing_request_user")
	}

	requestUserStr, ok := requestUser.(string)
	if !ok {
		return "", fmt.Errorf("invalid_request_user")
	}

	return requestUserStr, nil
}

// SendSuccessResponse sends a JSON response.
func SendSuccessResponse(c *gin.Context, response *Response) {
	c.JSON(http.StatusOK, response)
}

// SendErrorResponse sends a JSON error response.
func SendErrorResponse(c *gin.Context, response *Response) {
	c.JSON(http.StatusBadRequest, response)
}

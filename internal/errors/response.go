package errors

import (
	"net/http"
	"strings"
)

// Response codes spoken on both of Trophonius's wire protocols.
const (
	StatusOK             = http.StatusOK
	StatusAccepted       = http.StatusAccepted
	StatusBadRequest     = http.StatusBadRequest
	StatusForbidden      = http.StatusForbidden
	StatusNotFound       = http.StatusNotFound
	StatusTeapot         = http.StatusTeapot
	StatusInternalServer = http.StatusInternalServerError
	StatusUnknown        = 666
)

// Wire names of every response code above.
var responseMatrix = map[int]string{
	StatusOK:             "OK",
	StatusAccepted:       "accepted",
	StatusBadRequest:     "bad_request",
	StatusForbidden:      "forbidden",
	StatusNotFound:       "not_found",
	StatusTeapot:         "im_a_teapot",
	StatusInternalServer: "internal_server",
	StatusUnknown:        "unknown_error",
}

// ResponseName returns the wire name of a response code.
func ResponseName(code int) string {
	name, ok := responseMatrix[code]
	if !ok {
		return responseMatrix[StatusUnknown]
	}
	return name
}

// ResponseDetails builds the "<name>: <msg>" details string used in acks on both protocols.
func ResponseDetails(code int, msg string) string {
	if msg == "" {
		return ResponseName(code)
	}
	return ResponseName(code) + ": " + msg
}

// Standard for Error reponses to the client.
type ErrorResponse struct {
	Status  int         `json:"status"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

// Error is required by the error interface.
func (e ErrorResponse) Error() string {
	return e.Message
}

// Get the StatusCode of the error.
func (e ErrorResponse) StatusCode() int {
	return e.Status
}

// Replicates the New method of default errors package.
func New(err string) error {
	return ErrorResponse{
		Message: err,
	}
}

// InternalServerError creates a new error response representing an internal server error (code 500)
func InternalServerError(msg string) ErrorResponse {
	if msg == "" {
		msg = "We encountered an error while processing your request."
	}
	return ErrorResponse{
		Status:  StatusInternalServer,
		Message: msg,
	}
}

// NotFound creates a new error response representing a resource-not-found error (code 404)
func NotFound(msg string) ErrorResponse {
	if msg == "" {
		msg = "The requested resource was not found."
	}
	return ErrorResponse{
		Status:  StatusNotFound,
		Message: msg,
	}
}

// Forbidden creates a new error response representing an authorization failure (code 403)
func Forbidden(msg string) ErrorResponse {
	if msg == "" {
		msg = "You are not authorized to perform the requested action."
	}
	return ErrorResponse{
		Status:  StatusForbidden,
		Message: msg,
	}
}

// BadRequest creates a new error response representing a bad request (code 400)
func BadRequest(msg string) ErrorResponse {
	if msg == "" {
		msg = "Your request is in a bad format."
	}
	return ErrorResponse{
		Status:  StatusBadRequest,
		Message: msg,
	}
}

// Unknown creates a new error response for failures nobody claims (code 666)
func Unknown(msg string) ErrorResponse {
	if msg == "" {
		msg = "An unknown error has occured."
	}
	return ErrorResponse{
		Status:  StatusUnknown,
		Message: msg,
	}
}

// Standard for Validation-error responses to the client.
type validationError struct {
	Param   string `json:"param"`   // Parameter or Field
	Message string `json:"message"` // Issue in Field
}

// Captures multiple validation issues and sends it as a response in one go.
// Use-case of this would be bunch of validation issues caught in a HELLO payload.
type ValidationErrorResponse struct {
	Response []validationError `json:"errors"`
}

// Scans through set of validation errors found by govalidator,
// Generates a slice of serializable validationErrorResponse.
func GenerateValidationErrorResponse(errs []error) ErrorResponse {
	// govalidator returns array of errors in -> Param:Message format
	// We split the error from ":"
	resp := []validationError{}
	for _, err := range errs {
		e := strings.Split(err.Error(), ":")
		resp = append(
			resp, validationError{
				Param:   e[0],
				Message: strings.TrimSpace(e[1]),
			},
		)
	}
	return ErrorResponse{
		Status:  StatusBadRequest,
		Message: "Data validation error",
		Details: ValidationErrorResponse{Response: resp},
	}
}

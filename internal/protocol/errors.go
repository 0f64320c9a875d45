package protocol

// Error codes surfaced in response frames.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeAgentTimeout   = "AGENT_TIMEOUT"
	CodeNotLinked      = "NOT_LINKED"
	CodeNotPaired      = "NOT_PAIRED"
	CodeUnavailable    = "UNAVAILABLE"
)

// Error is the uniform error shape carried by response frames.
type Error struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Details      any    `json:"details,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// NewError builds a protocol error with the given code.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// InvalidRequest builds an INVALID_REQUEST error.
func InvalidRequest(message string) *Error {
	return NewError(CodeInvalidRequest, message)
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}

// AsError converts any error into a protocol error, defaulting unknown errors
// to INVALID_REQUEST so every method failure has a code.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*Error); ok {
		return pe
	}
	return InvalidRequest(err.Error())
}

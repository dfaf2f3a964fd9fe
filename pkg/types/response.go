// Package types holds the JSON envelopes every shelfledger API response uses:
// {"data": ...} on success and {"error": {...}} on failure.
package types

// SuccessEnvelope wraps a book, member, loan or page of them.
type SuccessEnvelope struct {
	Data any `json:"data"`
}

// APIError is the public face of a failed request. Details carries
// code-specific context, e.g. {reason, book_id, position} on a borrow
// conflict; it is dropped for codes that must not leak internals.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func Success(data any) SuccessEnvelope {
	return SuccessEnvelope{Data: data}
}

func Failure(code, message string, details any) ErrorEnvelope {
	return ErrorEnvelope{Error: APIError{Code: code, Message: message, Details: details}}
}

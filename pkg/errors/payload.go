package errors

import (
	"fmt"
)

// Payload is the JSON wire form of an error crossing the worker boundary.
type Payload struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
	Cause     *Payload       `json:"cause,omitempty"`
}

// ToPayload converts any error into its wire form. Plain errors become INTERNAL.
func ToPayload(err error) *Payload {
	if err == nil {
		return nil
	}
	structured, ok := err.(*Error)
	if !ok {
		if inner, found := As(err); found {
			// Keep the outer text; the chain below it is structured.
			return &Payload{
				Code:      inner.Code,
				Message:   err.Error(),
				Context:   copyContext(inner.Context),
				Retryable: inner.Retryable,
				Cause:     ToPayload(inner.Underlying),
			}
		}
		return &Payload{Code: ErrCodeInternal, Message: err.Error()}
	}
	return &Payload{
		Code:      structured.Code,
		Message:   structured.Message,
		Context:   copyContext(structured.Context),
		Retryable: structured.Retryable,
		Cause:     ToPayload(structured.Underlying),
	}
}

// FromPayload rebuilds a structured error from its wire form. The stack is not
// transported; the returned error records where it was decoded.
func FromPayload(p *Payload) *Error {
	if p == nil {
		return nil
	}
	code := p.Code
	if code == "" {
		code = ErrCodeInternal
	}
	e := &Error{
		Code:      code,
		Message:   p.Message,
		Context:   copyContext(p.Context),
		Retryable: p.Retryable,
		Stack:     captureStack(2),
	}
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	if p.Cause != nil {
		e.Underlying = FromPayload(p.Cause)
	}
	return e
}

// String renders the payload the same way the rebuilt error would print.
func (p *Payload) String() string {
	if p == nil {
		return "<nil>"
	}
	return fmt.Sprint(FromPayload(p))
}

func copyContext(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

package api

// ResultStatus is the outcome of an operation on the programmatic surface.
type ResultStatus string

const (
	StatusOK    ResultStatus = "ok"
	StatusError ResultStatus = "error"
)

// ErrorDetail is the serializable form of a failure.
type ErrorDetail struct {
	Kind    ErrorKind `json:"kind,omitempty" yaml:"kind,omitempty"`
	Message string    `json:"message" yaml:"message"`
}

// Result is returned by every operation exposed to CLI and reporting layers.
type Result struct {
	Operation string       `json:"operation" yaml:"operation"`
	Status    ResultStatus `json:"status" yaml:"status"`
	Payload   interface{}  `json:"payload,omitempty" yaml:"payload,omitempty"`
	Error     *ErrorDetail `json:"error,omitempty" yaml:"error,omitempty"`
}

// OK wraps a successful payload.
func OK(op string, payload interface{}) *Result {
	return &Result{Operation: op, Status: StatusOK, Payload: payload}
}

// Fail wraps an error. The kind is extracted from the error chain when present.
func Fail(op string, err error) *Result {
	return &Result{
		Operation: op,
		Status:    StatusError,
		Error:     &ErrorDetail{Kind: KindOf(err), Message: err.Error()},
	}
}

// From builds OK or Fail depending on err.
func From(op string, payload interface{}, err error) *Result {
	if err != nil {
		return Fail(op, err)
	}
	return OK(op, payload)
}

// Succeeded reports whether the result is StatusOK.
func (r *Result) Succeeded() bool {
	return r != nil && r.Status == StatusOK
}

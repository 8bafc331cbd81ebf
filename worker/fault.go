package worker

import "fmt"

// Fault is a terminal worker failure carrying its envelope error code.
// Entry functions and the harness both produce Faults; anything else that
// escapes an entry is wrapped as ERR_RUNTIME.
type Fault struct {
	Code    string
	Message string
	Err     error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f *Fault) Unwrap() error { return f.Err }

// Faultf builds a Fault with a formatted message.
func Faultf(code, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

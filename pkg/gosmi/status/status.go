// Package status defines the unified status taxonomy that every gosmi
// component error is funneled into at the pkg/gosmi façade boundary.
package status

import "fmt"

// Status is a small stable enum, the Go analogue of the library's C-ABI
// rsmi_status_t. Values are never renumbered; append-only.
type Status int

const (
	Success Status = iota
	InvalidArgs
	NotSupported
	FileError
	Permission
	OutOfResources
	InternalException
	InputOutOfBounds
	InitError
	NotYetImplemented
	NotFound
	InsufficientSize
	Interrupt
	UnexpectedSize
	NoData
	UnexpectedData
	Busy
	RefcountOverflow
	SettingUnavailable
	UnknownError
)

var names = map[Status]string{
	Success:            "success",
	InvalidArgs:        "invalid-args",
	NotSupported:       "not-supported",
	FileError:          "file-error",
	Permission:         "permission",
	OutOfResources:     "out-of-resources",
	InternalException:  "internal-exception",
	InputOutOfBounds:   "input-out-of-bounds",
	InitError:          "init-error",
	NotYetImplemented:  "not-yet-implemented",
	NotFound:           "not-found",
	InsufficientSize:   "insufficient-size",
	Interrupt:          "interrupt",
	UnexpectedSize:     "unexpected-size",
	NoData:             "no-data",
	UnexpectedData:     "unexpected-data",
	Busy:               "busy",
	RefcountOverflow:   "refcount-overflow",
	SettingUnavailable: "setting-unavailable",
	UnknownError:       "unknown-error",
}

var descriptions = map[Status]string{
	Success:            "call succeeded",
	InvalidArgs:        "invalid arguments: null pointer or out-of-range index",
	NotSupported:       "this attribute is not supported on this device",
	FileError:          "an unexpected filesystem error occurred",
	Permission:         "insufficient permissions; try running with elevated privileges",
	OutOfResources:     "no more kernel resources available for this request",
	InternalException:  "an internal error occurred",
	InputOutOfBounds:   "input value is out of the accepted range",
	InitError:          "library is not initialized, or shut_down was called without a matching init",
	NotYetImplemented:  "this function is not yet implemented",
	NotFound:           "requested item was not found",
	InsufficientSize:   "caller-supplied buffer is too small for the available data",
	Interrupt:          "call was interrupted by a signal",
	UnexpectedSize:     "on-disk structure size did not match the expected schema",
	NoData:             "no data was available within the given timeout",
	UnexpectedData:     "data read from the kernel could not be parsed",
	Busy:               "resource is held by another process or thread",
	RefcountOverflow:   "reference count would overflow",
	SettingUnavailable: "requested setting is not available on this device",
	UnknownError:       "an unknown error occurred",
}

// String implements fmt.Stringer, returning the stable taxonomy name.
func (s Status) String() string {
	if n, ok := names[s]; ok {
		return n
	}

	return names[UnknownError]
}

// Error implements the error interface so a Status can be returned and
// compared wherever idiomatic Go code expects an error.
func (s Status) Error() string {
	if d, ok := descriptions[s]; ok {
		return fmt.Sprintf("%s: %s", s.String(), d)
	}

	return descriptions[UnknownError]
}

// Describe returns the long-form English description for any defined
// status code, the Go analogue of rsmi_status_string.
func Describe(s Status) string {
	if d, ok := descriptions[s]; ok {
		return d
	}

	return descriptions[UnknownError]
}

// Sentinel errors for use with errors.Is against wrapped component errors.
var (
	ErrInvalidArgs        error = InvalidArgs
	ErrNotSupported       error = NotSupported
	ErrFileError          error = FileError
	ErrPermission         error = Permission
	ErrOutOfResources     error = OutOfResources
	ErrInternalException  error = InternalException
	ErrInputOutOfBounds   error = InputOutOfBounds
	ErrInitError          error = InitError
	ErrNotYetImplemented  error = NotYetImplemented
	ErrNotFound           error = NotFound
	ErrInsufficientSize   error = InsufficientSize
	ErrInterrupt          error = Interrupt
	ErrUnexpectedSize     error = UnexpectedSize
	ErrNoData             error = NoData
	ErrUnexpectedData     error = UnexpectedData
	ErrBusy               error = Busy
	ErrRefcountOverflow   error = RefcountOverflow
	ErrSettingUnavailable error = SettingUnavailable
)

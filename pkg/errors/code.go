package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 17000-17099: Sandbox executor errors
// 17100-17199: Job lifecycle errors
// 17200-17299: Runtime registry errors
// 17300-17399: Proxy errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008
	UnsupportedMedia    ErrorCode = 10009

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Sandbox Executor Errors (17000-17099) ==========

	SandboxFailure       ErrorCode = 17000
	MetadataParseFailure ErrorCode = 17001
	PathEscape           ErrorCode = 17002
	CleanupExhausted     ErrorCode = 17003
	BoxPoolExhausted     ErrorCode = 17004

	// ========== Job Lifecycle Errors (17100-17199) ==========

	JobNotFound          ErrorCode = 17100
	InvalidJobState      ErrorCode = 17101
	InstallNotSupported  ErrorCode = 17102
	WebAppStartupFailed  ErrorCode = 17103
	JobAlreadyTerminated ErrorCode = 17104

	// ========== Runtime Registry Errors (17200-17299) ==========

	RuntimeNotFound ErrorCode = 17200

	// ========== Proxy Errors (17300-17399) ==========

	ProxyNotFound    ErrorCode = 17300
	ProxyUnavailable ErrorCode = 17301
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",
	UnsupportedMedia:    "requests must be of type application/json",

	// Cache
	CacheError: "Cache operation failed",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Sandbox
	SandboxFailure:       "Sandbox executor failed",
	MetadataParseFailure: "Failed to parse sandbox metadata",
	PathEscape:           "File path escapes the submission directory",
	CleanupExhausted:     "Sandbox cleanup retries exhausted",
	BoxPoolExhausted:     "No free sandbox box",

	// Job
	JobNotFound:          "Job not found",
	InvalidJobState:      "Job is not in the required state",
	InstallNotSupported:  "Package installation is not supported for this language",
	WebAppStartupFailed:  "Web application failed to start",
	JobAlreadyTerminated: "Job has already been terminated",

	// Runtime
	RuntimeNotFound: "Runtime is unknown",

	// Proxy
	ProxyNotFound:    "Proxy not found",
	ProxyUnavailable: "Upstream web application unavailable",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound, c == JobNotFound, c == ProxyNotFound:
		return 404
	case c == InvalidJobState, c == JobAlreadyTerminated:
		return 409
	case c == UnsupportedMedia:
		return 415
	case c == TooManyRequests:
		return 429
	case c == ServiceUnavailable, c == BoxPoolExhausted:
		return 503
	case c == ProxyUnavailable:
		return 502
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == PathEscape, c == RuntimeNotFound, c == InstallNotSupported:
		return 400
	default:
		return 500
	}
}

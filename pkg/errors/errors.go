package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// Kind classifies failures of the audio session subsystem.
type Kind string

const (
	KindUnknown             Kind = ""
	KindCaptureUnavailable  Kind = "capture_unavailable"
	KindRecordingFailed     Kind = "recording_failed"
	KindTranscriptionFailed Kind = "transcription_failed"
	KindConversionFailed    Kind = "conversion_failed"
	KindUploadFailed        Kind = "upload_failed"
	KindPublishRecordFailed Kind = "publish_record_failed"
	KindPlaybackFailed      Kind = "playback_failed"
	KindInvalidDraft        Kind = "invalid_draft"
	KindInvalidTransition   Kind = "invalid_transition"
	KindDuplicateSubmit     Kind = "duplicate_submit"
	KindTimeout             Kind = "timeout"
)

// Error represents a custom error with stack trace
type Error struct {
	Code    int        `json:"code"`
	Kind    Kind       `json:"kind,omitempty"`
	Message string     `json:"message"`
	Err     error      `json:"-"`
	Stack   string     `json:"stack,omitempty"`
	Context []KeyValue `json:"context,omitempty"`
}

// KeyValue represents a key-value pair for context
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return "unknown error"
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches by kind when the target carries only a kind, so
// errors.Is(err, Sentinel(KindUploadFailed)) works across wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Message == "" && t.Err == nil {
		return t.Kind != KindUnknown && t.Kind == e.Kind
	}
	// copies made by WithContext still match their origin
	return t == e || (t.Err == nil && t.Message == e.Message && t.Kind == e.Kind && t.Code == e.Code)
}

// WithCode creates a new error with code
func WithCode(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Stack:   captureStack(),
	}
}

// New creates a new error
func New(message string) *Error {
	return &Error{
		Message: message,
		Stack:   captureStack(),
	}
}

// Errorf creates a new formatted error
func Errorf(format string, args ...interface{}) *Error {
	return &Error{
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(),
	}
}

// Wrap wraps an error with message
func Wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:    KindOf(err),
		Message: message,
		Err:     err,
		Stack:   captureStack(),
	}
}

// Wrapf wraps an error with formatted message
func Wrapf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:    KindOf(err),
		Message: fmt.Sprintf(format, args...),
		Err:     err,
		Stack:   captureStack(),
	}
}

// NewKind creates an error of the given kind.
func NewKind(kind Kind, message string) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Stack:   captureStack(),
	}
}

// WrapKind wraps err and tags it with kind, overriding whatever kind err carried.
func WrapKind(kind Kind, err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:    kind,
		Message: message,
		Err:     err,
		Stack:   captureStack(),
	}
}

// Sentinel returns a comparable marker for errors.Is checks against a kind.
func Sentinel(kind Kind) error {
	return &Error{Kind: kind}
}

// WithContext adds context to an error
func (e *Error) WithContext(key, value string) *Error {
	if e == nil {
		return nil
	}
	newErr := *e
	newErr.Context = make([]KeyValue, len(e.Context), len(e.Context)+1)
	copy(newErr.Context, e.Context)
	newErr.Context = append(newErr.Context, KeyValue{Key: key, Value: value})
	return &newErr
}

// ContextValue returns the first context value stored under key.
func (e *Error) ContextValue(key string) (string, bool) {
	if e == nil {
		return "", false
	}
	for _, kv := range e.Context {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

func captureStack() string {
	buf := make([]byte, 1024)
	n := runtime.Stack(buf, false)
	stack := string(buf[:n])

	// 去掉 captureStack 以及构造函数自身的帧
	lines := strings.Split(stack, "\n")
	if len(lines) > 6 {
		stack = strings.Join(lines[6:], "\n")
	}
	return strings.TrimSpace(stack)
}

// KindOf returns the kind of the outermost *Error in the chain that has one.
func KindOf(err error) Kind {
	for err != nil {
		var e *Error
		if !stderrors.As(err, &e) {
			return KindUnknown
		}
		if e.Kind != KindUnknown {
			return e.Kind
		}
		err = e.Err
	}
	return KindUnknown
}

// IsKind reports whether any error in the chain has the given kind.
func IsKind(err error, kind Kind) bool {
	return stderrors.Is(err, Sentinel(kind))
}

// IsRetryable reports whether the user can retry the same action without
// changing anything (re-recording, granting permission).
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindUploadFailed, KindPublishRecordFailed, KindTimeout, KindPlaybackFailed, KindRecordingFailed:
		return true
	}
	return false
}

// IsBlocking reports whether the error must stop the flow and be surfaced.
// Transcription and conversion failures are absorbed by their callers.
func IsBlocking(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindTranscriptionFailed, KindConversionFailed, KindPlaybackFailed:
		return false
	}
	return true
}

// GetCode returns the error code
func GetCode(err error) int {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return 0
}

// GetMessage returns the error message
func GetMessage(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// GetStack returns the error stack trace
func GetStack(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Stack
	}
	return ""
}

// Cause returns the underlying error
func Cause(err error) error {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Err != nil {
			err = e.Err
		} else {
			return err
		}
	}
	return err
}

// Format implements fmt.Formatter
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			fmt.Fprintf(s, "%s", e.Error())
			if e.Stack != "" {
				fmt.Fprintf(s, "\n%s", e.Stack)
			}
			return
		}
		fallthrough
	case 's':
		fmt.Fprintf(s, "%s", e.Error())
	case 'q':
		fmt.Fprintf(s, "%q", e.Error())
	}
}

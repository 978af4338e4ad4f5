package client

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/DavidRueter/Theas/modal"
)

// Kind classifies the ways an exchange can fail.
type Kind int

const (
	KindUnknown Kind = iota
	KindMalformedEnvelope
	KindInvalidSession
	KindServerReported
	KindTransportFailure
	KindValidationFailure
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindMalformedEnvelope:
		return "malformed_envelope"
	case KindInvalidSession:
		return "invalid_session"
	case KindServerReported:
		return "server_reported"
	case KindTransportFailure:
		return "transport_failure"
	case KindValidationFailure:
		return "validation_failure"
	case KindCanceled:
		return "canceled"
	}
	return "unknown"
}

// Error is the error carried by a failed Result.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrMalformedEnvelope = &Error{Kind: KindMalformedEnvelope}
	ErrInvalidSession    = &Error{Kind: KindInvalidSession}
	ErrServerReported    = &Error{Kind: KindServerReported}
	ErrTransportFailure  = &Error{Kind: KindTransportFailure}
	ErrValidationFailure = &Error{Kind: KindValidationFailure}
	ErrCanceled          = &Error{Kind: KindCanceled}
)

// ErrAlreadySubmitted is returned by SubmitForm while an earlier submission of the
// same session is still outstanding.
var ErrAlreadySubmitted = errors.New("theas: form already submitted")

func (e *Error) Error() string {
	msg := "theas: " + strings.ReplaceAll(e.Kind.String(), "_", " ")
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Detail == "" && t.Err == nil
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func newError(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// StatusError is returned by HTTPTransport for non-2xx responses.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected response status %s", e.Status)
}

// ErrorDescriptor is the parsed form of a pipe-delimited error message:
//
//	technical|friendly|showTechnical|title
type ErrorDescriptor struct {
	Raw              string
	TechnicalMessage string
	FriendlyMessage  string
	ShowTechnical    bool
	Title            string
}

// ParseErrorDescriptor splits raw into its parts. Missing parts are empty except the
// title, which defaults to "Error"; parts past the fourth are ignored.
func ParseErrorDescriptor(raw string) ErrorDescriptor {
	d := ErrorDescriptor{Raw: raw}
	if raw == "" {
		return d
	}
	d.Title = defaultErrorTitle
	parts := strings.Split(raw, "|")
	d.TechnicalMessage = parts[0]
	if len(parts) > 1 {
		d.FriendlyMessage = parts[1]
	}
	if len(parts) > 2 {
		d.ShowTechnical = parseShowTechnical(parts[2])
	}
	if len(parts) > 3 && parts[3] != "" {
		d.Title = parts[3]
	}
	return d
}

// parseShowTechnical accepts the usual boolean spellings; anything else non-empty
// counts as true.
func parseShowTechnical(s string) bool {
	s = strings.TrimSpace(s)
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s != ""
}

// FormatError builds the pipe-delimited form of an error. Pipes inside the parts are
// replaced so the message survives a round trip.
func FormatError(technical, friendly string, showTechnical bool, title string) string {
	clean := func(s string) string { return strings.ReplaceAll(s, "|", "/") }
	return strings.Join([]string{
		clean(technical),
		clean(friendly),
		strconv.FormatBool(showTechnical),
		clean(title),
	}, "|")
}

func (d ErrorDescriptor) IsZero() bool { return d.Raw == "" }

// Message is the text a user should see: the friendly message when there is one.
func (d ErrorDescriptor) Message() string {
	if d.FriendlyMessage != "" {
		return d.FriendlyMessage
	}
	return d.TechnicalMessage
}

// Frame renders the descriptor as a dialog frame.
func (d ErrorDescriptor) Frame() modal.Frame {
	title := d.Title
	if title == "" {
		title = defaultErrorTitle
	}
	body := d.Message()
	if d.ShowTechnical && d.FriendlyMessage != "" && d.TechnicalMessage != "" {
		body += "\n\n" + d.TechnicalMessage
	}
	return modal.Frame{Content: modal.Content{Title: title, Body: body, Buttons: "OK"}}
}

const (
	defaultErrorTitle     = "Error"
	invalidSessionMessage = "invalidSession|Your session has expired. Please log in again.|false|Session Expired"
	malformedFriendly     = "The server sent a response that could not be read."
)

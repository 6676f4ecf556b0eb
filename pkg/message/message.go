// Package message defines the wire messages exchanged with a PostgreSQL
// backend and the length-prefixed framing used to read and write them.
// The stream core consumes these as already-decoded values; framing
// details never leak past this package.
package message

import (
	"fmt"
	"strings"
)

// Message is a decoded protocol message, inbound or outbound.
type Message interface {
	message()
}

// Backend is a message decoded from the server byte stream.
type Backend interface {
	Message
	backend()
}

// Authentication request/response codes ('R' messages).
const (
	AuthOK                = 0
	AuthCleartextPassword = 3
	AuthMD5Password       = 5
)

// Authentication is a server authentication step. A non-OK step terminates
// the current reply so the caller can answer it (e.g. with a password).
type Authentication struct {
	Code int32
	Salt [4]byte // set for MD5 challenges
}

// Ok reports whether the server accepted authentication.
func (a *Authentication) Ok() bool { return a.Code == AuthOK }

// ReadyForQuery is the terminal marker ending every successful reply.
type ReadyForQuery struct {
	TxStatus byte // 'I' idle, 'T' in transaction, 'E' failed transaction
}

// BackendError is a server ErrorResponse. It is not terminal on its own;
// the server follows it with ReadyForQuery.
type BackendError struct {
	Fields map[byte]string
}

func (e *BackendError) Error() string {
	var b strings.Builder
	if sev := e.Fields['S']; sev != "" {
		b.WriteString(sev)
		b.WriteString(": ")
	}
	b.WriteString(e.Fields['M'])
	if code := e.Fields['C']; code != "" {
		fmt.Fprintf(&b, " (SQLSTATE %s)", code)
	}
	return b.String()
}

// Severity returns the server-reported severity, e.g. ERROR or FATAL.
func (e *BackendError) Severity() string { return e.Fields['S'] }

// Notification is a server push message from LISTEN/NOTIFY. It is routed to
// channel subscribers and never participates in request/reply correlation.
type Notification struct {
	PID     uint32
	Channel string
	Payload string
}

// CommandComplete reports the completion tag of a finished command.
type CommandComplete struct {
	Tag string
}

// ParameterStatus reports a server runtime parameter.
type ParameterStatus struct {
	Name  string
	Value string
}

// BackendKeyData carries cancellation credentials sent during startup.
type BackendKeyData struct {
	PID       uint32
	SecretKey uint32
}

// Raw is any backend message the stream does not interpret (row
// descriptions, data rows, notices, ...). Body excludes the length prefix.
type Raw struct {
	Type byte
	Body []byte
}

func (*Authentication) message()  {}
func (*Authentication) backend()  {}
func (*ReadyForQuery) message()   {}
func (*ReadyForQuery) backend()   {}
func (*BackendError) message()    {}
func (*BackendError) backend()    {}
func (*Notification) message()    {}
func (*Notification) backend()    {}
func (*CommandComplete) message() {}
func (*CommandComplete) backend() {}
func (*ParameterStatus) message() {}
func (*ParameterStatus) backend() {}
func (*BackendKeyData) message()  {}
func (*BackendKeyData) backend()  {}
func (*Raw) message()             {}
func (*Raw) backend()             {}

// ChannelError is a synthetic failure: both an error and a deliverable
// message, so it can terminate a pending reply like any other message.
type ChannelError struct {
	Reason string
	Cause  error
}

// NewChannelError builds a ChannelError with a descriptive reason.
func NewChannelError(reason string) *ChannelError {
	return &ChannelError{Reason: reason}
}

// WrapChannelError builds a ChannelError around a transport failure.
func WrapChannelError(cause error) *ChannelError {
	return &ChannelError{Reason: cause.Error(), Cause: cause}
}

func (e *ChannelError) Error() string { return e.Reason }

func (e *ChannelError) Unwrap() error { return e.Cause }

func (*ChannelError) message() {}
func (*ChannelError) backend() {}

// IsTerminal reports whether m completes the reply it belongs to:
// the ready marker, a channel error, or an authentication step the
// caller has to answer.
func IsTerminal(m Message) bool {
	switch v := m.(type) {
	case *ReadyForQuery, *ChannelError:
		return true
	case *Authentication:
		return !v.Ok()
	default:
		return false
	}
}

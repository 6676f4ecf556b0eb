package message

import (
	"bufio"
	"crypto/md5" //nolint:gosec // scheme mandated by the wire protocol
	"encoding/binary"
	"encoding/hex"
	"io"
)

// Protocol constants from the PostgreSQL frontend/backend protocol 3.0.
const (
	protocolVersion = 196608   // 3.0
	sslRequestCode  = 80877103 // magic version requesting the TLS upgrade
)

// Frontend is a message this client can write to the backend.
type Frontend interface {
	Message
	// encode appends the complete frame, including any type byte and the
	// length prefix, and returns the extended buffer.
	encode(buf []byte) []byte
}

// Startup opens the protocol handshake. It carries no type byte on the wire.
type Startup struct {
	User     string
	Database string
	Options  map[string]string
}

// SSLRequest asks the backend for the transport-security upgrade. The reply
// is a single byte, not a framed message.
type SSLRequest struct{}

// Password answers a cleartext or MD5 authentication step.
type Password struct {
	Password string
}

// MD5Password derives the md5-scheme response to an MD5 authentication
// challenge: "md5" + md5hex(md5hex(password+user) + salt).
func MD5Password(user, password string, salt [4]byte) string {
	inner := md5.Sum([]byte(password + user))
	hexInner := hex.EncodeToString(inner[:])
	outer := md5.Sum(append([]byte(hexInner), salt[:]...))
	return "md5" + hex.EncodeToString(outer[:])
}

// Query runs a simple-protocol SQL string.
type Query struct {
	SQL string
}

// Terminate announces an orderly shutdown.
type Terminate struct{}

func (*Startup) message()    {}
func (*SSLRequest) message() {}
func (*Password) message()   {}
func (*Query) message()      {}
func (*Terminate) message()  {}

func (m *Startup) encode(buf []byte) []byte {
	body := make([]byte, 0, 64)
	body = binary.BigEndian.AppendUint32(body, protocolVersion)
	body = appendCString(body, "user")
	body = appendCString(body, m.User)
	if m.Database != "" {
		body = appendCString(body, "database")
		body = appendCString(body, m.Database)
	}
	for k, v := range m.Options {
		body = appendCString(body, k)
		body = appendCString(body, v)
	}
	body = append(body, 0)

	buf = binary.BigEndian.AppendUint32(buf, uint32(4+len(body)))
	return append(buf, body...)
}

func (*SSLRequest) encode(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, 8)
	return binary.BigEndian.AppendUint32(buf, sslRequestCode)
}

func (m *Password) encode(buf []byte) []byte {
	buf = append(buf, 'p')
	buf = binary.BigEndian.AppendUint32(buf, uint32(4+len(m.Password)+1))
	return appendCString(buf, m.Password)
}

func (m *Query) encode(buf []byte) []byte {
	buf = append(buf, 'Q')
	buf = binary.BigEndian.AppendUint32(buf, uint32(4+len(m.SQL)+1))
	return appendCString(buf, m.SQL)
}

func (*Terminate) encode(buf []byte) []byte {
	buf = append(buf, 'X')
	return binary.BigEndian.AppendUint32(buf, 4)
}

func appendCString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0)
}

// Encoder writes frontend messages to a buffered byte stream. Writes are
// buffered until Flush so a batch goes out together. Not safe for
// concurrent use; the stream serializes writers.
type Encoder struct {
	bw *bufio.Writer
}

// NewEncoder wraps w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{bw: bufio.NewWriter(w)}
}

// Write buffers one encoded frame.
func (e *Encoder) Write(m Frontend) error {
	_, err := e.bw.Write(m.encode(nil))
	return err
}

// Flush pushes all buffered frames to the transport.
func (e *Encoder) Flush() error { return e.bw.Flush() }

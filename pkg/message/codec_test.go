package message

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func encodeAll(t *testing.T, msgs ...Frontend) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, m := range msgs {
		if err := enc.Write(m); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := enc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return buf.Bytes()
}

func frame(typ byte, body []byte) []byte {
	out := []byte{typ, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(out[1:], uint32(len(body)+4))
	return append(out, body...)
}

func cstr(s string) []byte { return append([]byte(s), 0) }

func TestStartupEncoding(t *testing.T) {
	b := encodeAll(t, &Startup{User: "alice", Database: "app"})

	if got := binary.BigEndian.Uint32(b[:4]); int(got) != len(b) {
		t.Fatalf("length prefix %d, frame is %d bytes", got, len(b))
	}
	if got := binary.BigEndian.Uint32(b[4:8]); got != protocolVersion {
		t.Fatalf("protocol version %d", got)
	}
	want := append(append(cstr("user"), cstr("alice")...), append(cstr("database"), cstr("app")...)...)
	want = append(want, 0)
	if !bytes.Equal(b[8:], want) {
		t.Fatalf("startup body mismatch: %q", b[8:])
	}
}

func TestSSLRequestEncoding(t *testing.T) {
	b := encodeAll(t, &SSLRequest{})
	if len(b) != 8 {
		t.Fatalf("ssl request is %d bytes", len(b))
	}
	if binary.BigEndian.Uint32(b[:4]) != 8 || binary.BigEndian.Uint32(b[4:]) != sslRequestCode {
		t.Fatalf("ssl request bytes: %v", b)
	}
}

func TestQueryEncoding(t *testing.T) {
	b := encodeAll(t, &Query{SQL: "SELECT 1"})
	want := frame('Q', cstr("SELECT 1"))
	if !bytes.Equal(b, want) {
		t.Fatalf("query frame mismatch:\n got %v\nwant %v", b, want)
	}
}

func TestPasswordEncoding(t *testing.T) {
	b := encodeAll(t, &Password{Password: "hunter2"})
	want := frame('p', cstr("hunter2"))
	if !bytes.Equal(b, want) {
		t.Fatalf("password frame mismatch: %v", b)
	}
}

func TestTerminateEncoding(t *testing.T) {
	b := encodeAll(t, &Terminate{})
	if !bytes.Equal(b, []byte{'X', 0, 0, 0, 4}) {
		t.Fatalf("terminate frame mismatch: %v", b)
	}
}

func TestBatchFlushedTogether(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.Write(&Query{SQL: "BEGIN"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("frame flushed before Flush: %d bytes", buf.Len())
	}
	if err := enc.Write(&Query{SQL: "COMMIT"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := enc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	want := append(frame('Q', cstr("BEGIN")), frame('Q', cstr("COMMIT"))...)
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("batch bytes mismatch")
	}
}

func decodeOne(t *testing.T, raw []byte) Backend {
	t.Helper()
	m, err := NewDecoder(bytes.NewReader(raw)).Next()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return m
}

func TestDecodeReadyForQuery(t *testing.T) {
	m := decodeOne(t, frame('Z', []byte{'I'}))
	rfq, ok := m.(*ReadyForQuery)
	if !ok || rfq.TxStatus != 'I' {
		t.Fatalf("got %#v", m)
	}
}

func TestDecodeAuthentication(t *testing.T) {
	ok4 := make([]byte, 4)
	m := decodeOne(t, frame('R', ok4))
	a, isAuth := m.(*Authentication)
	if !isAuth || !a.Ok() {
		t.Fatalf("got %#v", m)
	}

	md5 := make([]byte, 8)
	binary.BigEndian.PutUint32(md5, AuthMD5Password)
	copy(md5[4:], []byte{1, 2, 3, 4})
	m = decodeOne(t, frame('R', md5))
	a = m.(*Authentication)
	if a.Ok() || a.Salt != [4]byte{1, 2, 3, 4} {
		t.Fatalf("md5 step: %#v", a)
	}
}

func TestDecodeErrorResponse(t *testing.T) {
	body := append([]byte{'S'}, cstr("FATAL")...)
	body = append(body, 'C')
	body = append(body, cstr("28P01")...)
	body = append(body, 'M')
	body = append(body, cstr("password authentication failed")...)
	body = append(body, 0)

	m := decodeOne(t, frame('E', body))
	be, ok := m.(*BackendError)
	if !ok {
		t.Fatalf("got %#v", m)
	}
	if be.Severity() != "FATAL" || be.Fields['C'] != "28P01" {
		t.Fatalf("fields: %#v", be.Fields)
	}
	if be.Error() == "" {
		t.Fatal("empty error text")
	}
}

func TestDecodeNotification(t *testing.T) {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, 4242)
	body = append(body, cstr("events")...)
	body = append(body, cstr("hello")...)

	m := decodeOne(t, frame('A', body))
	n, ok := m.(*Notification)
	if !ok || n.PID != 4242 || n.Channel != "events" || n.Payload != "hello" {
		t.Fatalf("got %#v", m)
	}
}

func TestDecodeCommandCompleteAndParameterStatus(t *testing.T) {
	m := decodeOne(t, frame('C', cstr("SELECT 1")))
	if cc, ok := m.(*CommandComplete); !ok || cc.Tag != "SELECT 1" {
		t.Fatalf("got %#v", m)
	}

	m = decodeOne(t, frame('S', append(cstr("TimeZone"), cstr("UTC")...)))
	if ps, ok := m.(*ParameterStatus); !ok || ps.Name != "TimeZone" || ps.Value != "UTC" {
		t.Fatalf("got %#v", m)
	}
}

func TestDecodeUnknownAsRaw(t *testing.T) {
	m := decodeOne(t, frame('T', []byte{0, 1}))
	raw, ok := m.(*Raw)
	if !ok || raw.Type != 'T' || !bytes.Equal(raw.Body, []byte{0, 1}) {
		t.Fatalf("got %#v", m)
	}
}

func TestDecodeTruncatedFrame(t *testing.T) {
	full := frame('Z', []byte{'I'})
	_, err := NewDecoder(bytes.NewReader(full[:len(full)-1])).Next()
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("want unexpected EOF, got %v", err)
	}
}

func TestDecodeInvalidFrameSize(t *testing.T) {
	bad := []byte{'Z', 0, 0, 0, 2} // length below prefix size
	if _, err := NewDecoder(bytes.NewReader(bad)).Next(); err == nil {
		t.Fatal("expected error for invalid frame size")
	}
}

func TestIsTerminal(t *testing.T) {
	cases := []struct {
		m    Message
		want bool
	}{
		{&ReadyForQuery{TxStatus: 'I'}, true},
		{NewChannelError("boom"), true},
		{&Authentication{Code: AuthCleartextPassword}, true},
		{&Authentication{Code: AuthOK}, false},
		{&BackendError{Fields: map[byte]string{'M': "oops"}}, false},
		{&CommandComplete{Tag: "SELECT 1"}, false},
		{&Notification{Channel: "c"}, false},
	}
	for _, c := range cases {
		if got := IsTerminal(c.m); got != c.want {
			t.Fatalf("IsTerminal(%#v) = %v, want %v", c.m, got, c.want)
		}
	}
}

func TestMD5Password(t *testing.T) {
	salt := [4]byte{1, 2, 3, 4}
	got := MD5Password("alice", "secret", salt)
	if len(got) != 35 || got[:3] != "md5" {
		t.Fatalf("malformed md5 response: %q", got)
	}
	if got != MD5Password("alice", "secret", salt) {
		t.Fatal("response must be deterministic")
	}
	if got == MD5Password("alice", "secret", [4]byte{4, 3, 2, 1}) {
		t.Fatal("salt must change the response")
	}
}

func TestChannelErrorWraps(t *testing.T) {
	cause := errors.New("broken pipe")
	cerr := WrapChannelError(cause)
	if !errors.Is(cerr, cause) {
		t.Fatal("cause not unwrapped")
	}
	if cerr.Error() != "broken pipe" {
		t.Fatalf("error text: %q", cerr.Error())
	}
}

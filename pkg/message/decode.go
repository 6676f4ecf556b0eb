package message

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameSize bounds a single backend frame body.
const maxFrameSize = 1 << 24

// Decoder reads length-prefixed backend frames and decodes the message
// kinds the stream interprets; everything else comes back as *Raw.
type Decoder struct {
	br *bufio.Reader
}

// NewDecoder wraps r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{br: bufio.NewReader(r)}
}

// Next blocks for the next backend message.
func (d *Decoder) Next() (Backend, error) {
	var head [5]byte
	if _, err := io.ReadFull(d.br, head[:]); err != nil {
		return nil, err
	}
	typ := head[0]
	n := int(binary.BigEndian.Uint32(head[1:])) - 4
	if n < 0 || n > maxFrameSize {
		return nil, fmt.Errorf("invalid frame size %d for message %q", n, typ)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(d.br, body); err != nil {
		return nil, err
	}
	return decodeBody(typ, body)
}

func decodeBody(typ byte, body []byte) (Backend, error) {
	switch typ {
	case 'R':
		return decodeAuthentication(body)
	case 'Z':
		if len(body) != 1 {
			return nil, fmt.Errorf("ready-for-query body length %d", len(body))
		}
		return &ReadyForQuery{TxStatus: body[0]}, nil
	case 'E':
		return decodeError(body)
	case 'A':
		return decodeNotification(body)
	case 'C':
		tag, _, err := readCString(body)
		if err != nil {
			return nil, fmt.Errorf("command-complete: %w", err)
		}
		return &CommandComplete{Tag: tag}, nil
	case 'S':
		name, rest, err := readCString(body)
		if err != nil {
			return nil, fmt.Errorf("parameter-status: %w", err)
		}
		value, _, err := readCString(rest)
		if err != nil {
			return nil, fmt.Errorf("parameter-status: %w", err)
		}
		return &ParameterStatus{Name: name, Value: value}, nil
	case 'K':
		if len(body) != 8 {
			return nil, fmt.Errorf("backend-key-data body length %d", len(body))
		}
		return &BackendKeyData{
			PID:       binary.BigEndian.Uint32(body[:4]),
			SecretKey: binary.BigEndian.Uint32(body[4:]),
		}, nil
	default:
		return &Raw{Type: typ, Body: body}, nil
	}
}

func decodeAuthentication(body []byte) (*Authentication, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("authentication body length %d", len(body))
	}
	a := &Authentication{Code: int32(binary.BigEndian.Uint32(body[:4]))}
	if a.Code == AuthMD5Password {
		if len(body) < 8 {
			return nil, fmt.Errorf("md5 authentication without salt")
		}
		copy(a.Salt[:], body[4:8])
	}
	return a, nil
}

func decodeError(body []byte) (*BackendError, error) {
	fields := make(map[byte]string)
	for len(body) > 0 && body[0] != 0 {
		code := body[0]
		val, rest, err := readCString(body[1:])
		if err != nil {
			return nil, fmt.Errorf("error-response field %q: %w", code, err)
		}
		fields[code] = val
		body = rest
	}
	return &BackendError{Fields: fields}, nil
}

func decodeNotification(body []byte) (*Notification, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("notification body length %d", len(body))
	}
	pid := binary.BigEndian.Uint32(body[:4])
	channel, rest, err := readCString(body[4:])
	if err != nil {
		return nil, fmt.Errorf("notification channel: %w", err)
	}
	payload, _, err := readCString(rest)
	if err != nil {
		return nil, fmt.Errorf("notification payload: %w", err)
	}
	return &Notification{PID: pid, Channel: channel, Payload: payload}, nil
}

func readCString(b []byte) (string, []byte, error) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", nil, fmt.Errorf("unterminated string")
	}
	return string(b[:i]), b[i+1:], nil
}

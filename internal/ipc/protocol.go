package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

const (
	// PayloadSize is the capacity of the request text field in bytes.
	PayloadSize = 511
	// MessageSize is the capacity of the response text field in bytes.
	MessageSize = 1023

	tagSize = 4

	// RequestSize is the fixed length of an encoded request frame.
	RequestSize = tagSize + PayloadSize
	// ResponseSize is the fixed length of an encoded response frame.
	ResponseSize = tagSize + MessageSize
)

// ErrShortFrame is returned when a frame is shorter than its fixed size.
var ErrShortFrame = errors.New("short frame")

// Kind identifies what a client is asking the daemon to do.
type Kind uint32

const (
	KindCalculate Kind = 1
	KindHistory   Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindCalculate:
		return "calculate"
	case KindHistory:
		return "history"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(k))
	}
}

// Status is the outcome reported back to the client.
type Status uint32

const (
	StatusSuccess           Status = 0
	StatusInvalidExpression Status = 1
	StatusCalculationError  Status = 2
	StatusUnknownRequest    Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusInvalidExpression:
		return "invalid_expression"
	case StatusCalculationError:
		return "calculation_error"
	case StatusUnknownRequest:
		return "unknown_request"
	default:
		return fmt.Sprintf("status(%d)", uint32(s))
	}
}

// Request is sent from the CLI to the daemon.
type Request struct {
	Kind    Kind
	Payload string // expression text, ignored for history requests
}

// Response is sent from the daemon back to the CLI.
type Response struct {
	Status  Status
	Message string
}

// Truncate bounds s the way a text field on the wire does: it stops at the
// first NUL byte and keeps at most limit bytes without splitting a UTF-8
// sequence.
func Truncate(s string, limit int) string {
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			s = s[:i]
			break
		}
	}
	if limit < 0 {
		limit = 0
	}
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// EncodeRequest lays out a request as a RequestSize byte frame.
func EncodeRequest(req Request) []byte {
	return encode(uint32(req.Kind), req.Payload, PayloadSize)
}

// DecodeRequest parses a request frame.
func DecodeRequest(frame []byte) (Request, error) {
	tag, text, err := decode(frame, PayloadSize)
	if err != nil {
		return Request{}, err
	}
	return Request{Kind: Kind(tag), Payload: text}, nil
}

// EncodeResponse lays out a response as a ResponseSize byte frame.
func EncodeResponse(resp Response) []byte {
	return encode(uint32(resp.Status), resp.Message, MessageSize)
}

// DecodeResponse parses a response frame.
func DecodeResponse(frame []byte) (Response, error) {
	tag, text, err := decode(frame, MessageSize)
	if err != nil {
		return Response{}, err
	}
	return Response{Status: Status(tag), Message: text}, nil
}

func encode(tag uint32, text string, capacity int) []byte {
	frame := make([]byte, tagSize+capacity)
	binary.LittleEndian.PutUint32(frame, tag)
	copy(frame[tagSize:], Truncate(text, capacity))
	return frame
}

func decode(frame []byte, capacity int) (uint32, string, error) {
	if len(frame) < tagSize+capacity {
		return 0, "", fmt.Errorf("%w: got %d bytes, want %d", ErrShortFrame, len(frame), tagSize+capacity)
	}
	tag := binary.LittleEndian.Uint32(frame)
	return tag, Truncate(string(frame[tagSize:tagSize+capacity]), capacity), nil
}

// ReadRequest reads exactly one request frame from r.
func ReadRequest(r io.Reader) (Request, error) {
	frame, err := readFrame(r, RequestSize)
	if err != nil {
		return Request{}, err
	}
	return DecodeRequest(frame)
}

// WriteRequest writes one request frame to w.
func WriteRequest(w io.Writer, req Request) error {
	return writeFrame(w, EncodeRequest(req))
}

// ReadResponse reads exactly one response frame from r.
func ReadResponse(r io.Reader) (Response, error) {
	frame, err := readFrame(r, ResponseSize)
	if err != nil {
		return Response{}, err
	}
	return DecodeResponse(frame)
}

// WriteResponse writes one response frame to w.
func WriteResponse(w io.Writer, resp Response) error {
	return writeFrame(w, EncodeResponse(resp))
}

// readFrame keeps reading until size bytes arrived or the stream failed.
func readFrame(r io.Reader, size int) ([]byte, error) {
	frame := make([]byte, size)
	n, err := io.ReadFull(r, frame)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || (errors.Is(err, io.EOF) && n == 0) {
			return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrShortFrame, n, size)
		}
		return nil, err
	}
	return frame, nil
}

func writeFrame(w io.Writer, frame []byte) error {
	n, err := w.Write(frame)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return io.ErrShortWrite
	}
	return nil
}

package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// FormatJPEG is the only payload format clients produce today.
	FormatJPEG = "jpeg"

	headerLenSize = 4

	// MaxHeaderBytes bounds the declared JSON header length.
	MaxHeaderBytes = 4096
)

var (
	ErrFrameTooShort = errors.New("frame shorter than header length prefix")
	ErrHeaderLength  = errors.New("invalid frame header length")
	ErrHeaderJSON    = errors.New("invalid frame header json")
)

// Header describes one captured image. Seq increases per client and is only used for
// diagnostics; nothing on the relay path depends on it.
type Header struct {
	TS      int64   `json:"ts"`
	Width   int     `json:"width"`
	Height  int     `json:"height"`
	Format  string  `json:"format"`
	Quality float64 `json:"quality"`
	Seq     uint64  `json:"seq"`
}

// Frame is a decoded wire frame. Payload aliases the buffer passed to DecodeFrame.
type Frame struct {
	Header  Header
	Payload []byte
}

// EncodeFrame lays out u32 LE header length, the JSON header, then the payload.
func EncodeFrame(h Header, payload []byte) ([]byte, error) {
	hdr, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("marshal frame header: %w", err)
	}
	if len(hdr) > MaxHeaderBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrHeaderLength, len(hdr))
	}

	buf := make([]byte, headerLenSize+len(hdr)+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(hdr)))
	copy(buf[headerLenSize:], hdr)
	copy(buf[headerLenSize+len(hdr):], payload)
	return buf, nil
}

func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < headerLenSize {
		return nil, ErrFrameTooShort
	}

	n := binary.LittleEndian.Uint32(data)
	if n > MaxHeaderBytes || uint64(n) > uint64(len(data)-headerLenSize) {
		return nil, fmt.Errorf("%w: declared %d, have %d", ErrHeaderLength, n, len(data)-headerLenSize)
	}

	end := headerLenSize + int(n)
	var h Header
	if err := json.Unmarshal(data[headerLenSize:end], &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHeaderJSON, err)
	}

	return &Frame{Header: h, Payload: data[end:]}, nil
}

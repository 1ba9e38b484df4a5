package codec

import "errors"

// Sentinel errors distinguishable at the packet-decode boundary. Each
// is returned verbatim, never wrapped, so callers can match with
// errors.Is.
var (
	ErrBadPreamble         = errors.New("codec: bad preamble")
	ErrShortPacket         = errors.New("codec: short packet")
	ErrUnsupportedCodec    = errors.New("codec: unsupported codec id")
	ErrRecordCountMismatch = errors.New("codec: header/trailer record count mismatch")
	ErrTruncated           = errors.New("codec: truncated record stream")
	ErrBadCRC              = errors.New("codec: crc mismatch")
)

// Package codec decodes Teltonika Codec8 and Codec8-Extended AVL
// packets: length-prefixed frames of GPS+IO records, CRC-16
// validated. It performs no interpretation of IO element semantics —
// that is the IO Field Mapper's job (see internal/iomap).
package codec

import (
	"encoding/binary"
	"time"
)

const (
	// IDCodec8 and IDCodec8Extended are the two supported codec ids
	// found at offset 8 of a frame.
	IDCodec8         byte = 0x08
	IDCodec8Extended byte = 0x8E

	headerLen  = 8 // preamble(4) + data length(4)
	trailerLen = 4 // CRC-16 in the low 16 bits of a big-endian uint32
)

// IOElement is a single (id, value) pair from one of Codec8's
// fixed-width groups, or a variable-width value from the
// Codec8-Extended fifth group. Width is the byte width of the group
// it came from (1, 2, 4, or 8); for the variable-width group Width is
// 0 and Raw holds the value instead of Value.
type IOElement struct {
	ID    uint16
	Width int
	Value uint64
	Raw   []byte
}

// Record is one decoded AVL record: timestamp, GPS fix, and the IO
// elements found across all groups, in the order they were decoded.
// Field values are exactly as they appeared on the wire — no unit
// conversion or sign reinterpretation happens here.
type Record struct {
	Timestamp  time.Time
	Priority   uint8
	Longitude  int32 // degrees * 1e7
	Latitude   int32 // degrees * 1e7
	Altitude   int16 // meters
	Heading    uint16
	Satellites uint8
	Speed      uint16
	EventIOID  uint16
	IOElements []IOElement
}

// Packet is the structurally typed result of decoding one complete
// frame.
type Packet struct {
	CodecID byte
	Records []Record
}

// FrameLength inspects the first 8 bytes of buf (the preamble and
// declared data length) and returns the total byte length the frame
// will occupy once complete: 8 + dataLength + 4. It returns ok=false
// if buf is shorter than 8 bytes. The Session Server uses this to
// decide whether it has buffered a complete frame yet, without fully
// decoding it.
func FrameLength(buf []byte) (total int, ok bool) {
	if len(buf) < headerLen {
		return 0, false
	}
	n := binary.BigEndian.Uint32(buf[4:8])
	return headerLen + int(n) + trailerLen, true
}

// Decode parses exactly one complete frame from data. The caller
// (the Session Server's framing loop) is responsible for slicing out
// exactly one frame's worth of bytes first; Decode returns
// ErrShortPacket if data is shorter than the frame it declares.
func Decode(data []byte) (*Packet, error) {
	if len(data) < headerLen {
		return nil, ErrShortPacket
	}

	preamble := binary.BigEndian.Uint32(data[0:4])
	if preamble != 0 {
		return nil, ErrBadPreamble
	}

	dataLength := binary.BigEndian.Uint32(data[4:8])
	total := headerLen + int(dataLength) + trailerLen
	if len(data) < total {
		return nil, ErrShortPacket
	}

	codecID := data[8]
	if codecID != IDCodec8 && codecID != IDCodec8Extended {
		return nil, ErrUnsupportedCodec
	}
	extended := codecID == IDCodec8Extended

	headerCount := int(data[9])
	pos := 10
	end := headerLen + int(dataLength) // exclusive end of the data-length region, i.e. offset of CRC

	records := make([]Record, 0, headerCount)
	for i := 0; i < headerCount; i++ {
		rec, consumed, err := decodeRecord(data[pos:end], extended)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
		pos += consumed
	}

	if pos >= end {
		return nil, ErrTruncated
	}
	trailerCount := int(data[pos])
	pos++

	if trailerCount != headerCount {
		return nil, ErrRecordCountMismatch
	}
	if pos != end {
		return nil, ErrTruncated
	}

	crcField := binary.BigEndian.Uint32(data[end : end+4])
	if crcField>>16 != 0 {
		return nil, ErrBadCRC
	}
	want := uint16(crcField)
	got := crc16(data[8:end])
	if got != want {
		return nil, ErrBadCRC
	}

	return &Packet{CodecID: codecID, Records: records}, nil
}

// decodeRecord decodes one AVL record starting at buf[0], returning
// the number of bytes consumed. buf must be bounded to the remaining
// data-length region so that running past its end surfaces as
// ErrTruncated rather than reading into the CRC or past the slice.
func decodeRecord(buf []byte, extended bool) (Record, int, error) {
	const fixedLen = 8 + 1 + 15 // timestamp + priority + GPS element
	if len(buf) < fixedLen {
		return Record{}, 0, ErrTruncated
	}

	ms := binary.BigEndian.Uint64(buf[0:8])
	rec := Record{
		Timestamp: time.UnixMilli(int64(ms)).UTC(),
		Priority:  buf[8],
	}

	gps := buf[9:24]
	rec.Longitude = int32(binary.BigEndian.Uint32(gps[0:4]))
	rec.Latitude = int32(binary.BigEndian.Uint32(gps[4:8]))
	rec.Altitude = int16(binary.BigEndian.Uint16(gps[8:10]))
	rec.Heading = binary.BigEndian.Uint16(gps[10:12])
	rec.Satellites = gps[12]
	rec.Speed = binary.BigEndian.Uint16(gps[13:15])

	pos := fixedLen
	idWidth := 1
	countWidth := 1
	if extended {
		idWidth = 2
		countWidth = 2
	}

	eventIOID, n, err := readUint(buf, pos, idWidth)
	if err != nil {
		return Record{}, 0, err
	}
	rec.EventIOID = uint16(eventIOID)
	pos += n

	// total IO count is advisory (the sum of the per-group counts
	// below); it is not cross-checked against them.
	_, n, err = readUint(buf, pos, countWidth)
	if err != nil {
		return Record{}, 0, err
	}
	pos += n

	for _, width := range []int{1, 2, 4, 8} {
		count, n, err := readUint(buf, pos, countWidth)
		if err != nil {
			return Record{}, 0, err
		}
		pos += n

		for i := uint64(0); i < count; i++ {
			id, n, err := readUint(buf, pos, idWidth)
			if err != nil {
				return Record{}, 0, err
			}
			pos += n

			value, n, err := readUint(buf, pos, width)
			if err != nil {
				return Record{}, 0, err
			}
			pos += n

			rec.IOElements = append(rec.IOElements, IOElement{ID: uint16(id), Width: width, Value: value})
		}
	}

	if extended {
		count, n, err := readUint(buf, pos, countWidth)
		if err != nil {
			return Record{}, 0, err
		}
		pos += n

		for i := uint64(0); i < count; i++ {
			id, n, err := readUint(buf, pos, idWidth)
			if err != nil {
				return Record{}, 0, err
			}
			pos += n

			length, n, err := readUint(buf, pos, 2)
			if err != nil {
				return Record{}, 0, err
			}
			pos += n

			if pos+int(length) > len(buf) {
				return Record{}, 0, ErrTruncated
			}
			raw := make([]byte, length)
			copy(raw, buf[pos:pos+int(length)])
			pos += int(length)

			rec.IOElements = append(rec.IOElements, IOElement{ID: uint16(id), Raw: raw})
		}
	}

	return rec, pos, nil
}

// readUint reads a big-endian unsigned integer of the given byte
// width from buf starting at pos, returning its value and the width
// consumed. width must be 1, 2, 4, or 8.
func readUint(buf []byte, pos, width int) (uint64, int, error) {
	if pos+width > len(buf) {
		return 0, 0, ErrTruncated
	}
	switch width {
	case 1:
		return uint64(buf[pos]), 1, nil
	case 2:
		return uint64(binary.BigEndian.Uint16(buf[pos : pos+2])), 2, nil
	case 4:
		return uint64(binary.BigEndian.Uint32(buf[pos : pos+4])), 4, nil
	case 8:
		return binary.BigEndian.Uint64(buf[pos : pos+8]), 8, nil
	default:
		return 0, 0, ErrTruncated
	}
}

package codec

import (
	"encoding/hex"
	"errors"
	"testing"
	"time"
)

// mustHex decodes a hex literal, failing the test on malformed input.
func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex fixture: %v", err)
	}
	return b
}

// minimalCodec8Packet is a single Codec8 record with an all-zero GPS
// fix and zero IO elements in every group, timestamped
// 2024-01-01T00:00:00Z.
const minimalCodec8Packet = "000000000000002108010000018cc251f40000000000000000000000000000000000000000000000010000f194"

// richCodec8Packet carries one record with din1, ignition, movement,
// gsmSignal (1-byte group), axisX/axisY/axisZ (2-byte group), and a
// 4-byte odometer-like field, timestamped 2024-03-15T12:30:00Z.
const richCodec8Packet = "000000000000003708010000018e42173140001653cefe21d5b7b10078005a0801c40008040101ef01f00115120311006412ffce130a28011000bc614e0001000076a1"

// extendedCodec8Packet is a Codec8-Extended record with 2-byte ids
// and counts, including the variable-width fifth group, timestamped
// 2024-06-01T08:00:00Z.
const extendedCodec8Packet = "000000000000003d8e010000018fd2d008000100000064000000c8000a000506012c000000030001000101000100130e1000000000000101f4000968656c6c6f2d76696e0100001ab6"

func TestDecodeMinimalPacket(t *testing.T) {
	data := mustHex(t, minimalCodec8Packet)

	pkt, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if pkt.CodecID != IDCodec8 {
		t.Fatalf("CodecID = %#x, want %#x", pkt.CodecID, IDCodec8)
	}
	if len(pkt.Records) != 1 {
		t.Fatalf("len(Records) = %d, want 1", len(pkt.Records))
	}
	rec := pkt.Records[0]
	want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if !rec.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", rec.Timestamp, want)
	}
	if len(rec.IOElements) != 0 {
		t.Errorf("len(IOElements) = %d, want 0", len(rec.IOElements))
	}
}

func TestBytesConsumedInvariant(t *testing.T) {
	// The declared frame length always equals 8 (preamble+length) plus
	// the data field plus 4 (CRC).
	for _, hexStr := range []string{minimalCodec8Packet, richCodec8Packet, extendedCodec8Packet} {
		data := mustHex(t, hexStr)
		total, ok := FrameLength(data)
		if !ok {
			t.Fatalf("FrameLength: not enough header bytes")
		}
		if total != len(data) {
			t.Errorf("FrameLength = %d, want %d (full fixture length)", total, len(data))
		}
		if _, err := Decode(data); err != nil {
			t.Errorf("Decode: %v", err)
		}
	}
}

func TestDecodeRichCodec8Packet(t *testing.T) {
	data := mustHex(t, richCodec8Packet)

	pkt, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(pkt.Records) != 1 {
		t.Fatalf("len(Records) = %d, want 1", len(pkt.Records))
	}
	rec := pkt.Records[0]

	byID := make(map[uint16]IOElement)
	for _, e := range rec.IOElements {
		byID[e.ID] = e
	}

	cases := []struct {
		id    uint16
		width int
		value uint64
	}{
		{1, 1, 1},       // din1
		{239, 1, 1},     // ignition
		{240, 1, 1},     // movement
		{21, 1, 18},     // gsmSignal
		{17, 2, 100},    // axisX
		{18, 2, 0xFFCE}, // axisY (raw pattern; sign reinterpreted by iomap)
		{19, 2, 2600},   // axisZ
		{16, 4, 12345678},
	}
	for _, c := range cases {
		e, ok := byID[c.id]
		if !ok {
			t.Errorf("missing IO element id=%d", c.id)
			continue
		}
		if e.Width != c.width {
			t.Errorf("id=%d width = %d, want %d", c.id, e.Width, c.width)
		}
		if e.Value != c.value {
			t.Errorf("id=%d value = %d, want %d", c.id, e.Value, c.value)
		}
	}
}

func TestDecodeExtendedPacket(t *testing.T) {
	data := mustHex(t, extendedCodec8Packet)

	pkt, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if pkt.CodecID != IDCodec8Extended {
		t.Fatalf("CodecID = %#x, want %#x", pkt.CodecID, IDCodec8Extended)
	}
	if len(pkt.Records) != 1 {
		t.Fatalf("len(Records) = %d, want 1", len(pkt.Records))
	}
	rec := pkt.Records[0]

	var foundVariable bool
	for _, e := range rec.IOElements {
		if e.ID == 500 {
			foundVariable = true
			if string(e.Raw) != "hello-vin" {
				t.Errorf("variable element raw = %q, want %q", e.Raw, "hello-vin")
			}
		}
	}
	if !foundVariable {
		t.Error("expected the variable-width group's id=500 element to be decoded")
	}
}

func TestDecodeCRCMismatch(t *testing.T) {
	data := mustHex(t, minimalCodec8Packet)
	// Zero the low 16 bits of the CRC field (last two bytes).
	corrupted := make([]byte, len(data))
	copy(corrupted, data)
	corrupted[len(corrupted)-2] = 0
	corrupted[len(corrupted)-1] = 0

	_, err := Decode(corrupted)
	if !errors.Is(err, ErrBadCRC) {
		t.Fatalf("Decode: err = %v, want ErrBadCRC", err)
	}
}

func TestDecodeBadPreamble(t *testing.T) {
	data := mustHex(t, minimalCodec8Packet)
	data[0] = 0xFF

	_, err := Decode(data)
	if !errors.Is(err, ErrBadPreamble) {
		t.Fatalf("Decode: err = %v, want ErrBadPreamble", err)
	}
}

func TestDecodeShortPacket(t *testing.T) {
	_, err := Decode([]byte{0, 0, 0})
	if !errors.Is(err, ErrShortPacket) {
		t.Fatalf("Decode: err = %v, want ErrShortPacket", err)
	}
}

func TestDecodeUnsupportedCodec(t *testing.T) {
	data := mustHex(t, minimalCodec8Packet)
	data[8] = 0x7E // not 0x08 or 0x8E

	_, err := Decode(data)
	if !errors.Is(err, ErrUnsupportedCodec) {
		t.Fatalf("Decode: err = %v, want ErrUnsupportedCodec", err)
	}
}

func TestDecodeRecordCountMismatch(t *testing.T) {
	data := mustHex(t, minimalCodec8Packet)
	// Byte 9 is the header record count; bump it without touching
	// the trailer so the two copies disagree. The decoder then tries
	// to read a second record from the single trailer byte left in the
	// data region and stops with ErrTruncated; either error rejects
	// the packet.
	data[9] = 2

	_, err := Decode(data)
	if !errors.Is(err, ErrTruncated) && !errors.Is(err, ErrRecordCountMismatch) {
		t.Fatalf("Decode: err = %v, want ErrTruncated or ErrRecordCountMismatch", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	data := mustHex(t, minimalCodec8Packet)
	// Cut the last 10 bytes so the buffer is shorter than the frame
	// its header declares.
	data = data[:len(data)-10]
	// FrameLength now disagrees with len(data); Decode must reject
	// rather than read out of bounds.
	_, err := Decode(data)
	if err == nil {
		t.Fatal("Decode: expected an error for a truncated buffer")
	}
}

func TestFrameLengthShortHeader(t *testing.T) {
	if _, ok := FrameLength([]byte{0, 0, 0}); ok {
		t.Fatal("FrameLength: ok = true for a buffer shorter than the header")
	}
}

package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		version int
		size    int
		volume  int
		wantVol int
	}{
		{"v80", 86, HeaderSizeV80, 0, -1},
		{"v95", 95, HeaderSizeV95, 0, -1},
		{"v100", 101, HeaderSizeV100, 3, 3},
		{"v110", 110, HeaderSizeV100, -1, -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := make([]byte, HeaderSize(tc.version))
			n := EncodeHeader(buf, tc.version, CmdData, 4096, tc.volume)
			if n != tc.size {
				t.Fatalf("EncodeHeader wrote %d bytes, want %d", n, tc.size)
			}
			pi, err := DecodeHeader(buf, tc.version)
			if err != nil {
				t.Fatalf("DecodeHeader: %v", err)
			}
			if pi.Cmd != CmdData {
				t.Errorf("Cmd = %v, want %v", pi.Cmd, CmdData)
			}
			if pi.Size != 4096 {
				t.Errorf("Size = %d, want 4096", pi.Size)
			}
			if pi.Volume != tc.wantVol {
				t.Errorf("Volume = %d, want %d", pi.Volume, tc.wantVol)
			}
		})
	}
}

func TestDecodeHeaderBadMagic(t *testing.T) {
	for _, version := range []int{86, 95, 110} {
		buf := make([]byte, HeaderSize(version))
		EncodeHeader(buf, version, CmdPing, 0, -1)
		buf[0] ^= 0xff
		if _, err := DecodeHeader(buf, version); !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("version %d: err = %v, want ErrMalformedFrame", version, err)
		}
	}
}

func TestDecodeHeaderPadNotZero(t *testing.T) {
	buf := make([]byte, HeaderSizeV100)
	EncodeHeader(buf, 110, CmdBarrier, 8, 0)
	buf[13] = 1
	if _, err := DecodeHeader(buf, 110); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("err = %v, want ErrMalformedFrame", err)
	}
}

func TestV80LengthIs16Bit(t *testing.T) {
	buf := make([]byte, HeaderSizeV80)
	EncodeHeader(buf, 86, CmdData, 0xffff, -1)
	pi, err := DecodeHeader(buf, 86)
	if err != nil {
		t.Fatal(err)
	}
	if pi.Size != 0xffff {
		t.Errorf("Size = %d, want %d", pi.Size, 0xffff)
	}
}

func TestWriteReadFrame(t *testing.T) {
	var buf bytes.Buffer
	payload := (&BarrierAck{BarrierNr: 7, SetSize: 3}).Marshal()
	if err := WriteFrame(&buf, 110, CmdBarrierAck, -1, payload); err != nil {
		t.Fatal(err)
	}
	pi, err := ReadHeader(&buf, 110)
	if err != nil {
		t.Fatal(err)
	}
	if pi.Cmd != CmdBarrierAck || pi.Size != uint32(len(payload)) {
		t.Fatalf("header = %+v", pi)
	}
	var ack BarrierAck
	if err := ack.Unmarshal(buf.Bytes()); err != nil {
		t.Fatal(err)
	}
	if ack.BarrierNr != 7 || ack.SetSize != 3 {
		t.Errorf("ack = %+v", ack)
	}
}

func TestCommandString(t *testing.T) {
	if got := CmdSuperseded.String(); got != "Superseded" {
		t.Errorf("String() = %q", got)
	}
	if got := Command(0x7777).String(); got != "Unknown(0x7777)" {
		t.Errorf("String() = %q", got)
	}
}

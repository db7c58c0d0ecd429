package tapcap

import (
	"fmt"
	"strconv"
	"strings"
)

// Status is a native audio subsystem result code. Many hosts pack four ASCII
// characters into the code, so it renders as 'abcd' when that is the case.
type Status int32

func fourCC(code string) Status {
	return Status(int32(uint32(code[0])<<24 | uint32(code[1])<<16 | uint32(code[2])<<8 | uint32(code[3])))
}

// Well-known host result codes.
var (
	StatusOK                   Status = 0
	StatusNotRunning                  = fourCC("stop")
	StatusUnspecified                 = fourCC("what")
	StatusUnknownProperty             = fourCC("who?")
	StatusBadPropertySize             = fourCC("!siz")
	StatusIllegalOperation            = fourCC("nope")
	StatusBadObject                   = fourCC("!obj")
	StatusBadDevice                   = fourCC("!dev")
	StatusBadStream                   = fourCC("!str")
	StatusUnsupportedOperation        = fourCC("unop")
	StatusNotReady                    = fourCC("nrdy")
	StatusUnsupportedFormat           = fourCC("!dat")
	StatusPermissions                 = fourCC("!hog")
)

// String renders the code as a quoted four character code when all four bytes
// are printable and as a signed integer otherwise.
func (s Status) String() string {
	u := uint32(s)
	b := [4]byte{byte(u >> 24), byte(u >> 16), byte(u >> 8), byte(u)}
	for _, c := range b {
		if c < 32 || c > 126 {
			return strconv.FormatInt(int64(s), 10)
		}
	}
	return "'" + string(b[:]) + "'"
}

// Error lets hosts return a bare Status (or wrap one) as an error.
func (s Status) Error() string {
	return "audio host status " + s.String()
}

// StreamFormat describes the PCM layout delivered to the capture callback.
type StreamFormat struct {
	SampleRate     int  `json:"sample_rate"`
	Channels       int  `json:"channels"`
	BitsPerChannel int  `json:"bits_per_channel"`
	Float          bool `json:"float"`
	BigEndian      bool `json:"big_endian"`
	Packed         bool `json:"packed"`
	NonInterleaved bool `json:"non_interleaved"`
}

// Float32Format is the capture format every host is asked for.
func Float32Format(sampleRate, channels int) StreamFormat {
	return StreamFormat{
		SampleRate:     sampleRate,
		Channels:       channels,
		BitsPerChannel: 32,
		Float:          true,
		Packed:         true,
	}
}

// BytesPerSample returns the size of one sample of one channel.
func (f StreamFormat) BytesPerSample() int {
	return (f.BitsPerChannel + 7) / 8
}

// BytesPerFrame returns the size of one sample across all channels.
func (f StreamFormat) BytesPerFrame() int {
	return f.BytesPerSample() * f.Channels
}

func (f StreamFormat) String() string {
	kind := "int"
	if f.Float {
		kind = "float"
	}
	endian := "little-endian"
	if f.BigEndian {
		endian = "big-endian"
	}
	parts := []string{
		fmt.Sprintf("%d Hz", f.SampleRate),
		fmt.Sprintf("%d-bit %s", f.BitsPerChannel, kind),
		fmt.Sprintf("%d ch", f.Channels),
		endian,
	}
	if f.Packed {
		parts = append(parts, "packed")
	} else {
		parts = append(parts, "aligned")
	}
	if f.NonInterleaved {
		parts = append(parts, "non-interleaved")
	} else {
		parts = append(parts, "interleaved")
	}
	return strings.Join(parts, ", ")
}

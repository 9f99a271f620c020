package probe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/dhowden/tag"
	"github.com/glebovdev/streamradio/internal/station"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/vorbis"
)

var ErrUnknownFormat = errors.New("unrecognized stream format")

// Format summarizes the audio found at the head of a stream.
type Format struct {
	Encoding   string
	Mime       string
	SampleRate int
	Channels   int
	// Bitrate is in bits per second, 0 when the container does not say.
	Bitrate int
	// FrameSize is the number of samples per channel in one frame.
	FrameSize int
}

// ProbeBuffer sniffs the container and codec parameters from the first
// bytes of a stream and stores them in st.
func ProbeBuffer(st *station.Station, buf []byte) error {
	f, err := Identify(buf)
	if err != nil {
		return err
	}

	st.SetEncoding(f.Encoding)
	if st.Mime() == "" || st.Mime() == "application/octet-stream" {
		st.SetMime(f.Mime)
	}
	if f.SampleRate > 0 {
		st.SetSampleRate(f.SampleRate)
	}
	if f.Channels > 0 {
		st.SetChannels(f.Channels)
	}
	if f.Bitrate > 0 {
		st.SetBitrate(f.Bitrate)
	}
	if f.FrameSize > 0 {
		st.SetFrameSize(f.FrameSize)
	}
	st.CheckFlags()
	return nil
}

// Identify recognizes Ogg, FLAC and MP4 containers as well as raw MPEG
// audio and ADTS AAC, optionally behind an ID3v2 tag.
func Identify(buf []byte) (Format, error) {
	_, fileType, err := tag.Identify(bytes.NewReader(buf))
	if err == nil {
		switch fileType {
		case tag.OGG:
			return oggFormat(buf)
		case tag.FLAC:
			return flacFormat(buf)
		case tag.M4A, tag.M4B, tag.M4P, tag.ALAC:
			return Format{Encoding: "aac", Mime: "audio/mp4"}, nil
		case tag.MP3:
			buf = skipID3v2(buf)
		}
	}
	return frameFormat(buf)
}

func beepFormat(encoding, mime string, f beep.Format) Format {
	return Format{
		Encoding:   encoding,
		Mime:       mime,
		SampleRate: int(f.SampleRate),
		Channels:   f.NumChannels,
	}
}

func flacFormat(buf []byte) (Format, error) {
	s, format, err := flac.Decode(struct{ io.Reader }{bytes.NewReader(buf)})
	if err != nil {
		return Format{}, err
	}
	s.Close()
	return beepFormat("flac", "audio/flac", format), nil
}

// oggFormat decodes the Vorbis headers when the prefix holds all of them and
// otherwise reads the identification packet of the first page.
func oggFormat(buf []byte) (Format, error) {
	s, format, err := vorbis.Decode(io.NopCloser(bytes.NewReader(buf)))
	if err == nil {
		s.Close()
		return beepFormat("vorbis", "audio/ogg", format), nil
	}

	if len(buf) < 27 {
		return Format{}, ErrUnknownFormat
	}
	segments := int(buf[26])
	start := 27 + segments
	if len(buf) < start {
		return Format{}, ErrUnknownFormat
	}
	packet := buf[start:]

	switch {
	case len(packet) >= 30 && packet[0] == 1 && string(packet[1:7]) == "vorbis":
		return Format{
			Encoding:   "vorbis",
			Mime:       "audio/ogg",
			Channels:   int(packet[11]),
			SampleRate: int(binary.LittleEndian.Uint32(packet[12:16])),
			Bitrate:    int(int32(binary.LittleEndian.Uint32(packet[20:24]))),
		}, nil
	case len(packet) >= 19 && string(packet[0:8]) == "OpusHead":
		return Format{
			Encoding:   "opus",
			Mime:       "audio/ogg",
			Channels:   int(packet[9]),
			SampleRate: 48000,
			FrameSize:  960,
		}, nil
	}
	return Format{}, ErrUnknownFormat
}

func skipID3v2(buf []byte) []byte {
	if len(buf) < 10 || string(buf[:3]) != "ID3" {
		return buf
	}
	size := int(buf[6]&0x7f)<<21 | int(buf[7]&0x7f)<<14 | int(buf[8]&0x7f)<<7 | int(buf[9]&0x7f)
	size += 10
	if buf[5]&0x10 != 0 {
		size += 10
	}
	if size >= len(buf) {
		return nil
	}
	return buf[size:]
}

var (
	mpegBitrates = [2][3][16]int{
		// MPEG-1: layer I, II, III
		{
			{0, 32, 64, 96, 128, 160, 192, 224, 256, 288, 320, 352, 384, 416, 448, 0},
			{0, 32, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384, 0},
			{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0},
		},
		// MPEG-2 and 2.5
		{
			{0, 32, 48, 56, 64, 80, 96, 112, 128, 144, 160, 176, 192, 224, 256, 0},
			{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0},
			{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0},
		},
	}
	mpegSampleRates = map[byte][3]int{
		3: {44100, 48000, 32000},
		2: {22050, 24000, 16000},
		0: {11025, 12000, 8000},
	}
	adtsSampleRates = [13]int{96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050, 16000, 12000, 11025, 8000, 7350}
)

// mpegFrame is a decoded MPEG audio frame header.
type mpegFrame struct {
	version  byte
	layer    int
	bitrate  int
	rate     int
	channels int
	samples  int
	length   int
}

func parseMPEGHeader(h []byte) (mpegFrame, bool) {
	if len(h) < 4 || h[0] != 0xFF || h[1]&0xE0 != 0xE0 {
		return mpegFrame{}, false
	}
	version := (h[1] >> 3) & 3
	layerBits := (h[1] >> 1) & 3
	brIndex := h[2] >> 4
	srIndex := (h[2] >> 2) & 3
	if version == 1 || layerBits == 0 || brIndex == 0 || brIndex == 15 || srIndex == 3 {
		return mpegFrame{}, false
	}

	f := mpegFrame{version: version, layer: 4 - int(layerBits)}
	table := 0
	if version != 3 {
		table = 1
	}
	f.bitrate = mpegBitrates[table][f.layer-1][brIndex] * 1000
	f.rate = mpegSampleRates[version][srIndex]
	f.channels = 2
	if h[3]>>6 == 3 {
		f.channels = 1
	}

	padding := int(h[2]>>1) & 1
	switch {
	case f.layer == 1:
		f.samples = 384
		f.length = (12*f.bitrate/f.rate + padding) * 4
	case f.layer == 3 && version != 3:
		f.samples = 576
		f.length = 72*f.bitrate/f.rate + padding
	default:
		f.samples = 1152
		f.length = 144*f.bitrate/f.rate + padding
	}
	return f, true
}

// frameFormat scans for the first MPEG or ADTS frame whose successor, when
// it fits in buf, also starts with a matching header.
func frameFormat(buf []byte) (Format, error) {
	for i := 0; i+7 <= len(buf); i++ {
		if buf[i] != 0xFF {
			continue
		}

		if buf[i+1]&0xF6 == 0xF0 {
			if f, ok := adtsFormat(buf[i:]); ok {
				return f, nil
			}
			continue
		}

		frame, ok := parseMPEGHeader(buf[i:])
		if !ok {
			continue
		}
		next := i + frame.length
		if next+4 <= len(buf) {
			following, ok := parseMPEGHeader(buf[next:])
			if !ok || following.version != frame.version || following.layer != frame.layer {
				continue
			}
		}

		encoding := [...]string{"", "mp1", "mp2", "mp3"}[frame.layer]
		return Format{
			Encoding:   encoding,
			Mime:       "audio/mpeg",
			SampleRate: frame.rate,
			Channels:   frame.channels,
			Bitrate:    frame.bitrate,
			FrameSize:  frame.samples,
		}, nil
	}
	return Format{}, ErrUnknownFormat
}

func adtsFormat(h []byte) (Format, bool) {
	srIndex := int(h[2]>>2) & 0xF
	channels := int(h[2]&1)<<2 | int(h[3]>>6)
	length := int(h[3]&3)<<11 | int(h[4])<<3 | int(h[5]>>5)
	if srIndex >= len(adtsSampleRates) || length < 7 {
		return Format{}, false
	}
	if length+2 <= len(h) && (h[length] != 0xFF || h[length+1]&0xF6 != 0xF0) {
		return Format{}, false
	}
	return Format{
		Encoding:   "aac",
		Mime:       "audio/aac",
		SampleRate: adtsSampleRates[srIndex],
		Channels:   channels,
		FrameSize:  1024,
	}, true
}

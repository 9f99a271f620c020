package player

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/vorbis"
	"github.com/gopxl/beep/v2/wav"
)

var (
	ErrUnsupportedCodec = errors.New("no decoder for stream format")
	ErrNoTrack          = errors.New("stream has no audio track")
)

// Container decodes one audio stream into stereo frames.
type Container interface {
	beep.StreamCloser
	Format() beep.Format
	Codec() string
}

// ContainerOpener opens a container over a sequential stream. mime may be
// empty, in which case the format is sniffed.
type ContainerOpener func(r io.ReadCloser, mime string) (Container, error)

type codec int

const (
	codecUnknown codec = iota
	codecMP3
	codecVorbis
	codecFLAC
	codecWAV
	codecAAC
)

func (c codec) String() string {
	switch c {
	case codecMP3:
		return "mp3"
	case codecVorbis:
		return "vorbis"
	case codecFLAC:
		return "flac"
	case codecWAV:
		return "wav"
	case codecAAC:
		return "aac"
	default:
		return "unknown"
	}
}

func codecForMime(mime string) codec {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "audio/mpeg", "audio/mp3", "audio/mpeg3", "audio/x-mpeg":
		return codecMP3
	case "audio/ogg", "application/ogg", "audio/vorbis", "audio/x-vorbis+ogg":
		return codecVorbis
	case "audio/flac", "audio/x-flac":
		return codecFLAC
	case "audio/wav", "audio/x-wav", "audio/wave", "audio/vnd.wave":
		return codecWAV
	case "audio/aac", "audio/aacp", "audio/x-aac", "audio/mp4":
		return codecAAC
	}
	return codecUnknown
}

func sniffCodec(head []byte) codec {
	switch {
	case bytes.HasPrefix(head, []byte("ID3")):
		return codecMP3
	case bytes.HasPrefix(head, []byte("OggS")):
		return codecVorbis
	case bytes.HasPrefix(head, []byte("fLaC")):
		return codecFLAC
	case bytes.HasPrefix(head, []byte("RIFF")):
		return codecWAV
	case len(head) >= 2 && head[0] == 0xFF && head[1]&0xF6 == 0xF0:
		// ADTS shares the sync word with MPEG audio but has layer bits 00.
		return codecAAC
	case len(head) >= 2 && head[0] == 0xFF && head[1]&0xE0 == 0xE0:
		return codecMP3
	}
	return codecUnknown
}

type peekedReader struct {
	*bufio.Reader
	io.Closer
}

type beepContainer struct {
	beep.StreamSeekCloser
	format beep.Format
	codec  codec
}

func (c *beepContainer) Format() beep.Format { return c.format }
func (c *beepContainer) Codec() string       { return c.codec.String() }

// OpenContainer picks a beep decoder from mime, falling back to the first
// bytes of the stream.
func OpenContainer(r io.ReadCloser, mime string) (Container, error) {
	br := bufio.NewReader(r)
	rc := peekedReader{Reader: br, Closer: r}

	kind := codecForMime(mime)
	if kind == codecUnknown {
		head, err := br.Peek(4)
		if err != nil && len(head) == 0 {
			return nil, fmt.Errorf("failed to read stream header: %w", err)
		}
		kind = sniffCodec(head)
	}

	var (
		s      beep.StreamSeekCloser
		format beep.Format
		err    error
	)
	switch kind {
	case codecMP3:
		s, format, err = mp3.Decode(rc)
	case codecVorbis:
		s, format, err = vorbis.Decode(rc)
	case codecFLAC:
		s, format, err = flac.Decode(rc)
	case codecWAV:
		s, format, err = wav.Decode(rc)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, kindName(kind, mime))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s stream: %w", kind, err)
	}

	return &beepContainer{StreamSeekCloser: s, format: format, codec: kind}, nil
}

func kindName(kind codec, mime string) string {
	if kind == codecUnknown && mime != "" {
		return mime
	}
	return kind.String()
}

package streamio

import (
	"github.com/glebovdev/streamradio/internal/metrics"
	"github.com/rs/zerolog/log"
)

const (
	maxStages = 8

	// MaxMetaSize bounds one in-band metadata block.
	MaxMetaSize = 512

	// MaxResyncScan is how far the frame resync stage looks for a sync word
	// before letting bytes through untouched.
	MaxResyncScan = 8192
)

type stageKind int

const (
	stageRedirectDiscard stageKind = iota
	stageMetaSplit
	stageResync
	stageSinkWrite
)

func (k stageKind) String() string {
	switch k {
	case stageRedirectDiscard:
		return "redirect-discard"
	case stageMetaSplit:
		return "meta-split"
	case stageResync:
		return "resync"
	case stageSinkWrite:
		return "sink-write"
	default:
		return "unknown"
	}
}

// forwardFunc hands bytes to the remainder of the chain.
type forwardFunc func(data []byte) error

// stage is one byte transform in the chain. A finished stage passes bytes
// through unchanged until the chain is compacted.
type stage interface {
	kind() stageKind
	consume(data []byte, next forwardFunc) error
	finished() bool
}

// discardStage swallows the body of a redirect response.
type discardStage struct {
	retired bool
}

func (d *discardStage) kind() stageKind { return stageRedirectDiscard }
func (d *discardStage) finished() bool  { return d.retired }

func (d *discardStage) consume(data []byte, next forwardFunc) error {
	return nil
}

// metaSplitStage removes ICY metadata blocks that the server injects every
// interval bytes and hands each block to onMeta.
type metaSplitStage struct {
	interval   int
	untilMeta  int
	metaRemain int
	meta       [MaxMetaSize]byte
	metaLen    int
	onMeta     func(block []byte)
}

func newMetaSplitStage(interval int, onMeta func([]byte)) *metaSplitStage {
	return &metaSplitStage{interval: interval, untilMeta: interval, onMeta: onMeta}
}

func (m *metaSplitStage) kind() stageKind { return stageMetaSplit }
func (m *metaSplitStage) finished() bool  { return false }

func (m *metaSplitStage) consume(data []byte, next forwardFunc) error {
	for len(data) > 0 {
		if m.metaRemain > 0 {
			n := min(m.metaRemain, len(data))
			m.metaLen += copy(m.meta[m.metaLen:], data[:n])
			data = data[n:]
			m.metaRemain -= n
			if m.metaRemain == 0 {
				m.onMeta(m.meta[:m.metaLen])
				m.metaLen = 0
				m.untilMeta = m.interval
			}
			continue
		}

		if m.untilMeta > 0 {
			n := min(m.untilMeta, len(data))
			if err := next(data[:n]); err != nil {
				return err
			}
			data = data[n:]
			m.untilMeta -= n
			continue
		}

		size := int(data[0]) * 16
		data = data[1:]
		switch {
		case size == 0:
			m.untilMeta = m.interval
		case size > MaxMetaSize:
			// Treated as empty; alignment after this point is best effort.
			log.Warn().Int("size", size).Msg("ICY metadata block too large, ignoring")
			metrics.MetadataBlocks.WithLabelValues("oversize").Inc()
			m.untilMeta = m.interval
		default:
			m.metaRemain = size
		}
	}
	return nil
}

// resyncStage drops bytes until an MPEG frame sync word (0xFF followed by a
// byte with the top three bits set) is found, then forwards everything from
// the sync word on.
type resyncStage struct {
	scanned int
	afterFF bool
	done    bool
}

func (r *resyncStage) kind() stageKind { return stageResync }
func (r *resyncStage) finished() bool  { return r.done }

var syncByte = []byte{0xFF}

func (r *resyncStage) consume(data []byte, next forwardFunc) error {
	if r.done {
		return next(data)
	}

	for i, b := range data {
		if r.afterFF && b&0xE0 == 0xE0 {
			r.done = true
			metrics.Resync.WithLabelValues("found").Inc()
			log.Debug().Int("skipped", r.scanned-1).Msg("MPEG frame sync found")
			if err := next(syncByte); err != nil {
				return err
			}
			return next(data[i:])
		}

		r.afterFF = b == 0xFF
		r.scanned++
		if r.scanned >= MaxResyncScan {
			r.done = true
			metrics.Resync.WithLabelValues("gave_up").Inc()
			log.Warn().Int("scanned", r.scanned).Msg("No MPEG frame header found, giving up")
			if rest := data[i+1:]; len(rest) > 0 {
				return next(rest)
			}
			return nil
		}
	}
	return nil
}

// sinkStage terminates the chain by appending to the adapter buffer.
type sinkStage struct {
	buf       *adapterBuffer
	forwarded *int64
}

func (s *sinkStage) kind() stageKind { return stageSinkWrite }
func (s *sinkStage) finished() bool  { return false }

func (s *sinkStage) consume(data []byte, next forwardFunc) error {
	if len(data) == 0 {
		return nil
	}
	n, err := s.buf.Write(data)
	*s.forwarded += int64(n)
	metrics.AudioBytes.Add(float64(n))
	return err
}

// chain is the ordered list of stages for one stream. It is only touched
// from the fetch goroutine.
type chain struct {
	stages []stage
}

func newChain() *chain {
	return &chain{stages: make([]stage, 0, maxStages)}
}

func (c *chain) process(data []byte) error {
	return c.forward(0, data)
}

func (c *chain) forward(idx int, data []byte) error {
	for idx < len(c.stages) && c.stages[idx].finished() {
		idx++
	}
	if idx >= len(c.stages) || len(data) == 0 {
		return nil
	}
	return c.stages[idx].consume(data, func(out []byte) error {
		return c.forward(idx+1, out)
	})
}

// compact drops finished stages. It must not run while process is on the stack.
func (c *chain) compact() {
	kept := c.stages[:0]
	for _, s := range c.stages {
		if !s.finished() {
			kept = append(kept, s)
		}
	}
	for i := len(kept); i < len(c.stages); i++ {
		c.stages[i] = nil
	}
	c.stages = kept
}

func (c *chain) insert(at int, s stage) bool {
	if len(c.stages) >= maxStages {
		log.Warn().Stringer("stage", s.kind()).Msg("Transform chain full, stage not added")
		return false
	}
	if at > len(c.stages) {
		at = len(c.stages)
	}
	c.stages = append(c.stages, nil)
	copy(c.stages[at+1:], c.stages[at:])
	c.stages[at] = s
	return true
}

func (c *chain) append(s stage) bool {
	return c.insert(len(c.stages), s)
}

func (c *chain) has(k stageKind) bool {
	for _, s := range c.stages {
		if s.kind() == k && !s.finished() {
			return true
		}
	}
	return false
}

// leadingDiscards counts the redirect-discard stages at the head of the chain.
func (c *chain) leadingDiscards() int {
	n := 0
	for n < len(c.stages) && c.stages[n].kind() == stageRedirectDiscard {
		n++
	}
	return n
}

func (c *chain) retireDiscards() {
	for _, s := range c.stages {
		if d, ok := s.(*discardStage); ok {
			d.retired = true
		}
	}
	c.compact()
}

func (c *chain) kinds() []stageKind {
	out := make([]stageKind, len(c.stages))
	for i, s := range c.stages {
		out[i] = s.kind()
	}
	return out
}

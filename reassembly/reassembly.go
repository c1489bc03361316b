// Package reassembly implements an ordered set of received byte ranges for
// one stream, collapsed into a gap-free prefix on read.
package reassembly

import (
	"container/list"

	"github.com/CyberFlameGO/kwik/metrics"
	"github.com/CyberFlameGO/kwik/xerrors"
)

// Element is a contiguous byte range of a stream.
type Element struct {
	Offset  uint64
	Payload []byte
	Final   bool
}

// Length is len(Payload).
func (e Element) Length() uint64 { return uint64(len(e.Payload)) }

// Upto is Offset + Length.
func (e Element) Upto() uint64 { return e.Offset + e.Length() }

// less orders by (Offset, Upto) ascending: for equal offsets, the element
// covering more bytes sorts after.
func less(a, b Element) bool {
	if a.Offset != b.Offset {
		return a.Offset < b.Offset
	}
	return a.Upto() < b.Upto()
}

// Buffer reassembles a single stream: single-writer (the receive path
// calling Add), single-reader (the application calling Read). The caller
// is responsible for serializing Add against Read/BytesAvailable if they
// can run concurrently.
type Buffer struct {
	elements  *list.List // of Element, ordered by (Offset, Upto)
	processed uint64
	finalLen  uint64
	hasFinal  bool

	ceiling  uint64
	buffered uint64

	metrics *metrics.Recorder
}

// New creates an empty Buffer. ceiling is the maximum number of
// not-yet-consumed bytes it will hold before Add reports backpressure;
// zero means unlimited. rec may be nil.
func New(ceiling uint64, rec *metrics.Recorder) *Buffer {
	return &Buffer{
		elements: list.New(),
		ceiling:  ceiling,
		metrics:  rec,
	}
}

// Add inserts e if it is not already fully consumed. It returns false (and
// does not insert) when e.Upto() <= processed-to-offset. Duplicate inserts
// (same offset and length) are deduplicated; overlapping inserts are kept
// and resolved at read time. If adding e would push buffered bytes above
// the configured ceiling, Add returns an overflow error instead of
// silently discarding data.
func (b *Buffer) Add(e Element) (bool, error) {
	if e.Upto() <= b.processed {
		return false, nil
	}
	if e.Final {
		b.hasFinal = true
		b.finalLen = e.Upto()
	}

	for el := b.elements.Front(); el != nil; el = el.Next() {
		cur := el.Value.(Element)
		if cur.Offset == e.Offset && cur.Upto() == e.Upto() {
			return false, nil // exact duplicate
		}
		if less(e, cur) {
			if b.ceiling != 0 && b.buffered+e.Length() > b.ceiling {
				return false, xerrors.New("reassembly buffer overflow").
					WithPrefix("reassembly").AtWarning()
			}
			b.elements.InsertBefore(e, el)
			b.buffered += e.Length()
			b.reportBuffered()
			return true, nil
		}
	}
	if b.ceiling != 0 && b.buffered+e.Length() > b.ceiling {
		return false, xerrors.New("reassembly buffer overflow").
			WithPrefix("reassembly").AtWarning()
	}
	b.elements.PushBack(e)
	b.buffered += e.Length()
	b.reportBuffered()
	return true, nil
}

// BytesAvailable returns the number of contiguous bytes available to Read
// right now, i.e. the size of the gap-free prefix starting at
// processed-to-offset.
func (b *Buffer) BytesAvailable() uint64 {
	r := b.processed
	for el := b.elements.Front(); el != nil; el = el.Next() {
		e := el.Value.(Element)
		if e.Offset > r {
			break
		}
		if e.Upto() > r {
			r = e.Upto()
		}
	}
	return r - b.processed
}

// Read copies up to len(dst) contiguous bytes starting at
// processed-to-offset into dst, advances processed-to-offset by the number
// of bytes copied, and purges every element fully covered by the new
// processed-to-offset. It returns the number of bytes copied.
func (b *Buffer) Read(dst []byte) int {
	r := b.processed
	n := 0
	for el := b.elements.Front(); el != nil && n < len(dst); el = el.Next() {
		e := el.Value.(Element)
		if e.Offset > r {
			break
		}
		if e.Upto() <= r {
			continue // fully contained in a prior element; contributes nothing
		}
		available := e.Upto() - r
		room := uint64(len(dst) - n)
		take := available
		if take > room {
			take = room
		}
		start := r - e.Offset
		copy(dst[n:], e.Payload[start:start+take])
		n += int(take)
		r += take
	}
	b.processed = r
	b.purgeConsumed()
	return n
}

// ReadOffset returns processed-to-offset.
func (b *Buffer) ReadOffset() uint64 {
	return b.processed
}

// Closed reports whether a final-length element has been added and the
// stream has been fully consumed up to it.
func (b *Buffer) Closed() bool {
	return b.hasFinal && b.processed >= b.finalLen
}

func (b *Buffer) purgeConsumed() {
	for el := b.elements.Front(); el != nil; {
		e := el.Value.(Element)
		next := el.Next()
		if e.Upto() <= b.processed {
			b.elements.Remove(el)
			b.buffered -= e.Length()
		}
		el = next
	}
	b.reportBuffered()
}

func (b *Buffer) reportBuffered() {
	b.metrics.SetReassemblyBuffered(b.buffered)
}

// Package fbuffer implements a segmented, zero-copy-on-the-read-path byte
// buffer: a list of fixed-capacity segments, a read cursor that only ever
// advances (Consume), and a write cursor (Produce) that can span several
// segments at once.
//
// Grounded on span::io::streams::Buffer
// (original_source/span/src/span/io/streams/Buffer.cpp/.hh): segments are
// allocated in front-biased, double-on-grow chunks to bound fragmentation
// (Reserve), Produce/Consume only ever move cursors and never copy, and
// ReadBuffers/WriteBuffers hand back direct []byte views into the backing
// segments (the Go analogue of the reference's std::vector<iovec>
// scatter/gather views) rather than copying into one contiguous slice.
package fbuffer

import "bytes"

type segment struct {
	data     []byte // full backing capacity
	produced int     // bytes written so far (readAvailable within this segment)
	consumed int     // bytes already consumed from the front
}

func newSegment(capacity int) *segment {
	return &segment{data: make([]byte, capacity)}
}

func (s *segment) readAvailable() int  { return s.produced - s.consumed }
func (s *segment) writeAvailable() int { return len(s.data) - s.produced }
func (s *segment) readBytes() []byte   { return s.data[s.consumed:s.produced] }
func (s *segment) writeBytes() []byte  { return s.data[s.produced:] }

func (s *segment) produce(n int) {
	if n > s.writeAvailable() {
		panic("fbuffer: produce exceeds write-available")
	}
	s.produced += n
}

func (s *segment) consume(n int) {
	if n > s.readAvailable() {
		panic("fbuffer: consume exceeds read-available")
	}
	s.consumed += n
}

// Buffer is a growable, segmented byte queue. The zero value is an empty,
// ready-to-use Buffer.
type Buffer struct {
	segs       []*segment
	writeIdx   int // index into segs of the first segment with writeAvailable() > 0; len(segs) if none
	readAvail  int
	writeAvail int
}

// NewBufferFromBytes constructs a Buffer pre-loaded with a copy of data,
// fully consumable and with no spare write capacity.
func NewBufferFromBytes(data []byte) *Buffer {
	b := &Buffer{}
	if len(data) > 0 {
		b.CopyInBytes(data)
	}
	return b
}

// ReadAvailable returns the number of bytes available to Consume/ReadBuffers.
func (b *Buffer) ReadAvailable() int { return b.readAvail }

// WriteAvailable returns the number of bytes available to Produce without
// a further Reserve.
func (b *Buffer) WriteAvailable() int { return b.writeAvail }

// Segments returns the number of backing segments currently allocated,
// primarily useful for tests asserting fragmentation behavior.
func (b *Buffer) Segments() int { return len(b.segs) }

// Reserve ensures at least n bytes of write-available capacity exist,
// over-allocating (len*2 - current write-available) to bound the number of
// segments created by a stream of small Reserve calls, matching
// Buffer::reserve.
func (b *Buffer) Reserve(n int) {
	if b.writeAvail >= n {
		return
	}
	newCap := n*2 - b.writeAvail
	seg := newSegment(newCap)
	if b.readAvail == 0 {
		b.segs = append([]*segment{seg}, b.segs...)
		b.writeIdx = 0
	} else {
		b.segs = append(b.segs, seg)
		if b.writeAvail == 0 {
			b.writeIdx = len(b.segs) - 1
		}
	}
	b.writeAvail += newCap
}

// Compact discards every segment's unused write capacity, splitting off a
// trailing zero-write-availability copy of any segment that currently
// mixes read- and write-available bytes. After Compact, WriteAvailable is
// always 0.
func (b *Buffer) Compact() {
	if b.writeIdx >= len(b.segs) {
		return
	}
	cur := b.segs[b.writeIdx]
	if cur.readAvailable() > 0 {
		trimmed := &segment{data: append([]byte(nil), cur.readBytes()...)}
		trimmed.produced = len(trimmed.data)
		b.segs = append(b.segs[:b.writeIdx], trimmed)
	} else {
		b.segs = b.segs[:b.writeIdx]
	}
	b.writeIdx = len(b.segs)
	b.writeAvail = 0
}

// Clear empties the Buffer. If clearWriteAvailableAsWell is false, any
// spare write capacity in the trailing (partially-written) segment is
// kept rather than discarded.
func (b *Buffer) Clear(clearWriteAvailableAsWell bool) {
	if clearWriteAvailableAsWell {
		b.segs = nil
		b.writeIdx = 0
		b.readAvail = 0
		b.writeAvail = 0
		return
	}
	if b.writeIdx < len(b.segs) && b.segs[b.writeIdx].readAvailable() > 0 {
		b.segs[b.writeIdx].consume(b.segs[b.writeIdx].readAvailable())
	}
	b.segs = b.segs[b.writeIdx:]
	b.writeIdx = 0
	b.readAvail = 0
}

// Produce advances the write cursor by n bytes, moving bytes from
// write-available to read-available across as many segments as needed.
func (b *Buffer) Produce(n int) {
	if n > b.writeAvail {
		panic("fbuffer: Produce exceeds WriteAvailable")
	}
	b.readAvail += n
	b.writeAvail -= n
	for n > 0 {
		seg := b.segs[b.writeIdx]
		toProduce := min(seg.writeAvailable(), n)
		seg.produce(toProduce)
		n -= toProduce
		if seg.writeAvailable() == 0 {
			b.writeIdx++
		}
	}
}

// Consume advances the read cursor by n bytes, discarding fully-consumed
// leading segments.
func (b *Buffer) Consume(n int) {
	if n > b.readAvail {
		panic("fbuffer: Consume exceeds ReadAvailable")
	}
	b.readAvail -= n
	for n > 0 {
		seg := b.segs[0]
		toConsume := min(seg.readAvailable(), n)
		seg.consume(toConsume)
		n -= toConsume
		if seg.readAvailable() == 0 && seg.writeAvailable() == 0 {
			b.segs = b.segs[1:]
			b.writeIdx--
		}
	}
}

// Truncate shrinks the readable region to exactly n bytes, discarding
// everything after it (including any write-available capacity that
// followed).
func (b *Buffer) Truncate(n int) {
	if n > b.readAvail {
		panic("fbuffer: Truncate exceeds ReadAvailable")
	}
	if n == b.readAvail {
		return
	}
	if b.writeIdx < len(b.segs) && b.segs[b.writeIdx].readAvailable() != 0 {
		cur := b.segs[b.writeIdx]
		split := &segment{data: append([]byte(nil), cur.readBytes()...)}
		split.produced = len(split.data)
		cur.consume(cur.readAvailable())
		b.segs = append(b.segs[:b.writeIdx], append([]*segment{split}, b.segs[b.writeIdx:]...)...)
	}

	b.readAvail = n
	i := 0
	for ; i < len(b.segs) && n > 0; i++ {
		avail := b.segs[i].readAvailable()
		if n <= avail {
			b.segs[i].produced = b.segs[i].consumed + n
			b.segs[i].data = b.segs[i].data[:b.segs[i].produced]
			n = 0
			i++
			break
		}
		n -= avail
	}
	b.segs = b.segs[:i]
	b.writeIdx = len(b.segs)
	b.writeAvail = 0
}

// ReadBuffers returns direct, shared views (no copy) into the first n
// bytes of read-available data (n == -1 means all of it), one []byte per
// backing segment spanned.
func (b *Buffer) ReadBuffers(n int) [][]byte {
	if n < 0 {
		n = b.readAvail
	}
	if n > b.readAvail {
		panic("fbuffer: ReadBuffers exceeds ReadAvailable")
	}
	var result [][]byte
	remaining := n
	for _, seg := range b.segs {
		if remaining == 0 {
			break
		}
		take := min(seg.readAvailable(), remaining)
		if take == 0 {
			continue
		}
		result = append(result, seg.readBytes()[:take])
		remaining -= take
	}
	return result
}

// WriteBuffers ensures n bytes of write-available capacity (n == -1 means
// "whatever is already available") and returns direct views into it, one
// []byte per backing segment spanned. Callers write into the returned
// slices then call Produce with however many bytes they actually wrote.
func (b *Buffer) WriteBuffers(n int) [][]byte {
	if n < 0 {
		n = b.writeAvail
	}
	b.Reserve(n)
	var result [][]byte
	remaining := n
	for i := b.writeIdx; remaining > 0; i++ {
		seg := b.segs[i]
		take := min(seg.writeAvailable(), remaining)
		result = append(result, seg.writeBytes()[:take])
		remaining -= take
	}
	return result
}

// CopyInBytes appends data to the Buffer, reusing existing write-available
// capacity before allocating a new trailing segment for any remainder.
func (b *Buffer) CopyInBytes(data []byte) {
	for b.writeIdx < len(b.segs) && len(data) > 0 {
		seg := b.segs[b.writeIdx]
		todo := min(len(data), seg.writeAvailable())
		copy(seg.writeBytes()[:todo], data[:todo])
		seg.produce(todo)
		b.writeAvail -= todo
		b.readAvail += todo
		data = data[todo:]
		if seg.writeAvailable() == 0 {
			b.writeIdx++
		}
	}
	if len(data) > 0 {
		seg := newSegment(len(data))
		copy(seg.data, data)
		seg.produce(len(data))
		b.segs = append(b.segs, seg)
		b.writeIdx = len(b.segs)
		b.readAvail += len(data)
	}
}

// CopyIn appends up to length bytes of other, starting at pos, to b (length
// == -1 means "the rest of other"), sharing other's backing segment arrays
// directly rather than copying: each contributing segment of other is
// spliced into b as a new, already-full (writeAvailable() == 0) segment
// that aliases the same underlying array, matching Buffer::copyIn's use of
// SegmentData::slice.
func (b *Buffer) CopyIn(other *Buffer, length, pos int) {
	if pos > other.readAvail {
		panic("fbuffer: CopyIn pos exceeds other's ReadAvailable")
	}
	if length < 0 {
		length = other.readAvail - pos
	}
	if length == 0 {
		return
	}
	if pos+length > other.readAvail {
		panic("fbuffer: CopyIn range exceeds other's ReadAvailable")
	}

	i := 0
	for ; i < len(other.segs); i++ {
		avail := other.segs[i].readAvailable()
		if pos < avail {
			break
		}
		pos -= avail
	}

	remaining := length
	for ; i < len(other.segs) && remaining > 0; i++ {
		seg := other.segs[i]
		take := min(seg.readAvailable()-pos, remaining)
		shared := &segment{data: seg.readBytes()[pos : pos+take]}
		shared.produced = len(shared.data)
		b.segs = append(b.segs[:b.writeIdx], append([]*segment{shared}, b.segs[b.writeIdx:]...)...)
		b.writeIdx++
		b.readAvail += take
		remaining -= take
		pos = 0
	}
}

// CopyOut copies len(dst) bytes starting at pos in b's readable region
// into dst.
func (b *Buffer) CopyOut(dst []byte, pos int) {
	length := len(dst)
	if length == 0 {
		return
	}
	if pos+length > b.readAvail {
		panic("fbuffer: CopyOut range exceeds ReadAvailable")
	}
	i := 0
	for ; i < len(b.segs); i++ {
		avail := b.segs[i].readAvailable()
		if pos < avail {
			break
		}
		pos -= avail
	}
	next := dst
	for ; i < len(b.segs) && length > 0; i++ {
		seg := b.segs[i]
		todo := min(length, seg.readAvailable()-pos)
		copy(next[:todo], seg.readBytes()[pos:pos+todo])
		next = next[todo:]
		length -= todo
		pos = 0
	}
	if length != 0 {
		panic("fbuffer: CopyOut could not satisfy the full request")
	}
}

// FindByte returns the offset of the first occurrence of delim within the
// first n bytes of read-available data (n == -1 means all of it), or -1 if
// not found.
func (b *Buffer) FindByte(delim byte, n int) int {
	if n < 0 {
		n = b.readAvail
	}
	total := 0
	for _, seg := range b.segs {
		if n == 0 {
			break
		}
		toScan := min(n, seg.readAvailable())
		chunk := seg.readBytes()[:toScan]
		if idx := bytes.IndexByte(chunk, delim); idx >= 0 {
			return total + idx
		}
		total += toScan
		n -= toScan
	}
	return -1
}

// Find returns the offset of the first occurrence of pattern within the
// first n bytes of read-available data (n == -1 means all of it), or -1 if
// not found. It does not require pattern to fit in a single segment.
func (b *Buffer) Find(pattern []byte, n int) int {
	if len(pattern) == 0 {
		panic("fbuffer: Find requires a non-empty pattern")
	}
	if n < 0 {
		n = b.readAvail
	}
	// Copy at most n readable bytes into one flat slice and search that, so
	// a match spanning segment boundaries is found like any other.
	flat := make([]byte, 0, n)
	remaining := n
	for _, seg := range b.segs {
		if remaining == 0 {
			break
		}
		take := min(seg.readAvailable(), remaining)
		flat = append(flat, seg.readBytes()[:take]...)
		remaining -= take
	}
	return bytes.Index(flat, pattern)
}

// GetDelimitedByte consumes and returns everything up to and including (if
// includeDelimiter) the first occurrence of delimiter, or everything
// remaining if delimiter never appears and eofIsDelimiter is true.
// Returns ok=false without consuming anything if delimiter is absent and
// eofIsDelimiter is false.
func (b *Buffer) GetDelimitedByte(delimiter byte, eofIsDelimiter, includeDelimiter bool) (result []byte, ok bool) {
	offset := b.FindByte(delimiter, -1)
	if offset == -1 && !eofIsDelimiter {
		return nil, false
	}
	atEOF := offset == -1
	if atEOF {
		offset = b.readAvail
	}

	resultLen := offset
	if !atEOF && includeDelimiter {
		resultLen++
	}
	out := make([]byte, resultLen)
	b.CopyOut(out, 0)
	b.Consume(resultLen)
	if !atEOF && !includeDelimiter {
		b.Consume(1)
	}
	return out, true
}

// Equal reports whether b and other have the same readable contents.
func (b *Buffer) Equal(other *Buffer) bool {
	if b.readAvail != other.readAvail {
		return false
	}
	bb := make([]byte, b.readAvail)
	ob := make([]byte, other.readAvail)
	b.CopyOut(bb, 0)
	other.CopyOut(ob, 0)
	return bytes.Equal(bb, ob)
}

// EqualBytes reports whether b's readable contents equal data.
func (b *Buffer) EqualBytes(data []byte) bool {
	if b.readAvail != len(data) {
		return false
	}
	bb := make([]byte, b.readAvail)
	b.CopyOut(bb, 0)
	return bytes.Equal(bb, data)
}

// Bytes returns a fresh copy of every readable byte in b.
func (b *Buffer) Bytes() []byte {
	out := make([]byte, b.readAvail)
	b.CopyOut(out, 0)
	return out
}

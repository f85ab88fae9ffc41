package fbuffer

import "testing"

func TestCopyInBytesSingleSegment(t *testing.T) {
	b := &Buffer{}
	b.CopyInBytes([]byte("hello"))

	if b.ReadAvailable() != 5 {
		t.Fatalf("expected readAvailable=5, got %d", b.ReadAvailable())
	}
	if b.WriteAvailable() != 0 {
		t.Fatalf("expected writeAvailable=0, got %d", b.WriteAvailable())
	}
	if b.Segments() != 1 {
		t.Fatalf("expected 1 segment, got %d", b.Segments())
	}
	if !b.EqualBytes([]byte("hello")) {
		t.Fatalf("expected contents to equal %q, got %q", "hello", b.Bytes())
	}
}

func TestCopyInOtherBuffer(t *testing.T) {
	src := NewBufferFromBytes([]byte("hello"))
	dst := &Buffer{}
	dst.CopyIn(src, -1, 0)

	if !dst.EqualBytes([]byte("hello")) {
		t.Fatalf("got %q", dst.Bytes())
	}
}

func TestCopyInPartialAndOffset(t *testing.T) {
	src := NewBufferFromBytes([]byte("hello"))
	dst := &Buffer{}
	dst.CopyIn(src, 3, 0)
	if !dst.EqualBytes([]byte("hel")) {
		t.Fatalf("got %q", dst.Bytes())
	}

	src2 := NewBufferFromBytes([]byte("hello world"))
	dst2 := &Buffer{}
	dst2.CopyIn(src2, 7, 2)
	if !dst2.EqualBytes([]byte("llo wor")) {
		t.Fatalf("got %q", dst2.Bytes())
	}
}

func TestReserveOverAllocatesAndProduce(t *testing.T) {
	b := &Buffer{}
	b.Reserve(4)
	if got := b.WriteAvailable(); got != 8 {
		t.Fatalf("expected reserve to over-allocate to 8, got %d", got)
	}

	bufs := b.WriteBuffers(4)
	if len(bufs) != 1 || len(bufs[0]) != 4 {
		t.Fatalf("unexpected write buffers: %v", bufs)
	}
	copy(bufs[0], []byte("data"))
	b.Produce(4)

	if b.ReadAvailable() != 4 {
		t.Fatalf("expected readAvailable=4, got %d", b.ReadAvailable())
	}
	if !b.EqualBytes([]byte("data")) {
		t.Fatalf("got %q", b.Bytes())
	}
}

func TestConsumeAcrossSegments(t *testing.T) {
	b := &Buffer{}
	b.CopyInBytes([]byte("abc"))
	b.CopyInBytes([]byte("def")) // forces a second segment since the first has no write-available left
	if b.Segments() != 2 {
		t.Fatalf("expected 2 segments, got %d", b.Segments())
	}

	b.Consume(4) // "abcd" — spans both segments
	if !b.EqualBytes([]byte("ef")) {
		t.Fatalf("got %q", b.Bytes())
	}
	if b.Segments() != 1 {
		t.Fatalf("expected the fully-consumed first segment to be dropped, got %d segments", b.Segments())
	}
}

func TestTruncate(t *testing.T) {
	b := &Buffer{}
	b.CopyInBytes([]byte("hello world"))
	b.Truncate(5)
	if !b.EqualBytes([]byte("hello")) {
		t.Fatalf("got %q", b.Bytes())
	}
	if b.WriteAvailable() != 0 {
		t.Fatalf("expected no write-available after truncate, got %d", b.WriteAvailable())
	}
}

func TestFindByteAndGetDelimited(t *testing.T) {
	b := &Buffer{}
	b.CopyInBytes([]byte("line one\nline two\n"))

	if off := b.FindByte('\n', -1); off != 8 {
		t.Fatalf("expected offset 8, got %d", off)
	}

	line, ok := b.GetDelimitedByte('\n', true, false)
	if !ok {
		t.Fatal("expected to find a delimiter")
	}
	if string(line) != "line one" {
		t.Fatalf("got %q", line)
	}

	line2, ok := b.GetDelimitedByte('\n', true, true)
	if !ok {
		t.Fatal("expected to find a delimiter")
	}
	if string(line2) != "line two\n" {
		t.Fatalf("got %q", line2)
	}

	if b.ReadAvailable() != 0 {
		t.Fatalf("expected buffer fully drained, got %d bytes left", b.ReadAvailable())
	}
}

func TestGetDelimitedByteEOFWithoutDelimiter(t *testing.T) {
	b := &Buffer{}
	b.CopyInBytes([]byte("no newline here"))

	if _, ok := b.GetDelimitedByte('\n', false, true); ok {
		t.Fatal("expected ok=false when the delimiter never appears and eofIsDelimiter is false")
	}
	if b.ReadAvailable() != len("no newline here") {
		t.Fatal("a failed GetDelimitedByte must not consume anything")
	}

	rest, ok := b.GetDelimitedByte('\n', true, true)
	if !ok || string(rest) != "no newline here" {
		t.Fatalf("got ok=%v rest=%q", ok, rest)
	}
}

func TestFindMultiByte(t *testing.T) {
	b := &Buffer{}
	b.CopyInBytes([]byte("abc"))
	b.CopyInBytes([]byte("def"))

	if off := b.Find([]byte("cde"), -1); off != 2 {
		t.Fatalf("expected a match spanning both segments at offset 2, got %d", off)
	}
	if off := b.Find([]byte("zzz"), -1); off != -1 {
		t.Fatalf("expected no match, got %d", off)
	}
}

func TestEqual(t *testing.T) {
	a := NewBufferFromBytes([]byte("same"))
	b := NewBufferFromBytes([]byte("same"))
	c := NewBufferFromBytes([]byte("diff"))
	if !a.Equal(b) {
		t.Fatal("expected equal buffers to compare equal")
	}
	if a.Equal(c) {
		t.Fatal("expected different buffers to compare unequal")
	}
}

func TestClearKeepingWriteAvailable(t *testing.T) {
	b := &Buffer{}
	b.Reserve(8)
	b.CopyInBytes([]byte("ab"))
	b.Clear(false)
	if b.ReadAvailable() != 0 {
		t.Fatalf("expected readAvailable=0 after Clear, got %d", b.ReadAvailable())
	}
	if b.WriteAvailable() == 0 {
		t.Fatal("expected Clear(false) to preserve spare write capacity")
	}
}

func TestCompactDropsSpareWriteCapacity(t *testing.T) {
	b := &Buffer{}
	b.Reserve(8)
	b.CopyInBytes([]byte("ab"))
	b.Compact()
	if b.WriteAvailable() != 0 {
		t.Fatalf("expected Compact to drop write-available, got %d", b.WriteAvailable())
	}
	if !b.EqualBytes([]byte("ab")) {
		t.Fatalf("expected Compact to preserve readable bytes, got %q", b.Bytes())
	}
}

package render

import (
	"strings"
	"testing"
)

// Progress lines arrive from the subprocess in arbitrary chunks; the writer
// must only act on completed lines and still mirror everything into the tail.
func TestProgressWriter(t *testing.T) {
	var got []int
	tail := newTailBuffer(4 << 10)
	w := &progressWriter{tail: tail, report: func(p int) { got = append(got, p) }}

	for _, chunk := range []string{
		"loading beatmap\nProgress: 1",
		"2%\nsome chatter\n[render] 42.7",
		"% done\nProgress: 100%\ntrailing without newline",
	} {
		if _, err := w.Write([]byte(chunk)); err != nil {
			t.Fatal(err)
		}
	}

	want := []int{12, 42, 100}
	if len(got) != len(want) {
		t.Fatalf("reported %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("reported %v, want %v", got, want)
		}
	}
	if !strings.Contains(tail.String(), "some chatter") {
		t.Fatal("stdout not mirrored into the diagnostic tail")
	}
}

func TestTailBufferBounds(t *testing.T) {
	tb := newTailBuffer(16)
	for i := 0; i < 10; i++ {
		if _, err := tb.Write([]byte("0123456789")); err != nil {
			t.Fatal(err)
		}
	}
	s := tb.String()
	if len(s) != 16 {
		t.Fatalf("tail length = %d, want capped at 16", len(s))
	}
}

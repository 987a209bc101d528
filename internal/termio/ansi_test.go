package termio

import "testing"

func TestStripANSIRemovesCSI(t *testing.T) {
	in := []byte("\x1b[32mgreen\x1b[0m text")
	got := string(StripANSI(in))
	want := "green text"
	if got != want {
		t.Fatalf("StripANSI() = %q, want %q", got, want)
	}
}

func TestStripANSIRemovesOSCTitle(t *testing.T) {
	in := []byte("\x1b]0;my title\x07prompt$ ")
	got := string(StripANSI(in))
	want := "prompt$ "
	if got != want {
		t.Fatalf("StripANSI() = %q, want %q", got, want)
	}
}

func TestStripANSIDanglingEscape(t *testing.T) {
	in := []byte("hello\x1b")
	got := string(StripANSI(in))
	if got != "hello" {
		t.Fatalf("StripANSI() = %q, want %q", got, "hello")
	}
}

func TestResolveBackspaces(t *testing.T) {
	in := []byte("abc\x08\x08d")
	got := string(ResolveBackspaces(in))
	want := "ad"
	if got != want {
		t.Fatalf("ResolveBackspaces() = %q, want %q", got, want)
	}
}

func TestNormalizeNewlines(t *testing.T) {
	in := []byte("a\r\nb\rc\n")
	got := string(NormalizeNewlines(in))
	want := "a\nb\nc\n"
	if got != want {
		t.Fatalf("NormalizeNewlines() = %q, want %q", got, want)
	}
}

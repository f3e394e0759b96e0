package kfmt

import (
	"bytes"
	"errors"
	"testing"
)

func TestPrefixWriter(t *testing.T) {
	specs := []struct {
		input []string
		exp   string
	}{
		{
			[]string{""},
			"",
		},
		{
			[]string{"no newline"},
			"  | no newline",
		},
		{
			[]string{"line 1\nline 2\n"},
			"  | line 1\n  | line 2\n",
		},
		{
			[]string{"split ", "line\n", "next\n"},
			"  | split line\n  | next\n",
		},
		{
			[]string{"\n\n"},
			"  | \n  | \n",
		},
	}

	for specIndex, spec := range specs {
		var buf bytes.Buffer
		w := PrefixWriter{Sink: &buf, Prefix: []byte("  | ")}

		var written int
		for _, in := range spec.input {
			n, err := w.Write([]byte(in))
			if err != nil {
				t.Fatalf("[spec %d] unexpected error: %v", specIndex, err)
			}
			written += n
		}

		if got := buf.String(); got != spec.exp {
			t.Errorf("[spec %d] expected output %q; got %q", specIndex, spec.exp, got)
		}

		var expWritten int
		for _, in := range spec.input {
			expWritten += len(in)
		}
		if written != expWritten {
			t.Errorf("[spec %d] expected written count to be %d; got %d", specIndex, expWritten, written)
		}
	}
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("write failed") }

func TestPrefixWriterErrors(t *testing.T) {
	w := PrefixWriter{Sink: failingWriter{}, Prefix: []byte("> ")}
	if _, err := w.Write([]byte("data\n")); err == nil {
		t.Fatal("expected sink error to be propagated")
	}
}

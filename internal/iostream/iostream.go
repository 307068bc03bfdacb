// Package iostream provides convenient wrappers around stdout, stderr
// and enables capsule to easily talk to a variety of readers and writers,
// both for its own CLI output and for the stdout/stderr captured from
// the wrapped command.
package iostream

import (
	"bytes"
	"io"
	"os"
)

// IOStream is a pair of writers capsule talks to.
type IOStream struct {
	Stdout io.Writer
	Stderr io.Writer
}

// OS returns an IOStream configured to talk to the real OS streams.
func OS() IOStream {
	return IOStream{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

// Test returns an IOStream backed by in-memory buffers so tests can
// assert on what would have been printed.
func Test() IOStream {
	return IOStream{
		Stdout: &bytes.Buffer{},
		Stderr: &bytes.Buffer{},
	}
}

// Null returns an IOStream that discards everything written to it.
func Null() IOStream {
	return IOStream{
		Stdout: io.Discard,
		Stderr: io.Discard,
	}
}

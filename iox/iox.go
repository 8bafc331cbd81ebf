// Package iox provides I/O helpers for resource cleanup.
package iox

import "io"

// DiscardClose closes c and discards the error.
// Use in defer statements where close errors are unactionable:
//
//	defer iox.DiscardClose(conn)
func DiscardClose(c io.Closer) { _ = c.Close() }

// CloseFunc returns a cleanup function that closes c.
// Designed for t.Cleanup and b.Cleanup registration:
//
//	t.Cleanup(iox.CloseFunc(store))
func CloseFunc(c io.Closer) func() {
	return func() { _ = c.Close() }
}

// DiscardErr calls fn and discards the returned error.
// Use for non-Close cleanup calls where errors are unactionable:
//
//	defer iox.DiscardErr(ledger.Flush)
func DiscardErr(fn func() error) { _ = fn() }

// DrainClose reads r to EOF, then closes it when it is also a Closer.
// Keeps HTTP connections reusable after partial body reads.
func DrainClose(r io.Reader) {
	_, _ = io.Copy(io.Discard, r)
	if c, ok := r.(io.Closer); ok {
		_ = c.Close()
	}
}

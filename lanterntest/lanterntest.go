// Package lanterntest contains a small synthetic page load used by tests
// across lantern.
//
// The page loads a document from https://example.com/, which requests a
// stylesheet, a script and an image from https://cdn.example.com/. The
// script issues an XHR to https://example.com/api. The main thread parses
// the document, evaluates the script, lays out and paints, and handles the
// XHR response. Paint markers: FCP 400ms, FMP 450ms, LCP 520ms.
package lanterntest

import (
	_ "embed"
)

//go:embed testdata/page.trace.json
var pageTrace []byte

//go:embed testdata/page.devtoolslog.json
var pageDevtoolsLog []byte

// TraceJSON returns the trace of the synthetic page load.
func TraceJSON() []byte {
	return append([]byte(nil), pageTrace...)
}

// DevtoolsLogJSON returns the devtools log of the synthetic page load.
func DevtoolsLogJSON() []byte {
	return append([]byte(nil), pageDevtoolsLog...)
}

package engine

import (
	"testing"

	"outcomedesk/internal/config"
)

// The retry loop dispatches matched events outside a live request, so the
// pipeline's lock hook must hand out the engine's own stripes or timer work
// could interleave with ingestion on the same request.
func TestPipelineLockSharesRequestStripes(t *testing.T) {
	e := New(nil, config.Default("test-mkt"), nil)
	if e.Pipeline.Lock == nil {
		t.Fatal("pipeline lock hook not wired")
	}
	if e.Pipeline.Lock("req_abc") != e.lockFor("req_abc") {
		t.Fatal("pipeline lock is not the request's stripe lock")
	}
}

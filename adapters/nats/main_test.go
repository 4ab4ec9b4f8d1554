package nats

import (
	"flag"
	"sync"
	"testing"
)

var integration = flag.Bool("integration", false, "run tests against a NATS container")

var (
	containerOnce sync.Once
	connector     Connector
)

// sharedContainer starts one NATS server for the whole package run.
func sharedContainer(t *testing.T) Connector {
	t.Helper()
	if !*integration {
		t.Skip("needs -integration")
	}
	containerOnce.Do(func() {
		connector = NewTestContainer(&packageT{T: t})
	})
	return connector
}

// packageT keeps the container alive beyond the test that started it.
type packageT struct{ *testing.T }

func (p *packageT) Cleanup(func()) {}

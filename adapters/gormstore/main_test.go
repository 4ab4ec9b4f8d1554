package gormstore

import (
	"flag"
	"sync"
	"testing"
)

var integration = flag.Bool("integration", false, "run tests against a PostgreSQL container")

var (
	containerOnce sync.Once
	postgresDSN   string
)

// sharedPostgres starts one PostgreSQL server for the whole package run.
func sharedPostgres(t *testing.T) string {
	t.Helper()
	if !*integration {
		t.Skip("needs -integration")
	}
	containerOnce.Do(func() {
		postgresDSN = NewPostgresContainer(&packageT{T: t})
	})
	return postgresDSN
}

// packageT keeps the container alive beyond the test that started it.
type packageT struct{ *testing.T }

func (p *packageT) Cleanup(func()) {}

package command_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremy-morren/purees-sub002/core/command"
	"github.com/jeremy-morren/purees-sub002/core/es"
	"github.com/jeremy-morren/purees-sub002/core/es/estests/domain"
)

func TestLoader(t *testing.T) {
	store := newStore(t)
	_, err := store.Create(t.Context(), "orders-1", es.Events(
		domain.OrderPlaced{ID: "1", Customer: "ada", Amount: 5},
		domain.OrderShipped{ID: "1"},
	)...)
	require.NoError(t, err)

	l := command.NewLoader(store, domain.NewOrderFactory())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loaded, err := l.Load(t.Context(), "orders-1")
			assert.NoError(t, err)
			assert.Equal(t, es.Revision(1), loaded.Version)
			assert.True(t, loaded.Aggregate.Shipped)
		}()
	}
	wg.Wait()

	_, err = l.Load(t.Context(), "orders-2")
	require.ErrorIs(t, err, es.ErrStreamNotFound)
}

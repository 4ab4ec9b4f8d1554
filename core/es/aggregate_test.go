package es

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type (
	account struct {
		Owner   string
		Balance int
		Shapes  int
	}
	opened    struct{ Owner string }
	deposited struct{ Amount int }
	withdrawn struct{ Amount int }
)

var errOverdrawn = errors.New("overdrawn")

func newAccountFactory() *Factory[account] {
	f := NewFactory[account]("account")
	OnCreate(f, func(e opened) (account, error) { return account{Owner: e.Owner}, nil })
	OnUpdate(f, func(a account, e deposited) (account, error) {
		a.Balance += e.Amount
		return a, nil
	})
	OnUpdate(f, func(a account, e withdrawn) (account, error) {
		if a.Balance < e.Amount {
			return a, errOverdrawn
		}
		a.Balance -= e.Amount
		return a, nil
	})
	OnUpdate(f, func(a account, e shape) (account, error) {
		a.Shapes += e.Area()
		return a, nil
	})
	return f
}

func envs(events ...any) []Envelope {
	out := make([]Envelope, len(events))
	for i, e := range events {
		out[i] = Envelope{StreamID: "acc-1", StreamPosition: Revision(i), Event: e}
	}
	return out
}

func TestFactory_Rehydrate(t *testing.T) {
	f := newAccountFactory()

	loaded, err := f.Rehydrate(envs(opened{Owner: "ann"}, deposited{Amount: 10}, withdrawn{Amount: 4}, square{Side: 2}))
	require.NoError(t, err)
	require.Equal(t, Revision(3), loaded.Version)
	require.Equal(t, account{Owner: "ann", Balance: 6, Shapes: 4}, loaded.Aggregate)

	t.Run("empty stream", func(t *testing.T) {
		_, err := f.Rehydrate(nil)
		require.ErrorIs(t, err, ErrStreamNotFound)
	})

	t.Run("missing create transition", func(t *testing.T) {
		_, err := f.Rehydrate(envs(deposited{Amount: 1}))
		require.ErrorIs(t, err, ErrNoTransition)
		var nt *NoTransitionError
		require.True(t, errors.As(err, &nt))
		require.True(t, nt.Create)
		require.Equal(t, "account", nt.Aggregate)
	})

	t.Run("missing update transition", func(t *testing.T) {
		_, err := f.Rehydrate(envs(opened{Owner: "ann"}, opened{Owner: "bob"}))
		require.ErrorIs(t, err, ErrNoTransition)
	})

	t.Run("transition error", func(t *testing.T) {
		_, err := f.Rehydrate(envs(opened{Owner: "ann"}, withdrawn{Amount: 1}))
		require.ErrorIs(t, err, errOverdrawn)
	})

	t.Run("continue", func(t *testing.T) {
		all := envs(opened{Owner: "ann"}, deposited{Amount: 10}, deposited{Amount: 5})
		first, err := f.Rehydrate(all[:1])
		require.NoError(t, err)
		next, err := f.Continue(first, all[1:])
		require.NoError(t, err)
		require.Equal(t, 15, next.Aggregate.Balance)
		require.Equal(t, Revision(2), next.Version)

		_, err = f.Continue(first, all[2:])
		require.ErrorIs(t, err, ErrCorruptLog)
	})
}

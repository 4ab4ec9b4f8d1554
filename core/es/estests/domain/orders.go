package domain

import (
	"errors"

	"github.com/jeremy-morren/purees-sub002/core/es"
)

var ErrOrderClosed = errors.New("order is closed")

type (
	// OrderEvent is implemented by every order event.
	OrderEvent interface {
		OrderID() string
	}

	OrderPlaced struct {
		ID       string `json:"id"`
		Customer string `json:"customer"`
		Amount   int    `json:"amount"`
	}

	OrderShipped struct {
		ID      string `json:"id"`
		Carrier string `json:"carrier,omitempty"`
	}

	OrderCancelled struct {
		ID     string `json:"id"`
		Reason string `json:"reason,omitempty"`
	}

	// Incremented is stored by pointer to cover pointer payloads.
	Incremented struct {
		Inc   uint8 `json:"inc,omitempty"`
		Reset bool  `json:"reset,omitempty"`
	}
)

func (e OrderPlaced) OrderID() string    { return e.ID }
func (e OrderShipped) OrderID() string   { return e.ID }
func (e OrderCancelled) OrderID() string { return e.ID }

func (OrderPlaced) EventType() string    { return "order.placed" }
func (OrderShipped) EventType() string   { return "order.shipped" }
func (OrderCancelled) EventType() string { return "order.cancelled" }

// Order is the aggregate rebuilt from order events.
type Order struct {
	ID        string
	Customer  string
	Amount    int
	Shipped   bool
	Cancelled bool
	Events    int
}

func (o Order) Closed() bool { return o.Shipped || o.Cancelled }

// Counter is a second aggregate over pointer payloads.
type Counter struct {
	Value  int
	Resets int
}

// NewRegistry registers every test event.
func NewRegistry() *es.EventRegistry {
	r := es.NewRegistry()
	es.MustRegister(es.RegisterFamily[OrderEvent](r))
	es.MustRegister(es.RegisterEvent[OrderPlaced](r))
	es.MustRegister(es.RegisterEvent[OrderShipped](r))
	es.MustRegister(es.RegisterEvent[OrderCancelled](r))
	es.MustRegister(es.RegisterEvent[*Incremented](r))
	return r
}

// NewOrderFactory builds the order transition tables.
func NewOrderFactory() *es.Factory[Order] {
	f := es.NewFactory[Order]("order")
	es.OnCreate(f, func(e OrderPlaced) (Order, error) {
		return Order{ID: e.ID, Customer: e.Customer, Amount: e.Amount, Events: 1}, nil
	})
	es.OnUpdate(f, func(o Order, e OrderShipped) (Order, error) {
		if o.Closed() {
			return o, ErrOrderClosed
		}
		o.Shipped = true
		o.Events++
		return o, nil
	})
	es.OnUpdate(f, func(o Order, e OrderCancelled) (Order, error) {
		if o.Closed() {
			return o, ErrOrderClosed
		}
		o.Cancelled = true
		o.Events++
		return o, nil
	})
	return f
}

// NewCounterFactory builds the counter transition tables.
func NewCounterFactory() *es.Factory[Counter] {
	f := es.NewFactory[Counter]("counter")
	es.OnCreate(f, func(e *Incremented) (Counter, error) {
		return Counter{}.apply(e), nil
	})
	es.OnUpdate(f, func(c Counter, e *Incremented) (Counter, error) {
		return c.apply(e), nil
	})
	return f
}

func (c Counter) apply(e *Incremented) Counter {
	if e.Reset {
		c.Value = 0
		c.Resets++
		return c
	}
	c.Value += int(e.Inc)
	return c
}

package domain

import (
	"fmt"
	"time"
)

// OrderStatus is a state of the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// IsTerminal reports whether no further transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// IsActive reports whether the order may still execute.
func (s OrderStatus) IsActive() bool {
	switch s {
	case OrderStatusPending, OrderStatusOpen, OrderStatusPartiallyFilled:
		return true
	}
	return false
}

// transitions lists the allowed successor states. Pending may jump to
// Filled or PartiallyFilled when a paper market order executes on creation.
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {
		OrderStatusOpen, OrderStatusRejected, OrderStatusPartiallyFilled,
		OrderStatusFilled, OrderStatusCanceled,
	},
	OrderStatusOpen: {
		OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCanceled, OrderStatusExpired,
	},
	OrderStatusPartiallyFilled: {
		OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCanceled, OrderStatusExpired,
	},
}

// CanTransition reports whether moving from s to next is a forward step.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition moves the order to next, refusing backward or terminal moves.
func (o *Order) Transition(next OrderStatus, now time.Time) error {
	if o.Status == next && next != OrderStatusPartiallyFilled {
		return nil
	}
	if !o.Status.CanTransition(next) {
		return fmt.Errorf("%w: order %s cannot move from %s to %s", ErrInvalidTransition, o.ID, o.Status, next)
	}
	o.Status = next
	o.UpdatedAt = now
	if next == OrderStatusFilled {
		o.FilledAt = now
	}
	return nil
}

// ApplyFill records an execution of qty at price and returns the quantity
// actually applied. The filled amount never exceeds Amount and the average
// fill price is volume weighted. The status moves to PartiallyFilled or
// Filled accordingly.
func (o *Order) ApplyFill(qty, price, fee float64, now time.Time) (float64, error) {
	if qty <= 0 || price <= 0 {
		return 0, fmt.Errorf("%w: fill qty %v price %v", ErrInvalidOrder, qty, price)
	}
	if o.Status.IsTerminal() {
		return 0, fmt.Errorf("%w: order %s is %s", ErrInvalidTransition, o.ID, o.Status)
	}
	remaining := o.Remaining()
	if qty > remaining {
		qty = remaining
	}
	if qty <= 0 {
		return 0, nil
	}

	next := OrderStatusPartiallyFilled
	if nearlyEqual(o.FilledAmount+qty, o.Amount) {
		next = OrderStatusFilled
	}
	if err := o.Transition(next, now); err != nil {
		return 0, err
	}

	filledCost := o.AvgFillPrice*o.FilledAmount + price*qty
	o.FilledAmount += qty
	if next == OrderStatusFilled {
		o.FilledAmount = o.Amount
	}
	o.AvgFillPrice = filledCost / o.FilledAmount
	o.Cost = filledCost
	o.Fee += fee
	return qty, nil
}

func nearlyEqual(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= 1e-9
}

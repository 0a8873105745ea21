// Package session gives every client session its own actor. The actor owns
// the session's cart manager and handles one command at a time, so a
// checkout or fulfillment in progress cannot be started again until it
// has finished.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/example/minimart/pkg/cart"
	"go.uber.org/zap"
)

var ErrFulfillmentUnavailable = errors.New("fulfillment is not available")

// Fulfiller runs a preorder fulfillment on behalf of actorID.
type Fulfiller interface {
	Fulfill(ctx context.Context, preorderID, actorID string) error
}

type sessionActor struct {
	id        string
	store     cart.Store
	backend   cart.Backend
	fulfiller Fulfiller
	timeout   time.Duration
	idle      time.Duration
	logger    *zap.Logger
	onStop    func(self *actor.PID)

	manager *cart.Manager
}

func (a *sessionActor) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		a.logger.Debug("Session started")
		if a.idle > 0 {
			ctx.SetReceiveTimeout(a.idle)
		}

	case *actor.ReceiveTimeout:
		a.logger.Info("Session idle, stopping", zap.Duration("idle", a.idle))
		ctx.Stop(ctx.Self())

	case *actor.Stopped:
		a.logger.Debug("Session stopped")
		if a.onStop != nil {
			a.onStop(ctx.Self())
		}

	case Command:
		ctx.Respond(a.handle(msg))
	}
}

func (a *sessionActor) handle(cmd Command) *Reply {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	if err := a.bind(ctx, cmd.identity()); err != nil {
		return &Reply{Cart: CartView{Identity: cmd.identity()}, Err: err}
	}

	reply := &Reply{}
	switch msg := cmd.(type) {
	case *GetCart:
	case *AddItem:
		reply.Err = a.manager.AddToCart(ctx, msg.Product.ProductID, msg.Quantity, msg.Product)
	case *ChangeQuantity:
		reply.Err = a.manager.ChangeQuantity(ctx, msg.ProductID, msg.Quantity)
	case *RemoveItem:
		reply.Err = a.manager.RemoveFromCart(ctx, msg.ProductID)
	case *ClearCart:
		reply.Err = a.manager.ClearCart(ctx)
	case *Checkout:
		reply.Checkout, reply.Err = a.manager.Checkout(ctx)
	case *Fulfill:
		if a.fulfiller == nil {
			reply.Err = ErrFulfillmentUnavailable
			break
		}
		reply.Err = a.fulfiller.Fulfill(ctx, msg.PreorderID, msg.Identity)
	}
	reply.Cart = a.view()
	return reply
}

// bind opens the cart on first use and reloads it whenever the presented
// identity differs from the one the cart was loaded for.
func (a *sessionActor) bind(ctx context.Context, identity string) error {
	if a.manager == nil {
		m, err := cart.Open(ctx, identity, a.store, a.backend, a.logger)
		if err != nil {
			return fmt.Errorf("failed to open cart: %w", err)
		}
		a.manager = m
		return nil
	}
	if a.manager.Identity() == identity {
		return nil
	}
	a.logger.Info("Identity changed",
		zap.String("from", a.manager.Identity()),
		zap.String("to", identity))
	return a.manager.SwitchIdentity(ctx, identity)
}

func (a *sessionActor) view() CartView {
	return CartView{
		Identity:    a.manager.Identity(),
		Items:       a.manager.Items(),
		TotalItems:  a.manager.TotalItems(),
		TotalAmount: a.manager.TotalAmount(),
	}
}

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/example/minimart/pkg/cart"
	"github.com/example/minimart/pkg/config"
	"go.uber.org/zap"
)

const defaultRequestTimeout = 2 * time.Minute

// StoreFactory returns the cart store for one session.
type StoreFactory func(sessionID string) cart.Store

// Registry spawns session actors on demand and routes commands to them.
type Registry struct {
	system    *actor.ActorSystem
	stores    StoreFactory
	backend   cart.Backend
	fulfiller Fulfiller
	config    config.SessionConfig
	logger    *zap.Logger

	mu       sync.Mutex
	sessions map[string]*actor.PID
}

func NewRegistry(cfg config.SessionConfig, stores StoreFactory, backend cart.Backend, fulfiller Fulfiller, logger *zap.Logger) *Registry {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return &Registry{
		system:    actor.NewActorSystem(),
		stores:    stores,
		backend:   backend,
		fulfiller: fulfiller,
		config:    cfg,
		logger:    logger,
		sessions:  make(map[string]*actor.PID),
	}
}

// Request delivers cmd to the session's actor and waits for its reply.
func (r *Registry) Request(ctx context.Context, sessionID string, cmd Command) (*Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	timeout := r.config.RequestTimeout + time.Second
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return nil, context.DeadlineExceeded
	}

	pid := r.pid(sessionID)
	result, err := r.system.Root.RequestFuture(pid, cmd, timeout).Result()
	if errors.Is(err, actor.ErrDeadLetter) {
		// The actor went idle between lookup and send.
		r.forget(sessionID, pid)
		pid = r.pid(sessionID)
		result, err = r.system.Root.RequestFuture(pid, cmd, timeout).Result()
	}
	if err != nil {
		r.logger.Error("Session request failed",
			zap.String("session_id", sessionID),
			zap.String("command", fmt.Sprintf("%T", cmd)),
			zap.Error(err))
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}

	reply, ok := result.(*Reply)
	if !ok {
		return nil, fmt.Errorf("session %s: unexpected reply %T", sessionID, result)
	}
	return reply, nil
}

func (r *Registry) pid(sessionID string) *actor.PID {
	r.mu.Lock()
	defer r.mu.Unlock()

	if pid, ok := r.sessions[sessionID]; ok {
		return pid
	}

	logger := r.logger.Named("session").With(zap.String("session_id", sessionID))
	store := r.stores(sessionID)
	props := actor.PropsFromProducer(func() actor.Actor {
		return &sessionActor{
			id:        sessionID,
			store:     store,
			backend:   r.backend,
			fulfiller: r.fulfiller,
			timeout:   r.config.RequestTimeout,
			idle:      r.config.IdleTimeout,
			logger:    logger,
			onStop: func(self *actor.PID) {
				r.forget(sessionID, self)
			},
		}
	})
	pid := r.system.Root.Spawn(props)
	r.sessions[sessionID] = pid
	return pid
}

func (r *Registry) forget(sessionID string, pid *actor.PID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[sessionID]; ok && current.Id == pid.Id {
		delete(r.sessions, sessionID)
	}
}

// Len is the number of live session actors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown stops every session actor and waits for each to finish its
// current command.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	pids := make([]*actor.PID, 0, len(r.sessions))
	for _, pid := range r.sessions {
		pids = append(pids, pid)
	}
	r.mu.Unlock()

	for _, pid := range pids {
		if err := r.system.Root.StopFuture(pid).Wait(); err != nil {
			r.logger.Warn("Session did not stop cleanly", zap.String("pid", pid.Id), zap.Error(err))
		}
	}
}

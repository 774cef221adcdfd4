package zha

import (
	"context"
	"errors"
	"fmt"

	"zigbee-lock-hub/internal/core"
)

// Lock services.
const (
	ServiceLock   = "lock"
	ServiceUnlock = "unlock"
	ServiceOpen   = "open"
)

// ErrNoTarget is returned by lock services called without an entity_id.
var ErrNoTarget = errors.New("no entity_id")

func (g *Gateway) registerServices() {
	svc := g.hub.Services()
	svc.Register(PlatformLock, ServiceLock, g.lockService(func(ctx context.Context, e *LockEntity) error {
		return e.Lock(ctx)
	}))
	svc.Register(PlatformLock, ServiceUnlock, g.lockService(func(ctx context.Context, e *LockEntity) error {
		return e.Unlock(ctx)
	}))
	svc.Register(PlatformLock, ServiceOpen, g.lockService(func(ctx context.Context, e *LockEntity) error {
		return fmt.Errorf("%s: open: %w", e.entityID, errors.ErrUnsupported)
	}))
}

// lockService dispatches a call to each targeted lock entity. "all"
// targets every lock.
func (g *Gateway) lockService(fn func(context.Context, *LockEntity) error) core.ServiceHandler {
	return func(ctx context.Context, call core.ServiceCall) error {
		ids := call.EntityIDs()
		if len(ids) == 1 && ids[0] == "all" {
			ids = ids[:0]
			for _, e := range g.Entities() {
				ids = append(ids, e.entityID)
			}
		} else if len(ids) == 0 {
			return fmt.Errorf("%s.%s: %w", call.Domain, call.Service, ErrNoTarget)
		}
		var errs []error
		for _, id := range ids {
			e := g.Entity(id)
			if e == nil {
				errs = append(errs, fmt.Errorf("%w: %s", ErrEntityNotFound, id))
				continue
			}
			if err := fn(ctx, e); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

// Service layer of internal package router which encapsulates the fan-out logic of Trophonius.

package router

import (
	"Trophonius/internal/directory"
	"Trophonius/internal/entity"
	"Trophonius/internal/errors"
	"Trophonius/internal/metrics"
	"Trophonius/internal/registry"
	"Trophonius/pkg/log"
	"context"
)

// Aggregate outcome of one dispatch call. Partial failures never surface as
// errors, they only show up in the Failed count.
type Result struct {
	Attempted int
	Delivered int
	Failed    int
}

// Service layer of internal package router.
type Service interface {
	// Dispatch delivers req.Payload to every live connection of req.To's
	// recipients plus the devices named in req.DeviceIDs.
	// A recipient with no live connections isn't an error, the dispatch
	// completes with zero deliveries for it and the Directory Service decides
	// whether the notification gets stored for later.
	// The only error is a constraint violation: an empty target set.
	Dispatch(ctx context.Context, req entity.FanoutRequest) (Result, error)
}

// Object of this will be passed around from main to the admin listener.
// Helps to access the service layer interface and call methods.
type service struct {
	registry  registry.Service
	directory directory.Repository
	metrics   metrics.Service
	logger    log.Logger
}

// Helps to access the service layer interface and call methods. Service object is passed from main.
func NewService(reg registry.Service, dir directory.Repository, mtr metrics.Service, logger log.Logger) Service {
	return service{
		registry:  reg,
		directory: dir,
		metrics:   mtr,
		logger:    logger,
	}
}

func (s service) Dispatch(ctx context.Context, req entity.FanoutRequest) (Result, error) {
	if len(req.To) == 0 && len(req.DeviceIDs) == 0 {
		// Empty fan-out is the one hard constraint violation here.
		return Result{}, errors.BadRequest("fan-out needs at least one recipient or device id")
	}
	s.metrics.FanoutReceived()

	// Hand the request over for durable bookkeeping first, forwarding the
	// store flag opaquely. Best-effort, delivery doesn't wait on it.
	if recerr := s.directory.RecordDispatch(ctx, s.logger, req); recerr != nil {
		s.logger.WithCtx(ctx).Warn().Err(recerr).Msg("Couldn't record dispatch with the Directory Service")
	}

	// Resolve the target set to a snapshot of live connections. The registry
	// lock is only held inside the lookups, never across socket writes, so a
	// slow device can't stall unrelated registry mutations.
	seen := make(map[registry.Connection]struct{})
	targets := make([]registry.Connection, 0)
	for _, userID := range req.To {
		for _, conn := range s.registry.LookupByRecipient(userID) {
			if _, dup := seen[conn]; dup {
				continue
			}
			seen[conn] = struct{}{}
			targets = append(targets, conn)
		}
	}
	for _, deviceID := range req.DeviceIDs {
		conn, ok := s.registry.LookupByDevice(deviceID)
		if !ok {
			// Devices in the middle of connecting are no cause for alarm here.
			s.logger.WithCtx(ctx).Debug().Msgf("Device %s isn't connected, skipping", deviceID)
			continue
		}
		if _, dup := seen[conn]; dup {
			continue
		}
		seen[conn] = struct{}{}
		targets = append(targets, conn)
	}

	res := Result{Attempted: len(targets)}
	for _, conn := range targets {
		if senderr := conn.Send(req.Payload); senderr != nil {
			// One dead socket must never abort delivery to the rest.
			res.Failed++
			s.logger.WithCtx(ctx).Warn().Err(senderr).Msgf("Couldn't deliver notification to device %s owned by %s", conn.DeviceID(), conn.UserID())
			conn.Close("write failed")
			continue
		}
		res.Delivered++
	}

	s.metrics.Delivered(res.Delivered)
	s.metrics.Failed(res.Failed)
	s.logger.WithCtx(ctx).Info().Msgf("Dispatched notification to %d/%d connections (%d failed)", res.Delivered, res.Attempted, res.Failed)
	return res, nil
}

package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/chainsafe/trichain-bridge/pkg/auth"
	"github.com/chainsafe/trichain-bridge/pkg/db"
	"github.com/chainsafe/trichain-bridge/pkg/relayqueue"
	"github.com/chainsafe/trichain-bridge/pkg/transfer"
)

const serviceName = "TransferService"

// logService wraps Service with automatic logging of all method calls
type logService struct {
	svc    Service
	logger *zap.Logger
}

// NewLog creates a logging decorator for the transfer Service.
// It logs method entry/exit, duration and errors.
func NewLog(svc Service, logger *zap.Logger) Service {
	return &logService{
		svc:    svc,
		logger: logger.With(zap.String("service", serviceName)),
	}
}

func (ls *logService) done(method string, start time.Time, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("method", method), zap.Duration("duration", time.Since(start)))
	if err != nil {
		ls.logger.Error(method+" failed", append(fields, zap.Error(err))...)
		return
	}
	ls.logger.Info(method+" completed", fields...)
}

// StartTransfer wraps the service method with logging
func (ls *logService) StartTransfer(ctx context.Context, req transfer.Request, wait bool) (out *transfer.Outcome, err error) {
	start := time.Now()
	ls.logger.Info("StartTransfer started",
		zap.String("method", "StartTransfer"),
		zap.String("operator", auth.OperatorFromContext(ctx)),
		zap.String("source_chain", string(req.SourceChain)),
		zap.String("destination_chain", string(req.DestinationChain)),
		zap.String("amount", req.Amount.String()),
		zap.Bool("wait", wait))

	defer func() {
		if out != nil {
			ls.done("StartTransfer", start, err,
				zap.String("transfer_id", out.ID),
				zap.String("state", string(out.State)),
				zap.String("status", string(out.Status)))
			return
		}
		ls.done("StartTransfer", start, err)
	}()
	return ls.svc.StartTransfer(ctx, req, wait)
}

// GetTransfer wraps the service method with logging
func (ls *logService) GetTransfer(ctx context.Context, id string) (out *transfer.Outcome, err error) {
	start := time.Now()
	defer func() {
		// lookups are frequent; only failures are worth an Info line
		if err != nil {
			ls.done("GetTransfer", start, err, zap.String("transfer_id", id))
		}
	}()
	return ls.svc.GetTransfer(ctx, id)
}

// ListTransfers wraps the service method with logging
func (ls *logService) ListTransfers(ctx context.Context, filter db.OutcomeFilter) (outs []*transfer.Outcome, err error) {
	start := time.Now()
	defer func() {
		if err != nil {
			ls.done("ListTransfers", start, err, zap.String("route", filter.Route), zap.String("status", string(filter.Status)))
		}
	}()
	return ls.svc.ListTransfers(ctx, filter)
}

// CancelTransfer wraps the service method with logging
func (ls *logService) CancelTransfer(ctx context.Context, id string) (out *transfer.Outcome, err error) {
	start := time.Now()
	ls.logger.Info("CancelTransfer started",
		zap.String("method", "CancelTransfer"),
		zap.String("operator", auth.OperatorFromContext(ctx)),
		zap.String("transfer_id", id))
	defer func() {
		ls.done("CancelTransfer", start, err, zap.String("transfer_id", id))
	}()
	return ls.svc.CancelTransfer(ctx, id)
}

// ResolveTransfer wraps the service method with logging
func (ls *logService) ResolveTransfer(ctx context.Context, id, operator, note string) (out *transfer.Outcome, err error) {
	start := time.Now()
	ls.logger.Info("ResolveTransfer started",
		zap.String("method", "ResolveTransfer"),
		zap.String("operator", operator),
		zap.String("transfer_id", id))
	defer func() {
		ls.done("ResolveTransfer", start, err, zap.String("transfer_id", id), zap.String("note", note))
	}()
	return ls.svc.ResolveTransfer(ctx, id, operator, note)
}

// ListRelayFailures wraps the service method with logging
func (ls *logService) ListRelayFailures(ctx context.Context, limit int) (failures []*relayqueue.Failure, err error) {
	start := time.Now()
	defer func() {
		if err != nil {
			ls.done("ListRelayFailures", start, err)
		}
	}()
	return ls.svc.ListRelayFailures(ctx, limit)
}

// Close wraps the service method with logging
func (ls *logService) Close(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { ls.done("Close", start, err) }()
	return ls.svc.Close(ctx)
}

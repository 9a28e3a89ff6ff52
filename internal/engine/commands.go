package engine

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"lending-engine/internal/account"
	"lending-engine/internal/matching"
	"lending-engine/internal/pool"
)

// execute dispatches a command to Core
func (e *Engine) execute(ctx context.Context, envelope *CommandEnvelope) *CommandExecResult {
	switch envelope.CommandType {
	case CommandTypeCreatePool:
		cfg, ok := envelope.Payload.(*pool.Config)
		if !ok || cfg == nil {
			return invalidPayload(envelope.CommandType)
		}
		p, res, err := e.core.CreatePool(ctx, *cfg)
		if err != nil {
			return failed(err)
		}
		e.logger.Info("pool created", zap.String("pool_id", p.ID.Hex()), zap.String("name", p.Name))
		return &CommandExecResult{Result: &CreatePoolResult{Pool: p, Result: res}}

	case CommandTypeBindAdapter:
		req, ok := envelope.Payload.(*BindAdapterRequest)
		if !ok || req == nil {
			return invalidPayload(envelope.CommandType)
		}
		if err := e.core.BindAdapter(ctx, req.VaultAsset, req.Adapter); err != nil {
			return failed(err)
		}
		return &CommandExecResult{}

	case CommandTypeSubmitProducer, CommandTypeSubmitConsumer:
		req, ok := envelope.Payload.(*matching.SubmitOrderRequest)
		if !ok {
			return invalidPayload(envelope.CommandType)
		}
		submit := e.core.SubmitConsumer
		if envelope.CommandType == CommandTypeSubmitProducer {
			submit = e.core.SubmitProducer
		}
		return wrap(submit(ctx, req))

	case CommandTypeModifyOrder:
		req, ok := envelope.Payload.(*matching.ModifyOrderRequest)
		if !ok {
			return invalidPayload(envelope.CommandType)
		}
		return wrap(e.core.ModifyExistingOrder(ctx, req))

	case CommandTypeWithdrawFNFT:
		req, ok := envelope.Payload.(*matching.WithdrawRequest)
		if !ok {
			return invalidPayload(envelope.CommandType)
		}
		return wrap(e.core.WithdrawFNFT(ctx, req))

	case CommandTypeClaimInterest:
		req, ok := envelope.Payload.(*matching.ClaimInterestRequest)
		if !ok {
			return invalidPayload(envelope.CommandType)
		}
		return wrap(e.core.ClaimInterest(ctx, req))

	default:
		return &CommandExecResult{
			ErrorCode: ErrorCodeInvalidArgument,
			Err:       fmt.Errorf("unknown command type: %s", envelope.CommandType),
		}
	}
}

func wrap(res *matching.CommandResult, err error) *CommandExecResult {
	if err != nil {
		return failed(err)
	}
	return &CommandExecResult{Result: res}
}

func failed(err error) *CommandExecResult {
	return &CommandExecResult{ErrorCode: MapErrorCode(err), Err: err}
}

func invalidPayload(cmd CommandType) *CommandExecResult {
	return &CommandExecResult{
		ErrorCode: ErrorCodeInvalidArgument,
		Err:       fmt.Errorf("invalid payload type for %s command", cmd),
	}
}

// MapErrorCode maps Core errors to error codes
func MapErrorCode(err error) ErrorCode {
	switch {
	case err == nil:
		return ErrorCodeNone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorCodeCanceled
	case errors.Is(err, matching.ErrReentrantCall):
		return ErrorCodeReentrantCall
	case errors.Is(err, matching.ErrPoolNotFound):
		return ErrorCodePoolNotFound
	case errors.Is(err, pool.ErrPoolExists):
		return ErrorCodePoolExists
	case errors.Is(err, matching.ErrConfiguration):
		return ErrorCodeConfiguration
	case errors.Is(err, matching.ErrQueueState):
		return ErrorCodeQueueState
	case errors.Is(err, matching.ErrLockNotExpired):
		return ErrorCodeLockNotExpired
	case errors.Is(err, matching.ErrUnauthorized):
		return ErrorCodeUnauthorized
	case errors.Is(err, account.ErrInsufficientBalance):
		return ErrorCodeInsufficientBalance
	case errors.Is(err, matching.ErrInvalidAmount):
		return ErrorCodeInvalidArgument
	case errors.Is(err, ErrNotFound):
		return ErrorCodeNotFound
	default:
		return ErrorCodeInternalError
	}
}

// ComputePayloadHash computes SHA256 hash of the payload
func ComputePayloadHash(payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash), nil
}

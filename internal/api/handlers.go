package api

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"lending-engine/internal/engine"
	"lending-engine/internal/fixedpoint"
	"lending-engine/internal/matching"
	"lending-engine/internal/pool"
	"lending-engine/internal/projection"
)

// IdempotencyKeyHeader carries the client's deduplication key
const IdempotencyKeyHeader = "Idempotency-Key"

const defaultListLimit = 100

// Handler handles HTTP requests for the lending API
type Handler struct {
	engine    *engine.Engine
	orders    projection.OrderRepository
	positions projection.PositionRepository
	logger    *zap.Logger
}

// NewHandler creates a new API handler
func NewHandler(eng *engine.Engine, orders projection.OrderRepository, positions projection.PositionRepository, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		engine:    eng,
		orders:    orders,
		positions: positions,
		logger:    logger,
	}
}

// CreatePool handles POST /v1/pools
func (h *Handler) CreatePool(c *gin.Context) {
	var req CreatePoolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorResponse(c, http.StatusBadRequest, ErrorCodeInvalidArgument, "invalid request body: "+err.Error())
		return
	}
	cfg, err := parsePoolConfig(&req)
	if err != nil {
		writeErrorResponse(c, http.StatusBadRequest, ErrorCodeInvalidArgument, err.Error())
		return
	}

	commandID, result, ok := h.submit(c, engine.CommandTypeCreatePool, common.Hash{}, common.Address{}, cfg)
	if !ok {
		return
	}
	created, ok := result.Result.(*engine.CreatePoolResult)
	if !ok || created.Pool == nil {
		writeErrorResponse(c, http.StatusInternalServerError, ErrorCodeInternalError, "invalid result type")
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"pool":   toPoolResponse(created.Pool),
		"result": toCommandResponse(commandID, created.Result),
	})
}

// ListPools handles GET /v1/pools
func (h *Handler) ListPools(c *gin.Context) {
	v, ok := h.read(c, func(_ context.Context, core *matching.Core) (any, error) {
		return core.Registry().List(), nil
	})
	if !ok {
		return
	}
	pools := v.([]*pool.Pool)
	out := make([]PoolResponse, 0, len(pools))
	for _, p := range pools {
		out = append(out, toPoolResponse(p))
	}
	c.JSON(http.StatusOK, gin.H{"pools": out})
}

// GetPool handles GET /v1/pools/:id
func (h *Handler) GetPool(c *gin.Context) {
	poolID, ok := poolIDParam(c)
	if !ok {
		return
	}
	v, ok := h.read(c, func(_ context.Context, core *matching.Core) (any, error) {
		return core.Registry().Get(poolID)
	})
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toPoolResponse(v.(*pool.Pool)))
}

// GetQueue handles GET /v1/pools/:id/queues/:side
func (h *Handler) GetQueue(c *gin.Context) {
	poolID, ok := poolIDParam(c)
	if !ok {
		return
	}
	side, err := parseSide(c.Param("side"))
	if err != nil {
		writeErrorResponse(c, http.StatusBadRequest, ErrorCodeInvalidArgument, err.Error())
		return
	}

	v, ok := h.read(c, func(_ context.Context, core *matching.Core) (any, error) {
		p, err := core.Registry().Get(poolID)
		if err != nil {
			return nil, err
		}
		q, err := core.Queue(poolID, side)
		if err != nil {
			return nil, err
		}
		return toQueueResponse(p, side, q), nil
	})
	if !ok {
		return
	}
	c.JSON(http.StatusOK, v)
}

// Reconcile handles GET /v1/pools/:id/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	poolID, ok := poolIDParam(c)
	if !ok {
		return
	}
	v, ok := h.read(c, func(ctx context.Context, core *matching.Core) (any, error) {
		return core.Reconcile(ctx, poolID)
	})
	if !ok {
		return
	}
	r := v.(*matching.Reconciliation)
	c.JSON(http.StatusOK, gin.H{
		"pool_id":         r.PoolID.Hex(),
		"position_shares": amount(r.PositionShares),
		"farmed_shares":   amount(r.FarmedShares),
		"escrow_shares":   amount(r.EscrowShares),
		"dust":            amount(r.Dust),
	})
}

// SubmitOrder handles POST /v1/pools/:id/orders
func (h *Handler) SubmitOrder(c *gin.Context) {
	poolID, ok := poolIDParam(c)
	if !ok {
		return
	}
	var req SubmitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorResponse(c, http.StatusBadRequest, ErrorCodeInvalidArgument, "invalid request body: "+err.Error())
		return
	}
	side, err := parseSide(req.Side)
	if err != nil {
		writeErrorResponse(c, http.StatusBadRequest, ErrorCodeInvalidArgument, err.Error())
		return
	}
	owner, err := parseAddress("owner", req.Owner)
	if err != nil {
		writeErrorResponse(c, http.StatusBadRequest, ErrorCodeInvalidArgument, err.Error())
		return
	}
	amt, err := parsePositiveAmount("amount", req.Amount)
	if err != nil {
		writeErrorResponse(c, http.StatusBadRequest, ErrorCodeInvalidArgument, err.Error())
		return
	}

	cmd := engine.CommandTypeSubmitConsumer
	if side == matching.SideProducer {
		cmd = engine.CommandTypeSubmitProducer
	}
	payload := &matching.SubmitOrderRequest{PoolID: poolID, Owner: owner, Amount: amt, Farm: req.Farm}
	h.submitAndRespond(c, cmd, poolID, owner, payload)
}

// ModifyOrder handles PATCH /v1/pools/:id/orders/:index
func (h *Handler) ModifyOrder(c *gin.Context) {
	poolID, ok := poolIDParam(c)
	if !ok {
		return
	}
	index, err := strconv.ParseUint(c.Param("index"), 10, 64)
	if err != nil {
		writeErrorResponse(c, http.StatusBadRequest, ErrorCodeInvalidArgument, "invalid queue index")
		return
	}
	var req ModifyOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorResponse(c, http.StatusBadRequest, ErrorCodeInvalidArgument, "invalid request body: "+err.Error())
		return
	}
	side, err := parseSide(req.Side)
	if err != nil {
		writeErrorResponse(c, http.StatusBadRequest, ErrorCodeInvalidArgument, err.Error())
		return
	}
	owner, err := parseAddress("owner", req.Owner)
	if err != nil {
		writeErrorResponse(c, http.StatusBadRequest, ErrorCodeInvalidArgument, err.Error())
		return
	}

	payload := &matching.ModifyOrderRequest{
		PoolID:       poolID,
		Owner:        owner,
		Packets:      req.Packets,
		QueueIndex:   index,
		ProducerSide: side == matching.SideProducer,
	}
	h.submitAndRespond(c, engine.CommandTypeModifyOrder, poolID, owner, payload)
}

// GetInterest handles GET /v1/fnfts/:id/interest
func (h *Handler) GetInterest(c *gin.Context) {
	tokenID, ok := tokenIDParam(c)
	if !ok {
		return
	}
	v, ok := h.read(c, func(ctx context.Context, core *matching.Core) (any, error) {
		if _, found := core.Position(tokenID); !found {
			return nil, fmt.Errorf("token %d: %w", tokenID, engine.ErrNotFound)
		}
		quote, err := core.CalculateInterest(ctx, tokenID)
		if err != nil {
			return nil, err
		}
		return toQuoteResponse(tokenID, quote), nil
	})
	if !ok {
		return
	}
	c.JSON(http.StatusOK, v)
}

// ClaimInterest handles POST /v1/fnfts/:id/claim
func (h *Handler) ClaimInterest(c *gin.Context) {
	tokenID, ok := tokenIDParam(c)
	if !ok {
		return
	}
	var req ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorResponse(c, http.StatusBadRequest, ErrorCodeInvalidArgument, "invalid request body: "+err.Error())
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		writeErrorResponse(c, http.StatusBadRequest, ErrorCodeInvalidArgument, err.Error())
		return
	}
	var recipient common.Address
	if req.Recipient != "" {
		if recipient, err = parseAddress("recipient", req.Recipient); err != nil {
			writeErrorResponse(c, http.StatusBadRequest, ErrorCodeInvalidArgument, err.Error())
			return
		}
	}

	payload := &matching.ClaimInterestRequest{TokenID: tokenID, Caller: caller, Recipient: recipient}
	h.submitAndRespond(c, engine.CommandTypeClaimInterest, common.Hash{}, caller, payload)
}

// WithdrawFNFT handles POST /v1/fnfts/:id/withdraw
func (h *Handler) WithdrawFNFT(c *gin.Context) {
	tokenID, ok := tokenIDParam(c)
	if !ok {
		return
	}
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorResponse(c, http.StatusBadRequest, ErrorCodeInvalidArgument, "invalid request body: "+err.Error())
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		writeErrorResponse(c, http.StatusBadRequest, ErrorCodeInvalidArgument, err.Error())
		return
	}

	payload := &matching.WithdrawRequest{TokenID: tokenID, Caller: caller, Quantity: req.Quantity}
	h.submitAndRespond(c, engine.CommandTypeWithdrawFNFT, common.Hash{}, caller, payload)
}

// OwnerPositions handles GET /v1/owners/:addr/positions
func (h *Handler) OwnerPositions(c *gin.Context) {
	owner, err := parseAddress("owner", c.Param("addr"))
	if err != nil {
		writeErrorResponse(c, http.StatusBadRequest, ErrorCodeInvalidArgument, err.Error())
		return
	}
	limit, ok := limitQuery(c)
	if !ok {
		return
	}
	positions, err := h.positions.ListByOwner(c.Request.Context(), owner, limit)
	if err != nil {
		writeErrorResponse(c, http.StatusInternalServerError, ErrorCodeInternalError, err.Error())
		return
	}
	c.JSON(http.StatusOK, OwnerPositionsResponse{Owner: owner.Hex(), Positions: positions})
}

// OwnerOrders handles GET /v1/owners/:addr/orders
func (h *Handler) OwnerOrders(c *gin.Context) {
	owner, err := parseAddress("owner", c.Param("addr"))
	if err != nil {
		writeErrorResponse(c, http.StatusBadRequest, ErrorCodeInvalidArgument, err.Error())
		return
	}
	limit, ok := limitQuery(c)
	if !ok {
		return
	}
	orders, err := h.orders.ListByOwner(c.Request.Context(), owner, limit)
	if err != nil {
		writeErrorResponse(c, http.StatusInternalServerError, ErrorCodeInternalError, err.Error())
		return
	}
	c.JSON(http.StatusOK, OwnerOrdersResponse{Owner: owner.Hex(), Orders: orders})
}

// Helper functions

func (h *Handler) submitAndRespond(c *gin.Context, cmd engine.CommandType, poolID common.Hash, caller common.Address, payload any) {
	commandID, result, ok := h.submit(c, cmd, poolID, caller, payload)
	if !ok {
		return
	}
	res, ok := result.Result.(*matching.CommandResult)
	if !ok {
		writeErrorResponse(c, http.StatusInternalServerError, ErrorCodeInternalError, "invalid result type")
		return
	}
	c.JSON(http.StatusOK, toCommandResponse(commandID, res))
}

// submit wraps payload in an envelope and runs it. On failure the error
// response has already been written.
func (h *Handler) submit(c *gin.Context, cmd engine.CommandType, poolID common.Hash, caller common.Address, payload any) (string, *engine.CommandExecResult, bool) {
	payloadHash, err := engine.ComputePayloadHash(payload)
	if err != nil {
		writeErrorResponse(c, http.StatusInternalServerError, ErrorCodeInternalError, "failed to compute payload hash")
		return "", nil, false
	}

	envelope := &engine.CommandEnvelope{
		CommandID:      generateCommandID(),
		CommandType:    cmd,
		IdempotencyKey: strings.TrimSpace(c.GetHeader(IdempotencyKeyHeader)),
		PoolID:         poolID,
		Caller:         caller,
		PayloadHash:    payloadHash,
		Payload:        payload,
		CreatedAt:      time.Now(),
	}

	result := h.engine.Submit(c.Request.Context(), envelope)
	if result.ErrorCode != engine.ErrorCodeNone {
		h.logger.Debug("command rejected",
			zap.String("command_id", envelope.CommandID),
			zap.String("type", string(cmd)),
			zap.String("code", string(result.ErrorCode)),
			zap.Error(result.Err))
		statusCode, errResp := MapEngineErrorToHTTP(result.ErrorCode, result.Err)
		c.JSON(statusCode, errResp)
		return "", nil, false
	}
	return envelope.CommandID, result, true
}

func (h *Handler) read(c *gin.Context, fn engine.QueryFunc) (any, bool) {
	v, err := h.engine.Read(c.Request.Context(), fn)
	if err != nil {
		statusCode, errResp := MapEngineErrorToHTTP(engine.MapErrorCode(err), err)
		c.JSON(statusCode, errResp)
		return nil, false
	}
	return v, true
}

func parsePoolConfig(req *CreatePoolRequest) (*pool.Config, error) {
	input, err := parseAddress("input_asset", req.InputAsset)
	if err != nil {
		return nil, err
	}
	vaultAsset, err := parseAddress("vault_asset", req.VaultAsset)
	if err != nil {
		return nil, err
	}
	rate, err := fixedpoint.ParseRate(req.Rate)
	if err != nil {
		return nil, fmt.Errorf("invalid rate: %v", err)
	}
	addRate := fixedpoint.ZeroRate
	if req.AddInterestRate != "" {
		if addRate, err = fixedpoint.ParseRate(req.AddInterestRate); err != nil {
			return nil, fmt.Errorf("invalid add_interest_rate: %v", err)
		}
	}
	var expiry time.Duration
	if req.LockExpiry != "" {
		if expiry, err = time.ParseDuration(req.LockExpiry); err != nil {
			return nil, fmt.Errorf("invalid lock_expiry: %v", err)
		}
	}
	packet, err := parsePositiveAmount("packet_size", req.PacketSize)
	if err != nil {
		return nil, err
	}
	return &pool.Config{
		InputAsset:      input,
		VaultAsset:      vaultAsset,
		Rate:            rate,
		AddInterestRate: addRate,
		LockExpiry:      expiry,
		PacketSize:      packet,
		Name:            req.Name,
	}, nil
}

func parseSide(s string) (matching.Side, error) {
	side := matching.Side(strings.ToUpper(strings.TrimSpace(s)))
	if !side.IsValid() {
		return "", fmt.Errorf("side must be PRODUCER or CONSUMER")
	}
	return side, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid %s address", field)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%s must not be the zero address", field)
	}
	return addr, nil
}

func parsePositiveAmount(field, s string) (*big.Int, error) {
	v, err := fixedpoint.ParseAmount(s, 0)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %v", field, err)
	}
	if v.Sign() <= 0 {
		return nil, fmt.Errorf("%s must be positive", field)
	}
	return v, nil
}

func poolIDParam(c *gin.Context) (common.Hash, bool) {
	raw := c.Param("id")
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != common.HashLength {
		writeErrorResponse(c, http.StatusBadRequest, ErrorCodeInvalidArgument, "invalid pool id")
		return common.Hash{}, false
	}
	return common.BytesToHash(b), true
}

func tokenIDParam(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		writeErrorResponse(c, http.StatusBadRequest, ErrorCodeInvalidArgument, "invalid token id")
		return 0, false
	}
	return id, true
}

func limitQuery(c *gin.Context) (int, bool) {
	raw := c.DefaultQuery("limit", strconv.Itoa(defaultListLimit))
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		writeErrorResponse(c, http.StatusBadRequest, ErrorCodeInvalidArgument, "invalid limit")
		return 0, false
	}
	return limit, true
}

func generateCommandID() string {
	return "cmd_" + uuid.New().String()
}

func writeErrorResponse(c *gin.Context, statusCode int, code ErrorCode, message string) {
	c.JSON(statusCode, ErrorResponse{
		Code:    string(code),
		Message: message,
	})
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lending-engine/internal/account"
	"lending-engine/internal/engine"
	"lending-engine/internal/interest"
	"lending-engine/internal/matching"
	"lending-engine/internal/metrics"
	"lending-engine/internal/minter"
	"lending-engine/internal/oracle"
	"lending-engine/internal/pool"
	"lending-engine/internal/projection"
	"lending-engine/internal/vault"
)

var (
	usdc      = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	alice     = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	bob       = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	feeWallet = common.HexToAddress("0x0000000000000000000000000000000000000fee")
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router    *gin.Engine
	bank      *account.MemoryBank
	vault     *vault.MemoryVault
	minter    *minter.MemoryMinter
	positions *projection.MemoryPositionRepository
}

// commandResponse mirrors CommandResponse without the typed event bodies
type commandResponse struct {
	CommandID string `json:"command_id"`
	Events    []struct {
		Type     string `json:"type"`
		Sequence int64  `json:"sequence"`
	} `json:"events"`
	Positions []PositionDTO  `json:"positions"`
	Queued    *QueuedDTO     `json:"queued"`
	Interest  *QuoteResponse `json:"interest"`
}

func (r commandResponse) types() []string {
	out := make([]string, 0, len(r.Events))
	for _, e := range r.Events {
		out = append(out, e.Type)
	}
	return out
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	bank := account.NewMemoryBank()
	for _, owner := range []common.Address{alice, bob} {
		require.NoError(t, bank.Mint(owner, usdc, big.NewInt(1_000_000)))
	}
	m := minter.NewMemoryMinter()
	core, err := matching.NewCore(pool.NewRegistry(nil), bank, oracle.NewStaticOracle(), m, matching.Config{
		FeeWallet: feeWallet,
		Fees:      interest.FeeSchedule{Numerator: 9, Denominator: 10},
	}, nil)
	require.NoError(t, err)

	orders := projection.NewMemoryOrderRepository()
	positions := projection.NewMemoryPositionRepository()
	met := metrics.New()
	eng := engine.NewEngine(core, &engine.EngineConfig{QueueSize: 100, IdempotencyTTL: time.Hour},
		engine.WithMetrics(met),
		engine.WithSink("projection", projection.NewProjector(orders, positions)),
	)
	t.Cleanup(eng.Stop)

	v := vault.NewMemoryVault(bank, usdc, "usdc")
	res := eng.Submit(context.Background(), &engine.CommandEnvelope{
		CommandType: engine.CommandTypeBindAdapter,
		Payload:     &engine.BindAdapterRequest{VaultAsset: usdc, Adapter: v},
	})
	require.NoError(t, res.Err)

	return &testServer{
		router:    NewRouter(NewHandler(eng, orders, positions, nil), met.Handler(), nil),
		bank:      bank,
		vault:     v,
		minter:    m,
		positions: positions,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) createPool(t *testing.T) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/v1/pools", CreatePoolRequest{
		InputAsset: usdc.Hex(),
		VaultAsset: usdc.Hex(),
		Rate:       "0.05",
		PacketSize: "1000",
		Name:       "usdc",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Pool   PoolResponse    `json:"pool"`
		Result commandResponse `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "50", resp.Pool.Premium)
	assert.False(t, resp.Pool.CrossAsset)
	assert.Equal(t, []string{"PoolCreated"}, resp.Result.types())
	return resp.Pool.ID
}

func decodeCommand(t *testing.T, w *httptest.ResponseRecorder) commandResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp commandResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestLendingLifecycle(t *testing.T) {
	s := newTestServer(t)
	poolID := s.createPool(t)
	ordersPath := fmt.Sprintf("/v1/pools/%s/orders", poolID)

	// Two consumer packets wait for a producer
	consumer := decodeCommand(t, s.do(t, http.MethodPost, ordersPath, SubmitOrderRequest{
		Side: "consumer", Owner: alice.Hex(), Amount: "2000",
	}))
	require.NotNil(t, consumer.Queued)
	assert.Equal(t, "CONSUMER", consumer.Queued.Side)
	assert.Equal(t, uint64(2), consumer.Queued.Packets)
	assert.Equal(t, []string{"OrderQueued"}, consumer.types())

	// Three producer packets: two match, one rests
	producer := decodeCommand(t, s.do(t, http.MethodPost, ordersPath, SubmitOrderRequest{
		Side: "PRODUCER", Owner: bob.Hex(), Amount: "150",
	}))
	assert.Equal(t, []string{"PacketsMatched", "OrderQueued"}, producer.types())
	require.Len(t, producer.Positions, 1)
	pos := producer.Positions[0]
	assert.Equal(t, uint64(2), pos.Quantity)
	assert.Equal(t, "1000", pos.PrincipalPerPacket)
	// Alice escrowed 2000 and received 2×50 upfront
	assert.Equal(t, int64(998_100), s.bank.BalanceOf(alice, usdc).Int64())

	w := s.do(t, http.MethodGet, fmt.Sprintf("/v1/pools/%s/queues/producer", poolID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var queue QueueResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &queue))
	assert.Equal(t, uint64(1), queue.Depth)
	require.Len(t, queue.Orders, 1)
	assert.Equal(t, bob.Hex(), queue.Orders[0].Owner)

	// Vault yield makes interest claimable by the interest holder
	require.NoError(t, s.vault.Accrue(big.NewInt(200)))
	w = s.do(t, http.MethodGet, fmt.Sprintf("/v1/fnfts/%d/interest", pos.InterestID), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var quote QuoteResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &quote))
	assert.NotEqual(t, "0", quote.Interest)
	assert.Equal(t, uint64(2), quote.Packets)

	w = s.do(t, http.MethodPost, fmt.Sprintf("/v1/fnfts/%d/claim", pos.InterestID), ClaimRequest{Caller: alice.Hex()})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, string(ErrorCodeUnauthorized), decodeError(t, w).Code)

	claim := decodeCommand(t, s.do(t, http.MethodPost, fmt.Sprintf("/v1/fnfts/%d/claim", pos.InterestID), ClaimRequest{Caller: bob.Hex()}))
	assert.Equal(t, []string{"InterestClaimed"}, claim.types())
	require.NotNil(t, claim.Interest)
	assert.Equal(t, quote.InterestAfterFee, claim.Interest.InterestAfterFee)

	// The address-locked principal needs the interest holder's release
	withdrawPath := fmt.Sprintf("/v1/fnfts/%d/withdraw", pos.PrincipalID)
	w = s.do(t, http.MethodPost, withdrawPath, WithdrawRequest{Caller: alice.Hex(), Quantity: 2})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(ErrorCodeLockNotExpired), decodeError(t, w).Code)

	require.NoError(t, s.minter.Unlock(context.Background(), bob, pos.PrincipalID))
	withdraw := decodeCommand(t, s.do(t, http.MethodPost, withdrawPath, WithdrawRequest{Caller: alice.Hex(), Quantity: 2}))
	assert.Contains(t, withdraw.types(), "FNFTWithdrawn")

	w = s.do(t, http.MethodGet, fmt.Sprintf("/v1/owners/%s/positions", alice.Hex()), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var owned OwnerPositionsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &owned))
	require.Len(t, owned.Positions, 1)
	assert.Equal(t, projection.PositionStatusClosed, owned.Positions[0].Status)
	assert.Equal(t, uint64(0), owned.Positions[0].Quantity)

	w = s.do(t, http.MethodGet, fmt.Sprintf("/v1/owners/%s/orders", bob.Hex()), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var bobOrders OwnerOrdersResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bobOrders))
	require.Len(t, bobOrders.Orders, 1)
	assert.Equal(t, projection.OrderStatusQueued, bobOrders.Orders[0].Status)
}

func TestModifyOrder(t *testing.T) {
	s := newTestServer(t)
	poolID := s.createPool(t)

	queued := decodeCommand(t, s.do(t, http.MethodPost, fmt.Sprintf("/v1/pools/%s/orders", poolID), SubmitOrderRequest{
		Side: "CONSUMER", Owner: alice.Hex(), Amount: "3000",
	}))
	require.NotNil(t, queued.Queued)
	path := fmt.Sprintf("/v1/pools/%s/orders/%d", poolID, queued.Queued.Index)

	w := s.do(t, http.MethodPatch, path, ModifyOrderRequest{Side: "CONSUMER", Owner: bob.Hex(), Packets: 1})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPatch, path, ModifyOrderRequest{Side: "CONSUMER", Owner: alice.Hex(), Packets: 5})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(ErrorCodeQueueState), decodeError(t, w).Code)

	modified := decodeCommand(t, s.do(t, http.MethodPatch, path, ModifyOrderRequest{Side: "CONSUMER", Owner: alice.Hex(), Packets: 1}))
	assert.Equal(t, []string{"OrderModified"}, modified.types())
	assert.Equal(t, int64(998_000), s.bank.BalanceOf(alice, usdc).Int64())
}

func TestIdempotencyKeyHeader(t *testing.T) {
	s := newTestServer(t)
	poolID := s.createPool(t)
	path := fmt.Sprintf("/v1/pools/%s/orders", poolID)
	body := SubmitOrderRequest{Side: "CONSUMER", Owner: alice.Hex(), Amount: "1000"}

	first := decodeCommand(t, s.do(t, http.MethodPost, path, body, IdempotencyKeyHeader, "k1"))
	second := decodeCommand(t, s.do(t, http.MethodPost, path, body, IdempotencyKeyHeader, "k1"))
	assert.Equal(t, first.Queued, second.Queued)
	assert.Equal(t, int64(999_000), s.bank.BalanceOf(alice, usdc).Int64())

	body.Amount = "2000"
	w := s.do(t, http.MethodPost, path, body, IdempotencyKeyHeader, "k1")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(ErrorCodeDuplicateRequest), decodeError(t, w).Code)
}

func TestPoolEndpoints(t *testing.T) {
	s := newTestServer(t)
	poolID := s.createPool(t)

	w := s.do(t, http.MethodGet, "/v1/pools", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Pools []PoolResponse `json:"pools"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Pools, 1)
	assert.Equal(t, poolID, list.Pools[0].ID)

	w = s.do(t, http.MethodGet, "/v1/pools/"+poolID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/v1/pools/"+common.HexToHash("0x1234").Hex(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(ErrorCodePoolNotFound), decodeError(t, w).Code)

	w = s.do(t, http.MethodGet, "/v1/pools/"+poolID+"/reconcile", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"dust":"0"`)

	// Creating the same pool twice conflicts
	w = s.do(t, http.MethodPost, "/v1/pools", CreatePoolRequest{
		InputAsset: usdc.Hex(), VaultAsset: usdc.Hex(), Rate: "0.05", PacketSize: "1000", Name: "usdc",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "lending_commands_total")
}

func TestRequestValidation(t *testing.T) {
	s := newTestServer(t)
	poolID := s.createPool(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   ErrorCode
	}{
		{"bad pool id", http.MethodGet, "/v1/pools/xyz", nil, http.StatusBadRequest, ErrorCodeInvalidArgument},
		{"bad side", http.MethodGet, "/v1/pools/" + poolID + "/queues/maker", nil, http.StatusBadRequest, ErrorCodeInvalidArgument},
		{"rate too high", http.MethodPost, "/v1/pools", CreatePoolRequest{
			InputAsset: usdc.Hex(), VaultAsset: usdc.Hex(), Rate: "1", PacketSize: "1000", Name: "x",
		}, http.StatusBadRequest, ErrorCodeConfiguration},
		{"bad lock expiry", http.MethodPost, "/v1/pools", CreatePoolRequest{
			InputAsset: usdc.Hex(), VaultAsset: usdc.Hex(), Rate: "0.05", PacketSize: "1000", Name: "x", LockExpiry: "soon",
		}, http.StatusBadRequest, ErrorCodeInvalidArgument},
		{"missing fields", http.MethodPost, "/v1/pools/" + poolID + "/orders", map[string]string{"side": "PRODUCER"}, http.StatusBadRequest, ErrorCodeInvalidArgument},
		{"fractional amount", http.MethodPost, "/v1/pools/" + poolID + "/orders", SubmitOrderRequest{
			Side: "PRODUCER", Owner: bob.Hex(), Amount: "1.5",
		}, http.StatusBadRequest, ErrorCodeInvalidArgument},
		{"zero owner", http.MethodPost, "/v1/pools/" + poolID + "/orders", SubmitOrderRequest{
			Side: "PRODUCER", Owner: common.Address{}.Hex(), Amount: "100",
		}, http.StatusBadRequest, ErrorCodeInvalidArgument},
		{"not a packet multiple", http.MethodPost, "/v1/pools/" + poolID + "/orders", SubmitOrderRequest{
			Side: "CONSUMER", Owner: alice.Hex(), Amount: "999",
		}, http.StatusBadRequest, ErrorCodeInvalidArgument},
		{"insufficient balance", http.MethodPost, "/v1/pools/" + poolID + "/orders", SubmitOrderRequest{
			Side: "CONSUMER", Owner: alice.Hex(), Amount: "2000000",
		}, http.StatusBadRequest, ErrorCodeInsufficientBalance},
		{"bad token id", http.MethodGet, "/v1/fnfts/0/interest", nil, http.StatusBadRequest, ErrorCodeInvalidArgument},
		{"unknown token", http.MethodGet, "/v1/fnfts/42/interest", nil, http.StatusNotFound, ErrorCodeNotFound},
		{"zero quantity", http.MethodPost, "/v1/fnfts/1/withdraw", WithdrawRequest{Caller: alice.Hex()}, http.StatusBadRequest, ErrorCodeInvalidArgument},
		{"bad owner", http.MethodGet, "/v1/owners/nobody/positions", nil, http.StatusBadRequest, ErrorCodeInvalidArgument},
		{"bad limit", http.MethodGet, "/v1/owners/" + alice.Hex() + "/positions?limit=-1", nil, http.StatusBadRequest, ErrorCodeInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, string(tt.code), decodeError(t, w).Code)
		})
	}
}

func TestMapEngineErrorToHTTP(t *testing.T) {
	tests := []struct {
		code   engine.ErrorCode
		status int
		api    ErrorCode
	}{
		{engine.ErrorCodeInvalidArgument, http.StatusBadRequest, ErrorCodeInvalidArgument},
		{engine.ErrorCodePoolNotFound, http.StatusNotFound, ErrorCodePoolNotFound},
		{engine.ErrorCodeLockNotExpired, http.StatusConflict, ErrorCodeLockNotExpired},
		{engine.ErrorCodeReentrantCall, http.StatusConflict, ErrorCodeConflict},
		{engine.ErrorCodeUnauthorized, http.StatusForbidden, ErrorCodeUnauthorized},
		{engine.ErrorCodeUnavailable, http.StatusServiceUnavailable, ErrorCodeUnavailable},
		{engine.ErrorCodeInternalError, http.StatusInternalServerError, ErrorCodeInternalError},
	}
	for _, tt := range tests {
		status, resp := MapEngineErrorToHTTP(tt.code, nil)
		assert.Equal(t, tt.status, status, tt.code)
		assert.Equal(t, string(tt.api), resp.Code)
		assert.NotEmpty(t, resp.Message)
	}

	status, resp := MapEngineErrorToHTTP(engine.ErrorCodeNone, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, resp.Code)
}

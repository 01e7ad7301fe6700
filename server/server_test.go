package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/HilliamT/morpho-v1/morpho"
	"github.com/HilliamT/morpho-v1/oracle"
	"github.com/HilliamT/morpho-v1/pool"
	"github.com/HilliamT/morpho-v1/store"
)

var (
	marketUSD = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	marketETH = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	alice     = common.HexToAddress("0x0000000000000000000000000000000000000001")
	bob       = common.HexToAddress("0x0000000000000000000000000000000000000002")
)

func wadAmount(units int64) *big.Int {
	scale, _ := new(big.Int).SetString("1000000000000000000", 10)
	return new(big.Int).Mul(big.NewInt(units), scale)
}

type testServer struct {
	server *Server
	router http.Handler
	db     *store.MemDB
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	simPool := pool.NewSimulatedPool()
	staticOracle := oracle.NewStaticOracle()
	wad := wadAmount(1)
	for _, market := range []common.Address{marketUSD, marketETH} {
		require.NoError(t, simPool.CreateMarket(market, pool.MarketConfig{}))
		require.NoError(t, staticOracle.SetPrice(market, wad))
	}

	engine := morpho.NewEngine(simPool, staticOracle, morpho.RiskParameters{
		CloseFactorBps:          5_000,
		LiquidationIncentiveBps: 10_800,
	})
	params := morpho.MarketParams{CollateralFactorBps: 8_000, P2PCursorBps: 5_000}
	for _, market := range []common.Address{marketUSD, marketETH} {
		require.NoError(t, engine.CreateMarket(market, params))
	}

	db := store.NewMemDB()
	srv := New(engine, store.NewSnapshotStore(db), cfg, nil)
	return &testServer{server: srv, router: srv.Router(), db: db}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func defaultConfig() Config {
	return Config{
		ListenAddress:  ":0",
		RequestTimeout: 5 * time.Second,
		RateLimit:      RateLimitConfig{RequestsPerMinute: 0},
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, defaultConfig())
	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestSupplyUpdatesPositionAndPersists(t *testing.T) {
	ts := newTestServer(t, defaultConfig())

	rec := ts.do(t, http.MethodPost, "/v1/markets/"+marketUSD.Hex()+"/supply", actionRequest{
		User:   alice.Hex(),
		Amount: wadAmount(100).String(),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var position positionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &position))
	require.Equal(t, wadAmount(100).String(), position.SupplyOnPool)
	require.Equal(t, "0", position.SupplyInP2P)

	// The snapshot landed in the store.
	snapshots, err := store.NewSnapshotStore(ts.db).Load()
	require.NoError(t, err)
	require.Len(t, snapshots, 2)
	var found bool
	for _, snapshot := range snapshots {
		if snapshot.Market == marketUSD {
			require.Len(t, snapshot.Users, 1)
			require.Equal(t, alice, snapshot.Users[0].User)
			found = true
		}
	}
	require.True(t, found)
}

func TestBorrowMatchesSupplier(t *testing.T) {
	ts := newTestServer(t, defaultConfig())
	rec := ts.do(t, http.MethodPost, "/v1/markets/"+marketUSD.Hex()+"/supply", actionRequest{
		User: alice.Hex(), Amount: wadAmount(100).String(),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, http.MethodPost, "/v1/markets/"+marketETH.Hex()+"/supply", actionRequest{
		User: bob.Hex(), Amount: wadAmount(200).String(),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/markets/"+marketUSD.Hex()+"/borrow", actionRequest{
		User: bob.Hex(), Amount: wadAmount(50).String(),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var position positionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &position))
	require.Equal(t, wadAmount(50).String(), position.BorrowInP2P)
	require.Equal(t, "0", position.BorrowOnPool)

	rec = ts.do(t, http.MethodGet, "/v1/markets/"+marketUSD.Hex(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var market marketResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &market))
	require.Equal(t, wadAmount(50).String(), market.P2PBorrowAmount)
}

func TestBorrowBeyondCollateralRejected(t *testing.T) {
	ts := newTestServer(t, defaultConfig())
	rec := ts.do(t, http.MethodPost, "/v1/markets/"+marketETH.Hex()+"/supply", actionRequest{
		User: bob.Hex(), Amount: wadAmount(100).String(),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/markets/"+marketUSD.Hex()+"/borrow", actionRequest{
		User: bob.Hex(), Amount: wadAmount(81).String(),
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestValidationErrors(t *testing.T) {
	ts := newTestServer(t, defaultConfig())

	rec := ts.do(t, http.MethodPost, "/v1/markets/not-an-address/supply", actionRequest{
		User: alice.Hex(), Amount: "10",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/markets/"+marketUSD.Hex()+"/supply", actionRequest{
		User: "nope", Amount: "10",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/markets/"+marketUSD.Hex()+"/supply", actionRequest{
		User: alice.Hex(), Amount: "-5",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/markets/"+common.HexToAddress("0xdead").Hex(), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPausedMarketConflict(t *testing.T) {
	ts := newTestServer(t, defaultConfig())
	rec := ts.do(t, http.MethodPost, "/v1/markets/"+marketUSD.Hex()+"/pauses", pausesRequest{Supply: true})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/markets/"+marketUSD.Hex()+"/supply", actionRequest{
		User: alice.Hex(), Amount: wadAmount(10).String(),
	})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestLiquidationFlow(t *testing.T) {
	ts := newTestServer(t, defaultConfig())
	rec := ts.do(t, http.MethodPost, "/v1/markets/"+marketETH.Hex()+"/supply", actionRequest{
		User: bob.Hex(), Amount: wadAmount(100).String(),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, http.MethodPost, "/v1/markets/"+marketUSD.Hex()+"/borrow", actionRequest{
		User: bob.Hex(), Amount: wadAmount(40).String(),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// Bob is healthy, so the liquidation is rejected as unprocessable.
	rec = ts.do(t, http.MethodPost, "/v1/liquidations", liquidationRequest{
		BorrowedMarket:   marketUSD.Hex(),
		CollateralMarket: marketETH.Hex(),
		Borrower:         bob.Hex(),
		Liquidator:       alice.Hex(),
		Amount:           wadAmount(10).String(),
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, defaultConfig())
	rec := ts.do(t, http.MethodPost, "/v1/markets/"+marketETH.Hex()+"/supply", actionRequest{
		User: bob.Hex(), Amount: wadAmount(100).String(),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/users/"+bob.Hex()+"/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.Equal(t, "0", health["debtValue"])
	require.Equal(t, wadAmount(80).String(), health["maxDebtValue"])
}

func TestRateLimiting(t *testing.T) {
	cfg := defaultConfig()
	cfg.RateLimit = RateLimitConfig{RequestsPerMinute: 60, Burst: 1}
	ts := newTestServer(t, cfg)

	first := ts.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, first.Code)
	second := ts.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestConcurrentQueriesDuringMutations(t *testing.T) {
	ts := newTestServer(t, defaultConfig())
	payload, err := json.Marshal(actionRequest{User: alice.Hex(), Amount: wadAmount(1).String()})
	require.NoError(t, err)

	// Mutations and reads share the server mutex; interleaving them must not
	// trip the race detector or surface errors.
	const iterations = 50
	codes := make(chan int, iterations*2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			req := httptest.NewRequest(http.MethodPost, "/v1/markets/"+marketUSD.Hex()+"/supply", bytes.NewReader(payload))
			rec := httptest.NewRecorder()
			ts.router.ServeHTTP(rec, req)
			codes <- rec.Code
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			req := httptest.NewRequest(http.MethodGet, "/v1/markets/"+marketUSD.Hex(), nil)
			rec := httptest.NewRecorder()
			ts.router.ServeHTTP(rec, req)
			codes <- rec.Code
		}
	}()
	wg.Wait()
	close(codes)
	for code := range codes {
		require.Equal(t, http.StatusOK, code)
	}
}

func TestBodyLimitAndUnknownFields(t *testing.T) {
	ts := newTestServer(t, defaultConfig())
	req := httptest.NewRequest(http.MethodPost, "/v1/markets/"+marketUSD.Hex()+"/supply",
		bytes.NewReader([]byte(fmt.Sprintf(`{"user":%q,"amount":"10","bogus":true}`, alice.Hex()))))
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

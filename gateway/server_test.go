package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/TammyLattimore/bloom-focus-chain/auth"
	"github.com/TammyLattimore/bloom-focus-chain/core"
	"github.com/TammyLattimore/bloom-focus-chain/gateway"
)

var (
	gwContract = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	gwOwner    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

// stubLedger reports null handles, so a refresh seeds zero counters and the
// view is immediately decrypted. Mutations confirm instantly.
type stubLedger struct{}

func (stubLedger) Handle(context.Context, core.Kind) (core.Handle, error) {
	return core.NullHandle, nil
}

func (stubLedger) Submit(context.Context, core.OpKind, *core.CiphertextInput) (common.Hash, error) {
	return common.HexToHash("0x01"), nil
}

func (stubLedger) AwaitConfirmation(context.Context, common.Hash) error {
	return nil
}

type stubDecryptor struct{}

func (stubDecryptor) Resolve(context.Context, []core.HandlePair, auth.Artifact) (map[core.Handle]uint64, error) {
	return map[core.Handle]uint64{}, nil
}

type stubEncryptor struct{}

func (stubEncryptor) Encrypt(context.Context, common.Address, common.Address, uint64) (core.CiphertextInput, error) {
	return core.CiphertextInput{Handle: core.Handle{0x01}, Proof: []byte{0x02}}, nil
}

type stubAuthSigner struct{}

func (stubAuthSigner) Sign(_ context.Context, owner common.Address, contracts []common.Address) (auth.Artifact, error) {
	return auth.Artifact{
		Owner:     owner,
		Contracts: contracts,
		Signature: []byte{0x01},
		IssuedAt:  time.Now(),
		ValidDays: auth.DefaultValidDays,
	}, nil
}

func newTestEngine(t *testing.T) *core.Engine {
	t.Helper()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine, err := core.NewEngine(stubLedger{}, stubDecryptor{}, stubEncryptor{}, stubAuthSigner{},
		core.WithLogger(quiet))
	require.NoError(t, err)
	engine.ActivateAt(31337, gwContract, gwOwner)
	return engine
}

func getSnapshot(t *testing.T, body io.Reader) core.Snapshot {
	t.Helper()
	var snap core.Snapshot
	require.NoError(t, json.NewDecoder(body).Decode(&snap))
	return snap
}

func TestHealthz(t *testing.T) {
	server := httptest.NewServer(gateway.NewServer(newTestEngine(t)).Router())
	defer server.Close()

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}

func TestStatusReturnsSnapshot(t *testing.T) {
	server := httptest.NewServer(gateway.NewServer(newTestEngine(t)).Router())
	defer server.Close()

	resp, err := http.Get(server.URL + "/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	snap := getSnapshot(t, resp.Body)
	require.True(t, snap.Active)
	require.Equal(t, gwOwner.Hex(), snap.Owner)
	require.False(t, snap.HasData)
}

func TestRefreshSeedsFreshOwner(t *testing.T) {
	server := httptest.NewServer(gateway.NewServer(newTestEngine(t)).Router())
	defer server.Close()

	resp, err := http.Post(server.URL+"/v1/refresh", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	snap := getSnapshot(t, resp.Body)
	require.True(t, snap.Decrypted)
	for _, kind := range core.Kinds {
		value := snap.Counters[kind.String()]
		require.NotNil(t, value)
		require.Zero(t, *value)
	}
}

func TestLogSessionValidation(t *testing.T) {
	server := httptest.NewServer(gateway.NewServer(newTestEngine(t)).Router())
	defer server.Close()

	for _, body := range []string{`{"minutes":0}`, `not json`} {
		resp, err := http.Post(server.URL+"/v1/sessions", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

func TestLogSessionRunsMutation(t *testing.T) {
	server := httptest.NewServer(gateway.NewServer(newTestEngine(t)).Router())
	defer server.Close()

	resp, err := http.Post(server.URL+"/v1/sessions", "application/json",
		bytes.NewReader([]byte(`{"minutes":25}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, getSnapshot(t, resp.Body).Active)
}

func TestInactiveEngineIsPreconditionFailed(t *testing.T) {
	engine := newTestEngine(t)
	engine.Deactivate()
	server := httptest.NewServer(gateway.NewServer(engine).Router())
	defer server.Close()

	resp, err := http.Post(server.URL+"/v1/decrypt", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
}

func TestBearerAuthentication(t *testing.T) {
	const secret = "gateway-test-secret"
	authn, err := gateway.NewAuthenticator(gateway.AuthConfig{
		HMACSecret: secret,
		Issuer:     "bloomd",
	}, nil)
	require.NoError(t, err)

	server := httptest.NewServer(gateway.NewServer(newTestEngine(t), gateway.WithAuthenticator(authn)).Router())
	defer server.Close()

	resp, err := http.Get(server.URL + "/v1/status")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "bloomd",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, server.URL+"/v1/status", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+signed)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	wrong := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "bloomd",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	badSigned, err := wrong.SignedString([]byte("some other secret"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+badSigned)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Health stays open regardless.
	resp, err = http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMutationRateLimit(t *testing.T) {
	limiter := gateway.NewRateLimiter(gateway.RateLimit{RequestsPerMinute: 60, Burst: 1}, nil)
	server := httptest.NewServer(gateway.NewServer(newTestEngine(t), gateway.WithRateLimiter(limiter)).Router())
	defer server.Close()

	post := func() int {
		resp, err := http.Post(server.URL+"/v1/sessions", "application/json",
			strings.NewReader(`{"minutes":25}`))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	require.Equal(t, http.StatusOK, post())
	require.Equal(t, http.StatusTooManyRequests, post())

	// Reads are never limited.
	resp, err := http.Get(server.URL + "/v1/status")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStreamDeliversSnapshots(t *testing.T) {
	engine := newTestEngine(t)
	server := httptest.NewServer(gateway.NewServer(engine).Router())
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var first core.Snapshot
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	require.True(t, first.Active)

	engine.Refresh(context.Background())

	var next core.Snapshot
	for {
		require.NoError(t, wsjson.Read(ctx, conn, &next))
		if next.Decrypted && !next.Refreshing {
			break
		}
	}
}

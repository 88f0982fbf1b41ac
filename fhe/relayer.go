// Package fhe provides the encryption and decryption capabilities consumed
// by the synchronization engine, implemented against a coprocessor relayer's
// REST API. The cryptographic scheme itself is opaque to this client: it
// moves handles, ciphertexts and proofs, never key material beyond the
// artifact it is handed.
package fhe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/TammyLattimore/bloom-focus-chain/auth"
	"github.com/TammyLattimore/bloom-focus-chain/core"
	cerrors "github.com/TammyLattimore/bloom-focus-chain/core/errors"
)

// RelayerClient talks to the coprocessor relayer. It implements both
// core.Encryptor and core.Decryptor.
type RelayerClient struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// RelayerOption mutates the client configuration during construction.
type RelayerOption func(*RelayerClient)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(httpClient *http.Client) RelayerOption {
	return func(c *RelayerClient) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// NewRelayerClient constructs a client pointed at the relayer base URL.
func NewRelayerClient(baseURL string, opts ...RelayerOption) (*RelayerClient, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("fhe: relayer base URL required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("fhe: invalid relayer base URL: %w", err)
	}
	client := &RelayerClient{
		baseURL:    parsed,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

type inputProofRequest struct {
	ContractAddress string `json:"contractAddress"`
	OwnerAddress    string `json:"ownerAddress"`
	Value           uint64 `json:"value"`
}

type inputProofResponse struct {
	Handle     string `json:"handle"`
	InputProof string `json:"inputProof"`
}

// Encrypt registers value with the coprocessor and returns the ciphertext
// handle plus the attestation proof the ledger contract verifies.
func (c *RelayerClient) Encrypt(ctx context.Context, contract, owner common.Address, value uint64) (core.CiphertextInput, error) {
	var resp inputProofResponse
	err := c.post(ctx, "/v1/input-proofs", inputProofRequest{
		ContractAddress: contract.Hex(),
		OwnerAddress:    owner.Hex(),
		Value:           value,
	}, &resp)
	if err != nil {
		return core.CiphertextInput{}, err
	}
	handle, err := core.HandleFromHex(resp.Handle)
	if err != nil {
		return core.CiphertextInput{}, cerrors.Newf(cerrors.KindMalformedProof, "fhe.Encrypt",
			"relayer returned bad handle: %v", err)
	}
	proof, err := hexutil.Decode(resp.InputProof)
	if err != nil {
		return core.CiphertextInput{}, cerrors.Newf(cerrors.KindMalformedProof, "fhe.Encrypt",
			"relayer returned bad proof: %v", err)
	}
	return core.CiphertextInput{Handle: handle, Proof: proof}, nil
}

type decryptHandle struct {
	Handle          string `json:"handle"`
	ContractAddress string `json:"contractAddress"`
}

type decryptAuthorization struct {
	Owner     string   `json:"owner"`
	Contracts []string `json:"contracts"`
	PublicKey string   `json:"publicKey"`
	Signature string   `json:"signature"`
	IssuedAt  int64    `json:"issuedAt"`
	ValidDays int      `json:"validDays"`
}

type userDecryptRequest struct {
	Handles       []decryptHandle      `json:"handles"`
	Authorization decryptAuthorization `json:"authorization"`
}

type userDecryptResponse struct {
	Values map[string]string `json:"values"`
}

// Resolve decrypts the given handles under the owner's authorization
// artifact, returning a clear value per handle. The artifact's ephemeral
// private key never leaves this process.
func (c *RelayerClient) Resolve(ctx context.Context, pairs []core.HandlePair, artifact auth.Artifact) (map[core.Handle]uint64, error) {
	req := userDecryptRequest{
		Handles: make([]decryptHandle, 0, len(pairs)),
		Authorization: decryptAuthorization{
			Owner:     artifact.Owner.Hex(),
			PublicKey: hexutil.Encode(artifact.PublicKey),
			Signature: hexutil.Encode(artifact.Signature),
			IssuedAt:  artifact.IssuedAt.Unix(),
			ValidDays: artifact.ValidDays,
		},
	}
	for _, contract := range artifact.Contracts {
		req.Authorization.Contracts = append(req.Authorization.Contracts, contract.Hex())
	}
	for _, pair := range pairs {
		req.Handles = append(req.Handles, decryptHandle{
			Handle:          pair.Handle.Hex(),
			ContractAddress: pair.Contract.Hex(),
		})
	}

	var resp userDecryptResponse
	if err := c.post(ctx, "/v1/user-decrypts", req, &resp); err != nil {
		return nil, err
	}

	values := make(map[core.Handle]uint64, len(resp.Values))
	for handleHex, valueText := range resp.Values {
		handle, err := core.HandleFromHex(handleHex)
		if err != nil {
			return nil, cerrors.Newf(cerrors.KindMalformedProof, "fhe.Resolve",
				"relayer returned bad handle %q: %v", handleHex, err)
		}
		value, err := strconv.ParseUint(valueText, 10, 64)
		if err != nil {
			return nil, cerrors.Newf(cerrors.KindMalformedProof, "fhe.Resolve",
				"relayer returned non-integer value for %s: %v", handleHex, err)
		}
		values[handle] = value
	}
	return values, nil
}

func (c *RelayerClient) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("fhe: encode request: %w", err)
	}
	endpoint := c.baseURL.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("fhe: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return cerrors.New(cerrors.KindNetwork, "fhe"+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return classifyStatus(path, resp.StatusCode, string(snippet))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return cerrors.Newf(cerrors.KindNetwork, "fhe"+path, "decode response: %v", err)
	}
	return nil
}

// classifyStatus maps relayer HTTP statuses onto the typed taxonomy.
func classifyStatus(path string, status int, body string) error {
	op := "fhe" + path
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return cerrors.Newf(cerrors.KindPermission, op, "relayer refused: %s", strings.TrimSpace(body))
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return cerrors.Newf(cerrors.KindMalformedProof, op, "relayer rejected payload: %s", strings.TrimSpace(body))
	default:
		return cerrors.Newf(cerrors.KindNetwork, op, "relayer returned status %d", status)
	}
}

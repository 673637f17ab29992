package prover

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/stateproof"
)

const (
	proofPath = "/v1/state-proof"

	// Proof generation on the service side can take a while.
	DefaultTimeout = 2 * time.Minute
)

// ErrNoProof is returned when the prover knows no balance for the request.
var ErrNoProof = errors.New("prover has no proof for request")

// HTTPClient talks to a remote prover over JSON/HTTP.
type HTTPClient struct {
	logger  *zap.Logger
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPClient returns a client for the prover at baseURL, issuing at most rps requests per second.
func NewHTTPClient(logger *zap.Logger, baseURL string, timeout time.Duration, rps float64) *HTTPClient {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClient{
		logger:  logger.With(zap.String("component", "prover"), zap.String("url", baseURL)),
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

func (c *HTTPClient) GetStateProof(ctx context.Context, req *Request) (*stateproof.ChainStateProof, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, common.NewTransientError("prover rate limit", err)
	}

	body, err := json.Marshal(encodeRequest(req))
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+proofPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, common.NewTransientError("prover request", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, common.NewTransientError("prover response", err)
	}

	c.logger.Debug("prover responded",
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
		zap.Stringer("depositAddress", req.DepositAddress))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNoProof
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, common.NewTransientError("prover request", fmt.Errorf("status %d: %s", resp.StatusCode, raw))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("prover rejected request: status %d: %s", resp.StatusCode, raw)
	}

	var out proofResponseJSON
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode prover response: %w", err)
	}
	return decodeProof(&out)
}

// Handler serves a Client over HTTP, the counterpart of HTTPClient.
func Handler(logger *zap.Logger, backend Client) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(proofPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var in proofRequestJSON
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&in); err != nil {
			writeJSON(w, http.StatusBadRequest, &proofResponseJSON{Error: err.Error()})
			return
		}
		req, err := decodeRequest(&in)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, &proofResponseJSON{Error: err.Error()})
			return
		}
		proof, err := backend.GetStateProof(r.Context(), req)
		switch {
		case errors.Is(err, ErrNoProof):
			writeJSON(w, http.StatusNotFound, &proofResponseJSON{Error: err.Error()})
		case err != nil:
			logger.Error("failed to produce state proof", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, &proofResponseJSON{Error: err.Error()})
		default:
			writeJSON(w, http.StatusOK, encodeProof(proof))
		}
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package attestor

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
)

const (
	attestPath   = "/v1/attest"
	apiKeyHeader = "X-Api-Key"

	DefaultTimeout = 30 * time.Second
)

// ErrUnknownDeposit is returned when the attestor knows no deposit for the request.
var ErrUnknownDeposit = errors.New("attestor knows no matching deposit")

// Request asks for an attestation binding UnspendableAddress to Beneficiary.
type Request struct {
	UnspendableAddress ethcommon.Address
	Beneficiary        ethcommon.Address
	DestinationChainID common.UniversalChainID
}

// Client obtains attestations. Transport failures and timeouts are returned as
// *common.TransientError.
type Client interface {
	GetAttestation(ctx context.Context, req *Request) (*Attestation, error)
}

type attestRequestJSON struct {
	UnspendableAddress string `json:"unspendableAddress"`
	Beneficiary        string `json:"beneficiary"`
	DestinationChainID string `json:"destinationChainId"`
}

// HTTPClient talks to a remote attestor service.
type HTTPClient struct {
	logger  *zap.Logger
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

func NewHTTPClient(logger *zap.Logger, baseURL, apiKey string, timeout time.Duration, rps float64) *HTTPClient {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClient{
		logger:  logger.With(zap.String("component", "attestor"), zap.String("url", baseURL)),
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

func (c *HTTPClient) GetAttestation(ctx context.Context, req *Request) (*Attestation, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, common.NewTransientError("attestor rate limit", err)
	}

	body, err := json.Marshal(&attestRequestJSON{
		UnspendableAddress: req.UnspendableAddress.Hex(),
		Beneficiary:        req.Beneficiary.Hex(),
		DestinationChainID: string(req.DestinationChainID),
	})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+attestPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, common.NewTransientError("attestor request", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, common.NewTransientError("attestor response", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrUnknownDeposit
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, common.NewTransientError("attestor request", fmt.Errorf("status %d: %s", resp.StatusCode, raw))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("attestor rejected request: status %d: %s", resp.StatusCode, gjson.GetBytes(raw, "error").String())
	}

	encoded := gjson.GetBytes(raw, "attestation")
	if !encoded.Exists() {
		return nil, errors.New("attestor response has no attestation")
	}
	data, err := hex.DecodeString(strings.TrimPrefix(encoded.String(), "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to decode attestation: %w", err)
	}
	a, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("received attestation",
		zap.Stringer("unspendableAddress", a.UnspendableAddress),
		zap.Int("signatures", len(a.Signatures)),
		zap.Uint32("attestorSet", a.AttestorSetIndex))
	return a, nil
}

// Handler serves a Client over HTTP. Requests must carry apiKey when it is not empty.
func Handler(logger *zap.Logger, apiKey string, backend Client) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(attestPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if apiKey != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(apiKeyHeader)), []byte(apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		var in attestRequestJSON
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !ethcommon.IsHexAddress(in.UnspendableAddress) || !ethcommon.IsHexAddress(in.Beneficiary) {
			writeError(w, http.StatusBadRequest, "invalid address")
			return
		}
		dst, err := common.ParseUniversalChainID(in.DestinationChainID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		a, err := backend.GetAttestation(r.Context(), &Request{
			UnspendableAddress: ethcommon.HexToAddress(in.UnspendableAddress),
			Beneficiary:        ethcommon.HexToAddress(in.Beneficiary),
			DestinationChainID: dst,
		})
		if errors.Is(err, ErrUnknownDeposit) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			logger.Error("failed to attest", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		data, err := a.Marshal()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"attestation": "0x" + hex.EncodeToString(data)})
	})
	return mux
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Package settlement is the settlement-chain adapter. Reads go to a
// Hiro-style indexer API; transfers and contract calls are signed and
// broadcast by a signing gateway that holds the treasury keys.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
	ratelimit "golang.org/x/time/rate"

	"github.com/chainsafe/trichain-bridge/pkg/chain"
	"github.com/chainsafe/trichain-bridge/pkg/config"
	"github.com/chainsafe/trichain-bridge/pkg/transfer"
)

const (
	defaultHTTPTimeout = 15 * time.Second
	maxResponseBytes   = 4 << 20
)

var errNotFound = errors.New("not found")

// Client represents a settlement-chain client
type Client struct {
	apiURL      string
	apiKey      string
	signerURL   string
	signerToken string
	transferFee uint64
	http        *http.Client
	limiter     *ratelimit.Limiter
	attempts    uint
	retryDelay  time.Duration
	logger      *zap.Logger
}

// New creates a Client from cfg. Without a signer URL the client is read-only.
func New(cfg *config.SettlementConfig, logger *zap.Logger) *Client {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	return &Client{
		apiURL:      strings.TrimRight(cfg.APIURL, "/"),
		apiKey:      cfg.APIKey,
		signerURL:   strings.TrimRight(cfg.SignerURL, "/"),
		signerToken: cfg.SignerToken,
		transferFee: cfg.TransferFee,
		http:        &http.Client{Timeout: defaultHTTPTimeout},
		limiter:     ratelimit.NewLimiter(ratelimit.Limit(rps), int(rps)+1),
		attempts:    3,
		retryDelay:  500 * time.Millisecond,
		logger:      logger.With(zap.String("chain", string(transfer.ChainSettlement))),
	}
}

// ID returns the chain this client serves.
func (c *Client) ID() transfer.ChainID { return transfer.ChainSettlement }

type balancesResponse struct {
	STX struct {
		Balance string `json:"balance"`
	} `json:"stx"`
	FungibleTokens map[string]struct {
		Balance string `json:"balance"`
	} `json:"fungible_tokens"`
}

// Balance reads the native balance or the fungible-token balance of
// asset.ContractAddress.asset.ContractName. A token the account never held
// has a zero balance.
func (c *Client) Balance(ctx context.Context, account string, asset transfer.AssetConfig) (*big.Int, error) {
	var out balancesResponse
	if err := c.apiGet(ctx, "/extended/v1/address/"+url.PathEscape(account)+"/balances", &out); err != nil {
		return nil, fmt.Errorf("failed to get balances of %s: %w", account, err)
	}

	raw := out.STX.Balance
	if asset.Kind != transfer.AssetNative {
		raw = "0"
		prefix := asset.ContractAddress + "." + asset.ContractName + "::"
		for id, ft := range out.FungibleTokens {
			if strings.HasPrefix(id, prefix) {
				raw = ft.Balance
				break
			}
		}
	}
	bal, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid balance %q for %s", raw, account)
	}
	return bal, nil
}

type infoResponse struct {
	TipHeight uint64 `json:"stacks_tip_height"`
}

// TipHeight returns the current chain height.
func (c *Client) TipHeight(ctx context.Context) (uint64, error) {
	var out infoResponse
	if err := c.apiGet(ctx, "/v2/info", &out); err != nil {
		return 0, fmt.Errorf("failed to get chain info: %w", err)
	}
	return out.TipHeight, nil
}

type txResponse struct {
	TxID     string `json:"tx_id"`
	TxStatus string `json:"tx_status"`
}

// TxStatus maps the indexer's tx_status onto a chain.TxStatus. A transaction
// the indexer has not seen yet is pending.
func (c *Client) TxStatus(ctx context.Context, txID string) (chain.TxStatus, error) {
	var out txResponse
	err := c.apiGet(ctx, "/extended/v1/tx/"+url.PathEscape(txID), &out)
	if errors.Is(err, errNotFound) {
		return chain.TxPending, nil
	}
	if err != nil {
		return chain.TxPending, fmt.Errorf("failed to get status of %s: %w", txID, err)
	}
	return mapStatus(out.TxStatus), nil
}

func mapStatus(s string) chain.TxStatus {
	switch {
	case s == "success":
		return chain.TxSuccess
	case strings.HasPrefix(s, "abort"):
		return chain.TxAborted
	case strings.HasPrefix(s, "dropped"):
		return chain.TxRejected
	default:
		return chain.TxPending
	}
}

type transferRequest struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Fee       string `json:"fee"`
}

type contractCallRequest struct {
	Sender          string       `json:"sender"`
	ContractAddress string       `json:"contract_address"`
	ContractName    string       `json:"contract_name"`
	FunctionName    string       `json:"function_name"`
	Args            []ClarityArg `json:"args"`
	Fee             string       `json:"fee"`
}

type submitResponse struct {
	TxID string `json:"txid"`
}

// SubmitNativeTransfer asks the signing gateway to transfer amount from the
// treasury account from.
func (c *Client) SubmitNativeTransfer(ctx context.Context, from, to string, amount *big.Int) (string, error) {
	if c.signerURL == "" {
		return "", chain.ErrReadOnly
	}
	req := transferRequest{
		Sender:    from,
		Recipient: to,
		Amount:    amount.String(),
		Fee:       new(big.Int).SetUint64(c.transferFee).String(),
	}
	return c.submit(ctx, "/v1/transfers", req)
}

// SubmitContractCall asks the signing gateway to call call.Function on
// call.Contract.call.Name. Arguments are encoded with EncodeArgs.
func (c *Client) SubmitContractCall(ctx context.Context, call chain.ContractCall) (string, error) {
	if c.signerURL == "" {
		return "", chain.ErrReadOnly
	}
	if call.Name == "" {
		return "", fmt.Errorf("contract name is required for %s", call.Contract)
	}
	args, err := EncodeArgs(call.Args)
	if err != nil {
		return "", err
	}
	fee := new(big.Int).SetUint64(c.transferFee)
	if call.Fee != nil {
		fee = call.Fee
	}
	req := contractCallRequest{
		Sender:          call.Sender,
		ContractAddress: call.Contract,
		ContractName:    call.Name,
		FunctionName:    call.Function,
		Args:            args,
		Fee:             fee.String(),
	}
	return c.submit(ctx, "/v1/contract-calls", req)
}

func (c *Client) submit(ctx context.Context, path string, body any) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}
	var out submitResponse
	// broadcasts are not retried: a timeout after acceptance would double-spend
	headers := map[string]string{}
	if c.signerToken != "" {
		headers["Authorization"] = "Bearer " + c.signerToken
	}
	if err := c.do(ctx, http.MethodPost, c.signerURL+path, headers, payload, &out, 1); err != nil {
		if errors.Is(err, errNotFound) {
			return "", fmt.Errorf("%w %v", chain.ErrUnknownSender, err)
		}
		var (
			unanswered *unansweredError
			status     *statusError
		)
		if errors.As(err, &unanswered) || (errors.As(err, &status) && status.Code >= 500) {
			return "", &chain.BroadcastError{Err: fmt.Errorf("signing gateway: %w", err)}
		}
		return "", fmt.Errorf("signing gateway rejected request: %w", err)
	}
	if out.TxID == "" {
		return "", errors.New("signing gateway returned no txid")
	}
	c.logger.Info("Transaction sent", zap.String("tx_id", out.TxID), zap.String("path", path))
	return out.TxID, nil
}

func (c *Client) apiGet(ctx context.Context, path string, out any) error {
	headers := map[string]string{}
	if c.apiKey != "" {
		headers["x-api-key"] = c.apiKey
	}
	return c.do(ctx, http.MethodGet, c.apiURL+path, headers, nil, out, c.attempts)
}

func (c *Client) do(ctx context.Context, method, target string, headers map[string]string, body []byte, out any, attempts uint) error {
	return retry.Do(
		func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(fmt.Errorf("failed to wait on limiter: %w", err))
			}
			return c.once(ctx, method, target, headers, body, out)
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}

func (c *Client) once(ctx context.Context, method, target string, headers map[string]string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &unansweredError{fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &unansweredError{fmt.Errorf("failed to read response: %w", err)}
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return retry.Unrecoverable(errNotFound)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return &statusError{Code: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return retry.Unrecoverable(&statusError{Code: resp.StatusCode, Body: truncate(raw)})
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return retry.Unrecoverable(fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// statusError is a non-2xx answer.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// unansweredError means the request may have been received but no complete
// answer came back.
type unansweredError struct{ err error }

func (e *unansweredError) Error() string { return e.err.Error() }
func (e *unansweredError) Unwrap() error { return e.err }

func truncate(b []byte) string {
	const n = 200
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

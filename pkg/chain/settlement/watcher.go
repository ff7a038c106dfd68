package settlement

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/chainsafe/trichain-bridge/pkg/chain"
	"github.com/chainsafe/trichain-bridge/pkg/transfer"
)

const DefaultInboundLookback = 20

// Watcher observes one asset balance of an account for the passive monitor.
type Watcher struct {
	client   *Client
	asset    transfer.AssetConfig
	lookback int
}

// NewWatcher creates a watcher of asset. lookback bounds how many recent
// transactions LatestInbound inspects.
func NewWatcher(client *Client, asset transfer.AssetConfig, lookback int) *Watcher {
	if lookback <= 0 {
		lookback = DefaultInboundLookback
	}
	return &Watcher{client: client, asset: asset, lookback: lookback}
}

// Observe reads the tip height and then the balance. The balance may include
// blocks past the reported height, which only delays detection to the next poll.
func (w *Watcher) Observe(ctx context.Context, account string) (chain.Observation, error) {
	tip, err := w.client.TipHeight(ctx)
	if err != nil {
		return chain.Observation{}, err
	}
	bal, err := w.client.Balance(ctx, account, w.asset)
	if err != nil {
		return chain.Observation{}, err
	}
	return chain.Observation{Balance: bal, Slot: tip}, nil
}

type addressTransfersResponse struct {
	Results []struct {
		Tx struct {
			TxID          string `json:"tx_id"`
			TxStatus      string `json:"tx_status"`
			SenderAddress string `json:"sender_address"`
		} `json:"tx"`
		STXTransfers []struct {
			Amount    string `json:"amount"`
			Sender    string `json:"sender"`
			Recipient string `json:"recipient"`
		} `json:"stx_transfers"`
		FTTransfers []struct {
			AssetIdentifier string `json:"asset_identifier"`
			Amount          string `json:"amount"`
			Sender          string `json:"sender"`
			Recipient       string `json:"recipient"`
		} `json:"ft_transfers"`
	} `json:"results"`
}

// LatestInbound returns the newest successful transaction that moved the
// watched asset into account. Results come newest first.
func (w *Watcher) LatestInbound(ctx context.Context, account string) (chain.InboundTransfer, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(w.lookback))
	path := "/extended/v1/address/" + url.PathEscape(account) + "/transactions_with_transfers?" + q.Encode()

	var out addressTransfersResponse
	if err := w.client.apiGet(ctx, path, &out); err != nil {
		return chain.InboundTransfer{}, fmt.Errorf("failed to list transactions of %s: %w", account, err)
	}

	prefix := w.asset.ContractAddress + "." + w.asset.ContractName + "::"
	for _, r := range out.Results {
		if r.Tx.TxStatus != "success" {
			continue
		}
		if w.asset.Kind == transfer.AssetNative {
			for _, t := range r.STXTransfers {
				if t.Recipient == account && t.Sender != account {
					return chain.InboundTransfer{TxID: r.Tx.TxID, Sender: t.Sender}, nil
				}
			}
			continue
		}
		for _, t := range r.FTTransfers {
			if t.Recipient == account && t.Sender != account && strings.HasPrefix(t.AssetIdentifier, prefix) {
				return chain.InboundTransfer{TxID: r.Tx.TxID, Sender: t.Sender}, nil
			}
		}
	}
	return chain.InboundTransfer{}, chain.ErrNoInbound
}

package anchor

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthereumLedger submits anchor transactions as zero-value self-transfers
// carrying the JSON-encoded (encoding/json) Transaction as call data, using go-ethereum's
// ethclient the way core/ipfs.go wraps the IPFS HTTP API: one thin Go type
// around a vendor client, with the gateway's own retry/backoff layered on
// top in Service.submitWithRetry rather than inside this type.
type EthereumLedger struct {
	client  *ethclient.Client
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	timeout time.Duration

	mu    sync.Mutex
	seen  map[string]common.Hash // cid -> tx hash, for FindByCID
}

// NewEthereumLedger dials rpcURL and derives the sending address from key.
func NewEthereumLedger(ctx context.Context, rpcURL string, key *ecdsa.PrivateKey) (*EthereumLedger, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("anchor: dial ethereum rpc: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("anchor: fetch chain id: %w", err)
	}
	return &EthereumLedger{
		client:  client,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
		timeout: 60 * time.Second,
		seen:    make(map[string]common.Hash),
	}, nil
}

func (l *EthereumLedger) Submit(ctx context.Context, tx Transaction) (string, uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	data, err := json.Marshal(tx)
	if err != nil {
		return "", 0, fmt.Errorf("anchor: marshal transaction: %w", err)
	}

	nonce, err := l.client.PendingNonceAt(ctx, l.from)
	if err != nil {
		return "", 0, fmt.Errorf("anchor: fetch nonce: %w", err)
	}
	gasTip, err := l.client.SuggestGasTipCap(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("anchor: suggest gas tip: %w", err)
	}
	head, err := l.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", 0, fmt.Errorf("anchor: fetch head: %w", err)
	}
	gasFeeCap := new(big.Int).Add(gasTip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	msg := ethereum.CallMsg{From: l.from, To: &l.from, Data: data}
	gasLimit, err := l.client.EstimateGas(ctx, msg)
	if err != nil {
		return "", 0, fmt.Errorf("anchor: estimate gas: %w", err)
	}

	rawTx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   l.chainID,
		Nonce:     nonce,
		GasTipCap: gasTip,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit,
		To:        &l.from,
		Value:     big.NewInt(0),
		Data:      data,
	})

	signed, err := types.SignTx(rawTx, types.LatestSignerForChainID(l.chainID), l.key)
	if err != nil {
		return "", 0, fmt.Errorf("anchor: sign transaction: %w", err)
	}
	if err := l.client.SendTransaction(ctx, signed); err != nil {
		return "", 0, fmt.Errorf("anchor: send transaction: %w", err)
	}

	receipt, err := bind.WaitMined(ctx, l.client, signed)
	if err != nil {
		return "", 0, fmt.Errorf("anchor: wait for confirmation: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", 0, fmt.Errorf("anchor: transaction reverted")
	}

	l.mu.Lock()
	l.seen[tx.AnchorPayload.CID] = signed.Hash()
	l.mu.Unlock()

	return receipt.BlockHash.Hex(), receipt.BlockNumber.Uint64(), nil
}

func (l *EthereumLedger) FindByCID(ctx context.Context, cid string) (Transaction, bool, error) {
	l.mu.Lock()
	hash, ok := l.seen[cid]
	l.mu.Unlock()
	if !ok {
		return Transaction{}, false, nil
	}

	onChainTx, _, err := l.client.TransactionByHash(ctx, hash)
	if err != nil {
		return Transaction{}, false, fmt.Errorf("anchor: fetch transaction %s: %w", hash.Hex(), err)
	}
	var tx Transaction
	if err := json.Unmarshal(onChainTx.Data(), &tx); err != nil {
		return Transaction{}, false, fmt.Errorf("anchor: decode transaction data: %w", err)
	}
	return tx, true, nil
}

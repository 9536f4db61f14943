package escrow

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/austindbirch/harbor_oracle/internal/events"
	"github.com/austindbirch/harbor_oracle/internal/logging"
)

// escrowABI covers the escrow contract methods the oracles call
const escrowABI = `[
	{"type":"function","name":"getBalance","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"status","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"manifestUrl","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"storeResults","stateMutability":"nonpayable","inputs":[{"name":"_url","type":"string"},{"name":"_hash","type":"string"}],"outputs":[]}
]`

var parsedEscrowABI = func() abi.ABI {
	a, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		panic(fmt.Sprintf("escrow abi: %v", err))
	}
	return a
}()

// ChainClient talks to escrow contracts over JSON-RPC, one connection per chain
type ChainClient struct {
	rpcURLs  map[int64]string
	key      *ecdsa.PrivateKey
	manifest *ManifestFetcher

	mu      sync.Mutex
	clients map[int64]*ethclient.Client
}

func NewChainClient(rpcURLs map[int64]string, key *ecdsa.PrivateKey, fetcher *ManifestFetcher) *ChainClient {
	return &ChainClient{
		rpcURLs:  rpcURLs,
		key:      key,
		manifest: fetcher,
		clients:  make(map[int64]*ethclient.Client),
	}
}

func (c *ChainClient) dial(ctx context.Context, chainID int64) (*ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[chainID]; ok {
		return cl, nil
	}
	url, ok := c.rpcURLs[chainID]
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrUnknownChain, chainID)
	}
	cl, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial chain %d: %w", chainID, err)
	}
	c.clients[chainID] = cl
	return cl, nil
}

func (c *ChainClient) contract(ctx context.Context, key events.TaskKey) (*bind.BoundContract, *ethclient.Client, error) {
	cl, err := c.dial(ctx, key.ChainID)
	if err != nil {
		return nil, nil, err
	}
	addr := common.HexToAddress(key.EscrowAddress)
	return bind.NewBoundContract(addr, parsedEscrowABI, cl, cl, cl), cl, nil
}

func (c *ChainClient) call(ctx context.Context, key events.TaskKey, method string) (any, error) {
	contract, _, err := c.contract(ctx, key)
	if err != nil {
		return nil, err
	}
	var out []any
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, method); err != nil {
		return nil, fmt.Errorf("escrow %s %s: %w", key, method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("escrow %s %s: %d results", key, method, len(out))
	}
	return out[0], nil
}

func (c *ChainClient) Validate(ctx context.Context, key events.TaskKey) error {
	rawBalance, err := c.call(ctx, key, "getBalance")
	if err != nil {
		return err
	}
	balance, ok := rawBalance.(*big.Int)
	if !ok {
		return fmt.Errorf("escrow %s getBalance: unexpected %T", key, rawBalance)
	}
	if balance.Sign() == 0 {
		return fmt.Errorf("escrow %s: %w", key, ErrNoFunds)
	}

	rawStatus, err := c.call(ctx, key, "status")
	if err != nil {
		return err
	}
	status, ok := rawStatus.(uint8)
	if !ok {
		return fmt.Errorf("escrow %s status: unexpected %T", key, rawStatus)
	}
	return checkStatus(key, Status(status))
}

func checkStatus(key events.TaskKey, s Status) error {
	if s != StatusPending {
		return fmt.Errorf("escrow %s: %w (current %s)", key, ErrNotPending, s)
	}
	return nil
}

func (c *ChainClient) Manifest(ctx context.Context, key events.TaskKey) (*Manifest, error) {
	raw, err := c.call(ctx, key, "manifestUrl")
	if err != nil {
		return nil, err
	}
	url, ok := raw.(string)
	if !ok || url == "" {
		return nil, fmt.Errorf("escrow %s has no manifest url", key)
	}
	return c.manifest.Fetch(ctx, url)
}

// StoreResults submits the results transaction and waits until it is mined
func (c *ChainClient) StoreResults(ctx context.Context, key events.TaskKey, url, hash string) error {
	contract, cl, err := c.contract(ctx, key)
	if err != nil {
		return err
	}
	opts, err := bind.NewKeyedTransactorWithChainID(c.key, big.NewInt(key.ChainID))
	if err != nil {
		return fmt.Errorf("build transactor: %w", err)
	}
	opts.Context = ctx

	tx, err := contract.Transact(opts, "storeResults", url, hash)
	if err != nil {
		return fmt.Errorf("escrow %s storeResults: %w", key, err)
	}
	logging.WithContext(ctx).WithTask(key).WithField("tx", tx.Hash().Hex()).Info("storeResults submitted")

	receipt, err := bind.WaitMined(ctx, cl, tx)
	if err != nil {
		return fmt.Errorf("wait for storeResults %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("storeResults %s reverted", tx.Hash().Hex())
	}
	return nil
}

func (c *ChainClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, cl := range c.clients {
		cl.Close()
		delete(c.clients, id)
	}
}

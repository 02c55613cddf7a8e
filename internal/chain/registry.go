package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Backend is the slice of an Ethereum client the reader needs.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Registry owns RPC connections keyed by URL. The composition root builds one
// and hands it to every reader so connections are reused.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*ethclient.Client
}

// NewRegistry constructs an empty client registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*ethclient.Client)}
}

// Get returns the cached client for url, dialing it on first use.
func (r *Registry) Get(ctx context.Context, url string) (Backend, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[url]; ok {
		return client, nil
	}

	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	r.clients[url] = client
	return client, nil
}

// Close releases every cached connection.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for url, client := range r.clients {
		client.Close()
		delete(r.clients, url)
	}
}

var _ Backend = (*ethclient.Client)(nil)

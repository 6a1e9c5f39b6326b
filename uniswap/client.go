package uniswap

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// Client is the interface for reading liquidity positions
type Client interface {
	// GetPositions fetches all open positions for a given wallet address
	GetPositions(ctx context.Context, req PositionRequest) ([]Position, error)

	// GetPoolState reads the current price and tick of a pool
	GetPoolState(ctx context.Context, pool common.Address) (PoolState, error)

	// GetPositionReports fetches positions with pool info and values each
	// one against its live pool
	GetPositionReports(ctx context.Context, wallet common.Address) ([]PositionReport, error)

	// Close closes the client and releases any resources
	Close()
}

// Config configures a UniswapClient
type Config struct {
	RPCURL   string
	ChainID  uint64
	Registry *Registry

	// CallDelay is the minimum spacing between two RPC calls
	CallDelay     time.Duration
	MaxRetries    int
	BackoffFactor float64
}

var (
	_ Client   = (*UniswapClient)(nil)
	_ V3Client = (*V3ClientImpl)(nil)
)

// UniswapClient implements the Client interface
type UniswapClient struct {
	closeFn  func()
	reader   *Reader
	v3Client V3Client
	logger   *zap.SugaredLogger
	mu       sync.Mutex
}

// NewClient dials the node and creates a new client
func NewClient(ctx context.Context, cfg Config, logger *zap.SugaredLogger) (*UniswapClient, error) {
	ethClient, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to node: %w", err)
	}

	c, err := newClient(ethClient, ethClient.Close, cfg, logger)
	if err != nil {
		ethClient.Close()
		return nil, err
	}

	var nodeChainID *big.Int
	err = c.reader.Do(ctx, func(ctx context.Context) error {
		var idErr error
		nodeChainID, idErr = ethClient.ChainID(ctx)
		return idErr
	})
	switch {
	case err != nil:
		logger.Warnw("Failed to read chain id from node", "error", err)
	case !nodeChainID.IsUint64() || nodeChainID.Uint64() != cfg.ChainID:
		logger.Warnw("Node chain id does not match configuration", "configured", cfg.ChainID, "node", nodeChainID.String())
	default:
		logger.Infow("Connected to node", "chainId", cfg.ChainID)
	}

	return c, nil
}

func newClient(caller ContractCaller, closeFn func(), cfg Config, logger *zap.SugaredLogger) (*UniswapClient, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	registry := cfg.Registry
	if registry == nil {
		var err error
		registry, err = DefaultRegistry()
		if err != nil {
			return nil, fmt.Errorf("failed to load chain registry: %w", err)
		}
	}

	reader := NewReader(caller, NewLimiter(cfg.CallDelay), ReaderConfig{
		MaxRetries:    cfg.MaxRetries,
		BackoffFactor: cfg.BackoffFactor,
	}, logger)

	v3Client, err := NewV3Client(reader, registry, cfg.ChainID, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create V3 client: %w", err)
	}

	return &UniswapClient{
		closeFn:  closeFn,
		reader:   reader,
		v3Client: v3Client,
		logger:   logger,
	}, nil
}

// GetPositions fetches all open positions for a given wallet address
func (c *UniswapClient) GetPositions(ctx context.Context, req PositionRequest) ([]Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	positions, err := c.v3Client.GetPositions(ctx, req)
	if err != nil {
		c.logger.Errorw("Failed to fetch positions", "wallet", req.WalletAddress.Hex(), "error", err)
		return nil, err
	}
	return positions, nil
}

// GetPoolState reads the current price and tick of a pool
func (c *UniswapClient) GetPoolState(ctx context.Context, pool common.Address) (PoolState, error) {
	return c.v3Client.GetPoolState(ctx, pool)
}

// GetPositionReports fetches positions with pool info and values each one
// against a fresh slot0 read. Per position failures end up in the report.
func (c *UniswapClient) GetPositionReports(ctx context.Context, wallet common.Address) ([]PositionReport, error) {
	positions, err := c.GetPositions(ctx, PositionRequest{WalletAddress: wallet, IncludePoolInfo: true})
	if err != nil {
		return nil, err
	}

	reports := make([]PositionReport, 0, len(positions))
	for _, pos := range positions {
		report := PositionReport{Position: pos}

		if pos.Pool != nil {
			state, err := c.GetPoolState(ctx, *pos.Pool)
			if err != nil {
				c.logger.Warnw("Failed to get pool state", "positionId", pos.TokenID.String(), "pool", pos.Pool.Hex(), "error", err)
				report.Err = fmt.Errorf("failed to get pool state: %w", err)
			} else {
				report.Pool = &state
				valuation, err := Evaluate(pos, state)
				if err != nil {
					report.Err = err
				} else {
					report.Valuation = &valuation
				}
			}
		}

		reports = append(reports, report)
	}

	return reports, nil
}

// Close closes the client and releases any resources
func (c *UniswapClient) Close() {
	if c.closeFn != nil {
		c.closeFn()
	}
}

package uniswap

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// V3Client reads positions from a V3-style NonfungiblePositionManager
type V3Client interface {
	// GetPositions fetches the open positions of req.WalletAddress
	GetPositions(ctx context.Context, req PositionRequest) ([]Position, error)

	// GetPoolState reads slot0 of a pool
	GetPoolState(ctx context.Context, pool common.Address) (PoolState, error)
}

// V3ClientImpl implements the V3Client interface
type V3ClientImpl struct {
	reader   *Reader
	abis     ABIs
	registry *Registry
	chainID  uint64
	logger   *zap.SugaredLogger
}

// NewV3Client creates a new V3 client for chainID
func NewV3Client(reader *Reader, registry *Registry, chainID uint64, logger *zap.SugaredLogger) (*V3ClientImpl, error) {
	abis, err := ContractABIs()
	if err != nil {
		return nil, err
	}
	if registry == nil {
		return nil, fmt.Errorf("chain registry is nil")
	}

	if chain, err := registry.Chain(chainID); err == nil {
		logger.Infow("Initialized V3 client",
			"chainId", chainID,
			"chain", chain.Name,
			"positionManagerAddress", chain.PositionManager.Hex(),
			"factoryAddress", chain.Factory.Hex())
	} else {
		logger.Warnw("Chain is not in the registry, position manager must be passed explicitly", "chainId", chainID)
	}

	return &V3ClientImpl{
		reader:   reader,
		abis:     abis,
		registry: registry,
		chainID:  chainID,
		logger:   logger,
	}, nil
}

// GetPositions enumerates the position NFTs of a wallet. Closed positions
// are dropped and a position that cannot be read is logged and skipped;
// only the balance call and contract resolution can fail the whole request.
func (c *V3ClientImpl) GetPositions(ctx context.Context, req PositionRequest) ([]Position, error) {
	manager, err := c.positionManager(req.PositionManager)
	if err != nil {
		return nil, err
	}

	var factory common.Address
	if req.IncludePoolInfo {
		factory, err = c.registry.Factory(c.chainID)
		if err != nil {
			return nil, err
		}
	}

	wallet := req.WalletAddress
	c.logger.Infow("Fetching V3 positions", "wallet", wallet.Hex(), "positionManager", manager.Hex())

	values, err := c.reader.CallContract(ctx, manager, c.abis.PositionManager, "balanceOf", wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to get position count: %w", err)
	}
	balance, err := asBigInt(values[0])
	if err != nil {
		return nil, fmt.Errorf("balanceOf: %w", err)
	}
	if !balance.IsInt64() {
		return nil, fmt.Errorf("balanceOf: implausible balance %s", balance)
	}

	count := balance.Int64()
	c.logger.Debugw("Position NFTs found", "wallet", wallet.Hex(), "count", count)

	positions := make([]Position, 0, count)
	tokens := make(map[common.Address]Token)

	for i := int64(0); i < count; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pos, err := c.getPosition(ctx, manager, wallet, i)
		if err != nil {
			c.logger.Warnw("Failed to fetch position", "wallet", wallet.Hex(), "index", i, "error", err)
			continue
		}

		if pos.Liquidity.Sign() == 0 {
			c.logger.Debugw("Skipping closed position", "positionId", pos.TokenID.String())
			continue
		}

		pos.PriceLower = TickToPrice(pos.TickLower, 18, 18)
		pos.PriceUpper = TickToPrice(pos.TickUpper, 18, 18)

		if req.IncludePoolInfo {
			c.enrich(ctx, &pos, factory, tokens)
		}

		positions = append(positions, pos)
		c.logger.Debugw("Fetched V3 position",
			"positionId", pos.TokenID.String(),
			"tokenPair", fmt.Sprintf("%s/%s", pos.Token0.Symbol, pos.Token1.Symbol),
			"liquidity", pos.Liquidity.String())
	}

	c.logger.Infow("Fetched V3 positions", "wallet", wallet.Hex(), "count", len(positions))
	return positions, nil
}

// GetPoolState reads slot0 of a pool
func (c *V3ClientImpl) GetPoolState(ctx context.Context, pool common.Address) (PoolState, error) {
	values, err := c.reader.CallContract(ctx, pool, c.abis.Pool, "slot0")
	if err != nil {
		return PoolState{}, err
	}
	if len(values) < 2 {
		return PoolState{}, fmt.Errorf("slot0: expected at least 2 values, got %d", len(values))
	}

	sqrtPrice, err := asBigInt(values[0])
	if err != nil {
		return PoolState{}, fmt.Errorf("slot0 sqrtPriceX96: %w", err)
	}
	tick, err := asInt24(values[1])
	if err != nil {
		return PoolState{}, fmt.Errorf("slot0 tick: %w", err)
	}

	return PoolState{Address: pool, SqrtPriceX96: sqrtPrice, Tick: tick}, nil
}

// GetTokenInfo reads symbol and decimals of an ERC20 token. On failure it
// returns UnknownToken for that address together with the error.
func (c *V3ClientImpl) GetTokenInfo(ctx context.Context, token common.Address) (Token, error) {
	fallback := UnknownToken
	fallback.Address = token

	values, err := c.reader.CallContract(ctx, token, c.abis.ERC20, "symbol")
	if err != nil {
		return fallback, err
	}
	symbol, ok := values[0].(string)
	if !ok {
		return fallback, fmt.Errorf("symbol: unsupported type %T", values[0])
	}

	values, err = c.reader.CallContract(ctx, token, c.abis.ERC20, "decimals")
	if err != nil {
		return fallback, err
	}
	decimals, err := asUint8(values[0])
	if err != nil {
		return fallback, fmt.Errorf("decimals: %w", err)
	}

	return Token{Address: token, Symbol: symbol, Decimals: decimals}, nil
}

// GetPoolAddress asks the factory for the pool of a pair and fee tier.
// A nil address means the pool has not been created.
func (c *V3ClientImpl) GetPoolAddress(ctx context.Context, factory, token0, token1 common.Address, fee uint32) (*common.Address, error) {
	values, err := c.reader.CallContract(ctx, factory, c.abis.Factory, "getPool", token0, token1, new(big.Int).SetUint64(uint64(fee)))
	if err != nil {
		return nil, err
	}
	pool, err := asAddress(values[0])
	if err != nil {
		return nil, fmt.Errorf("getPool: %w", err)
	}
	if pool == (common.Address{}) {
		return nil, nil
	}
	return &pool, nil
}

func (c *V3ClientImpl) positionManager(override *common.Address) (common.Address, error) {
	if override != nil {
		return *override, nil
	}
	return c.registry.PositionManager(c.chainID)
}

func (c *V3ClientImpl) getPosition(ctx context.Context, manager, wallet common.Address, index int64) (Position, error) {
	values, err := c.reader.CallContract(ctx, manager, c.abis.PositionManager, "tokenOfOwnerByIndex", wallet, big.NewInt(index))
	if err != nil {
		return Position{}, err
	}
	tokenID, err := asBigInt(values[0])
	if err != nil {
		return Position{}, fmt.Errorf("tokenOfOwnerByIndex: %w", err)
	}

	values, err = c.reader.CallContract(ctx, manager, c.abis.PositionManager, "positions", tokenID)
	if err != nil {
		return Position{}, fmt.Errorf("position %s: %w", tokenID, err)
	}
	if len(values) != 12 {
		return Position{}, fmt.Errorf("position %s: expected 12 fields, got %d", tokenID, len(values))
	}

	pos := Position{TokenID: tokenID, Owner: wallet}

	if pos.Token0.Address, err = asAddress(values[2]); err != nil {
		return Position{}, fmt.Errorf("position %s token0: %w", tokenID, err)
	}
	if pos.Token1.Address, err = asAddress(values[3]); err != nil {
		return Position{}, fmt.Errorf("position %s token1: %w", tokenID, err)
	}

	fee, err := asBigInt(values[4])
	if err != nil {
		return Position{}, fmt.Errorf("position %s fee: %w", tokenID, err)
	}
	pos.FeeTier = uint32(fee.Uint64())

	if pos.TickLower, err = asInt24(values[5]); err != nil {
		return Position{}, fmt.Errorf("position %s tickLower: %w", tokenID, err)
	}
	if pos.TickUpper, err = asInt24(values[6]); err != nil {
		return Position{}, fmt.Errorf("position %s tickUpper: %w", tokenID, err)
	}
	if pos.Liquidity, err = asBigInt(values[7]); err != nil {
		return Position{}, fmt.Errorf("position %s liquidity: %w", tokenID, err)
	}
	if pos.TokensOwed0, err = asBigInt(values[10]); err != nil {
		return Position{}, fmt.Errorf("position %s tokensOwed0: %w", tokenID, err)
	}
	if pos.TokensOwed1, err = asBigInt(values[11]); err != nil {
		return Position{}, fmt.Errorf("position %s tokensOwed1: %w", tokenID, err)
	}

	return pos, nil
}

// enrich fills token metadata, decimal adjusted prices and the pool address.
// Failures here never drop the position.
func (c *V3ClientImpl) enrich(ctx context.Context, pos *Position, factory common.Address, tokens map[common.Address]Token) {
	pos.Token0 = c.cachedTokenInfo(ctx, pos.Token0.Address, tokens)
	pos.Token1 = c.cachedTokenInfo(ctx, pos.Token1.Address, tokens)
	pos.HasTokenInfo = true

	pos.PriceLower = TickToPrice(pos.TickLower, pos.Token0.Decimals, pos.Token1.Decimals)
	pos.PriceUpper = TickToPrice(pos.TickUpper, pos.Token0.Decimals, pos.Token1.Decimals)

	pool, err := c.GetPoolAddress(ctx, factory, pos.Token0.Address, pos.Token1.Address, pos.FeeTier)
	if err != nil {
		c.logger.Warnw("Failed to resolve pool address", "positionId", pos.TokenID.String(), "error", err)
		return
	}
	if pool == nil {
		c.logger.Debugw("Pool not created", "positionId", pos.TokenID.String(), "fee", pos.FeeTier)
	}
	pos.Pool = pool
}

func (c *V3ClientImpl) cachedTokenInfo(ctx context.Context, token common.Address, tokens map[common.Address]Token) Token {
	if info, ok := tokens[token]; ok {
		return info
	}

	info, err := c.GetTokenInfo(ctx, token)
	if err != nil {
		c.logger.Warnw("Failed to fetch token info, using fallback", "token", token.Hex(), "error", err)
	}
	tokens[token] = info
	return info
}

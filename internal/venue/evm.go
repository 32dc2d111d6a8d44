package venue

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trade-guard/internal/config"
)

const erc4626ABIJSON = `[{"inputs":[{"internalType":"uint256","name":"assets","type":"uint256"}],"name":"previewDeposit","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

var erc4626ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc4626ABIJSON))
	if err != nil {
		panic("failed to parse ERC-4626 ABI: " + err.Error())
	}
	erc4626ABI = parsed
}

var dec1e18 = decimal.NewFromInt(1_000_000_000_000_000_000)

// VaultQuoter reads an on-chain reference price from an ERC-4626 vault. It
// serves as a cross-check against REST venue quotes, not an execution path.
type VaultQuoter struct {
	name      string
	cfg       config.VenueConfig
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewVaultQuoter builds the on-chain quoter. The RPC connection is dialed
// lazily on first use.
func NewVaultQuoter(name string, cfg config.VenueConfig, logger zerolog.Logger) *VaultQuoter {
	return &VaultQuoter{
		name:   name,
		cfg:    cfg,
		logger: logger.With().Str("component", "venue_vault").Str("venue", name).Logger(),
	}
}

// Quote converts amount base tokens through previewDeposit and returns the
// implied share price.
func (q *VaultQuoter) Quote(ctx context.Context, tokenID string, amount decimal.Decimal) (Quote, error) {
	if q.cfg.RPCURL == "" {
		return Quote{}, errors.New("venue rpc url not configured")
	}
	if q.cfg.VaultAddress == "" {
		return Quote{}, errors.New("vault contract address not configured")
	}

	timeout := q.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := q.getClient(ctx)
	if err != nil {
		return Quote{}, err
	}

	assets := amount.Mul(dec1e18).Round(0)
	if assets.IsZero() {
		return Quote{}, errors.New("quote amount rounded to zero atoms")
	}

	addr := common.HexToAddress(q.cfg.VaultAddress)
	payload, err := erc4626ABI.Pack("previewDeposit", assets.BigInt())
	if err != nil {
		return Quote{}, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return Quote{}, err
	}

	outputs, err := erc4626ABI.Unpack("previewDeposit", res)
	if err != nil {
		return Quote{}, err
	}
	if len(outputs) != 1 {
		return Quote{}, errors.New("unexpected previewDeposit response")
	}
	shares, ok := outputs[0].(*big.Int)
	if !ok {
		return Quote{}, errors.New("failed to decode previewDeposit output")
	}

	price := decimal.NewFromBigInt(shares, -18).Div(amount)
	return Quote{
		Venue:   q.name,
		TokenID: tokenID,
		Price:   price,
		At:      time.Now(),
	}, nil
}

// Ping verifies the RPC endpoint answers a block-number query.
func (q *VaultQuoter) Ping(ctx context.Context) error {
	if q.cfg.RPCURL == "" {
		return errors.New("venue rpc url not configured")
	}
	client, err := q.getClient(ctx)
	if err != nil {
		return err
	}
	_, err = client.BlockNumber(ctx)
	return err
}

func (q *VaultQuoter) getClient(ctx context.Context) (*ethclient.Client, error) {
	q.clientMux.Lock()
	defer q.clientMux.Unlock()

	if q.client != nil {
		return q.client, nil
	}

	client, err := ethclient.DialContext(ctx, q.cfg.RPCURL)
	if err != nil {
		return nil, err
	}
	q.client = client
	return client, nil
}

var (
	_ Quoter = (*VaultQuoter)(nil)
	_ Pinger = (*VaultQuoter)(nil)
)

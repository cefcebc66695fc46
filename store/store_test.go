package store

import (
	"context"
	"os"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/shubhamdubey02/ethindexer/model"
)

// openTestStore connects to a real Postgres instance named by TEST_DATABASE_URL.
// Store's transactional upsert semantics can't be verified against a fake:
// the whole point under test is atomic commit + ON CONFLICT merge behavior.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping store integration test")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn, 4)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	// Every test expects empty tables; clear rows left by earlier tests.
	_, err = s.pool.Exec(ctx, `TRUNCATE blocks, transactions, logs, withdrawals, accounts, tokens, token_transfers, token_balances, start_block_cache`)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func sampleBatch(number uint64, hash common.Hash) model.BlockBatch {
	addr := common.HexToAddress("0x01")
	to := common.HexToAddress("0x02")
	return model.BlockBatch{
		Block: model.Block{
			Number:     number,
			Hash:       hash,
			ParentHash: common.HexToHash("0x00"),
			Timestamp:  1_700_000_000,
			GasUsed:    21000,
			GasLimit:   30_000_000,
			TxCount:    1,
			Miner:      addr,
			StateRoot:  common.HexToHash("0x03"),
		},
		Transactions: []model.Transaction{
			{
				Hash:             common.HexToHash("0x10"),
				BlockNumber:      number,
				From:             addr,
				To:               &to,
				Value:            "1000000000000000000",
				GasUsed:          21000,
				GasPrice:         "1000000000",
				Status:           1,
				TransactionIndex: 0,
				Nonce:            0,
			},
		},
		AccountUpdates: []model.AccountUpdate{
			{Address: addr, Balance: "5000000000000000000", BlockNumber: number, IsNewTx: true, AccountType: model.AccountTypeEOA},
			{Address: to, Balance: "1000000000000000000", BlockNumber: number, IsNewTx: true, AccountType: model.AccountTypeEOA},
		},
	}
}

func TestUpsertBlockIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	batch := sampleBatch(1, common.HexToHash("0xaa"))
	require.NoError(t, s.UpsertBlock(ctx, batch))
	require.NoError(t, s.UpsertBlock(ctx, batch))

	b, err := s.GetBlock(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, batch.Block.Hash, b.Hash)

	blocks, txs, err := s.CountBlocksAndTxs(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), blocks)
	require.Equal(t, int64(1), txs)
}

func TestUpsertBlockReorgUpdatesHash(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	original := sampleBatch(5, common.HexToHash("0xaa"))
	require.NoError(t, s.UpsertBlock(ctx, original))

	reorged := sampleBatch(5, common.HexToHash("0xbb"))
	require.NoError(t, s.UpsertBlock(ctx, reorged))

	b, err := s.GetBlock(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, common.HexToHash("0xbb"), b.Hash)
}

func TestListBlocksRange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for n := uint64(10); n <= 14; n++ {
		require.NoError(t, s.UpsertBlock(ctx, sampleBatch(n, common.BytesToHash([]byte{0x01, byte(n)}))))
	}

	blocks, err := s.ListBlocks(ctx, 11, 13, 10)
	require.NoError(t, err)
	require.Len(t, blocks, 3)
	require.Equal(t, []uint64{11, 12, 13}, []uint64{blocks[0].Number, blocks[1].Number, blocks[2].Number})

	limited, err := s.ListBlocks(ctx, 10, 14, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
}

func TestSetTotalTransactionsBeforeFoldsIntoStartBlockCache(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InitCheckpoint(ctx, 1000, 999))
	require.NoError(t, s.SetTotalTransactionsBefore(ctx, 42_000))

	start, totalBefore, err := s.StartBlockCache(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1000), start)
	require.NotNil(t, totalBefore)
	require.Equal(t, int64(42_000), *totalBefore)
}

func TestUpsertTokenMergesNullFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	addr := common.HexToAddress("0xdeadbeef")
	name := "Wrapped Ether"
	require.NoError(t, s.UpsertToken(ctx, model.Token{
		Address: addr, Name: &name, TokenType: model.TokenTypeERC20, FirstSeenBlock: 1,
	}))

	symbol := "WETH"
	require.NoError(t, s.UpsertToken(ctx, model.Token{
		Address: addr, Symbol: &symbol, TokenType: model.TokenTypeERC20, FirstSeenBlock: 1,
	}))

	var gotName, gotSymbol *string
	require.NoError(t, s.pool.QueryRow(ctx, `SELECT name, symbol FROM tokens WHERE address = $1`, addr.Hex()).Scan(&gotName, &gotSymbol))
	require.NotNil(t, gotName)
	require.Equal(t, name, *gotName)
	require.NotNil(t, gotSymbol)
	require.Equal(t, symbol, *gotSymbol)
}

func TestUpsertTokenBalanceMonotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	acct := common.HexToAddress("0x01")
	token := common.HexToAddress("0x02")

	require.NoError(t, s.UpsertTokenBalance(ctx, model.TokenBalance{
		AccountAddress: acct, TokenAddress: token, Balance: "100", BlockNumber: 10, LastUpdatedBlock: 10,
	}))
	// stale update must not regress last_updated_block or balance
	require.NoError(t, s.UpsertTokenBalance(ctx, model.TokenBalance{
		AccountAddress: acct, TokenAddress: token, Balance: "1", BlockNumber: 5, LastUpdatedBlock: 5,
	}))

	var balance string
	var lastUpdated int64
	require.NoError(t, s.pool.QueryRow(ctx, `SELECT balance, last_updated_block FROM token_balances WHERE account_address = $1 AND token_address = $2`, acct.Hex(), token.Hex()).Scan(&balance, &lastUpdated))
	require.Equal(t, "100", balance)
	require.Equal(t, int64(10), lastUpdated)
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InitCheckpoint(ctx, 100, 99))
	n, ok, err := s.GetCheckpoint(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(99), n)

	require.NoError(t, s.SetCheckpoint(ctx, 105))
	n, ok, err = s.GetCheckpoint(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(105), n)

	// regressions are ignored
	require.NoError(t, s.SetCheckpoint(ctx, 50))
	n, _, err = s.GetCheckpoint(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(105), n)
}

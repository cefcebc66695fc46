// Package store is the relational persistence layer (spec.md §4.D): an
// idempotent, typed repository over Postgres built on jackc/pgx/v4, the
// driver the rest of the retrieved corpus (chainlink, erigon, bor manifests)
// converges on for high-throughput chain indexing.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/shubhamdubey02/ethindexer/errs"
	"github.com/shubhamdubey02/ethindexer/model"
)

func hexToHash(s string) common.Hash       { return common.HexToHash(s) }
func hexToAddress(s string) common.Address { return common.HexToAddress(s) }

// Store wraps a pooled Postgres connection. The pool size is derived from
// WORKER_POOL_SIZE so that at most one connection is held per worker's
// in-flight per-block commit, per spec §5.
type Store struct {
	pool *pgxpool.Pool
	log  log.Logger
}

// Open connects and configures the pool; callers must call Migrate before
// first use and Close on shutdown.
func Open(ctx context.Context, databaseURL string, poolSize int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse database url: %w", err)
	}
	if poolSize > 0 {
		cfg.MaxConns = poolSize
	}
	pool, err := pgxpool.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	return &Store{pool: pool, log: log.New("component", "store")}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// UpsertBlock commits one block's full derived row set atomically, in the
// order Block → Transactions → Logs → Withdrawals → Tokens → TokenTransfers
// → Accounts, per spec §4.D. Re-issuing with identical inputs is a no-op. A
// unique violation reported by the commit itself is treated as success; one
// raised by an individual statement is returned as an error.
func (s *Store) UpsertBlock(ctx context.Context, batch model.BlockBatch) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errs.Transient("store.upsert_block", err)
	}
	defer tx.Rollback(ctx)

	if err := upsertBlockRow(ctx, tx, batch.Block); err != nil {
		return err
	}
	if err := insertTransactions(ctx, tx, batch.Transactions); err != nil {
		return err
	}
	if err := insertLogs(ctx, tx, batch.Logs); err != nil {
		return err
	}
	if err := insertWithdrawals(ctx, tx, batch.Withdrawals); err != nil {
		return err
	}
	if err := upsertTokenStubs(ctx, tx, batch.TokenTransfers); err != nil {
		return err
	}
	if err := insertTokenTransfers(ctx, tx, batch.TokenTransfers); err != nil {
		return err
	}
	if err := upsertAccounts(ctx, tx, batch.AccountUpdates); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return errs.Transient("store.upsert_block.commit", err)
	}
	return nil
}

func upsertBlockRow(ctx context.Context, tx pgx.Tx, b model.Block) error {
	var withdrawalsRoot, slotRoot, parentRoot, graffiti *string
	var blobGasUsed, excessBlobGas, slot, proposerIndex, epoch, depositCount *int64
	var randaoReveal []byte
	var randaoMix *string

	if b.WithdrawalsRoot != nil {
		h := b.WithdrawalsRoot.Hex()
		withdrawalsRoot = &h
	}
	if b.BlobGasUsed != nil {
		v := int64(*b.BlobGasUsed)
		blobGasUsed = &v
	}
	if b.ExcessBlobGas != nil {
		v := int64(*b.ExcessBlobGas)
		excessBlobGas = &v
	}
	if b.Beacon != nil {
		s := int64(b.Beacon.Slot)
		p := int64(b.Beacon.ProposerIndex)
		e := int64(b.Beacon.Epoch)
		d := int64(b.Beacon.BeaconDepositCount)
		slot, proposerIndex, epoch, depositCount = &s, &p, &e, &d
		sr := b.Beacon.SlotRoot.Hex()
		pr := b.Beacon.ParentRoot.Hex()
		slotRoot, parentRoot = &sr, &pr
		g := b.Beacon.Graffiti
		graffiti = &g
		randaoReveal = b.Beacon.RandaoReveal
		rm := b.Beacon.RandaoMix.Hex()
		randaoMix = &rm
	}

	const q = `
INSERT INTO blocks (
    number, hash, parent_hash, timestamp, gas_used, gas_limit, transaction_count,
    miner, base_fee_per_gas, size_bytes, extra_data, state_root, nonce,
    withdrawals_root, withdrawal_count, blob_gas_used, excess_blob_gas,
    slot, proposer_index, epoch, slot_root, parent_root, beacon_deposit_count,
    graffiti, randao_reveal, randao_mix, updated_at
) VALUES (
    $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26, now()
)
ON CONFLICT (number) DO UPDATE SET
    hash = excluded.hash,
    parent_hash = excluded.parent_hash,
    timestamp = excluded.timestamp,
    gas_used = excluded.gas_used,
    gas_limit = excluded.gas_limit,
    transaction_count = excluded.transaction_count,
    miner = excluded.miner,
    base_fee_per_gas = excluded.base_fee_per_gas,
    size_bytes = excluded.size_bytes,
    extra_data = excluded.extra_data,
    state_root = excluded.state_root,
    nonce = excluded.nonce,
    withdrawals_root = excluded.withdrawals_root,
    withdrawal_count = excluded.withdrawal_count,
    blob_gas_used = excluded.blob_gas_used,
    excess_blob_gas = excluded.excess_blob_gas,
    slot = COALESCE(excluded.slot, blocks.slot),
    proposer_index = COALESCE(excluded.proposer_index, blocks.proposer_index),
    epoch = COALESCE(excluded.epoch, blocks.epoch),
    slot_root = COALESCE(excluded.slot_root, blocks.slot_root),
    parent_root = COALESCE(excluded.parent_root, blocks.parent_root),
    beacon_deposit_count = COALESCE(excluded.beacon_deposit_count, blocks.beacon_deposit_count),
    graffiti = COALESCE(excluded.graffiti, blocks.graffiti),
    randao_reveal = COALESCE(excluded.randao_reveal, blocks.randao_reveal),
    randao_mix = COALESCE(excluded.randao_mix, blocks.randao_mix),
    updated_at = now()
`
	_, err := tx.Exec(ctx, q,
		b.Number, b.Hash.Hex(), b.ParentHash.Hex(), b.Timestamp, b.GasUsed, b.GasLimit, b.TxCount,
		b.Miner.Hex(), nullIfEmpty(b.BaseFeePerGas), b.SizeBytes, b.ExtraData, b.StateRoot.Hex(), b.Nonce,
		withdrawalsRoot, b.WithdrawalCount, blobGasUsed, excessBlobGas,
		slot, proposerIndex, epoch, slotRoot, parentRoot, depositCount,
		graffiti, randaoReveal, randaoMix,
	)
	if err != nil {
		return errs.Transient("store.upsert_block.block_row", err)
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func insertTransactions(ctx context.Context, tx pgx.Tx, txs []model.Transaction) error {
	const q = `
INSERT INTO transactions (hash, block_number, from_address, to_address, value, gas_used, gas_price, status, transaction_index, input, nonce)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (hash) DO NOTHING
`
	for _, t := range txs {
		var to *string
		if t.To != nil {
			h := t.To.Hex()
			to = &h
		}
		if _, err := tx.Exec(ctx, q, t.Hash.Hex(), t.BlockNumber, t.From.Hex(), to, t.Value, t.GasUsed, t.GasPrice, t.Status, t.TransactionIndex, t.Input, t.Nonce); err != nil {
			return errs.Transient("store.upsert_block.transactions", err)
		}
	}
	return nil
}

func insertLogs(ctx context.Context, tx pgx.Tx, logs []model.Log) error {
	const q = `
INSERT INTO logs (id, transaction_hash, block_number, address, topic0, topic1, topic2, topic3, data, log_index)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (transaction_hash, log_index) DO NOTHING
`
	for _, l := range logs {
		topics := make([]*string, 4)
		for i, t := range l.Topics {
			if t != nil {
				h := t.Hex()
				topics[i] = &h
			}
		}
		if _, err := tx.Exec(ctx, q, l.ID, l.TransactionHash.Hex(), l.BlockNumber, l.Address.Hex(), topics[0], topics[1], topics[2], topics[3], l.Data, l.LogIndex); err != nil {
			return errs.Transient("store.upsert_block.logs", err)
		}
	}
	return nil
}

func insertWithdrawals(ctx context.Context, tx pgx.Tx, ws []model.Withdrawal) error {
	const q = `
INSERT INTO withdrawals (id, block_number, withdrawal_index, validator_index, address, amount_gwei)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (block_number, withdrawal_index) DO NOTHING
`
	for _, w := range ws {
		if _, err := tx.Exec(ctx, q, w.ID, w.BlockNumber, w.WithdrawalIndex, w.ValidatorIndex, w.Address.Hex(), w.AmountGwei); err != nil {
			return errs.Transient("store.upsert_block.withdrawals", err)
		}
	}
	return nil
}

// upsertTokenStubs ensures a bare tokens row exists for every token address
// touched by this batch, aggregating per-token transfer counts so the
// total_transfers increment is a single statement per token rather than
// one per transfer. Metadata fields are left null here. Store.UpsertToken
// merges metadata without overwriting known values, but the block ingestion
// path never calls it, so these columns stay null after ingestion.
func upsertTokenStubs(ctx context.Context, tx pgx.Tx, transfers []model.TokenTransfer) error {
	type agg struct {
		tokenType  model.TokenType
		blockNum   uint64
		count      int64
	}
	byAddr := make(map[string]*agg)
	order := make([]string, 0)
	for _, tr := range transfers {
		addr := tr.TokenAddress.Hex()
		a, ok := byAddr[addr]
		if !ok {
			a = &agg{tokenType: tr.TokenType, blockNum: tr.BlockNumber}
			byAddr[addr] = a
			order = append(order, addr)
		}
		a.count++
		if tr.BlockNumber > a.blockNum {
			a.blockNum = tr.BlockNumber
		}
	}

	const q = `
INSERT INTO tokens (address, token_type, first_seen_block, last_seen_block, total_transfers)
VALUES ($1,$2,$3,$3,$4)
ON CONFLICT (address) DO UPDATE SET
    last_seen_block = GREATEST(tokens.last_seen_block, excluded.last_seen_block),
    total_transfers = tokens.total_transfers + excluded.total_transfers
`
	for _, addr := range order {
		a := byAddr[addr]
		if _, err := tx.Exec(ctx, q, addr, string(a.tokenType), a.blockNum, a.count); err != nil {
			return errs.Transient("store.upsert_block.token_stub", err)
		}
	}
	return nil
}

func insertTokenTransfers(ctx context.Context, tx pgx.Tx, transfers []model.TokenTransfer) error {
	const q = `
INSERT INTO token_transfers (id, transaction_hash, block_number, token_address, from_address, to_address, amount, token_type, token_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO NOTHING
`
	for _, t := range transfers {
		if _, err := tx.Exec(ctx, q, t.ID, t.TransactionHash.Hex(), t.BlockNumber, t.TokenAddress.Hex(), t.From.Hex(), t.To.Hex(), t.Amount, string(t.TokenType), t.TokenID); err != nil {
			return errs.Transient("store.upsert_block.token_transfers", err)
		}
	}
	return nil
}

func upsertAccounts(ctx context.Context, tx pgx.Tx, updates []model.AccountUpdate) error {
	const q = `
INSERT INTO accounts (address, balance, transaction_count, account_type, first_seen_block, last_seen_block, updated_at)
VALUES ($1,$2,$3,$4,$5,$5, now())
ON CONFLICT (address) DO UPDATE SET
    balance = excluded.balance,
    account_type = excluded.account_type,
    transaction_count = accounts.transaction_count + $6,
    last_seen_block = GREATEST(accounts.last_seen_block, excluded.last_seen_block),
    updated_at = now()
`
	for _, u := range updates {
		inc := 0
		if u.IsNewTx {
			inc = 1
		}
		if _, err := tx.Exec(ctx, q, u.Address.Hex(), u.Balance, inc, string(u.AccountType), u.BlockNumber, inc); err != nil {
			return errs.Transient("store.upsert_block.accounts", err)
		}
	}
	return nil
}

// UpsertToken merges metadata fields without regressing token_type or
// clobbering already-known (non-null) name/symbol/decimals, per spec §4.D.
func (s *Store) UpsertToken(ctx context.Context, t model.Token) error {
	const q = `
INSERT INTO tokens (address, name, symbol, decimals, token_type, first_seen_block, last_seen_block, total_transfers)
VALUES ($1,$2,$3,$4,$5,$6,$6,0)
ON CONFLICT (address) DO UPDATE SET
    name = COALESCE(tokens.name, excluded.name),
    symbol = COALESCE(tokens.symbol, excluded.symbol),
    decimals = COALESCE(tokens.decimals, excluded.decimals)
`
	_, err := s.pool.Exec(ctx, q, t.Address.Hex(), t.Name, t.Symbol, t.Decimals, string(t.TokenType), t.FirstSeenBlock)
	if err != nil {
		return errs.Transient("store.upsert_token", err)
	}
	return nil
}

// UpsertTokenBalance enforces monotonically non-decreasing last_updated_block
// per (account, token) pair, per spec §4.D.
func (s *Store) UpsertTokenBalance(ctx context.Context, tb model.TokenBalance) error {
	const q = `
INSERT INTO token_balances (account_address, token_address, balance, block_number, last_updated_block)
VALUES ($1,$2,$3,$4,$4)
ON CONFLICT (account_address, token_address) DO UPDATE SET
    balance = CASE WHEN excluded.last_updated_block >= token_balances.last_updated_block THEN excluded.balance ELSE token_balances.balance END,
    block_number = excluded.block_number,
    last_updated_block = GREATEST(token_balances.last_updated_block, excluded.last_updated_block)
`
	_, err := s.pool.Exec(ctx, q, tb.AccountAddress.Hex(), tb.TokenAddress.Hex(), tb.Balance, tb.BlockNumber)
	if err != nil {
		return errs.Transient("store.upsert_token_balance", err)
	}
	return nil
}

// SetCheckpoint durably records the highest acknowledged, contiguous block
// number.
func (s *Store) SetCheckpoint(ctx context.Context, n int64) error {
	const q = `
INSERT INTO start_block_cache (id, start_block, checkpoint)
VALUES (1, $1, $1)
ON CONFLICT (id) DO UPDATE SET checkpoint = excluded.checkpoint
WHERE excluded.checkpoint > start_block_cache.checkpoint
`
	if _, err := s.pool.Exec(ctx, q, n); err != nil {
		return errs.Transient("store.set_checkpoint", err)
	}
	return nil
}

// InitCheckpoint seeds the start_block_cache row on first run only.
func (s *Store) InitCheckpoint(ctx context.Context, startBlock, checkpoint int64) error {
	const q = `
INSERT INTO start_block_cache (id, start_block, checkpoint)
VALUES (1, $1, $2)
ON CONFLICT (id) DO NOTHING
`
	if _, err := s.pool.Exec(ctx, q, startBlock, checkpoint); err != nil {
		return errs.Transient("store.init_checkpoint", err)
	}
	return nil
}

// SetTotalTransactionsBefore records HISTORICAL_TX_COUNT (spec §4.I open
// question 2): the transaction count that predates this indexer's start
// block, folded into total_blockchain_transactions by the stats aggregator.
// Call after InitCheckpoint has seeded the start_block_cache row.
func (s *Store) SetTotalTransactionsBefore(ctx context.Context, n int64) error {
	const q = `UPDATE start_block_cache SET total_transactions_before = $1 WHERE id = 1`
	if _, err := s.pool.Exec(ctx, q, n); err != nil {
		return errs.Transient("store.set_total_transactions_before", err)
	}
	return nil
}

// GetCheckpoint returns the current checkpoint, and ok=false if no
// checkpoint row exists yet (first-ever run).
func (s *Store) GetCheckpoint(ctx context.Context) (int64, bool, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT checkpoint FROM start_block_cache WHERE id = 1`).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errs.Transient("store.get_checkpoint", err)
	}
	return n, true, nil
}

// HighestContiguousBlock returns the maximum m such that blocks
// [from..m] are all present, used for checkpoint recovery on restart
// (spec §9: "Do NOT trust the last-seen row alone").
func (s *Store) HighestContiguousBlock(ctx context.Context, from int64) (int64, error) {
	const q = `
SELECT COALESCE(MIN(expected.n) - 1, GREATEST((SELECT MAX(number) FROM blocks), $1 - 1))
FROM generate_series($1::bigint, (SELECT COALESCE(MAX(number), $1 - 1) FROM blocks)) AS expected(n)
LEFT JOIN blocks b ON b.number = expected.n
WHERE b.number IS NULL
`
	var m *int64
	if err := s.pool.QueryRow(ctx, q, from).Scan(&m); err != nil {
		return from - 1, errs.Transient("store.highest_contiguous_block", err)
	}
	if m == nil {
		return from - 1, nil
	}
	return *m, nil
}

// GetBlock implements get_block(n).
func (s *Store) GetBlock(ctx context.Context, number uint64) (*model.Block, error) {
	const q = `
SELECT number, hash, parent_hash, timestamp, gas_used, gas_limit, transaction_count,
       miner, COALESCE(base_fee_per_gas, ''), size_bytes, extra_data, state_root, nonce,
       withdrawals_root, withdrawal_count, blob_gas_used, excess_blob_gas
FROM blocks WHERE number = $1
`
	row := s.pool.QueryRow(ctx, q, number)
	var b model.Block
	var hash, parentHash, miner, stateRoot string
	var withdrawalsRoot *string
	if err := row.Scan(&b.Number, &hash, &parentHash, &b.Timestamp, &b.GasUsed, &b.GasLimit, &b.TxCount,
		&miner, &b.BaseFeePerGas, &b.SizeBytes, &b.ExtraData, &stateRoot, &b.Nonce,
		&withdrawalsRoot, &b.WithdrawalCount, &b.BlobGasUsed, &b.ExcessBlobGas); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.Semantic("store.get_block", fmt.Errorf("block %d not found", number))
		}
		return nil, errs.Transient("store.get_block", err)
	}
	b.Hash = hexToHash(hash)
	b.ParentHash = hexToHash(parentHash)
	b.Miner = hexToAddress(miner)
	b.StateRoot = hexToHash(stateRoot)
	if withdrawalsRoot != nil {
		h := hexToHash(*withdrawalsRoot)
		b.WithdrawalsRoot = &h
	}
	return &b, nil
}

// GetTx implements get_tx(h).
func (s *Store) GetTx(ctx context.Context, hash string) (*model.Transaction, error) {
	const q = `
SELECT hash, block_number, from_address, to_address, value, gas_used, gas_price, status, transaction_index, input, nonce
FROM transactions WHERE hash = $1
`
	row := s.pool.QueryRow(ctx, q, hash)
	var t model.Transaction
	var h, from string
	var to *string
	if err := row.Scan(&h, &t.BlockNumber, &from, &to, &t.Value, &t.GasUsed, &t.GasPrice, &t.Status, &t.TransactionIndex, &t.Input, &t.Nonce); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.Semantic("store.get_tx", fmt.Errorf("tx %s not found", hash))
		}
		return nil, errs.Transient("store.get_tx", err)
	}
	t.Hash = hexToHash(h)
	t.From = hexToAddress(from)
	if to != nil {
		a := hexToAddress(*to)
		t.To = &a
	}
	return &t, nil
}

// GetAccount implements get_account(a).
func (s *Store) GetAccount(ctx context.Context, address string) (*model.AccountUpdate, error) {
	const q = `SELECT address, balance, last_seen_block, account_type FROM accounts WHERE address = $1`
	row := s.pool.QueryRow(ctx, q, address)
	var a model.AccountUpdate
	var addr, accType string
	if err := row.Scan(&addr, &a.Balance, &a.BlockNumber, &accType); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.Semantic("store.get_account", fmt.Errorf("account %s not found", address))
		}
		return nil, errs.Transient("store.get_account", err)
	}
	a.Address = hexToAddress(addr)
	a.AccountType = model.AccountType(accType)
	return &a, nil
}

// ListBlocks implements list_blocks(range, limit): every block in
// [from, to], ascending, capped at limit. Backed by the primary key index
// on blocks.number, per spec §9.
func (s *Store) ListBlocks(ctx context.Context, from, to uint64, limit int) ([]model.Block, error) {
	const q = `
SELECT number, hash, parent_hash, timestamp, gas_used, gas_limit, transaction_count,
       miner, COALESCE(base_fee_per_gas, ''), size_bytes, extra_data, state_root, nonce,
       withdrawals_root, withdrawal_count, blob_gas_used, excess_blob_gas
FROM blocks WHERE number BETWEEN $1 AND $2 ORDER BY number ASC LIMIT $3
`
	rows, err := s.pool.Query(ctx, q, from, to, limit)
	if err != nil {
		return nil, errs.Transient("store.list_blocks", err)
	}
	defer rows.Close()

	var out []model.Block
	for rows.Next() {
		var b model.Block
		var hash, parentHash, miner, stateRoot string
		var withdrawalsRoot *string
		if err := rows.Scan(&b.Number, &hash, &parentHash, &b.Timestamp, &b.GasUsed, &b.GasLimit, &b.TxCount,
			&miner, &b.BaseFeePerGas, &b.SizeBytes, &b.ExtraData, &stateRoot, &b.Nonce,
			&withdrawalsRoot, &b.WithdrawalCount, &b.BlobGasUsed, &b.ExcessBlobGas); err != nil {
			return nil, errs.Transient("store.list_blocks", err)
		}
		b.Hash = hexToHash(hash)
		b.ParentHash = hexToHash(parentHash)
		b.Miner = hexToAddress(miner)
		b.StateRoot = hexToHash(stateRoot)
		if withdrawalsRoot != nil {
			h := hexToHash(*withdrawalsRoot)
			b.WithdrawalsRoot = &h
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListBlocksSince implements list_blocks_since(n): every block number > n,
// ascending.
func (s *Store) ListBlocksSince(ctx context.Context, n uint64, limit int) ([]uint64, error) {
	rows, err := s.pool.Query(ctx, `SELECT number FROM blocks WHERE number > $1 ORDER BY number ASC LIMIT $2`, n, limit)
	if err != nil {
		return nil, errs.Transient("store.list_blocks_since", err)
	}
	defer rows.Close()
	var out []uint64
	for rows.Next() {
		var v uint64
		if err := rows.Scan(&v); err != nil {
			return nil, errs.Transient("store.list_blocks_since", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListTxsSince implements list_txs_since(hash): transactions mined at or
// after the block containing hash.
func (s *Store) ListTxsSince(ctx context.Context, hash string, limit int) ([]string, error) {
	const q = `
SELECT t2.hash FROM transactions t2
JOIN transactions t1 ON t1.hash = $1
WHERE t2.block_number >= t1.block_number
ORDER BY t2.block_number ASC, t2.transaction_index ASC
LIMIT $2
`
	rows, err := s.pool.Query(ctx, q, hash, limit)
	if err != nil {
		return nil, errs.Transient("store.list_txs_since", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, errs.Transient("store.list_txs_since", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// CountAccounts backs the Stats Aggregator's total_accounts counter.
func (s *Store) CountAccounts(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM accounts`).Scan(&n); err != nil {
		return 0, errs.Transient("store.count_accounts", err)
	}
	return n, nil
}

// CountBlocksAndTxs backs total_indexed_blocks / total_indexed_txs.
func (s *Store) CountBlocksAndTxs(ctx context.Context) (blocks, txs int64, err error) {
	if err = s.pool.QueryRow(ctx, `SELECT count(*) FROM blocks`).Scan(&blocks); err != nil {
		return 0, 0, errs.Transient("store.count_blocks", err)
	}
	if err = s.pool.QueryRow(ctx, `SELECT count(*) FROM transactions`).Scan(&txs); err != nil {
		return 0, 0, errs.Transient("store.count_txs", err)
	}
	return blocks, txs, nil
}

// LatestIndexedBlock returns the highest block number ever committed.
func (s *Store) LatestIndexedBlock(ctx context.Context) (int64, error) {
	var n *int64
	if err := s.pool.QueryRow(ctx, `SELECT MAX(number) FROM blocks`).Scan(&n); err != nil {
		return 0, errs.Transient("store.latest_indexed_block", err)
	}
	if n == nil {
		return -1, nil
	}
	return *n, nil
}

// StartBlockCache returns the cached total_transactions_before value, which
// stays nil when the historical-aggregate service is not configured (spec
// §9 Open Questions).
func (s *Store) StartBlockCache(ctx context.Context) (startBlock int64, totalBefore *int64, err error) {
	row := s.pool.QueryRow(ctx, `SELECT start_block, total_transactions_before FROM start_block_cache WHERE id = 1`)
	if err := row.Scan(&startBlock, &totalBefore); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil, nil
		}
		return 0, nil, errs.Transient("store.start_block_cache", err)
	}
	return startBlock, totalBefore, nil
}

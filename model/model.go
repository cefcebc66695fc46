// Package model holds the normalized projection persisted by store: the
// entities of spec.md §3, carried as decimal strings for every 256-bit
// quantity per spec §9 ("never as 64-bit floats").
package model

import "github.com/ethereum/go-ethereum/common"

// TokenType tags which ERC standard a Token/TokenTransfer belongs to. A
// tagged variant rather than an inheritance hierarchy, per spec §9.
type TokenType string

const (
	TokenTypeERC20   TokenType = "ERC20"
	TokenTypeERC721  TokenType = "ERC721"
	TokenTypeERC1155 TokenType = "ERC1155"
)

// AccountType classifies an address as observed at a given block.
type AccountType string

const (
	AccountTypeEOA      AccountType = "EOA"
	AccountTypeContract AccountType = "CONTRACT"
)

// Block mirrors spec.md §3's Block entity. Every big-integer quantity is a
// base-10 string; arithmetic on them happens in uint256 space upstream of
// this struct, never here.
type Block struct {
	Number          uint64
	Hash            common.Hash
	ParentHash      common.Hash
	Timestamp       uint64
	GasUsed         uint64
	GasLimit        uint64
	TxCount         int
	Miner           common.Address
	BaseFeePerGas   string // decimal, may be empty pre-EIP-1559
	SizeBytes       uint64
	ExtraData       []byte
	StateRoot       common.Hash
	Nonce           uint64
	WithdrawalsRoot *common.Hash
	WithdrawalCount int
	BlobGasUsed     *uint64
	ExcessBlobGas   *uint64

	// Beacon enrichment (spec §4.C / §4.F: beacon data is optional
	// enrichment). When the beacon client is absent or fails, only Slot and
	// Epoch are set, estimated from Timestamp; the other fields stay zero.
	Beacon *BeaconInfo
}

// BeaconInfo carries the consensus-layer fields joined onto a Block.
type BeaconInfo struct {
	Slot               uint64
	ProposerIndex      uint64
	Epoch              uint64
	SlotRoot           common.Hash
	ParentRoot         common.Hash
	BeaconDepositCount uint64
	Graffiti           string
	RandaoReveal       []byte
	RandaoMix          common.Hash
}

// Transaction mirrors spec.md §3's Transaction entity.
type Transaction struct {
	Hash             common.Hash
	BlockNumber      uint64
	From             common.Address
	To               *common.Address // nil for contract creation
	Value            string          // wei, decimal
	GasUsed          uint64
	GasPrice         string // wei, decimal
	Status           uint8  // 0 or 1
	TransactionIndex uint
	Input            []byte
	Nonce            uint64
}

// Log mirrors spec.md §3's Log entity.
type Log struct {
	ID              string // synthetic, assigned at derivation time
	TransactionHash common.Hash
	BlockNumber     uint64
	Address         common.Address
	Topics          [4]*common.Hash // topic0..topic3, nil past len(Topics)
	Data            []byte
	LogIndex        uint // global within the block
}

// Withdrawal mirrors spec.md §3's Withdrawal entity.
type Withdrawal struct {
	ID               string
	BlockNumber      uint64
	WithdrawalIndex  uint64
	ValidatorIndex   uint64
	Address          common.Address
	AmountGwei       uint64
}

// AccountUpdate is what the block processor derives for a touched address;
// store.UpsertBlock folds it into the persisted Account row using
// max-semantics on LastSeenBlock per spec §5.
type AccountUpdate struct {
	Address         common.Address
	Balance         string // wei, decimal, as observed at BlockNumber
	BlockNumber     uint64
	IsNewTx         bool // true if this block added one to transaction_count
	AccountType     AccountType
}

// Token mirrors spec.md §3's Token entity. Metadata fields are pointers so
// "unknown" (nil: not fetched yet, or the last fetch failed) is
// distinguishable from "known empty string".
type Token struct {
	Address         common.Address
	Name            *string
	Symbol          *string
	Decimals        *uint8
	TokenType       TokenType
	FirstSeenBlock  uint64
	LastSeenBlock   uint64
	TotalTransfers  uint64
}

// TokenTransfer mirrors spec.md §3's TokenTransfer entity.
type TokenTransfer struct {
	ID              string
	TransactionHash common.Hash
	BlockNumber     uint64
	TokenAddress    common.Address
	From            common.Address
	To              common.Address
	Amount          string // raw units, decimal
	TokenType       TokenType
	TokenID         *string // set for ERC-721/1155
}

// TokenBalance mirrors spec.md §3's TokenBalance entity. Deliberately has no
// FK to Account, per spec §9.
type TokenBalance struct {
	AccountAddress   common.Address
	TokenAddress     common.Address
	Balance          string // raw units, decimal
	BlockNumber      uint64
	LastUpdatedBlock uint64
}

// BlockBatch is the unit store.UpsertBlock commits atomically: the full set
// of rows derived from one block, in the persistence order spec §4.D
// mandates (Block → Transactions → Logs → Withdrawals → TokenTransfers →
// Account touches → TokenBalance touches is enforced by the store, not by
// the shape of this struct).
type BlockBatch struct {
	Block          Block
	Transactions   []Transaction
	Logs           []Log
	Withdrawals    []Withdrawal
	TokenTransfers []TokenTransfer
	AccountUpdates []AccountUpdate
}

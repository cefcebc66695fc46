// Package tokens implements the Token Service (spec.md §4.E): classifying
// ERC-20/721/1155 Transfer logs, deriving TokenTransfer rows, fetching and
// caching token metadata, and scheduling balance refreshes.
package tokens

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/shubhamdubey02/ethindexer/model"
)

// Topic0 signatures for the three transfer event shapes this service
// recognizes. ERC-20 and ERC-721 share one signature and are disambiguated
// by topic count and data length, per spec §4.E.
var (
	TopicTransfer       = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")
	TopicTransferSingle = common.HexToHash("0xc3d58168c5ae7397731d063d5bbf3d657854427343f4c083240f7aacaa2d0f62")
	TopicTransferBatch  = common.HexToHash("0x4a39dc06d4c0dbc64b70af90fd698a233a518aa5d07e595d983b8c0526c8f7fb")
)

// nonEmptyTopics returns the length of the non-nil prefix of l.Topics: go-ethereum
// logs never have gaps, so the first nil marks the end.
func nonEmptyTopics(l model.Log) int {
	n := 0
	for _, t := range l.Topics {
		if t == nil {
			break
		}
		n++
	}
	return n
}

// Classify reports which token standard, if any, log l's Transfer event
// belongs to. Ambiguous ERC-20/721-shaped entries with 3 topics but empty
// data fall back to ERC20 per spec; entries that don't match any known
// signature return ok=false.
func Classify(l model.Log) (model.TokenType, bool) {
	if l.Topics[0] == nil {
		return "", false
	}
	switch *l.Topics[0] {
	case TopicTransfer:
		switch nonEmptyTopics(l) {
		case 4:
			return model.TokenTypeERC721, true
		case 3:
			return model.TokenTypeERC20, true
		default:
			return "", false
		}
	case TopicTransferSingle:
		if nonEmptyTopics(l) == 4 {
			return model.TokenTypeERC1155, true
		}
	case TopicTransferBatch:
		if nonEmptyTopics(l) == 4 {
			return model.TokenTypeERC1155, true
		}
	}
	return "", false
}

// DeriveTransfers expands the classified logs of one block into
// TokenTransfer rows; ERC-1155 TransferBatch logs expand to one row per
// (id, value) pair, per spec §4.E.2. hasCode is consulted to discard
// transfers emitted by an address with no deployed bytecode (spec §4.E.1's
// "if get_code(address) returns empty the entry is discarded").
func DeriveTransfers(logs []model.Log, hasCode func(addr common.Address) bool) []model.TokenTransfer {
	var out []model.TokenTransfer
	for _, l := range logs {
		tokenType, ok := Classify(l)
		if !ok {
			continue
		}
		if hasCode != nil && !hasCode(l.Address) {
			continue
		}
		switch tokenType {
		case model.TokenTypeERC20:
			out = append(out, model.TokenTransfer{
				ID:              uuid.NewString(),
				TransactionHash: l.TransactionHash,
				BlockNumber:     l.BlockNumber,
				TokenAddress:    l.Address,
				From:            common.BytesToAddress(l.Topics[1].Bytes()),
				To:              common.BytesToAddress(l.Topics[2].Bytes()),
				Amount:          new(big.Int).SetBytes(l.Data).String(),
				TokenType:       model.TokenTypeERC20,
			})
		case model.TokenTypeERC721:
			tokenID := new(big.Int).SetBytes(l.Topics[3].Bytes()).String()
			out = append(out, model.TokenTransfer{
				ID:              uuid.NewString(),
				TransactionHash: l.TransactionHash,
				BlockNumber:     l.BlockNumber,
				TokenAddress:    l.Address,
				From:            common.BytesToAddress(l.Topics[1].Bytes()),
				To:              common.BytesToAddress(l.Topics[2].Bytes()),
				Amount:          "1",
				TokenType:       model.TokenTypeERC721,
				TokenID:         &tokenID,
			})
		case model.TokenTypeERC1155:
			from := common.BytesToAddress(l.Topics[2].Bytes())
			to := common.BytesToAddress(l.Topics[3].Bytes())
			if *l.Topics[0] == TopicTransferSingle {
				id, value, ok := decodeERC1155Single(l.Data)
				if !ok {
					continue
				}
				idStr := id.String()
				out = append(out, model.TokenTransfer{
					ID:              uuid.NewString(),
					TransactionHash: l.TransactionHash,
					BlockNumber:     l.BlockNumber,
					TokenAddress:    l.Address,
					From:            from,
					To:              to,
					Amount:          value.String(),
					TokenType:       model.TokenTypeERC1155,
					TokenID:         &idStr,
				})
				continue
			}
			ids, values, ok := decodeERC1155Batch(l.Data)
			if !ok {
				continue
			}
			for i := range ids {
				idStr := ids[i].String()
				out = append(out, model.TokenTransfer{
					ID:              uuid.NewString(),
					TransactionHash: l.TransactionHash,
					BlockNumber:     l.BlockNumber,
					TokenAddress:    l.Address,
					From:            from,
					To:              to,
					Amount:          values[i].String(),
					TokenType:       model.TokenTypeERC1155,
					TokenID:         &idStr,
				})
			}
		}
	}
	return out
}

const wordSize = 32

// decodeERC1155Single unpacks a non-indexed (uint256 id, uint256 value)
// ABI-encoded pair.
func decodeERC1155Single(data []byte) (*big.Int, *big.Int, bool) {
	if len(data) < 2*wordSize {
		return nil, nil, false
	}
	id := new(big.Int).SetBytes(data[0:wordSize])
	value := new(big.Int).SetBytes(data[wordSize : 2*wordSize])
	return id, value, true
}

// decodeERC1155Batch unpacks a non-indexed (uint256[] ids, uint256[]
// values) ABI-encoded pair: two dynamic arrays, each a length-prefixed
// sequence of words, addressed through their head offsets.
func decodeERC1155Batch(data []byte) ([]*big.Int, []*big.Int, bool) {
	if len(data) < 2*wordSize {
		return nil, nil, false
	}
	idsOffset := new(big.Int).SetBytes(data[0:wordSize]).Int64()
	valuesOffset := new(big.Int).SetBytes(data[wordSize : 2*wordSize]).Int64()

	ids, ok := decodeDynamicArray(data, idsOffset)
	if !ok {
		return nil, nil, false
	}
	values, ok := decodeDynamicArray(data, valuesOffset)
	if !ok {
		return nil, nil, false
	}
	if len(ids) != len(values) {
		return nil, nil, false
	}
	return ids, values, true
}

func decodeDynamicArray(data []byte, offset int64) ([]*big.Int, bool) {
	if offset < 0 || offset+wordSize > int64(len(data)) {
		return nil, false
	}
	length := new(big.Int).SetBytes(data[offset : offset+wordSize]).Int64()
	start := offset + wordSize
	end := start + length*wordSize
	if length < 0 || end > int64(len(data)) {
		return nil, false
	}
	out := make([]*big.Int, length)
	for i := int64(0); i < length; i++ {
		wordStart := start + i*wordSize
		out[i] = new(big.Int).SetBytes(data[wordStart : wordStart+wordSize])
	}
	return out, true
}

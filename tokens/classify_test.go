package tokens

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/shubhamdubey02/ethindexer/model"
)

func topicPtr(h common.Hash) *common.Hash { return &h }

func addrTopic(a common.Address) *common.Hash {
	h := common.BytesToHash(a.Bytes())
	return &h
}

func TestClassifyERC20(t *testing.T) {
	from := common.HexToAddress("0x01")
	to := common.HexToAddress("0x02")
	l := model.Log{
		Topics: [4]*common.Hash{topicPtr(TopicTransfer), addrTopic(from), addrTopic(to), nil},
		Data:   common.LeftPadBytes(big.NewInt(100).Bytes(), 32),
	}
	typ, ok := Classify(l)
	require.True(t, ok)
	require.Equal(t, model.TokenTypeERC20, typ)
}

func TestClassifyERC721(t *testing.T) {
	from := common.HexToAddress("0x01")
	to := common.HexToAddress("0x02")
	tokenID := common.BigToHash(big.NewInt(7))
	l := model.Log{
		Topics: [4]*common.Hash{topicPtr(TopicTransfer), addrTopic(from), addrTopic(to), &tokenID},
	}
	typ, ok := Classify(l)
	require.True(t, ok)
	require.Equal(t, model.TokenTypeERC721, typ)
}

func TestClassifyUnknownTopic(t *testing.T) {
	unknown := common.HexToHash("0xdead")
	l := model.Log{Topics: [4]*common.Hash{&unknown, nil, nil, nil}}
	_, ok := Classify(l)
	require.False(t, ok)
}

func TestDeriveTransfersERC20(t *testing.T) {
	from := common.HexToAddress("0x01")
	to := common.HexToAddress("0x02")
	token := common.HexToAddress("0xaa")
	l := model.Log{
		Address:         token,
		TransactionHash: common.HexToHash("0x99"),
		BlockNumber:     10,
		Topics:          [4]*common.Hash{topicPtr(TopicTransfer), addrTopic(from), addrTopic(to), nil},
		Data:            common.LeftPadBytes(big.NewInt(500).Bytes(), 32),
	}

	transfers := DeriveTransfers([]model.Log{l}, func(common.Address) bool { return true })
	require.Len(t, transfers, 1)
	require.Equal(t, "500", transfers[0].Amount)
	require.Equal(t, model.TokenTypeERC20, transfers[0].TokenType)
	require.Equal(t, from, transfers[0].From)
	require.Equal(t, to, transfers[0].To)
}

func TestDeriveTransfersDiscardsEOAEmitter(t *testing.T) {
	from := common.HexToAddress("0x01")
	to := common.HexToAddress("0x02")
	l := model.Log{
		Topics: [4]*common.Hash{topicPtr(TopicTransfer), addrTopic(from), addrTopic(to), nil},
		Data:   common.LeftPadBytes(big.NewInt(1).Bytes(), 32),
	}
	transfers := DeriveTransfers([]model.Log{l}, func(common.Address) bool { return false })
	require.Empty(t, transfers)
}

func TestDeriveTransfersERC1155Batch(t *testing.T) {
	operator := common.HexToAddress("0x03")
	from := common.HexToAddress("0x01")
	to := common.HexToAddress("0x02")

	// ids = [1, 2], values = [10, 20]; two dynamic arrays each prefixed by
	// offset words, then length + elements.
	data := make([]byte, 0)
	word := func(v int64) []byte { return common.LeftPadBytes(big.NewInt(v).Bytes(), 32) }
	data = append(data, word(64)...)  // offset to ids
	data = append(data, word(160)...) // offset to values
	data = append(data, word(2)...)   // ids length
	data = append(data, word(1)...)
	data = append(data, word(2)...)
	data = append(data, word(2)...) // values length
	data = append(data, word(10)...)
	data = append(data, word(20)...)

	l := model.Log{
		Address:         common.HexToAddress("0xbb"),
		TransactionHash: common.HexToHash("0x99"),
		BlockNumber:     10,
		Topics:          [4]*common.Hash{topicPtr(TopicTransferBatch), addrTopic(operator), addrTopic(from), addrTopic(to)},
		Data:            data,
	}
	transfers := DeriveTransfers([]model.Log{l}, func(common.Address) bool { return true })
	require.Len(t, transfers, 2)
	require.Equal(t, "1", *transfers[0].TokenID)
	require.Equal(t, "10", transfers[0].Amount)
	require.Equal(t, "2", *transfers[1].TokenID)
	require.Equal(t, "20", transfers[1].Amount)
}

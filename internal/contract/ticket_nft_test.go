package contract

import (
	"crypto/sha256"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTicketID = "6f1c1a52-2f44-4f0e-8d0e-6d2f9a3e2a11"

var testContractAddr = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

func newTestContract(t *testing.T) *TicketNFT {
	c, err := NewTicketNFT(testContractAddr)
	require.NoError(t, err)
	return c
}

func mintedLog(t *testing.T, c *TicketNFT, id [16]byte, first, count int64, uri string) types.Log {
	data, err := c.ABI().Events[EventTicketsMinted].Inputs.NonIndexed().Pack(big.NewInt(first), big.NewInt(count), uri)
	require.NoError(t, err)
	return types.Log{
		Address:     testContractAddr,
		Topics:      []common.Hash{c.TicketsMintedTopic(), TicketIDTopic(id)},
		Data:        data,
		BlockNumber: 102,
	}
}

func TestTicketIDConversion(t *testing.T) {
	b, err := TicketIDToBytes16(testTicketID)
	require.NoError(t, err)
	assert.Equal(t, testTicketID, Bytes16ToTicketID(b))

	_, err = TicketIDToBytes16("not-a-uuid")
	assert.ErrorIs(t, err, ErrInvalidTicketID)
}

func TestTicketNFT_PackMintTickets(t *testing.T) {
	c := newTestContract(t)
	id, err := TicketIDToBytes16(testTicketID)
	require.NoError(t, err)

	media := "https://cdn.example.com/cover.png"
	args := &MintTicketsArgs{
		TicketID:        id,
		TokenURI:        "ipfs://QmHash",
		Media:           media,
		MediaHash:       sha256.Sum256([]byte(media)),
		NumberOfTickets: big.NewInt(100),
		Extra:           `{"price":"12.5"}`,
	}

	data, err := c.PackMintTickets(args)
	require.NoError(t, err)
	assert.Equal(t, c.ABI().Methods["mintTickets"].ID, data[:4])

	decoded, err := c.UnpackMintTickets(data)
	require.NoError(t, err)
	assert.Equal(t, args.TicketID, decoded.TicketID)
	assert.Equal(t, args.TokenURI, decoded.TokenURI)
	assert.Equal(t, args.Media, decoded.Media)
	assert.Equal(t, args.MediaHash, decoded.MediaHash)
	assert.Equal(t, 0, args.NumberOfTickets.Cmp(decoded.NumberOfTickets))
	assert.Equal(t, args.Extra, decoded.Extra)
}

func TestTicketNFT_PackMintTickets_Invalid(t *testing.T) {
	c := newTestContract(t)

	_, err := c.PackMintTickets(&MintTicketsArgs{NumberOfTickets: big.NewInt(1)})
	assert.ErrorIs(t, err, ErrInvalidTicketID)

	id, _ := TicketIDToBytes16(testTicketID)
	_, err = c.PackMintTickets(&MintTicketsArgs{TicketID: id, NumberOfTickets: big.NewInt(0)})
	assert.ErrorIs(t, err, ErrInvalidTicketCount)
}

func TestTicketNFT_MintTickets(t *testing.T) {
	c := newTestContract(t)
	id, _ := TicketIDToBytes16(testTicketID)

	opts := &bind.TransactOpts{
		Nonce:    big.NewInt(7),
		GasLimit: 500000,
		GasPrice: big.NewInt(1_000_000_000),
	}
	tx, err := c.MintTickets(opts, &MintTicketsArgs{TicketID: id, NumberOfTickets: big.NewInt(1)})
	require.NoError(t, err)

	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint64(500000), tx.Gas())
	assert.Equal(t, testContractAddr, *tx.To())
	assert.Equal(t, int64(0), tx.Value().Int64())
}

func TestTicketNFT_ParseTicketsMinted(t *testing.T) {
	c := newTestContract(t)
	id, _ := TicketIDToBytes16(testTicketID)

	ev, err := c.ParseTicketsMinted(mintedLog(t, c, id, 100, 3, "ipfs://QmHash"))
	require.NoError(t, err)
	assert.Equal(t, testTicketID, Bytes16ToTicketID(ev.TicketID))
	assert.Equal(t, int64(100), ev.FirstTokenID.Int64())
	assert.Equal(t, int64(3), ev.Count.Int64())
	assert.Equal(t, "ipfs://QmHash", ev.TokenURI)
	assert.Equal(t, uint64(102), ev.Raw.BlockNumber)
}

func TestTicketNFT_ParseTicketsMinted_Malformed(t *testing.T) {
	c := newTestContract(t)
	id, _ := TicketIDToBytes16(testTicketID)

	log := mintedLog(t, c, id, 1, 1, "ipfs://QmHash")
	log.Topics = log.Topics[:1]
	_, err := c.ParseTicketsMinted(log)
	assert.ErrorIs(t, err, ErrNotEnoughTopics)

	log = mintedLog(t, c, id, 1, 1, "ipfs://QmHash")
	log.Topics[0] = c.TransferTopic()
	_, err = c.ParseTicketsMinted(log)
	assert.ErrorIs(t, err, ErrUnexpectedTopic)

	log = mintedLog(t, c, id, 1, 1, "ipfs://QmHash")
	log.Data = log.Data[:10]
	_, err = c.ParseTicketsMinted(log)
	assert.Error(t, err)
}

func TestTicketNFT_EventName(t *testing.T) {
	c := newTestContract(t)

	name, ok := c.EventName(c.TicketsMintedTopic())
	assert.True(t, ok)
	assert.Equal(t, EventTicketsMinted, name)

	name, ok = c.EventName(c.TransferTopic())
	assert.True(t, ok)
	assert.Equal(t, EventTransfer, name)

	_, ok = c.EventName(common.HexToHash("0x01"))
	assert.False(t, ok)
}

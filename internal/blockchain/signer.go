package blockchain

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidPrivateKey = errors.New("invalid private key")

// Signer 链账户签名能力
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction) (*types.Transaction, error)
	Sign(payload []byte) ([]byte, error)
}

// KeySigner 持有服务链账户私钥, 私钥不对外暴露
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	signer  types.Signer
}

// NewKeySigner 从十六进制私钥创建签名器
func NewKeySigner(hexKey string, chainID int64) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return &KeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		signer:  types.NewEIP155Signer(big.NewInt(chainID)),
	}, nil
}

// Address 签名账户地址
func (s *KeySigner) Address() common.Address {
	return s.address
}

// SignTx EIP-155 签名交易
func (s *KeySigner) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	return types.SignTx(tx, s.signer, s.key)
}

// Sign 对 keccak256(payload) 签名, 返回 65 字节 [R || S || V]
func (s *KeySigner) Sign(payload []byte) ([]byte, error) {
	return crypto.Sign(crypto.Keccak256(payload), s.key)
}

// String 只输出地址
func (s *KeySigner) String() string {
	return "KeySigner(" + s.address.Hex() + ")"
}

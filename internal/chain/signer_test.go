package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const testKeyHex = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

func TestNewSignerValidation(t *testing.T) {
	if _, err := NewSigner("", 8453); err == nil {
		t.Fatal("empty key should error")
	}
	if _, err := NewSigner("zz", 8453); err == nil {
		t.Fatal("invalid hex should error")
	}
	if _, err := NewSigner(testKeyHex, 0); err == nil {
		t.Fatal("zero chain id should error")
	}
}

func TestNewSignerAcceptsHexPrefix(t *testing.T) {
	bare, err := NewSigner(testKeyHex, 8453)
	if err != nil {
		t.Fatalf("bare key: %v", err)
	}
	prefixed, err := NewSigner("0x"+testKeyHex, 8453)
	if err != nil {
		t.Fatalf("prefixed key: %v", err)
	}
	if bare.Address() != prefixed.Address() {
		t.Fatal("prefix should not change the derived address")
	}
}

func TestSignProducesDynamicFeeTx(t *testing.T) {
	s, err := NewSigner(testKeyHex, 8453)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	payload := TxPayload{
		Nonce:     7,
		To:        common.HexToAddress("0xAA"),
		Data:      []byte{0x01, 0x02},
		Gas:       210000,
		GasTipCap: big.NewInt(2_000_000_000),
		GasFeeCap: big.NewInt(40_000_000_000),
	}

	tx, err := s.Sign(payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if tx.Type() != types.DynamicFeeTxType {
		t.Fatalf("expected dynamic fee tx, got type %d", tx.Type())
	}
	if tx.Nonce() != 7 {
		t.Fatalf("nonce mismatch: %d", tx.Nonce())
	}
	if tx.GasFeeCap().Cmp(payload.GasFeeCap) != 0 || tx.GasTipCap().Cmp(payload.GasTipCap) != 0 {
		t.Fatal("fee caps must round-trip")
	}
	if tx.ChainId().Int64() != 8453 {
		t.Fatalf("chain id mismatch: %s", tx.ChainId())
	}

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(8453)), tx)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if sender != s.Address() {
		t.Fatalf("recovered sender %s != signer %s", sender, s.Address())
	}
}

func TestSignRejectsIncompletePayload(t *testing.T) {
	s, err := NewSigner(testKeyHex, 8453)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	if _, err := s.Sign(TxPayload{Gas: 21000, GasTipCap: big.NewInt(1)}); err == nil {
		t.Fatal("missing fee cap should error")
	}
	if _, err := s.Sign(TxPayload{GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(2)}); err == nil {
		t.Fatal("missing gas limit should error")
	}
}

package testutil

import (
	"encoding/binary"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/apec-labs/apec-certs-go/pkg/address"
	"github.com/apec-labs/apec-certs-go/pkg/logger"
)

// CreateTestAddress derives a deterministic wallet address from seed.
// Distinct seeds give distinct addresses.
func CreateTestAddress(seed uint64) address.Address {
	var buf [24]byte
	copy(buf[:16], "apec-test-wallet")
	binary.BigEndian.PutUint64(buf[16:], seed)
	return address.Address(crypto.Keccak256Hash(buf[:]))
}

// CreateTestAddresses returns n wallets for seeds 0..n-1, so
// CreateTestAddresses(n+1)[n] is never a member of CreateTestAddresses(n).
func CreateTestAddresses(n int) []address.Address {
	addrs := make([]address.Address, n)
	for i := range addrs {
		addrs[i] = CreateTestAddress(uint64(i))
	}
	return addrs
}

// CreateOutsider returns a wallet that is not part of CreateTestAddresses(n) for any n below 1<<32.
func CreateOutsider(i int) address.Address {
	return CreateTestAddress(1<<32 + uint64(i))
}

// NewTestLogger returns a production-config logger, or a no-op logger in -short mode.
func NewTestLogger(t *testing.T) *zap.Logger {
	t.Helper()
	if testing.Short() {
		return zap.NewNop()
	}
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	require.NoError(t, err)
	return l
}

package forger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgenet/posnode/internal/chain"
	"github.com/forgenet/posnode/internal/chainstate"
	"github.com/forgenet/posnode/internal/keys"
)

func mustKeyPair(t *testing.T) *keys.KeyPair {
	t.Helper()
	kp, err := keys.Generate()
	require.NoError(t, err)
	return kp
}

func stakeWithFunds(t *testing.T, cs *chainstate.Chainstate, amount uint64) (*keys.KeyPair, *chain.Transaction) {
	t.Helper()
	signer := mustKeyPair(t)
	cs.ApplyTransaction(chain.NewCoinbase(signer.Address, amount+1))
	stake := chain.NewStake(signer, amount, 0)
	cs.ApplyTransaction(stake)
	return signer, stake
}

func TestElectReturnsNoWinnerWithNoStakers(t *testing.T) {
	cs := chainstate.New()
	result := Elect(cs, "1xdeadbeef")
	assert.False(t, result.Elected)
}

func TestElectIsDeterministicForSameInputs(t *testing.T) {
	cs := chainstate.New()
	_, stake := stakeWithFunds(t, cs, 100)

	r1 := Elect(cs, stake.Hash)
	r2 := Elect(cs, stake.Hash)
	require.True(t, r1.Elected)
	require.True(t, r2.Elected)
	assert.Equal(t, r1.Address, r2.Address)
}

func TestElectSkipsRecentForger(t *testing.T) {
	cs := chainstate.New()
	signer, stake := stakeWithFunds(t, cs, 100)
	cs.AddRecentForger(signer.Address)

	result := Elect(cs, stake.Hash)
	assert.False(t, result.Elected)
}

func TestElectSkipsPunishedForger(t *testing.T) {
	cs := chainstate.New()
	signer, stake := stakeWithFunds(t, cs, 100)
	cs.Punish(signer.Address, 1)

	result := Elect(cs, stake.Hash)
	assert.False(t, result.Elected)
}

func TestElectFallsBackToShorterPrefixAcrossMultipleStakers(t *testing.T) {
	cs := chainstate.New()
	signerA, _ := stakeWithFunds(t, cs, 10)
	signerB, _ := stakeWithFunds(t, cs, 20)

	cs.AddRecentForger(signerB.Address)

	// No stake hash ("1x<hex>") contains 'z', so every prefix longer than
	// "1x" misses; the search falls back to k=2, where every stake hash
	// matches, and with signerB disqualified the only remaining staker (A)
	// wins.
	result := Elect(cs, "1xzzzz")
	assert.True(t, result.Elected)
	assert.Equal(t, signerA.Address, result.Address)
}

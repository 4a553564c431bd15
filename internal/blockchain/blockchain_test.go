package blockchain

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgenet/posnode/internal/chain"
	"github.com/forgenet/posnode/internal/forger"
	"github.com/forgenet/posnode/internal/keys"
)

func mustKeyPair(t *testing.T) *keys.KeyPair {
	t.Helper()
	kp, err := keys.Generate()
	require.NoError(t, err)
	return kp
}

// testChain wires a fresh Blockchain with a genesis block (index 1) minting
// to genesisSigner and a zero-amount bootstrap stake from standbyForger, the
// minimum needed for a second block to be forgeable at all (genesisSigner
// itself is disqualified from forging block 2 by the no-back-to-back rule).
type testChain struct {
	bc             *Blockchain
	genesisSigner  *keys.KeyPair
	standbyForger  *keys.KeyPair
	genesisBalance uint64
}

func newTestChain(t *testing.T) *testChain {
	t.Helper()
	genesisSigner := mustKeyPair(t)
	standbyForger := mustKeyPair(t)
	store := NewMemoryBlockStore()
	bc := New(store, 20, zerolog.Nop())

	genesisBlock := CreateGenesisBlock(genesisSigner, standbyForger, 1_000_000, 1_700_000_000)
	require.NoError(t, bc.Append(context.Background(), genesisBlock))
	return &testChain{bc: bc, genesisSigner: genesisSigner, standbyForger: standbyForger, genesisBalance: 1_000_000}
}

func TestAppendGenesisSetsChainState(t *testing.T) {
	tc := newTestChain(t)

	index, ok := tc.bc.CurrentIndex()
	require.True(t, ok)
	assert.Equal(t, uint64(1), index)

	cs := tc.bc.Chainstate()
	assert.Equal(t, uint64(1_000_000), cs.Account(tc.genesisSigner.Address).Balance)
	require.Len(t, cs.RecentStakes, 1)
	assert.Equal(t, tc.standbyForger.Address, cs.RecentStakes[0].From)
}

func TestAppendRejectsWrongPreviousHash(t *testing.T) {
	tc := newTestChain(t)
	lastHash, _ := tc.bc.LastHash()
	bogus := "1xnotarealhash"

	coinbase := chain.NewCoinbase(tc.standbyForger.Address, 1)
	block := chain.NewBlock(2, &bogus, []*chain.Transaction{coinbase}, 1_700_000_001, tc.standbyForger.Public.SerializeCompressed())
	block.Finalize(tc.standbyForger)

	err := tc.bc.Append(context.Background(), block)
	assert.ErrorIs(t, err, ErrInvalidPreviousHash)

	stillLast, _ := tc.bc.LastHash()
	assert.Equal(t, lastHash, stillLast)
}

func TestAppendSecondBlockByElectedForger(t *testing.T) {
	tc := newTestChain(t)

	lastHash, _ := tc.bc.LastHash()
	coinbase := chain.NewCoinbase(tc.standbyForger.Address, 10)
	block := chain.NewBlock(2, &lastHash, []*chain.Transaction{coinbase}, 1_700_000_010, tc.standbyForger.Public.SerializeCompressed())
	block.Finalize(tc.standbyForger)

	require.NoError(t, tc.bc.Append(context.Background(), block))

	index, _ := tc.bc.CurrentIndex()
	assert.Equal(t, uint64(2), index)
}

func TestAppendRejectsBackToBackForging(t *testing.T) {
	tc := newTestChain(t)

	// genesisSigner forged block 1; it may not also forge block 2, even if
	// (hypothetically) it were electable.
	lastHash, _ := tc.bc.LastHash()
	coinbase := chain.NewCoinbase(tc.genesisSigner.Address, 10)
	block := chain.NewBlock(2, &lastHash, []*chain.Transaction{coinbase}, 1_700_000_010, tc.genesisSigner.Public.SerializeCompressed())
	block.Finalize(tc.genesisSigner)

	err := tc.bc.Append(context.Background(), block)
	assert.ErrorIs(t, err, ErrInvalidBlockForger)
}

func TestAppendRejectsWrongForger(t *testing.T) {
	tc := newTestChain(t)
	impostor := mustKeyPair(t)

	lastHash, _ := tc.bc.LastHash()
	coinbase := chain.NewCoinbase(impostor.Address, 10)
	block := chain.NewBlock(2, &lastHash, []*chain.Transaction{coinbase}, 1_700_000_010, impostor.Public.SerializeCompressed())
	block.Finalize(impostor)

	err := tc.bc.Append(context.Background(), block)
	assert.ErrorIs(t, err, ErrInvalidBlockForger)
}

func TestAppendRejectsMultipleCoinbase(t *testing.T) {
	tc := newTestChain(t)
	lastHash, _ := tc.bc.LastHash()

	c1 := chain.NewCoinbase(tc.standbyForger.Address, 10)
	c2 := chain.NewCoinbase(tc.standbyForger.Address, 20)
	block := chain.NewBlock(2, &lastHash, []*chain.Transaction{c1, c2}, 1_700_000_010, tc.standbyForger.Public.SerializeCompressed())
	block.Finalize(tc.standbyForger)

	err := tc.bc.Append(context.Background(), block)
	assert.ErrorIs(t, err, chain.ErrMultipleCoinbase)
}

func TestLostBlockDrainAppliesOutOfOrderBlocks(t *testing.T) {
	tc := newTestChain(t)

	// recent_forgers has a window of 2: with only two ever-staked
	// addresses (genesisSigner, standbyForger), both stay disqualified
	// forever once each has forged once. Stake two more zero-amount
	// candidates in block 2 so blocks 3 and 4 have someone eligible.
	thirdForger := mustKeyPair(t)
	fourthForger := mustKeyPair(t)

	lastHash, _ := tc.bc.LastHash()

	b1 := chain.NewBlock(2, &lastHash, []*chain.Transaction{
		chain.NewCoinbase(tc.standbyForger.Address, 1),
		chain.NewStake(thirdForger, 0, 0),
		chain.NewStake(fourthForger, 0, 0),
	}, 1_700_000_020, tc.standbyForger.Public.SerializeCompressed())
	b1.Finalize(tc.standbyForger)

	// Block 3 goes to whichever new staker the election picks over b1's
	// hash; the other one is then the only eligible forger for block 4.
	preview := tc.bc.Chainstate()
	for _, tx := range b1.Transactions {
		preview.ApplyTransaction(tx)
	}
	preview.AddRecentForger(tc.standbyForger.Address)
	forger3, forger4 := thirdForger, fourthForger
	if forger.Elect(preview, b1.Hash).Address == fourthForger.Address {
		forger3, forger4 = fourthForger, thirdForger
	}

	b2 := chain.NewBlock(3, &b1.Hash, []*chain.Transaction{chain.NewCoinbase(forger3.Address, 1)}, 1_700_000_030, forger3.Public.SerializeCompressed())
	b2.Finalize(forger3)

	b3 := chain.NewBlock(4, &b2.Hash, []*chain.Transaction{chain.NewCoinbase(forger4.Address, 1)}, 1_700_000_040, forger4.Public.SerializeCompressed())
	b3.Finalize(forger4)

	err := tc.bc.Append(context.Background(), b3)
	assert.ErrorIs(t, err, ErrInvalidPreviousHash)
	tc.bc.AddLostBlock(b3)

	err = tc.bc.Append(context.Background(), b2)
	assert.ErrorIs(t, err, ErrInvalidPreviousHash)
	tc.bc.AddLostBlock(b2)

	assert.Equal(t, 2, tc.bc.LostBlockCount())

	require.NoError(t, tc.bc.Append(context.Background(), b1))

	index, _ := tc.bc.CurrentIndex()
	assert.Equal(t, uint64(4), index)
	assert.Equal(t, 0, tc.bc.LostBlockCount())
}

func TestLoadFromStoreReplaysChainstate(t *testing.T) {
	genesisSigner := mustKeyPair(t)
	standbyForger := mustKeyPair(t)
	store := NewMemoryBlockStore()
	genesisBlock := CreateGenesisBlock(genesisSigner, standbyForger, 1_000_000, 1_700_000_000)
	require.NoError(t, store.Put(context.Background(), genesisBlock))

	bc := New(store, 20, zerolog.Nop())
	require.NoError(t, bc.LoadFromStore(context.Background()))

	index, ok := bc.CurrentIndex()
	require.True(t, ok)
	assert.Equal(t, uint64(1), index)
	assert.Equal(t, uint64(1_000_000), bc.Chainstate().Account(genesisSigner.Address).Balance)
}

func TestPunishMissedForgerFlagsAndReelects(t *testing.T) {
	tc := newTestChain(t)

	before := tc.bc.NextForger()
	require.True(t, before.Elected)
	assert.False(t, tc.bc.LastForgerMissed())

	punished, ok := tc.bc.PunishMissedForger()
	require.True(t, ok)
	assert.Equal(t, before.Address, punished)
	assert.True(t, tc.bc.LastForgerMissed())

	cs := tc.bc.Chainstate()
	assert.True(t, cs.IsPunished(punished))
}

func TestLastTimestampReflectsMostRecentBlock(t *testing.T) {
	tc := newTestChain(t)
	ts, ok := tc.bc.LastTimestamp()
	require.True(t, ok)
	assert.Equal(t, int64(1_700_000_000), ts)
}

func TestTailReturnsAppendedBlocksNewestLast(t *testing.T) {
	tc := newTestChain(t)

	lastHash, _ := tc.bc.LastHash()
	coinbase := chain.NewCoinbase(tc.standbyForger.Address, 10)
	block := chain.NewBlock(2, &lastHash, []*chain.Transaction{coinbase}, 1_700_000_010, tc.standbyForger.Public.SerializeCompressed())
	block.Finalize(tc.standbyForger)
	require.NoError(t, tc.bc.Append(context.Background(), block))

	tail := tc.bc.Tail()
	require.Len(t, tail, 2)
	assert.Equal(t, uint64(1), tail[0].Index)
	assert.Equal(t, uint64(2), tail[1].Index)
}

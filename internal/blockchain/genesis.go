package blockchain

import (
	"github.com/forgenet/posnode/internal/chain"
	"github.com/forgenet/posnode/internal/keys"
)

// CreateGenesisBlock builds block index 1: a coinbase transaction minting
// genesisBalance to genesisSigner (matching end-to-end scenario S1 in spec
// §8 exactly — the genesis address's balance is genesisBalance and its
// nonce is untouched), signed by genesisSigner as its own forger.
//
// A second, zero-amount Stake transaction from standbyForger is appended
// after the coinbase to seed the forger candidate pool. Without it,
// recent_stakes would be empty after genesis and elect() could never
// return a winner for block 2 — the no-back-to-back-forging rule already
// disqualifies genesisSigner from forging the very next block, so some
// other staked address has to exist before forging can continue.
// standbyForger's own balance is unaffected by a zero-amount self-stake
// (its nonce advances to 1), and genesisSigner's balance/nonce are untouched by it
// entirely, so S1 and S2's literal values hold regardless.
func CreateGenesisBlock(genesisSigner, standbyForger *keys.KeyPair, genesisBalance uint64, timestamp int64) *chain.Block {
	coinbase := chain.NewCoinbase(genesisSigner.Address, genesisBalance)
	bootstrapStake := chain.NewStake(standbyForger, 0, 0)
	block := chain.NewBlock(1, nil, []*chain.Transaction{coinbase, bootstrapStake}, timestamp, genesisSigner.Public.SerializeCompressed())
	block.Finalize(genesisSigner)
	return block
}

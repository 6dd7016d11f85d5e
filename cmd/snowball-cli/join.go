package main

import (
	"crypto/rand"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/luxfi/snowball/internal/curve"
	"github.com/luxfi/snowball/internal/facilitator"
	"github.com/luxfi/snowball/internal/hash"
	"github.com/luxfi/snowball/pkg/primitives"
	"github.com/luxfi/snowball/pkg/txmodel"
	"github.com/luxfi/snowball/protocols/snowball"
)

var joinFacilitatorURL string

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a facilitator's pool",
	Long:  `Generate a fresh wallet identity, mint a demo self-owned UTXO, and POST a pool join request to a facilitator.`,
	RunE:  runJoin,
}

func init() {
	joinCmd.Flags().StringVar(&joinFacilitatorURL, "facilitator", "http://localhost:8080", "facilitator base URL")
}

func runJoin(cmd *cobra.Command, args []string) error {
	secret, err := curve.RandomScalar(rand.Reader)
	if err != nil {
		return fmt.Errorf("join: generate identity: %w", err)
	}
	public := secret.ActOnBase()
	seed, err := snowball.NewSessionSeed()
	if err != nil {
		return fmt.Errorf("join: generate seed: %w", err)
	}

	// Mint a demo UTXO this wallet already "owns", so that joining a real
	// pool has an input claim to advertise. A production wallet would
	// instead pull a previously-received output and its gamma/delta out
	// of its own store.
	gamma, err := curve.RandomScalar(rand.Reader)
	if err != nil {
		return fmt.Errorf("join: generate gamma: %w", err)
	}
	delta, err := curve.RandomScalar(rand.Reader)
	if err != nil {
		return fmt.Errorf("join: generate delta: %w", err)
	}
	proposed := &txmodel.ProposedUTXO{
		Recipient: public,
		Amount:    1000,
		Gamma:     gamma,
		Delta:     delta,
	}
	body, err := proposed.Build(primitives.DefaultRangeProver{})
	if err != nil {
		return fmt.Errorf("join: mint demo input: %w", err)
	}
	bodyBytes, err := txmodel.EncodeUTXOBody(body)
	if err != nil {
		return fmt.Errorf("join: encode demo input: %w", err)
	}
	var txInHash [32]byte
	copy(txInHash[:], hash.Sum256("txin", body.Recipient.Bytes(), body.Commitment.Bytes()))

	claimSecret := txmodel.ClaimSecret(secret, []txmodel.ClaimedInput{{Gamma: gamma, Delta: delta}})
	sig, err := primitives.Sign(claimSecret, txInHash[:])
	if err != nil {
		return fmt.Errorf("join: sign ownership claim: %w", err)
	}

	join := snowball.PoolJoin{
		Seed:               seed,
		TxInHashes:         [][32]byte{txInHash},
		UTXOBodies:         [][]byte{bodyBytes},
		OwnershipSignature: sig.Bytes(),
	}
	if err := facilitator.ClientJoin(joinFacilitatorURL, public.Bytes(), join); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	fmt.Printf("joined %s as network key %x\n", joinFacilitatorURL, public.Bytes())
	return nil
}

package main

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/luxfi/snowball/internal/curve"
	itest "github.com/luxfi/snowball/internal/test"
	"github.com/luxfi/snowball/internal/transport"
	"github.com/luxfi/snowball/pkg/party"
	"github.com/luxfi/snowball/pkg/primitives"
	"github.com/luxfi/snowball/pkg/txmodel"
	"github.com/luxfi/snowball/protocols/snowball"
)

var (
	simulateParties int
	simulateRounds  int
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Simulate a mixing session",
	Long:  `Run a full Snowball session over an in-memory network among N simulated wallets.`,
	RunE:  runSimulate,
}

func init() {
	simulateCmd.Flags().IntVarP(&simulateParties, "parties", "N", 5, "number of simulated wallets")
	simulateCmd.Flags().IntVar(&simulateRounds, "max-iters", 200, "maximum driver passes before giving up")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	if simulateParties < 3 {
		return fmt.Errorf("simulate: need at least 3 parties, got %d", simulateParties)
	}

	ctx := context.Background()
	identities, err := itest.PartyIDs(simulateParties)
	if err != nil {
		return fmt.Errorf("simulate: generate identities: %w", err)
	}
	members := itest.IDList(identities)
	net := transport.NewNetwork(members)

	sessions := make([]*snowball.Session, len(identities))
	for i, id := range identities {
		idx := i
		identity := snowball.Identity{SigningSecret: id.Secret, SigningPublic: id.Public}
		sink := snowball.EventSink{
			OnPhase: func(p snowball.Phase) {
				if verbose {
					fmt.Printf("wallet %d: entered %s\n", idx, p)
				}
			},
			OnExclude: func(excluded party.ID, reason error) {
				fmt.Printf("wallet %d: excluding a peer: %v\n", idx, reason)
			},
			OnRestart: func(reason error) {
				fmt.Printf("wallet %d: restarting: %v\n", idx, reason)
			},
		}
		sessions[i] = snowball.NewSession(snowball.DefaultParams(), identity, id.ID, primitives.DefaultRangeProver{}, net.Endpoint(id.ID), sink)
	}

	poolMembers := make([]snowball.PoolMember, len(members))
	for i, id := range members {
		poolMembers[i] = snowball.PoolMember{ID: id}
	}

	for i, sess := range sessions {
		proposed := []*txmodel.ProposedUTXO{randomOutput(int64(1000 * (i + 1)))}
		if err := sess.BeginRound(ctx, poolMembers, proposed, snowball.SessionID{}, 0); err != nil {
			return fmt.Errorf("simulate: wallet %d begin round: %w", i, err)
		}
	}

	driveUntilQuiescent(ctx, sessions, net, members, simulateRounds)

	finished := 0
	for i, sess := range sessions {
		if sess.Phase() == snowball.PoolFinished {
			finished++
			continue
		}
		fmt.Printf("wallet %d ended in phase %s\n", i, sess.Phase())
	}
	fmt.Printf("%d/%d wallets reached PoolFinished\n", finished, len(sessions))
	return nil
}

func randomOutput(amount int64) *txmodel.ProposedUTXO {
	recipientSecret, _ := curve.RandomScalar(rand.Reader)
	gamma, _ := curve.RandomScalar(rand.Reader)
	delta, _ := curve.RandomScalar(rand.Reader)
	return &txmodel.ProposedUTXO{
		Recipient: recipientSecret.ActOnBase(),
		Amount:    amount,
		Gamma:     gamma,
		Delta:     delta,
	}
}

// driveUntilQuiescent pumps every session's inbox and advances its phase
// until a full pass moves nothing, standing in for the event loop a real
// wallet process runs against its own transport.
func driveUntilQuiescent(ctx context.Context, sessions []*snowball.Session, net *transport.Network, ids party.List, maxIters int) {
	for iter := 0; iter < maxIters; iter++ {
		progressed := false
		for i, sess := range sessions {
			inbox := net.Inbox(ids[i])
		drain:
			for {
				select {
				case env := <-inbox:
					_ = sess.Deliver(ctx, env)
					progressed = true
				default:
					break drain
				}
			}
			_ = sess.AdvancePhase(ctx)
		}
		if !progressed {
			return
		}
	}
}

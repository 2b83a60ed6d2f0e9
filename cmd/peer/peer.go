package main

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"

	"github.com/gotchoices/optimystic/internal/block"
	"github.com/gotchoices/optimystic/internal/chainlog"
	"github.com/gotchoices/optimystic/internal/consensus"
	"github.com/gotchoices/optimystic/internal/netface"
	"github.com/gotchoices/optimystic/internal/repo"
	"github.com/gotchoices/optimystic/internal/routing"
	"github.com/gotchoices/optimystic/internal/transactor"
)

// applyBlockOp materializes committed update ops on a peer's Repo:
// chain-owned blocks route through chainlog.ApplyOp, everything else
// treats its payload as an append-only byte log (the only data-block
// op the demos stage).
func applyBlockOp(b *block.Block, op block.Op) (*block.Block, error) {
	switch b.Type {
	case block.TypeLogHeader, block.TypeLogData:
		return chainlog.ApplyOp(b, op)
	default:
		cp := b.Clone()
		cp.Payload = append(cp.Payload, op.Data...)
		return cp, nil
	}
}

// member is everything cohort wiring keeps per simulated peer.
type member struct {
	id          peer.ID
	repo        *repo.Repo
	router      *routing.Router
	transactor  *transactor.Transactor
	crypto      *netface.LocalCryptoProvider
}

// cohort is a single process's view of a simulated optimystic network:
// one netface.InProcess transport shared by n independently keyed
// peers, each with its own Repo, Router and Transactor; cohortSize is
// the number of peers the transport resolves per key's cluster.
type cohort struct {
	network *netface.InProcess
	members []*member
}

// buildCohort stands up n simulated peers over a shared InProcess
// network. Every peer gets the full stack; there is no separate
// coordinator role. disableSelfCoord forbids every simulated peer the
// coordinator role (the routing guard's config switch).
func buildCohort(n, cohortSize int, disableSelfCoord bool, m *metrics, logger zerolog.Logger) (*cohort, error) {
	if n < 1 {
		return nil, fmt.Errorf("peer: cohort size must be at least 1, got %d", n)
	}
	network := netface.NewInProcess(cohortSize)

	c := &cohort{network: network}
	for i := 0; i < n; i++ {
		id := peer.ID(fmt.Sprintf("peer-%02d", i))

		priv, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, fmt.Errorf("peer: generate key for %s: %w", id, err)
		}
		signer := consensus.NewSecp256k1Signer(priv)
		crypto := netface.NewLocalCryptoProvider(id, signer)

		plog := logger.With().Str("peer", string(id)).Logger()
		r := repo.New(repo.NewMemoryStorage(), applyBlockOp, plog.With().Str("component", "repo").Logger())
		network.Register(id, r, priv.PubKey(), signer)

		router, err := routing.New(network, network, id, plog.With().Str("component", "routing").Logger())
		if err != nil {
			return nil, fmt.Errorf("peer: build router for %s: %w", id, err)
		}
		router.OnGuardTrip(m.guardTrips.Inc)
		router.SetSelfCoordinationDisabled(disableSelfCoord)

		tx := transactor.New(router, network, network, crypto, plog.With().Str("component", "transactor").Logger())

		c.members = append(c.members, &member{id: id, repo: r, router: router, transactor: tx, crypto: crypto})
	}
	return c, nil
}

package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/polyswarm/internal/backoff"
	"github.com/alanyoungcy/polyswarm/internal/config"
	"github.com/alanyoungcy/polyswarm/internal/crypto"
	"github.com/alanyoungcy/polyswarm/internal/domain"
	"github.com/alanyoungcy/polyswarm/internal/executor"
	"github.com/alanyoungcy/polyswarm/internal/feed"
	"github.com/alanyoungcy/polyswarm/internal/venue/paper"
	"github.com/alanyoungcy/polyswarm/internal/venue/polymarket"
)

// VenueSet is everything the agents need from the trading venue. Stream
// and Auth are nil when unused.
type VenueSet struct {
	Source    string
	Markets   feed.MarketSource
	Books     executor.BookSource
	Stream    feed.BookStream
	Submitter executor.Submitter
	Auth      domain.Authenticator
	// Credentials lists what live trading needs, by name. Empty values are
	// reported missing at preflight.
	Credentials map[string]string
}

// WireVenue picks the market source and the submitter. Paper mode walks
// real (or simulated) books without placing orders; live mode signs and
// submits through the venue behind a circuit breaker.
func WireVenue(cfg *config.Config, logger *slog.Logger) (*VenueSet, error) {
	if cfg.Feed.Source == "simulated" {
		sim := paper.New(paper.Config{
			Markets:      cfg.Feed.SimMarkets,
			Seed:         cfg.Feed.SimSeed,
			Balance:      cfg.Executor.PaperBalance,
			MispriceOdds: cfg.Feed.SimMispriceOdds,
		})
		return &VenueSet{
			Source:    "simulated",
			Markets:   sim,
			Books:     sim,
			Submitter: executor.NewPaperSubmitter(sim, cfg.Executor.PaperBalance),
		}, nil
	}

	var signer *crypto.Signer
	key, err := crypto.ResolveKey(crypto.KeySource{
		RawKey:   cfg.Wallet.PrivateKey,
		FilePath: cfg.Wallet.EncryptedKeyPath,
		Password: cfg.Wallet.KeyPassword,
	})
	switch {
	case errors.Is(err, crypto.ErrNoKey):
	case err != nil:
		return nil, fmt.Errorf("wire: wallet key: %w", err)
	case cfg.Live():
		if signer, err = crypto.NewSigner(key, int64(cfg.Polymarket.ChainID)); err != nil {
			return nil, fmt.Errorf("wire: signer: %w", err)
		}
	}

	client := polymarket.New(polymarket.Config{
		ClobURL:       cfg.Polymarket.ClobHost,
		GammaURL:      cfg.Polymarket.GammaHost,
		ChainID:       int64(cfg.Polymarket.ChainID),
		SignatureType: cfg.Polymarket.SignatureType,
		Funder:        cfg.Wallet.SafeAddress,
		Credentials: crypto.L2Credentials{
			Key:        cfg.Polymarket.ApiKey,
			Secret:     cfg.Polymarket.ApiSecret,
			Passphrase: cfg.Polymarket.ApiPassphrase,
		},
		MarketLimit:   cfg.Polymarket.MarketLimit,
		Timeout:       cfg.Polymarket.Timeout.Duration,
		RatePerSecond: cfg.Feed.RatePerSecond,
	}, signer, logger)

	vs := &VenueSet{Source: "polymarket", Markets: client, Books: client}
	if cfg.Feed.UseWebsocket && cfg.Polymarket.WsHost != "" {
		policy := backoff.Policy{Base: cfg.Runtime.BackoffBase.Duration, Max: cfg.Runtime.BackoffMax.Duration}
		vs.Stream = polymarket.NewBookStream(cfg.Polymarket.WsHost, policy, nil, logger)
	}

	if !cfg.Live() {
		vs.Submitter = executor.NewPaperSubmitter(client, cfg.Executor.PaperBalance)
		return vs, nil
	}
	vs.Submitter = executor.NewLiveSubmitter(client, executor.BreakerSettings{
		ConsecutiveFailures: uint32(cfg.Executor.BreakerFailures),
		OpenFor:             cfg.Executor.BreakerOpenFor.Duration,
	}, logger)
	vs.Auth = client
	vs.Credentials = map[string]string{"wallet private key": key}
	return vs, nil
}

package main

import (
	"context"
	"fmt"
	"math"

	"github.com/spf13/cobra"

	"github.com/quantpulse/btcstream/internal/aggregate"
	"github.com/quantpulse/btcstream/internal/config"
	"github.com/quantpulse/btcstream/internal/hotstate"
	"github.com/quantpulse/btcstream/internal/ingest"
	"github.com/quantpulse/btcstream/internal/models"
)

// selftestCmd runs a deterministic in-process scenario through the real
// aggregation path and verifies the derived state against known values.
func selftestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "selftest",
		Short: "Verify the aggregation math against a fixed scenario",
		RunE: func(*cobra.Command, []string) error {
			return runSelftest()
		},
	}
}

func runSelftest() error {
	cfg := config.Default()
	store := hotstate.New()
	feed := ingest.NewChannelFeed(16)
	agg := aggregate.New(cfg, store, nil, nil, feed.Events())

	feed.Push(models.BookTickerEvent{
		Sym: cfg.Symbol, EventTS: 1_000_000,
		BidPx: 100.00, BidSz: 1, AskPx: 100.02, AskSz: 1,
	})
	feed.Push(models.TradeEvent{
		Sym: cfg.Symbol, EventTS: 1_100_000, SeqID: 1, TradeID: 1,
		Price: 100.01, Size: 0.5, BuyerIsMaker: false,
	})
	feed.Push(models.TradeEvent{
		Sym: cfg.Symbol, EventTS: 1_200_000, SeqID: 2, TradeID: 2,
		Price: 100.02, Size: 0.3, BuyerIsMaker: true,
	})
	feed.Close()

	if err := agg.Run(context.Background()); err != nil {
		return fmt.Errorf("selftest aggregation: %w", err)
	}

	bundle, rev, ok := store.Revision()
	if !ok {
		return fmt.Errorf("selftest: no complete state after scenario")
	}

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"last_trade_price", bundle.Book.LastTradePx, 100.02},
		{"mid", bundle.Book.Mid(), 100.01},
		{"spread_bp", bundle.Book.SpreadBps(), 2.0},
		{"volume_1s", bundle.Stats1s.Volume, 0.8},
		{"signed_volume_1s", bundle.Stats1s.SignedVolume, 0.2},
		{"vwap_1s", bundle.Stats1s.VWAP, 100.01375},
		{"completeness", bundle.Vector.Completeness, 1.0},
	}

	failed := 0
	for _, c := range checks {
		status := "ok"
		if math.Abs(c.got-c.want) > 1e-9 {
			status = "FAIL"
			failed++
		}
		fmt.Printf("%-18s got=%-12.6f want=%-12.6f %s\n", c.name, c.got, c.want, status)
	}
	fmt.Printf("revision=%d features_missing=%d\n", rev, bundle.Vector.MissingCount())

	if failed > 0 {
		return fmt.Errorf("selftest: %d check(s) failed", failed)
	}
	fmt.Println("selftest passed")
	return nil
}

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/quantpulse/btcstream/internal/aggregate"
	"github.com/quantpulse/btcstream/internal/hotstate"
	"github.com/quantpulse/btcstream/internal/infer"
	"github.com/quantpulse/btcstream/internal/metrics"
	"github.com/quantpulse/btcstream/internal/models"
	"github.com/quantpulse/btcstream/internal/reanchor"
)

// Server exposes the operational HTTP surface: health, metrics, the latest
// prediction, and a hot-state summary. It never exposes mutating endpoints.
type Server struct {
	addr    string
	symbol  string
	store   *hotstate.Store
	agg     *aggregate.Aggregator
	coord   *reanchor.Coordinator
	ticker  *infer.Ticker
	metrics *metrics.Registry
	started time.Time
}

// New wires the server against its read-only dependencies. Any may be nil;
// the corresponding health section is then omitted.
func New(addr, symbol string, store *hotstate.Store, agg *aggregate.Aggregator,
	coord *reanchor.Coordinator, ticker *infer.Ticker, m *metrics.Registry) *Server {
	return &Server{
		addr:    addr,
		symbol:  symbol,
		store:   store,
		agg:     agg,
		coord:   coord,
		ticker:  ticker,
		metrics: m,
		started: time.Now(),
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/prediction", s.handlePrediction).Methods(http.MethodGet)
	r.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info().Str("addr", s.addr).Msg("HTTP server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type healthResponse struct {
	Status     string           `json:"status"`
	Symbol     string           `json:"symbol"`
	UptimeSec  float64          `json:"uptime_seconds"`
	Revision   uint64           `json:"revision"`
	HasState   bool             `json:"has_state"`
	Aggregator *aggregate.Stats `json:"aggregator,omitempty"`
	Reanchor   *reanchor.Status `json:"reanchor,omitempty"`
	Inference  *infer.TickStats `json:"inference,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Symbol:    s.symbol,
		UptimeSec: time.Since(s.started).Seconds(),
	}
	if s.store != nil {
		_, rev, ok := s.store.Revision()
		resp.Revision = rev
		resp.HasState = ok
		if !ok {
			resp.Status = "starting"
		}
	}
	if s.agg != nil {
		st := s.agg.Stats()
		resp.Aggregator = &st
	}
	if s.coord != nil {
		st := s.coord.Status()
		resp.Reanchor = &st
		if st.State == reanchor.StateDegraded {
			resp.Status = "degraded"
		}
	}
	if s.ticker != nil {
		st := s.ticker.Stats()
		resp.Inference = &st
	}

	code := http.StatusOK
	if resp.Status == "degraded" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handlePrediction(w http.ResponseWriter, _ *http.Request) {
	if s.ticker == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "inference disabled"})
		return
	}
	p, ok := s.ticker.LastPrediction()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no prediction yet"})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type stateResponse struct {
	Revision     uint64              `json:"revision"`
	Symbol       string              `json:"symbol"`
	BestBid      float64             `json:"best_bid"`
	BestAsk      float64             `json:"best_ask"`
	Mid          float64             `json:"mid"`
	SpreadBps    float64             `json:"spread_bp"`
	LastTrade    float64             `json:"last_trade_price"`
	Bids         []models.PriceLevel `json:"bids"`
	Asks         []models.PriceLevel `json:"asks"`
	Completeness float64             `json:"feature_completeness"`
	DataAgeMS    int64               `json:"feature_age_ms"`
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	bundle, rev, ok := s.store.Revision()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "state not initialized"})
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{
		Revision:     rev,
		Symbol:       bundle.Book.Symbol,
		BestBid:      bundle.Book.BestBidPx,
		BestAsk:      bundle.Book.BestAskPx,
		Mid:          bundle.Book.Mid(),
		SpreadBps:    bundle.Book.SpreadBps(),
		LastTrade:    bundle.Book.LastTradePx,
		Bids:         bundle.Book.Bids,
		Asks:         bundle.Book.Asks,
		Completeness: bundle.Vector.Completeness,
		DataAgeMS:    bundle.Vector.DataAgeMS,
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Response encode failed")
	}
}

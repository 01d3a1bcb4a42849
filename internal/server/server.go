package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"SettleLedger/internal/ledger"
	"SettleLedger/internal/observability"
	"SettleLedger/internal/store"
)

// QueryStore is the read-only slice of the persistence facade the HTTP
// query endpoints serve from.
type QueryStore interface {
	GetByID(ctx context.Context, transferID string) (*store.TransferView, error)
	PositionByCurrencyID(ctx context.Context, participantCurrencyID int64) (*store.ParticipantPosition, error)
}

// Server hosts the gRPC endpoint (health + reflection) and the HTTP surface:
// probes, Prometheus metrics, and read-only query endpoints. All mutations
// arrive through the message streams, never through HTTP.
type Server struct {
	grpcServer    *grpc.Server
	healthServer  *health.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	queries       QueryStore
	healthChecker *observability.HealthChecker
	log           zerolog.Logger
}

func New(grpcAddr, httpAddr string, queries QueryStore, hc *observability.HealthChecker) *Server {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui.
	reflection.Register(grpcServer)

	return &Server{
		grpcServer:    grpcServer,
		healthServer:  healthServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		queries:       queries,
		healthChecker: hc,
		log:           observability.NewLogger("server"),
	}
}

// StartGRPC serves the gRPC endpoint until the context is cancelled.
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("grpc server shutting down")
		s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.grpcAddr).Msg("grpc server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP serves probes, metrics, and queries until the context is
// cancelled.
func (s *Server) StartHTTP(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
	mux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	mux.HandleFunc("/transfers/", s.handleGetTransfer)
	mux.HandleFunc("/positions/", s.handleGetPosition)

	s.httpServer = &http.Server{Addr: s.httpAddr, Handler: mux}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

type transferResponse struct {
	TransferID    string     `json:"transferId"`
	Amount        string     `json:"amount"`
	Currency      string     `json:"currency"`
	PayerFsp      string     `json:"payerFsp"`
	PayeeFsp      string     `json:"payeeFsp"`
	TransferState string     `json:"transferState"`
	Expiration    time.Time  `json:"expiration"`
	CompletedDate *time.Time `json:"completedTimestamp,omitempty"`
	Fulfilment    string     `json:"fulfilment,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	ErrorCode     int64      `json:"errorCode,omitempty"`
	ErrorDesc     string     `json:"errorDescription,omitempty"`
}

// GET /transfers/{id}
func (s *Server) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	transferID := strings.TrimPrefix(r.URL.Path, "/transfers/")
	if transferID == "" {
		http.Error(w, "missing transfer id", http.StatusBadRequest)
		return
	}

	v, err := s.queries.GetByID(r.Context(), transferID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if v == nil {
		http.Error(w, "transfer not found", http.StatusNotFound)
		return
	}

	resp := transferResponse{
		TransferID:    v.TransferID,
		Amount:        ledger.FormatAmount(v.Amount, ledger.DefaultAmountScale),
		Currency:      v.CurrencyID,
		PayerFsp:      v.PayerFsp,
		PayeeFsp:      v.PayeeFsp,
		TransferState: string(v.TransferState),
		Expiration:    v.ExpirationDate,
	}
	if v.CompletedDate.Valid {
		t := v.CompletedDate.Time
		resp.CompletedDate = &t
	}
	if v.Fulfilment.Valid {
		resp.Fulfilment = v.Fulfilment.String
	}
	if v.Reason.Valid {
		resp.Reason = v.Reason.String
	}
	if v.ErrorCode.Valid {
		resp.ErrorCode = v.ErrorCode.Int64
		resp.ErrorDesc = v.ErrorDescription.String
	}
	s.writeJSON(w, resp)
}

type positionResponse struct {
	ParticipantCurrencyID int64     `json:"participantCurrencyId"`
	Value                 string    `json:"value"`
	ReservedValue         string    `json:"reservedValue"`
	ChangedDate           time.Time `json:"changedDate"`
}

// GET /positions/{participantCurrencyId}
func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	raw := strings.TrimPrefix(r.URL.Path, "/positions/")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		http.Error(w, "invalid participant currency id", http.StatusBadRequest)
		return
	}

	p, err := s.queries.PositionByCurrencyID(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, positionResponse{
		ParticipantCurrencyID: p.ParticipantCurrencyID,
		Value:                 ledger.FormatAmount(p.Value, ledger.DefaultAmountScale),
		ReservedValue:         ledger.FormatAmount(p.ReservedValue, ledger.DefaultAmountScale),
		ChangedDate:           p.ChangedDate,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	if ledger.IsValidation(err) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.log.Error().Err(err).Msg("query failed")
	http.Error(w, "internal error", http.StatusInternalServerError)
}

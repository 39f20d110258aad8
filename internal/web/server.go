// Package web exposes the vault over HTTP: signed deposit, withdrawal, swap and administrative
// requests, read-only queries and a server-sent event stream of committed ledger entries.
package web

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"github.com/vadiminshakov/custody/internal/domain"
	"github.com/vadiminshakov/custody/internal/services/vault"
)

const (
	ledgerPollInterval = 2 * time.Second
	maxBodyBytes       = 64 << 10
	defaultListLimit   = 100
)

type custodian interface {
	Deposit(ctx context.Context, account domain.Account, asset domain.Asset, amount *uint256.Int) (vault.Receipt, error)
	Withdraw(ctx context.Context, account domain.Account, asset domain.Asset, amount *uint256.Int) (vault.Receipt, error)
	SwapDeposit(ctx context.Context, account domain.Account, asset domain.Asset, amount *uint256.Int) (vault.Receipt, error)
	Register(ctx context.Context, caller common.Address, asset domain.Asset, feed string, decimalsOverride uint8) error
	Unregister(ctx context.Context, caller common.Address, asset domain.Asset) error
	SetStalenessTolerance(ctx context.Context, caller common.Address, tolerance time.Duration) error
	RecoverStranded(ctx context.Context, caller domain.Account, settlementID string, recipient domain.Account) error
	BalanceOf(asset domain.Asset, account domain.Account) *uint256.Int
	TotalValued() *uint256.Int
	Settings() vault.Settings
	Registrations() []domain.Registration
}

type ledgerReader interface {
	EntriesAfter(index uint64) ([]domain.LedgerEntryRecord, error)
}

type settlementReader interface {
	Get(id string) (domain.Settlement, bool)
	List(limit int) []domain.Settlement
	Stranded() []domain.Settlement
	Pending() []domain.Settlement
}

// Server exposes the HTTP API and an SSE stream of ledger entries.
type Server struct {
	Addr        string
	Vault       custodian
	Ledger      ledgerReader
	Settlements settlementReader
	Verifier    *Verifier

	pollInterval time.Duration
	logger       *zap.Logger
}

// NewServer creates a new web server instance.
func NewServer(addr string, v custodian, ledger ledgerReader, settlements settlementReader, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		Addr:         addr,
		Vault:        v,
		Ledger:       ledger,
		Settlements:  settlements,
		Verifier:     NewVerifier(),
		pollInterval: ledgerPollInterval,
		logger:       logger,
	}
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/v1/deposit", s.handleFlow("deposit", s.Vault.Deposit))
	mux.HandleFunc("/v1/withdraw", s.handleFlow("withdraw", s.Vault.Withdraw))
	mux.HandleFunc("/v1/swap", s.handleFlow("swap", s.Vault.SwapDeposit))
	mux.HandleFunc("/v1/admin/assets", s.handleRegister)
	mux.HandleFunc("/v1/admin/assets/remove", s.handleUnregister)
	mux.HandleFunc("/v1/admin/staleness", s.handleStaleness)
	mux.HandleFunc("/v1/admin/recover", s.handleRecover)
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/balance", s.handleBalance)
	mux.HandleFunc("/v1/settlements", s.handleSettlements)
	mux.HandleFunc("/v1/ledger/stream", s.handleLedgerStream)
	return mux
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("HTTP server listening", zap.String("addr", s.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartWithAutoTLS runs an HTTPS server with automatic TLS certificates via ACME.
// It also starts an HTTP server on port 80 to handle ACME HTTP-01 challenges.
func (s *Server) StartWithAutoTLS(ctx context.Context, domains []string, cacheDir string) error {
	if len(domains) == 0 {
		return fmt.Errorf("no domains provided for automatic TLS")
	}
	if cacheDir == "" {
		cacheDir = "cert-cache"
	}

	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(cacheDir),
	}

	httpSrv := &http.Server{
		Addr:              ":80",
		Handler:           manager.HTTPHandler(nil),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	tlsConfig := manager.TLSConfig()
	tlsConfig.MinVersion = tls.VersionTLS12

	httpsSrv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig:         tlsConfig,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("http (acme) server shutdown error", zap.Error(err))
		}
		if err := httpsSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("https server shutdown error", zap.Error(err))
		}
	}()

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http (acme) server error", zap.Error(err))
		}
	}()

	s.logger.Info("HTTPS server listening", zap.String("addr", s.Addr), zap.Strings("domains", domains))
	if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type signed struct {
	Nonce     uint64 `json:"nonce"`
	Deadline  int64  `json:"deadline"`
	Signature string `json:"signature"`
}

func (p signed) message(op, subject, value string) SignedMessage {
	return SignedMessage{Op: op, Subject: subject, Value: value, Nonce: p.Nonce, Deadline: p.Deadline}
}

type flowRequest struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
	signed
}

type receiptResponse struct {
	Asset        domain.Asset `json:"asset"`
	Account      string       `json:"account"`
	Amount       string       `json:"amount"`
	ValueUSD     string       `json:"value_usd"`
	TotalUSD     string       `json:"total_usd"`
	LedgerIndex  uint64       `json:"ledger_index"`
	SettlementID string       `json:"settlement_id,omitempty"`
}

type flowFunc func(ctx context.Context, account domain.Account, asset domain.Asset, amount *uint256.Int) (vault.Receipt, error)

func (s *Server) handleFlow(op string, flow flowFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req flowRequest
		if !decodePost(w, r, &req) {
			return
		}

		if !common.IsHexAddress(req.Account) {
			writeError(w, errors.Wrapf(errBadRequest, "invalid account %q", req.Account))
			return
		}
		account := common.HexToAddress(req.Account)
		amount, err := uint256.FromDecimal(strings.TrimSpace(req.Amount))
		if err != nil {
			writeError(w, errors.Wrapf(errBadRequest, "invalid amount %q: %v", req.Amount, err))
			return
		}

		msg := req.message(op, req.Asset, req.Amount)
		if _, err := s.Verifier.Verify(msg, req.Signature, &account); err != nil {
			writeError(w, err)
			return
		}

		receipt, err := flow(r.Context(), account, domain.NewAsset(req.Asset), amount)
		if err != nil {
			s.logger.Info("request rejected",
				zap.String("op", op),
				zap.String("account", account.Hex()),
				zap.String("asset", req.Asset),
				zap.String("amount", amount.Dec()),
				zap.Error(err))
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, receiptResponse{
			Asset:        receipt.Asset,
			Account:      receipt.Account.Hex(),
			Amount:       receipt.Amount.Dec(),
			ValueUSD:     domain.FormatUSD(receipt.Value),
			TotalUSD:     domain.FormatUSD(receipt.Total),
			LedgerIndex:  receipt.LedgerIndex,
			SettlementID: receipt.SettlementID,
		})
	}
}

type registerRequest struct {
	Asset            string `json:"asset"`
	Feed             string `json:"feed"`
	DecimalsOverride uint8  `json:"decimals_override"`
	signed
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodePost(w, r, &req) {
		return
	}

	value := req.Feed + "/" + strconv.FormatUint(uint64(req.DecimalsOverride), 10)
	caller, err := s.Verifier.Verify(req.message("register", req.Asset, value), req.Signature, nil)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.Vault.Register(r.Context(), caller, domain.NewAsset(req.Asset), req.Feed, req.DecimalsOverride); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"registrations": s.Vault.Registrations()})
}

type unregisterRequest struct {
	Asset string `json:"asset"`
	signed
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	var req unregisterRequest
	if !decodePost(w, r, &req) {
		return
	}

	caller, err := s.Verifier.Verify(req.message("unregister", req.Asset, ""), req.Signature, nil)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.Vault.Unregister(r.Context(), caller, domain.NewAsset(req.Asset)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"registrations": s.Vault.Registrations()})
}

type stalenessRequest struct {
	Tolerance string `json:"tolerance"`
	signed
}

func (s *Server) handleStaleness(w http.ResponseWriter, r *http.Request) {
	var req stalenessRequest
	if !decodePost(w, r, &req) {
		return
	}

	tolerance, err := time.ParseDuration(req.Tolerance)
	if err != nil {
		writeError(w, errors.Wrapf(errBadRequest, "invalid tolerance %q", req.Tolerance))
		return
	}

	caller, err := s.Verifier.Verify(req.message("staleness", "vault", req.Tolerance), req.Signature, nil)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.Vault.SetStalenessTolerance(r.Context(), caller, tolerance); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"staleness_tolerance": tolerance.String()})
}

type recoverRequest struct {
	SettlementID string `json:"settlement_id"`
	Recipient    string `json:"recipient"`
	signed
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	if !decodePost(w, r, &req) {
		return
	}

	if !common.IsHexAddress(req.Recipient) {
		writeError(w, errors.Wrapf(errBadRequest, "invalid recipient %q", req.Recipient))
		return
	}

	caller, err := s.Verifier.Verify(req.message("recover", req.SettlementID, req.Recipient), req.Signature, nil)
	if err != nil {
		writeError(w, err)
		return
	}

	if _, ok := s.Settlements.Get(req.SettlementID); !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "settlement " + req.SettlementID + " not found", Kind: "not_found"})
		return
	}
	if err := s.Vault.RecoverStranded(r.Context(), caller, req.SettlementID, common.HexToAddress(req.Recipient)); err != nil {
		writeError(w, err)
		return
	}

	settlement, _ := s.Settlements.Get(req.SettlementID)
	writeJSON(w, http.StatusOK, settlement)
}

type statusResponse struct {
	StableAsset         domain.Asset          `json:"stable_asset"`
	TotalUSD            string                `json:"total_usd"`
	BankCapUSD          string                `json:"bank_cap_usd"`
	HeadroomUSD         string                `json:"headroom_usd"`
	MaxWithdrawUSD      string                `json:"max_withdraw_usd"`
	StalenessTolerance  string                `json:"staleness_tolerance"`
	MinSwapOutput       string                `json:"min_swap_output"`
	Registrations       []domain.Registration `json:"registrations"`
	PendingSettlements  int                   `json:"pending_settlements"`
	StrandedSettlements int                   `json:"stranded_settlements"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}

	settings := s.Vault.Settings()
	total := s.Vault.TotalValued()
	headroom := domain.Zero()
	if settings.BankCap.Gt(total) {
		headroom.Sub(settings.BankCap, total)
	}

	resp := statusResponse{
		StableAsset:        settings.StableAsset,
		TotalUSD:           domain.FormatUSD(total),
		BankCapUSD:         domain.FormatUSD(settings.BankCap),
		HeadroomUSD:        domain.FormatUSD(headroom),
		MaxWithdrawUSD:     domain.FormatUSD(settings.MaxWithdraw),
		StalenessTolerance: settings.StalenessTolerance.String(),
		MinSwapOutput:      settings.MinSwapOutput.Dec(),
		Registrations:      s.Vault.Registrations(),
	}
	if s.Settlements != nil {
		resp.PendingSettlements = len(s.Settlements.Pending())
		resp.StrandedSettlements = len(s.Settlements.Stranded())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}

	q := r.URL.Query()
	account := q.Get("account")
	if !common.IsHexAddress(account) {
		writeError(w, errors.Wrapf(errBadRequest, "invalid account %q", account))
		return
	}
	asset := domain.NewAsset(q.Get("asset"))
	if asset == "" {
		writeError(w, errors.Wrap(errBadRequest, "asset is required"))
		return
	}

	addr := common.HexToAddress(account)
	writeJSON(w, http.StatusOK, map[string]string{
		"asset":   asset.String(),
		"account": addr.Hex(),
		"amount":  s.Vault.BalanceOf(asset, addr).Dec(),
	})
}

func (s *Server) handleSettlements(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	if s.Settlements == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "settlement journal not available", Kind: "unavailable"})
		return
	}

	q := r.URL.Query()
	if id := q.Get("id"); id != "" {
		settlement, ok := s.Settlements.Get(id)
		if !ok {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "settlement " + id + " not found", Kind: "not_found"})
			return
		}
		writeJSON(w, http.StatusOK, settlement)
		return
	}

	limit := defaultListLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, errors.Wrapf(errBadRequest, "invalid limit %q", raw))
			return
		}
		limit = n
	}

	var out []domain.Settlement
	switch status := q.Get("status"); status {
	case "":
		out = s.Settlements.List(limit)
	case string(domain.SettlementStranded):
		out = s.Settlements.Stranded()
	case string(domain.SettlementPending):
		out = s.Settlements.Pending()
	default:
		writeError(w, errors.Wrapf(errBadRequest, "unsupported status filter %q", status))
		return
	}
	if out == nil {
		out = []domain.Settlement{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLedgerStream(w http.ResponseWriter, r *http.Request) {
	if s.Ledger == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "ledger store not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// send a comment heartbeat every 20s so proxies keep connection
	heartbeat := time.NewTicker(20 * time.Second)
	defer heartbeat.Stop()

	pollTicker := time.NewTicker(s.pollInterval)
	defer pollTicker.Stop()

	lastIndex := s.parseLastEventID(r.Header.Get("Last-Event-ID"), r.URL.Query().Get("last_event_id"))
	sendEntries := func() error {
		records, err := s.Ledger.EntriesAfter(lastIndex)
		if err != nil {
			return err
		}
		for _, record := range records {
			payload, err := json.Marshal(record.Entry)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "id: %d\n", record.Index)
			fmt.Fprintf(w, "event: ledger\n")
			fmt.Fprintf(w, "data: %s\n\n", payload)
			lastIndex = record.Index
		}
		flusher.Flush()
		return nil
	}

	if err := sendEntries(); err != nil {
		http.Error(w, "failed to load ledger entries", http.StatusInternalServerError)
		s.logger.Error("ledger stream initial load", zap.Error(err))
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case <-pollTicker.C:
			if err := sendEntries(); err != nil {
				s.logger.Warn("ledger stream poll", zap.Error(err))
			}
		}
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, indexHTML)
}

// parseLastEventID extracts an SSE event ID from either the Last-Event-ID header or a query parameter.
// The header is preferred; the query parameter allows manual reconnects to resume from a known index.
func (s *Server) parseLastEventID(headerVal, queryVal string) uint64 {
	idStr := strings.TrimSpace(headerVal)
	if idStr == "" {
		idStr = strings.TrimSpace(queryVal)
	}
	if idStr == "" {
		return 0
	}

	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		s.logger.Debug("invalid last event id", zap.String("id", idStr), zap.Error(err))
		return 0
	}
	return id
}

func decodePost(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed", Kind: "method_not_allowed"})
		return false
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, errors.Wrapf(errBadRequest, "decode request: %v", err))
		return false
	}
	return true
}

func requireGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed", Kind: "method_not_allowed"})
		return false
	}
	return true
}

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>custody</title>
<style>
body{font-family:ui-monospace,monospace;background:#111;color:#ddd;margin:2em}
h1{font-size:1.2em}
table{border-collapse:collapse;width:100%}
td,th{padding:4px 8px;border-bottom:1px solid #333;text-align:left}
#status{margin-bottom:1.5em}
</style>
</head>
<body>
<h1>custody vault</h1>
<div id="status">loading...</div>
<table>
<thead><tr><th>#</th><th>time</th><th>op</th><th>asset</th><th>account</th><th>amount</th><th>value</th><th>total after</th></tr></thead>
<tbody id="entries"></tbody>
</table>
<script>
function usd(v){ if(!v){return '0'} const s=v.padStart(7,'0'); return s.slice(0,-6)+'.'+s.slice(-6) }
function loadStatus(){
  fetch('/v1/status').then(r=>r.json()).then(s=>{
    document.getElementById('status').textContent =
      'total $'+s.total_usd+' / cap $'+s.bank_cap_usd+' | stable '+s.stable_asset+
      ' | stranded '+s.stranded_settlements+' | pending '+s.pending_settlements;
  });
}
function connect(){
  const es = new EventSource('/v1/ledger/stream');
  es.addEventListener('ledger', ev => {
    const e = JSON.parse(ev.data);
    const row = document.createElement('tr');
    [ev.lastEventId, e.ts, e.op, e.asset, e.account, e.amount, usd(e.value), usd(e.total_after)].forEach(v=>{
      const td=document.createElement('td'); td.textContent=v; row.appendChild(td);
    });
    document.getElementById('entries').prepend(row);
    loadStatus();
  });
}
loadStatus();
connect();
</script>
</body>
</html>`

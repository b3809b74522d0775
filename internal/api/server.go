package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "PoH-Ledger/internal/errors"
	"PoH-Ledger/internal/ledger"
	"PoH-Ledger/internal/node"
	"PoH-Ledger/internal/observability/metrics"
	"PoH-Ledger/internal/poh"
	"PoH-Ledger/internal/settlement"
)

const defaultListLimit = 50

// SettlementStats 提供结算进度，通常由 settlement.Processor 实现。
type SettlementStats interface {
	Stats() settlement.Stats
}

// Option 自定义 API 服务。
type Option func(*Server)

// WithSettlement 在状态接口中附带结算进度。
func WithSettlement(stats SettlementStats) Option {
	return func(s *Server) { s.settlement = stats }
}

// Server 负责暴露 REST 接口，供外部提交交易、查询槽与校验历史。
type Server struct {
	addr       string
	node       *node.Service
	settlement SettlementStats
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, svc *node.Service, opts ...Option) *Server {
	s := &Server{addr: addr, node: svc}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的处理器，每个路由都记录请求指标。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/transactions", metrics.Middleware("transactions", http.HandlerFunc(s.handleTransactions)))
	mux.Handle("/api/v1/slots", metrics.Middleware("slots", http.HandlerFunc(s.handleSlots)))
	mux.Handle("/api/v1/slots/", metrics.Middleware("slot_detail", http.HandlerFunc(s.handleSlotDetail)))
	mux.Handle("/api/v1/verify", metrics.Middleware("verify", http.HandlerFunc(s.handleVerify)))
	mux.Handle("/api/v1/status", metrics.Middleware("status", http.HandlerFunc(s.handleStatus)))
	mux.Handle("/api/v1/ledger", metrics.Middleware("ledger", http.HandlerFunc(s.handleLedger)))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type submitRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

type transactionView struct {
	ledger.Transaction
	ID common.Hash `json:"id"`
}

type slotView struct {
	ledger.Slot
	OpenCounter    uint64        `json:"open_counter"`
	TransactionIDs []common.Hash `json:"transaction_ids"`
}

type verifyResponse struct {
	Start int        `json:"start"`
	End   int        `json:"end"`
	Valid bool       `json:"valid"`
	Error *errorBody `json:"error,omitempty"`
}

type statusResponse struct {
	node.Status
	Settlement *settlement.Stats `json:"settlement,omitempty"`
}

type closeResponse struct {
	slotView
	Warning string `json:"warning,omitempty"`
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "仅支持 POST")
		return
	}
	if !s.ready(w) {
		return
	}

	var req submitRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体解析失败")
		return
	}

	tx, err := s.node.Submit(ledger.Transaction{From: req.From, To: req.To, Amount: req.Amount})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, transactionView{Transaction: tx, ID: tx.ID()})
}

func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.handleListSlots(w, r)
	case http.MethodPost:
		s.handleCloseSlot(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "仅支持 GET/POST")
	}
}

func (s *Server) handleListSlots(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	from, err := parseIntParam(query.Get("from"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "from 参数非法")
		return
	}
	limit, err := parseIntParam(query.Get("limit"), defaultListLimit)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "limit 参数非法")
		return
	}

	views := make([]slotView, 0, limit)
	for i := from; i < from+limit; i++ {
		slot, ok := s.node.Ledger().Slot(i)
		if !ok {
			break
		}
		views = append(views, newSlotView(slot))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleCloseSlot(w http.ResponseWriter, r *http.Request) {
	slot, err := s.node.CloseSlot(r.Context())
	resp := closeResponse{slotView: newSlotView(slot)}
	if err != nil {
		resp.Warning = err.Error()
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleSlotDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "仅支持 GET")
		return
	}
	if !s.ready(w) {
		return
	}
	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/slots/"), "/")
	if raw == "" {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "缺少槽号")
		return
	}
	number, err := strconv.Atoi(raw)
	if err != nil || number < 0 {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "槽号非法")
		return
	}
	slot, ok := s.node.Ledger().Slot(number)
	if !ok {
		writeError(w, http.StatusNotFound, ledger.CodeSlotNotFound, "槽不存在")
		return
	}
	writeJSON(w, http.StatusOK, newSlotView(slot))
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "仅支持 GET")
		return
	}
	if !s.ready(w) {
		return
	}
	query := r.URL.Query()
	start, errStart := parseIntParam(query.Get("start"), 0)
	end, errEnd := parseIntParam(query.Get("end"), s.node.Ledger().Height()-1)
	if errStart != nil || errEnd != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "start/end 参数非法")
		return
	}

	err := s.node.VerifyRange(r.Context(), start, end)
	if errors.Is(err, poh.ErrInvalidRange) {
		writeErr(w, err)
		return
	}
	resp := verifyResponse{Start: start, End: end, Valid: err == nil}
	if err != nil {
		resp.Error = &errorBody{Code: xerrors.CodeOf(err), Message: err.Error()}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "仅支持 GET")
		return
	}
	if !s.ready(w) {
		return
	}
	resp := statusResponse{Status: s.node.Status()}
	if s.settlement != nil {
		stats := s.settlement.Stats()
		resp.Settlement = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "仅支持 GET")
		return
	}
	if !s.ready(w) {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_ = s.node.Ledger().Dump(w)
}

func (s *Server) ready(w http.ResponseWriter) bool {
	if s.node == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "节点未初始化")
		return false
	}
	return true
}

func newSlotView(slot ledger.Slot) slotView {
	ids := make([]common.Hash, len(slot.Transactions))
	for i, tx := range slot.Transactions {
		ids[i] = tx.ID()
	}
	return slotView{Slot: slot, OpenCounter: slot.OpenCounter(), TransactionIDs: ids}
}

func parseIntParam(raw string, fallback int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, xerrors.CodeUnknown, "服务已关闭")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perp-gateway/internal/order"
	"perp-gateway/internal/quant"
	"perp-gateway/internal/venue"
)

func (s *Server) writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("响应编码失败", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "请求体不合法: "+err.Error())
		return false
	}
	return true
}

// submitStatus 把受理错误映射为状态码: 意图/量化问题是调用方错误。
func (s *Server) submitError(w http.ResponseWriter, err error) {
	if errors.Is(err, order.ErrBadIntent) || errors.Is(err, quant.ErrInvalidQuantity) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeError(w, http.StatusInternalServerError, err.Error())
}

type placeLimitRequest struct {
	Market     string          `json:"market"`
	Side       string          `json:"side"`
	Size       decimal.Decimal `json:"size"`
	OffsetPct  decimal.Decimal `json:"offset_pct"`
	PostOnly   bool            `json:"post_only"`
	ExternalID string          `json:"external_id"`
}

func (s *Server) handlePlaceLimit(w http.ResponseWriter, r *http.Request) {
	var req placeLimitRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	token, err := s.orders.PlaceLimit(order.LimitIntent{
		Market:    req.Market,
		Side:      venue.Side(strings.ToUpper(req.Side)),
		Size:      req.Size,
		OffsetPct: req.OffsetPct,
		PostOnly:  req.PostOnly,
		Token:     req.ExternalID,
	})
	if err != nil {
		s.submitError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"external_id": token, "status": "queued"})
}

type placeMarketRequest struct {
	Market      string          `json:"market"`
	Side        string          `json:"side"`
	Size        decimal.Decimal `json:"size"`
	SlippagePct decimal.Decimal `json:"slippage_pct"`
	ExternalID  string          `json:"external_id"`
}

func (s *Server) handlePlaceMarket(w http.ResponseWriter, r *http.Request) {
	var req placeMarketRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	token, err := s.orders.PlaceMarket(order.MarketIntent{
		Market:      req.Market,
		Side:        venue.Side(strings.ToUpper(req.Side)),
		Size:        req.Size,
		SlippagePct: req.SlippagePct,
		Token:       req.ExternalID,
	})
	if err != nil {
		s.submitError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"external_id": token, "status": "queued"})
}

type closePositionRequest struct {
	Market     string          `json:"market"`
	Side       string          `json:"side"`
	Size       decimal.Decimal `json:"size"`
	ExternalID string          `json:"external_id"`
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	var req closePositionRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	token, err := s.orders.ClosePosition(order.CloseIntent{
		Market: req.Market,
		Side:   venue.PositionSide(strings.ToUpper(req.Side)),
		Size:   req.Size,
		Token:  req.ExternalID,
	})
	if err != nil {
		s.submitError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"external_id": token, "status": "queued"})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	rec, ok := s.registry.Get(token)
	if !ok {
		s.writeError(w, http.StatusNotFound, "任务不存在: "+token)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleKillTask(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	if _, ok := s.registry.Get(token); !ok {
		s.writeError(w, http.StatusNotFound, "任务不存在: "+token)
		return
	}
	cancelled := s.registry.Cancel(token)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"external_id": token, "cancelled": cancelled})
}

type cancelOrderRequest struct {
	ExternalID string `json:"external_id"`
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelOrderRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.ExternalID == "" {
		s.writeError(w, http.StatusBadRequest, "external_id 不能为空")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.QueryTimeout)
	defer cancel()
	if err := s.venue.CancelOrder(ctx, req.ExternalID); err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"external_id": req.ExternalID, "status": "cancel_requested"})
}

func (s *Server) handleOpenOrders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.QueryTimeout)
	defer cancel()

	orders, err := s.venue.GetOpenOrders(ctx, venue.OrderFilter{
		Market:     r.URL.Query().Get("market"),
		ExternalID: r.URL.Query().Get("external_id"),
	})
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"orders": orders})
}

func (s *Server) handleOrderHistory(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.QueryTimeout)
	defer cancel()

	orders, err := s.venue.GetOrderHistory(ctx, venue.OrderFilter{
		Market:     r.URL.Query().Get("market"),
		ExternalID: r.URL.Query().Get("external_id"),
	})
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"orders": orders})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.QueryTimeout)
	defer cancel()

	positions, err := s.venue.GetPositions(ctx, venue.PositionFilter{
		Market: r.URL.Query().Get("market"),
		Side:   venue.PositionSide(strings.ToUpper(r.URL.Query().Get("side"))),
	})
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"positions": positions})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.QueryTimeout)
	defer cancel()

	balance, err := s.venue.GetBalance(ctx)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, balance)
}

func (s *Server) handleMarketInfo(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.LookupTimeout)
	defer cancel()

	info, err := s.markets.Info(ctx, mux.Vars(r)["market"])
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"market":          info.Name,
		"mark_price":      info.MarkPrice,
		"tick_size":       info.Precision.Tick,
		"step_size":       info.Precision.Step,
		"min_order_size":  info.Precision.MinSize,
		"asset_precision": info.Precision.AssetPrecision,
	})
}

func (s *Server) handleMarketPrice(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.LookupTimeout)
	defer cancel()

	name := mux.Vars(r)["market"]
	price, err := s.markets.MarkPrice(ctx, name)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"market": name, "mark_price": price})
}

type setLeverageRequest struct {
	Market   string          `json:"market"`
	Leverage decimal.Decimal `json:"leverage"`
}

func (s *Server) handleSetLeverage(w http.ResponseWriter, r *http.Request) {
	var req setLeverageRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Market == "" || req.Leverage.Sign() <= 0 {
		s.writeError(w, http.StatusBadRequest, "market 与 leverage 必须有效")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.QueryTimeout)
	defer cancel()
	if err := s.venue.SetLeverage(ctx, req.Market, req.Leverage); err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"market": req.Market, "leverage": req.Leverage})
}

func (s *Server) handleRecentTasks(w http.ResponseWriter, r *http.Request) {
	if s.trail == nil {
		s.writeError(w, http.StatusNotFound, "审计未启用")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.QueryTimeout)
	defer cancel()
	entries, err := s.trail.ListRecent(ctx, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": entries})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "perp-gateway",
		"tasks":   s.registry.Len(),
	})
}

package httpapi

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gatherd/internal/analytics"
	"github.com/fyrsmithlabs/gatherd/internal/brand"
	"github.com/fyrsmithlabs/gatherd/internal/config"
	"github.com/fyrsmithlabs/gatherd/internal/connector"
	"github.com/fyrsmithlabs/gatherd/internal/purchases"
	"github.com/fyrsmithlabs/gatherd/internal/signin"
	"github.com/fyrsmithlabs/gatherd/internal/transform"
)

// FlowFactory builds a sign-in flow runner for one session and brand.
type FlowFactory func(sessionID, clientIP string, b brand.Config, onData func(string, []purchases.PurchaseHistory)) (*signin.Flow, error)

// defaultFlowFactory drives flows over the pooled connector clients.
func defaultFlowFactory(cfg *config.Config, clients ClientSource, emitter analytics.Emitter, logger *zap.Logger) FlowFactory {
	engine := transform.NewEngine(logger)
	return func(sessionID, clientIP string, b brand.Config, onData func(string, []purchases.PurchaseHistory)) (*signin.Flow, error) {
		caller, err := clients(context.Background(), connector.Key{
			SessionID: sessionID,
			ClientIP:  clientIP,
			BrandID:   b.BrandID,
		})
		if err != nil {
			return nil, err
		}

		return signin.NewFlow(signin.Config{
			Brand:         b,
			Initiator:     descriptorInitiator(caller),
			Caller:        caller,
			Engine:        engine,
			Analytics:     emitter,
			Logger:        logger,
			PollInterval:  cfg.Signin.PollInterval,
			ResourceDelay: cfg.Signin.ResourceDelay,
			MaxBackoff:    cfg.Signin.MaxBackoff,
			MaxWait:       cfg.Signin.MaxWait,
			OnData:        onData,
		})
	}
}

// descriptorInitiator fetches the sign-in descriptor by invoking the
// brand data tool. The payload shape picks the variant: a signin_id
// marks the embedded resource surface, a link_id the hosted link, and
// neither means the session is already authenticated.
func descriptorInitiator(caller ToolCaller) signin.Initiator {
	return signin.InitiatorFunc(func(ctx context.Context, b brand.Config) (signin.Descriptor, error) {
		result, err := caller.CallTool(ctx, b.DataTool(), nil)
		if err != nil {
			return signin.Descriptor{}, err
		}
		payload, err := connector.DecodeResult(result)
		if err != nil {
			return signin.Descriptor{}, err
		}

		desc := signin.Descriptor{SigninURL: stringField(payload, "url")}
		switch {
		case stringField(payload, "signin_id") != "":
			desc.Variant = signin.VariantResource
			desc.LinkID = stringField(payload, "signin_id")
		case stringField(payload, "link_id") != "":
			desc.Variant = signin.VariantHosted
			desc.LinkID = stringField(payload, "link_id")
		default:
			// No sign-in link: the pooled session is already
			// authenticated and the payload holds the records.
			desc.Variant = signin.VariantForm
			if items, ok := connector.ExtractContent(payload).([]any); ok && len(items) > 0 {
				desc.Content = items
			}
		}
		return desc, nil
	})
}

// sessionState is the per-session server-side state: the sign-in
// coordinator and the order aggregator it feeds.
type sessionState struct {
	coordinator *signin.Coordinator
	aggregator  *purchases.Aggregator
}

// session returns the state for this request's session, creating it on
// first contact.
func (s *Server) session(c echo.Context) *sessionState {
	id := sessionID(c)
	clientIP := c.RealIP()

	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	st, ok := s.sessions[id]
	if !ok {
		agg := purchases.NewAggregator(
			purchases.WithoutDedup(s.catalog.NoDedupBrands()...),
			purchases.WithLogger(s.logger),
		)
		coord := signin.NewCoordinator(func(b brand.Config) (*signin.Flow, error) {
			return s.flows(id, clientIP, b, agg.OnBrandConnected)
		})
		st = &sessionState{coordinator: coord, aggregator: agg}
		s.sessions[id] = st
	}
	return st
}

// connectResponse reports a flow's state.
type connectResponse struct {
	Started   bool   `json:"started"`
	Phase     string `json:"phase"`
	Variant   string `json:"variant"`
	Busy      bool   `json:"busy"`
	Polls     int    `json:"polls"`
	LinkID    string `json:"link_id,omitempty"`
	SigninURL string `json:"signin_url,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (s *Server) connectState(flow *signin.Flow, started bool) connectResponse {
	state := flow.State()
	return connectResponse{
		Started:   started,
		Phase:     state.Phase.String(),
		Variant:   state.Variant.String(),
		Busy:      flow.Busy(),
		Polls:     state.Polls,
		LinkID:    state.LinkID,
		SigninURL: s.rewriteHostedURL(state.SigninURL),
	}
}

// handleConnect serves POST /api/connect/:brandId, starting (or
// joining) the server-driven sign-in flow for a brand.
func (s *Server) handleConnect(c echo.Context) error {
	brandID := c.Param("brandId")
	b, err := s.catalog.Get(brandID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid brand name")
	}

	st := s.session(c)

	// The flow outlives the request; its lifetime is bounded by the
	// sign-in poll budget, not the HTTP exchange.
	flow, started, err := st.coordinator.Open(context.Background(), *b, func(orders []purchases.PurchaseHistory, err error) {
		if err != nil {
			s.logger.Warn("sign-in flow failed",
				zap.String("brand_id", brandID), zap.Error(err))
			return
		}
		s.logger.Info("sign-in flow completed",
			zap.String("brand_id", brandID), zap.Int("orders", len(orders)))
	})
	if err != nil {
		s.logger.Warn("starting sign-in flow failed",
			zap.String("brand_id", brandID), zap.Error(err))
		return echo.NewHTTPError(http.StatusBadGateway, "could not start sign-in")
	}

	return c.JSON(http.StatusAccepted, s.connectState(flow, started))
}

// handleConnectState serves GET /api/connect/:brandId.
func (s *Server) handleConnectState(c echo.Context) error {
	brandID := c.Param("brandId")
	if _, err := s.catalog.Get(brandID); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid brand name")
	}

	flow, ok := s.session(c).coordinator.Flow(brandID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no sign-in attempt for brand")
	}
	resp := s.connectState(flow, false)
	resp.Reason = flow.State().Reason
	return c.JSON(http.StatusOK, resp)
}

// ordersResponse is the body of GET /api/orders.
type ordersResponse struct {
	Orders          []purchases.PurchaseHistory `json:"orders"`
	SelectedOrders  []purchases.PurchaseHistory `json:"selected_orders"`
	ConnectedBrands []string                    `json:"connected_brands"`
}

func (s *Server) handleOrders(c echo.Context) error {
	agg := s.session(c).aggregator
	return c.JSON(http.StatusOK, ordersResponse{
		Orders:          agg.Orders(),
		SelectedOrders:  agg.SelectedOrders(),
		ConnectedBrands: agg.ConnectedBrands(),
	})
}

// selectionRequest is the body of POST /api/orders/selection.
type selectionRequest struct {
	OrderID     string `json:"order_id"`
	ProductName string `json:"product_name"`
}

func (s *Server) handleToggleSelection(c echo.Context) error {
	var req selectionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.OrderID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "order_id is required")
	}

	agg := s.session(c).aggregator
	agg.ToggleSelection(req.OrderID, req.ProductName)
	return c.JSON(http.StatusOK, map[string]any{
		"selected": agg.IsSelected(req.OrderID, req.ProductName),
	})
}

func (s *Server) handleClearOrders(c echo.Context) error {
	s.session(c).aggregator.Clear()
	s.emitter.Emit(c.Request().Context(), analytics.EventDataCleared, map[string]any{
		"client_ip": c.RealIP(),
	})
	return c.NoContent(http.StatusNoContent)
}

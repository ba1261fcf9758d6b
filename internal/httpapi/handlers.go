package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gatherd/internal/analytics"
	"github.com/fyrsmithlabs/gatherd/internal/brand"
	"github.com/fyrsmithlabs/gatherd/internal/connector"
)

// finalizeTimeout bounds the detached data-tool call that completes an
// embedded-surface sign-in.
const finalizeTimeout = 5 * time.Minute

// historyResponse is the common shape of the purchase-history and
// dpage-url endpoints.
type historyResponse struct {
	LinkID        string `json:"link_id"`
	HostedLinkURL string `json:"hosted_link_url"`
	Content       any    `json:"content"`
}

type detailsResponse struct {
	Content any `json:"content"`
}

type pollResponse struct {
	AuthCompleted bool   `json:"auth_completed"`
	LinkID        string `json:"link_id"`
	Content       any    `json:"content,omitempty"`
}

// client resolves the pooled connector client for this request's
// session and brand.
func (s *Server) client(c echo.Context, brandID string) (ToolCaller, connector.Key, error) {
	key := connector.Key{
		SessionID: sessionID(c),
		ClientIP:  c.RealIP(),
		BrandID:   brandID,
	}
	client, err := s.clients(c.Request().Context(), key)
	return client, key, err
}

// rewriteHostedURL moves connector-hosted sign-in links onto this
// deployment's public origin so the browser never sees the connector.
func (s *Server) rewriteHostedURL(raw string) string {
	if raw == "" || s.config.Server.AppHost == "" {
		return raw
	}
	connectorBase := strings.TrimSuffix(s.config.Connector.URL, "/")
	appHost := strings.TrimSuffix(s.config.Server.AppHost, "/")
	return strings.Replace(raw, connectorBase, appHost, 1)
}

func stringField(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

// contentItems unwraps the record array from a decoded payload, nil
// when the payload is still in the auth phase and carries no records.
func contentItems(payload map[string]any) []any {
	items, _ := connector.ExtractContent(payload).([]any)
	return items
}

// handlePurchaseHistory serves GET /api/purchase-history/:brandId.
//
// The brand data tool either returns a hosted sign-in link (auth not
// yet complete) or the record batch. Both come back in one shape; an
// empty content array means the caller should drive the sign-in flow.
func (s *Server) handlePurchaseHistory(c echo.Context) error {
	brandID := c.Param("brandId")
	b, err := s.catalog.Get(brandID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid brand name")
	}

	client, _, err := s.client(c, brandID)
	if err != nil {
		s.logger.Warn("connector client unavailable",
			zap.String("brand_id", brandID), zap.Error(err))
		return echo.NewHTTPError(http.StatusBadGateway, "connector unavailable")
	}

	result, err := client.CallTool(c.Request().Context(), b.DataTool(), nil)
	if err != nil {
		s.logger.Warn("data tool call failed",
			zap.String("brand_id", brandID), zap.Error(err))
		return echo.NewHTTPError(http.StatusBadGateway, "data retrieval failed")
	}

	payload, err := connector.DecodeResult(result)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "connector returned no payload")
	}

	resp := historyResponse{
		LinkID:        stringField(payload, "link_id"),
		HostedLinkURL: s.rewriteHostedURL(stringField(payload, "url")),
		Content:       []any{},
	}

	if items := contentItems(payload); len(items) > 0 {
		resp.Content = items
		s.emitter.Emit(c.Request().Context(), analytics.EventDataRetrievedSuccessful, map[string]any{
			"brand_name": brandID,
			"data_count": len(items),
			"client_ip":  c.RealIP(),
		})
	}

	return c.JSON(http.StatusOK, resp)
}

// handlePurchaseHistoryDetails serves
// GET /api/purchase-history-details/:brandId/:orderId for brands that
// expose a per-order details tool.
func (s *Server) handlePurchaseHistoryDetails(c echo.Context) error {
	brandID := c.Param("brandId")
	orderID := c.Param("orderId")

	b, err := s.catalog.Get(brandID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid brand name")
	}
	if b.DetailsTool() == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "brand has no details tool")
	}

	client, _, err := s.client(c, brandID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "connector unavailable")
	}

	result, err := client.CallTool(c.Request().Context(), b.DetailsTool(), map[string]any{
		"order_id": orderID,
	})
	if err != nil {
		s.logger.Warn("details tool call failed",
			zap.String("brand_id", brandID), zap.Error(err))
		return echo.NewHTTPError(http.StatusBadGateway, "data retrieval failed")
	}

	payload, err := connector.DecodeResult(result)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "connector returned no payload")
	}

	raw, ok := payload["purchase_history_details"]
	if !ok || raw == nil {
		return c.JSON(http.StatusOK, map[string]any{})
	}

	return c.JSON(http.StatusOK, detailsResponse{Content: connector.ExtractContent(raw)})
}

// handlePoll serves GET /api/mcp-poll/:brandId/:linkId, one iteration
// of the hosted-link sign-in poll.
func (s *Server) handlePoll(c echo.Context) error {
	brandID := c.Param("brandId")
	linkID := c.Param("linkId")

	client, _, err := s.client(c, brandID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "connector unavailable")
	}

	result, err := client.CallTool(c.Request().Context(), "poll_signin", map[string]any{
		"link_id": linkID,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "poll failed")
	}

	payload, err := connector.DecodeResult(result)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "connector returned no payload")
	}

	done := connector.Status(payload) == connector.StatusFinished
	if done {
		s.emitter.Emit(c.Request().Context(), analytics.EventConnectionSuccessful, map[string]any{
			"link_id":   linkID,
			"client_ip": c.RealIP(),
		})
	}

	return c.JSON(http.StatusOK, pollResponse{AuthCompleted: done, LinkID: linkID})
}

// handleDpageURL serves GET /api/dpage-url/:brandId, the descriptor for
// the embedded sign-in surface. Content keeps only the embedded
// resource blocks; text blocks are connector chatter.
func (s *Server) handleDpageURL(c echo.Context) error {
	brandID := c.Param("brandId")
	b, err := s.catalog.Get(brandID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid brand name")
	}

	client, _, err := s.client(c, brandID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "connector unavailable")
	}

	result, err := client.CallTool(c.Request().Context(), b.DataTool(), nil)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "sign-in initiation failed")
	}

	payload, err := connector.DecodeResult(result)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "connector returned no payload")
	}

	return c.JSON(http.StatusOK, historyResponse{
		LinkID:        stringField(payload, "signin_id"),
		HostedLinkURL: s.rewriteHostedURL(stringField(payload, "url")),
		Content:       resourceItems(result),
	})
}

// resourceItems filters a tool result down to its embedded resources.
func resourceItems(result *mcp.CallToolResult) []mcp.Content {
	items := make([]mcp.Content, 0, len(result.Content))
	for _, content := range result.Content {
		if _, ok := content.(*mcp.EmbeddedResource); ok {
			items = append(items, content)
		}
	}
	return items
}

// handleDpageSigninCheck serves
// GET /api/dpage-signin-check/:brandId/:linkId, one iteration of the
// embedded-surface sign-in check. A SUCCESS status may already carry
// the record batch in the same payload.
func (s *Server) handleDpageSigninCheck(c echo.Context) error {
	brandID := c.Param("brandId")
	linkID := c.Param("linkId")

	b, err := s.catalog.Get(brandID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid brand name")
	}

	client, _, err := s.client(c, brandID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "connector unavailable")
	}

	result, err := client.CallTool(c.Request().Context(), "check_signin", map[string]any{
		"signin_id": linkID,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "sign-in check failed")
	}

	payload, err := connector.DecodeResult(result)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "connector returned no payload")
	}

	done := connector.Status(payload) == connector.StatusSuccess
	if done {
		s.emitter.Emit(c.Request().Context(), analytics.EventConnectionSuccessful, map[string]any{
			"link_id":   linkID,
			"client_ip": c.RealIP(),
		})
	}

	var content any = []any{}
	if raw, ok := payload["result"]; ok && raw != nil {
		content = connector.ExtractContent(raw)
	}

	if items, ok := content.([]any); ok && len(items) > 0 {
		s.emitter.Emit(c.Request().Context(), analytics.EventDataRetrievedSuccessful, map[string]any{
			"brand_name": brandID,
			"data_count": len(items),
			"client_ip":  c.RealIP(),
		})
	}

	if done {
		s.emitter.Emit(c.Request().Context(), analytics.EventBrandConnected, map[string]any{
			"brand_name": brandID,
			"link_id":    linkID,
			"client_ip":  c.RealIP(),
		})
		s.finalizeSignin(client, b, linkID)
	}

	return c.JSON(http.StatusOK, pollResponse{
		AuthCompleted: done,
		LinkID:        linkID,
		Content:       content,
	})
}

// finalizeSignin moves the connector session past its sign-in phase
// after an embedded-surface completion. The call runs detached so the
// response is not held up; the next purchase-history request then
// lands on a warm session.
func (s *Server) finalizeSignin(client ToolCaller, b *brand.Config, linkID string) {
	logger := s.logger.With(zap.String("brand_id", b.BrandID), zap.String("link_id", linkID))
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
		defer cancel()
		if _, err := client.CallTool(ctx, b.DataTool(), nil); err != nil {
			logger.Debug("signin finalize call failed", zap.Error(err))
			return
		}
		logger.Debug("signin finalized")
	}()
}

// brandSummary is the per-brand entry of GET /api/brands.
type brandSummary struct {
	BrandID     string             `json:"brand_id"`
	BrandName   string             `json:"brand_name"`
	LogoURL     string             `json:"logo_url"`
	IsMandatory bool               `json:"is_mandatory"`
	IsDpage     bool               `json:"is_dpage"`
	Schema      []brand.InputField `json:"schema"`
}

// handleBrands lists the catalog. Hidden brands are already excluded
// by Catalog.List.
func (s *Server) handleBrands(c echo.Context) error {
	configs := s.catalog.List()
	brands := make([]brandSummary, 0, len(configs))
	for _, b := range configs {
		brands = append(brands, brandSummary{
			BrandID:     b.BrandID,
			BrandName:   b.BrandName,
			LogoURL:     b.LogoURL,
			IsMandatory: b.IsMandatory,
			IsDpage:     b.IsDpage,
			Schema:      b.CredentialFields(),
		})
	}
	return c.JSON(http.StatusOK, brands)
}

func (s *Server) handleFeatureConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"allow_face_upload": s.config.Features.AllowFaceUpload,
		"demo_mode":         s.config.Features.DemoMode,
	})
}

// logRequest is the body of POST /api/log, a client-side order receipt
// acknowledgement.
type logRequest struct {
	Brand  string            `json:"brand"`
	Orders []json.RawMessage `json:"orders"`
}

func (s *Server) handleClientLog(c echo.Context) error {
	var req logRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	s.logger.Info("received orders from client",
		zap.String("brand", req.Brand),
		zap.Int("order_count", len(req.Orders)),
	)
	return c.NoContent(http.StatusNoContent)
}

// analyticsRequest is the body of POST /api/analytics, a client-side
// event pass-through.
type analyticsRequest struct {
	Event      string         `json:"event"`
	Properties map[string]any `json:"properties"`
}

func (s *Server) handleClientAnalytics(c echo.Context) error {
	var req analyticsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if req.Event == "" {
		s.logger.Warn("analytics event without a name dropped")
		return c.JSON(http.StatusOK, map[string]any{"success": true})
	}

	props := req.Properties
	if props == nil {
		props = make(map[string]any)
	}
	props["session_id"] = sessionID(c)

	s.emitter.Emit(c.Request().Context(), req.Event, props)
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"trading-bot/internal/engine"
	"trading-bot/internal/events"
	"trading-bot/internal/leverage"
	"trading-bot/internal/market"
	"trading-bot/internal/monitor"
	"trading-bot/internal/order"
	"trading-bot/internal/risk"
	"trading-bot/pkg/db"
)

const testSecret = "test-secret"

type fakeEngine struct {
	err         error
	calls       []string
	killReason  string
	rejectWhy   string
	leverageReq leverage.Request
	decLimit    int
	decSymbol   string
}

func (f *fakeEngine) record(name string) error {
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeEngine) StartEngine() error  { return f.record("start") }
func (f *fakeEngine) PauseEngine() error  { return f.record("pause") }
func (f *fakeEngine) ResumeEngine() error { return f.record("resume") }
func (f *fakeEngine) StopEngine() error   { return f.record("stop") }
func (f *fakeEngine) ActivateKillSwitch(reason string) error {
	f.killReason = reason
	return f.record("kill")
}
func (f *fakeEngine) DeactivateKillSwitch() error { return f.record("unkill") }
func (f *fakeEngine) Status() engine.SystemStatus {
	return engine.SystemStatus{Mode: "paper", DryRun: true, Symbols: []string{"BTCUSDT"},
		Engine: order.Status{State: order.StateRunning}}
}
func (f *fakeEngine) Symbols() []engine.SymbolStatus {
	return []engine.SymbolStatus{{Symbol: "BTCUSDT", State: "FLAT"}}
}
func (f *fakeEngine) RiskMetrics() risk.Metrics { return risk.Metrics{Equity: 10000} }
func (f *fakeEngine) PreviewLeverage(req leverage.Request) leverage.Result {
	f.leverageReq = req
	return leverage.Result{Symbol: req.Symbol, RecommendedLeverage: 3}
}
func (f *fakeEngine) Decisions(_ context.Context, symbol string, limit int) ([]db.Decision, error) {
	f.decSymbol, f.decLimit = symbol, limit
	return []db.Decision{{Symbol: "BTCUSDT", Action: "HOLD"}}, f.err
}
func (f *fakeEngine) PendingApprovals() []order.PendingApproval {
	return []order.PendingApproval{{TaskID: "t1", Symbol: "BTCUSDT"}}
}
func (f *fakeEngine) Approve(taskID string) error { return f.record("approve:" + taskID) }
func (f *fakeEngine) Reject(taskID, reason string) error {
	f.rejectWhy = reason
	return f.record("reject:" + taskID)
}
func (f *fakeEngine) ReselectStrategy(symbol string) error { return f.record("reselect:" + symbol) }

func newTestServer(t *testing.T, svc engine.Service, opts Options) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewServer(svc, events.NewBus(), monitor.NewSystemMetrics(), testSecret, opts)
}

func bearer(t *testing.T, subject string) string {
	t.Helper()
	tok, _, err := GenerateToken(subject, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return "Bearer " + tok
}

func do(s *Server, method, path, auth, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	return w
}

func TestPublicEndpoints(t *testing.T) {
	s := newTestServer(t, &fakeEngine{}, Options{})
	for _, path := range []string{"/health", "/api/status", "/api/positions", "/api/risk", "/api/approvals", "/api/decisions"} {
		w := do(s, http.MethodGet, path, "", "")
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", path, w.Code, w.Body.String())
		}
		if w.Header().Get("X-Request-ID") == "" {
			t.Fatalf("%s: missing request id header", path)
		}
	}

	w := do(s, http.MethodGet, "/api/status", "", "")
	var st engine.SystemStatus
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Engine.State != order.StateRunning || !st.DryRun {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestMetricsEndpointExposesAPICounter(t *testing.T) {
	s := newTestServer(t, &fakeEngine{}, Options{})
	do(s, http.MethodGet, "/health", "", "")
	w := do(s, http.MethodGet, "/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "trading_api_requests_total") {
		t.Fatalf("api counter missing from scrape")
	}
}

func TestAuthMiddleware(t *testing.T) {
	expired, _, err := GenerateToken("alice", testSecret, -time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	foreign, _, err := GenerateToken("alice", "other-secret", time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	tests := []struct {
		name string
		auth string
		code string
	}{
		{"missing", "", "MISSING_TOKEN"},
		{"not bearer", "Basic abc", "INVALID_AUTH_HEADER"},
		{"garbage", "Bearer nope", "INVALID_TOKEN"},
		{"expired", "Bearer " + expired, "INVALID_TOKEN"},
		{"wrong secret", "Bearer " + foreign, "INVALID_TOKEN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeEngine{}
			s := newTestServer(t, svc, Options{})
			w := do(s, http.MethodPost, "/api/engine/start", tt.auth, "")
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", w.Code)
			}
			var body map[string]string
			_ = json.Unmarshal(w.Body.Bytes(), &body)
			if body["code"] != tt.code {
				t.Fatalf("expected code %s, got %s", tt.code, body["code"])
			}
			if len(svc.calls) != 0 {
				t.Fatalf("engine must not be called: %v", svc.calls)
			}
		})
	}
}

func TestEngineControlRoutes(t *testing.T) {
	svc := &fakeEngine{}
	s := newTestServer(t, svc, Options{})
	auth := bearer(t, "alice")

	routes := []struct {
		method, path, want string
	}{
		{http.MethodPost, "/api/engine/start", "start"},
		{http.MethodPost, "/api/engine/pause", "pause"},
		{http.MethodPost, "/api/engine/resume", "resume"},
		{http.MethodPost, "/api/engine/stop", "stop"},
		{http.MethodDelete, "/api/kill-switch", "unkill"},
		{http.MethodPost, "/api/approvals/t1/approve", "approve:t1"},
		{http.MethodPost, "/api/strategy/btcusdt/reselect", "reselect:BTCUSDT"},
	}
	for _, r := range routes {
		w := do(s, r.method, r.path, auth, "")
		if w.Code != http.StatusOK {
			t.Fatalf("%s %s: expected 200, got %d: %s", r.method, r.path, w.Code, w.Body.String())
		}
		if got := svc.calls[len(svc.calls)-1]; got != r.want {
			t.Fatalf("%s %s: expected call %s, got %s", r.method, r.path, r.want, got)
		}
	}

	w := do(s, http.MethodPost, "/api/kill-switch", auth, `{"reason":"flash crash"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("kill switch: expected 200, got %d", w.Code)
	}
	if svc.killReason != "flash crash (by alice)" {
		t.Fatalf("unexpected kill reason %q", svc.killReason)
	}

	w = do(s, http.MethodPost, "/api/approvals/t2/reject", auth, `{"reason":"too big"}`)
	if w.Code != http.StatusOK || svc.rejectWhy != "too big" {
		t.Fatalf("reject: code %d reason %q", w.Code, svc.rejectWhy)
	}

	w = do(s, http.MethodPost, "/api/kill-switch", auth, `{not json`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: expected 400, got %d", w.Code)
	}
}

func TestEngineErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", order.ErrInvalidTransition), http.StatusConflict},
		{order.ErrStopped, http.StatusConflict},
		{order.ErrKillSwitchActive, http.StatusConflict},
		{fmt.Errorf("approve: %w", order.ErrUnknownTask), http.StatusNotFound},
		{fmt.Errorf("%w: XRP", engine.ErrUnknownSymbol), http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		svc := &fakeEngine{err: tt.err}
		s := newTestServer(t, svc, Options{})
		w := do(s, http.MethodPost, "/api/engine/resume", bearer(t, "alice"), "")
		if w.Code != tt.want {
			t.Fatalf("%v: expected %d, got %d", tt.err, tt.want, w.Code)
		}
	}
}

func TestLeveragePreviewQuery(t *testing.T) {
	svc := &fakeEngine{}
	s := newTestServer(t, svc, Options{})

	w := do(s, http.MethodGet, "/api/leverage?symbol=ethusdt&price=2000&regime=CHOP&atr=40&balance=5000", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	req := svc.leverageReq
	if req.Symbol != "ETHUSDT" || req.EntryPrice != 2000 || req.Regime != market.RegimeChop || req.ATR != 40 || req.AccountBalance != 5000 {
		t.Fatalf("unexpected request: %+v", req)
	}

	for _, q := range []string{"?price=100", "?symbol=BTCUSDT", "?symbol=BTCUSDT&price=-1", "?symbol=BTCUSDT&price=1&atr=-2"} {
		if w := do(s, http.MethodGet, "/api/leverage"+q, "", ""); w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", q, w.Code)
		}
	}
}

func TestDecisionsQuery(t *testing.T) {
	svc := &fakeEngine{}
	s := newTestServer(t, svc, Options{})

	if w := do(s, http.MethodGet, "/api/decisions?symbol=btcusdt&limit=5000", "", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if svc.decSymbol != "BTCUSDT" || svc.decLimit != maxDecisionLimit {
		t.Fatalf("unexpected query %s/%d", svc.decSymbol, svc.decLimit)
	}
	if w := do(s, http.MethodGet, "/api/decisions?limit=abc", "", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, &fakeEngine{}, Options{RatePerSecond: 0.001, RateBurst: 1})
	if w := do(s, http.MethodGet, "/health", "", ""); w.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", w.Code)
	}
	if w := do(s, http.MethodGet, "/health", "", ""); w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", w.Code)
	}
	if n := s.SweepLimiters(); n != 0 {
		t.Fatalf("fresh limiter must not be swept, removed %d", n)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	tok, exp, err := GenerateToken("ops", testSecret, time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Fatalf("expiry in the past: %v", exp)
	}
	sub, err := ParseToken(tok, testSecret)
	if err != nil || sub != "ops" {
		t.Fatalf("parse: %q %v", sub, err)
	}
	if _, _, err := GenerateToken("ops", "", time.Hour); err == nil {
		t.Fatalf("empty secret must fail")
	}
}

func TestParseTopics(t *testing.T) {
	if got := parseTopics(""); len(got) != len(events.Topics) {
		t.Fatalf("empty filter should select every topic, got %d", len(got))
	}
	got := parseTopics("market.bar, bogus ,risk.alert")
	if len(got) != 2 || got[0] != events.EventBar || got[1] != events.EventRiskAlert {
		t.Fatalf("unexpected topics %v", got)
	}
	if got := parseTopics("bogus"); len(got) != 0 {
		t.Fatalf("unknown topics should be dropped, got %v", got)
	}
}

func TestHealthServerFollowsEngineState(t *testing.T) {
	hs := NewHealthServer()
	ctx := context.Background()

	if st, err := hs.Check(ctx, ""); err != nil || st != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("idle engine: %v %v", st, err)
	}
	hs.SetState(order.StateRunning)
	if st, _ := hs.Check(ctx, HealthService); st != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("running engine: %v", st)
	}

	bus := events.NewBus()
	fctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		hs.Follow(fctx, bus)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		bus.Publish(events.EventEngineState, map[string]string{"from": "RUNNING", "to": "KILL_SWITCH_ACTIVE"})
		if st, _ := hs.Check(ctx, ""); st == healthpb.HealthCheckResponse_NOT_SERVING {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("health did not follow kill switch")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestTimeoutMiddlewareSetsDeadline(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(TimeoutMiddleware(time.Second))
	r.GET("/x", func(c *gin.Context) {
		if _, ok := c.Request.Context().Deadline(); !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusOK)
	})
	r.GET("/ws", func(c *gin.Context) {
		if _, ok := c.Request.Context().Deadline(); ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("plain request should carry a deadline")
	}

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Connection", "upgrade")
	req.Header.Set("Upgrade", "websocket")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("websocket upgrade must not get a deadline")
	}
}

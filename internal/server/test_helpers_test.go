package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/redwing-381/projectx/internal/alert"
	"github.com/redwing-381/projectx/internal/auth"
	"github.com/redwing-381/projectx/internal/classify"
	"github.com/redwing-381/projectx/internal/commands"
	"github.com/redwing-381/projectx/internal/devices"
	"github.com/redwing-381/projectx/internal/history"
	"github.com/redwing-381/projectx/internal/ingest"
	"github.com/redwing-381/projectx/internal/monitoring"
	"github.com/redwing-381/projectx/internal/rules"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testAPIKey        = "test-api-key"
	testSigningSecret = "test-signing-secret"
	testAlertNumber   = "+15550100"
)

type staticCompleter struct {
	content string
}

func (s staticCompleter) CompleteJSON(context.Context, string, string) (string, error) {
	return s.content, nil
}

type recordingTransport struct {
	mu     sync.Mutex
	to     []string
	bodies []string
}

func (r *recordingTransport) Name() string { return "recording" }

func (r *recordingTransport) Send(_ context.Context, to, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.to = append(r.to, to)
	r.bodies = append(r.bodies, body)
	return nil
}

func (r *recordingTransport) Bodies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.bodies...)
}

type testServer struct {
	handler    http.Handler
	database   *gorm.DB
	transport  *recordingTransport
	devices    *devices.Registry
	commands   *commands.Service
	history    *history.Store
	rules      *rules.Store
	engine     *classify.Engine
	tokens     *auth.TokenIssuer
	monitoring *monitoring.Service
}

type testServerOptions struct {
	apiKey        string
	signingSecret string
	logger        *zap.Logger
}

func newTestServer(t *testing.T, options testServerOptions) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(
		&devices.Device{},
		&history.AlertRecord{},
		&commands.Command{},
		&rules.VIPSender{},
		&rules.Keyword{},
		&monitoring.Setting{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	logger := options.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	registry, err := devices.NewRegistry(devices.RegistryConfig{Database: db, Logger: logger})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	records, err := history.NewStore(history.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	ruleStore, err := rules.NewStore(rules.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	queue, err := commands.NewService(commands.ServiceConfig{Database: db, Notifier: commands.NewNotifier(), Logger: logger})
	if err != nil {
		t.Fatalf("commands: %v", err)
	}
	monitor, err := monitoring.NewService(monitoring.ServiceConfig{Database: db, Devices: registry, Commands: queue, Logger: logger})
	if err != nil {
		t.Fatalf("monitoring: %v", err)
	}

	reasoner, err := classify.NewDirectReasoner(staticCompleter{content: `{"urgency":"NOT_URGENT","reason":"routine update"}`})
	if err != nil {
		t.Fatalf("reasoner: %v", err)
	}
	engine, err := classify.NewEngine(classify.EngineConfig{Rules: ruleStore, Reasoner: reasoner, Logger: logger})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	transport := &recordingTransport{}
	dispatcher, err := alert.NewDispatcher(alert.DispatcherConfig{
		Transport:   transport,
		Records:     records,
		PhoneNumber: testAlertNumber,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	gateway, err := ingest.NewGateway(ingest.GatewayConfig{
		Devices:    registry,
		Classifier: engine,
		Dispatcher: dispatcher,
		Records:    records,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}

	var tokens *auth.TokenIssuer
	if options.signingSecret != "" {
		tokens, err = auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(options.signingSecret)})
		if err != nil {
			t.Fatalf("token issuer: %v", err)
		}
	}

	handler, err := NewHTTPHandler(Dependencies{
		Authenticator:      auth.NewAuthenticator(options.apiKey, tokens),
		TokenIssuer:        tokens,
		Gateway:            gateway,
		Commands:           queue,
		Monitoring:         monitor,
		Devices:            registry,
		History:            records,
		Rules:              ruleStore,
		RuleRefresher:      engine,
		CommandWaitCeiling: 2 * time.Second,
		Logger:             logger,
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	return &testServer{
		handler:    handler,
		database:   db,
		transport:  transport,
		devices:    registry,
		commands:   queue,
		history:    records,
		rules:      ruleStore,
		engine:     engine,
		tokens:     tokens,
		monitoring: monitor,
	}
}

func (s *testServer) do(t *testing.T, method, path, credential string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch typed := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(typed))
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if credential != "" {
		request.Header.Set("Authorization", "Bearer "+credential)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
}

package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/keyway-access/keyway-core/internal/auth"
	"github.com/keyway-access/keyway-core/internal/command"
	"github.com/keyway-access/keyway-core/internal/credential"
	"github.com/keyway-access/keyway-core/internal/denylist"
	"github.com/keyway-access/keyway-core/internal/entitlement"
	"github.com/keyway-access/keyway-core/internal/facility"
	"github.com/keyway-access/keyway-core/internal/infrastructure/config"
	"github.com/keyway-access/keyway-core/internal/infrastructure/database"
	"github.com/keyway-access/keyway-core/internal/infrastructure/logging"
	"github.com/keyway-access/keyway-core/internal/signer"
	_ "github.com/keyway-access/keyway-core/migrations"
)

const testSecret = "test-secret-for-api-tests-0123456789"

// testEnv bundles the server with the stores the tests assert against.
type testEnv struct {
	server    *Server
	handler   http.Handler
	signer    *signer.Signer
	denylist  denylist.Repository
	passes    credential.Repository
	devices   facility.Repository
	transport *fakeTransport
}

// fakeTransport captures facility unicasts in place of MQTT.
type fakeTransport struct {
	deliveries map[string][]string
}

func (f *fakeTransport) UnicastToFacility(_ context.Context, facilityID, token string) error {
	if f.deliveries == nil {
		f.deliveries = make(map[string][]string)
	}
	f.deliveries[facilityID] = append(f.deliveries[facilityID], token)
	return nil
}

// newTestEnv wires a server against a migrated temp database. The MQTT,
// presence and audit dependencies stay nil; handlers must tolerate that.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "api-test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating test db: %v", err)
	}

	logger := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stderr"}, "test")
	sgn := testSigner(t, db)
	denyRepo := denylist.NewRepository(db.DB)
	passRepo := credential.NewRepository(db.DB)
	deviceRepo := facility.NewRepository(db.DB)

	transport := &fakeTransport{}
	bus := entitlement.NewBus(logger)
	bus.Subscribe(denylist.NewListener(denyRepo, deviceRepo, passRepo, sgn, transport, 24*time.Hour, logger))

	srv, err := New(Deps{
		Config:   config.APIConfig{Host: "127.0.0.1", Port: 0},
		Security: config.SecurityConfig{JWT: config.JWTConfig{Secret: testSecret}},
		Logger:   logger,
		Commands: command.NewService(command.NewRepository(db.DB)),
		Queue:    command.NewRepository(db.DB),
		Denylist: denyRepo,
		Passes:   passRepo,
		Signer:   sgn,
		Bus:      bus,
		DB:       db.DB,
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("creating server: %v", err)
	}

	return &testEnv{
		server:    srv,
		handler:   srv.buildRouter(),
		signer:    sgn,
		denylist:  denyRepo,
		passes:    passRepo,
		devices:   deviceRepo,
		transport: transport,
	}
}

func testSigner(t *testing.T, db *database.DB) *signer.Signer {
	t.Helper()

	seed := func() string {
		b := make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(b); err != nil {
			t.Fatalf("generating seed: %v", err)
		}
		return base64.StdEncoding.EncodeToString(b)
	}

	sgn, err := signer.New(seed(), seed(), signer.NewCounter(db.DB))
	if err != nil {
		t.Fatalf("creating signer: %v", err)
	}
	return sgn
}

// do performs an authenticated request and returns the recorder.
func (e *testEnv) do(t *testing.T, method, path string, body any, role auth.Role) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding request body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	if role != "" {
		token, err := auth.GenerateServiceToken("test-caller", role, testSecret, 5)
		if err != nil {
			t.Fatalf("generating token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestHealth_NoAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" {
		t.Errorf("health status field = %v, want ok", body["status"])
	}
}

func TestMetrics_NoAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/metrics", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", rec.Code)
	}
}

func TestProtectedRoute_RejectsMissingToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/commands?facility_id=fac-1", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestProtectedRoute_RejectsGarbageToken(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/commands?facility_id=fac-1", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func submitBody(key string) map[string]any {
	return map[string]any{
		"facility_id":     "fac-1",
		"gateway_id":      "gw-1",
		"device_id":       "dev-1",
		"command_type":    "ADD_KEY",
		"payload":         map[string]any{"user_id": "user-1", "public_key": "pk", "access_code": "1234"},
		"idempotency_key": key,
	}
}

func TestSubmitCommand_CreatedThenIdempotent(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/commands", submitBody("idem-1"), auth.RoleService)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first submit status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	first := decodeBody(t, rec)

	rec = env.do(t, http.MethodPost, "/api/v1/commands", submitBody("idem-1"), auth.RoleService)
	if rec.Code != http.StatusOK {
		t.Fatalf("repeat submit status = %d, want 200", rec.Code)
	}
	second := decodeBody(t, rec)

	if first["id"] != second["id"] {
		t.Errorf("repeat submit returned different command: %v vs %v", first["id"], second["id"])
	}
}

func TestSubmitCommand_UnknownTypeRejected(t *testing.T) {
	env := newTestEnv(t)

	body := submitBody("idem-2")
	body["command_type"] = "OPEN_SESAME"

	rec := env.do(t, http.MethodPost, "/api/v1/commands", body, auth.RoleService)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetCommand_NotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/commands/cmd-missing", nil, auth.RoleOperator)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCancelCommand_Lifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/commands", submitBody("idem-3"), auth.RoleOperator)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit status = %d, want 201", rec.Code)
	}
	id, _ := decodeBody(t, rec)["id"].(string) //nolint:errcheck // asserted non-empty below
	if id == "" {
		t.Fatal("submit response missing id")
	}

	rec = env.do(t, http.MethodPost, "/api/v1/commands/"+id+"/cancel", nil, auth.RoleOperator)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	// A cancelled command is terminal; cancelling again conflicts.
	rec = env.do(t, http.MethodPost, "/api/v1/commands/"+id+"/cancel", nil, auth.RoleOperator)
	if rec.Code != http.StatusConflict {
		t.Fatalf("repeat cancel status = %d, want 409", rec.Code)
	}
}

func TestListAttempts_EmptyForFreshCommand(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/commands", submitBody("idem-4"), auth.RoleService)
	id, _ := decodeBody(t, rec)["id"].(string) //nolint:errcheck // submit asserted above

	rec = env.do(t, http.MethodGet, "/api/v1/commands/"+id+"/attempts", nil, auth.RoleOperator)
	if rec.Code != http.StatusOK {
		t.Fatalf("attempts status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["count"] != float64(0) {
		t.Errorf("attempt count = %v, want 0", body["count"])
	}
}

func TestListDenylist_RequiresExactlyOneFilter(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{
		"/api/v1/denylist",
		"/api/v1/denylist?user_id=u1&device_id=d1",
	} {
		rec := env.do(t, http.MethodGet, path, nil, auth.RoleOperator)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400", path, rec.Code)
		}
	}
}

func TestListDenylist_ByUser(t *testing.T) {
	env := newTestEnv(t)

	entry := denylist.Entry{DeviceID: "dev-1", UserID: "user-9", Source: denylist.SourceUnitUnassignment}
	if err := env.denylist.Upsert(context.Background(), &entry); err != nil {
		t.Fatalf("seeding deny entry: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/denylist?user_id=user-9", nil, auth.RoleOperator)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	entries, _ := body["entries"].([]any) //nolint:errcheck // length check below covers type mismatch
	if len(entries) != 1 {
		t.Errorf("entries = %v, want 1 entry", body["entries"])
	}
}

func TestIssueRoutePass_ReturnsTokenAndRecords(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/route-passes",
		map[string]any{"user_id": "user-1", "device_id": "dev-1"}, auth.RoleService)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["token"] == "" || body["token"] == nil {
		t.Error("response missing signed token")
	}

	// Issuance must be visible to the optimizer's expiry lookup.
	expiry, err := env.passes.LatestExpiryForUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("latest expiry: %v", err)
	}
	if !expiry.After(time.Now()) {
		t.Errorf("recorded expiry %v is not in the future", expiry)
	}
}

func TestIssueRoutePass_MissingFields(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/route-passes",
		map[string]any{"user_id": "user-1"}, auth.RoleService)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestTimeSync_IssuedNeverRegresses(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/signer/time-sync",
		map[string]any{"requested_ts": 5000}, auth.RoleService)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	// An older request must not roll the issued timestamp back.
	rec = env.do(t, http.MethodPost, "/api/v1/signer/time-sync",
		map[string]any{"requested_ts": 4000}, auth.RoleService)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	issued, ok := body["issued_ts"].(float64)
	if !ok || issued < 5000 {
		t.Errorf("issued_ts = %v, want >= 5000", body["issued_ts"])
	}
}

func TestRotate_RequiresAdmin(t *testing.T) {
	env := newTestEnv(t)

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/api/v1/signer/rotate", map[string]any{
		"new_public_key": base64.StdEncoding.EncodeToString(pub),
		"ts":             1000,
	}, auth.RoleOperator)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("operator rotate status = %d, want 403", rec.Code)
	}
}

func TestRotate_StaleTimestampConflicts(t *testing.T) {
	env := newTestEnv(t)

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	body := map[string]any{
		"new_public_key": base64.StdEncoding.EncodeToString(pub),
		"ts":             2000,
	}

	rec := env.do(t, http.MethodPost, "/api/v1/signer/rotate", body, auth.RoleAdmin)
	if rec.Code != http.StatusOK {
		t.Fatalf("rotate status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	// Same timestamp again: the counter already holds 2000.
	rec = env.do(t, http.MethodPost, "/api/v1/signer/rotate", body, auth.RoleAdmin)
	if rec.Code != http.StatusConflict {
		t.Fatalf("replayed rotate status = %d, want 409", rec.Code)
	}
}

func TestRotate_LegacyRawPath(t *testing.T) {
	env := newTestEnv(t)

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	payload, err := json.Marshal(map[string]any{
		"new_public_key": base64.StdEncoding.EncodeToString(pub),
		"ts":             3000,
	})
	if err != nil {
		t.Fatalf("marshalling payload: %v", err)
	}

	// Signed with the wrong key: fail closed with a validation error.
	_, wrongKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	rec := env.do(t, http.MethodPost, "/api/v1/signer/rotate", map[string]any{
		"payload":   base64.StdEncoding.EncodeToString(payload),
		"signature": base64.StdEncoding.EncodeToString(ed25519.Sign(wrongKey, payload)),
	}, auth.RoleAdmin)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("wrong-key rotate status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestWSTicket_IssueAndConsume(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/auth/ws-ticket", nil, auth.RoleOperator)
	if rec.Code != http.StatusOK {
		t.Fatalf("ticket status = %d, want 200", rec.Code)
	}
	ticket, _ := decodeBody(t, rec)["ticket"].(string) //nolint:errcheck // asserted non-empty below
	if ticket == "" {
		t.Fatal("response missing ticket")
	}

	entry, ok := env.server.tickets.validate(ticket)
	if !ok {
		t.Fatal("issued ticket did not validate")
	}
	if entry.subject != "test-caller" || entry.role != auth.RoleOperator {
		t.Errorf("ticket identity = %q/%q, want test-caller/operator", entry.subject, entry.role)
	}

	// Tickets are single-use.
	if _, ok := env.server.tickets.validate(ticket); ok {
		t.Error("ticket validated twice")
	}
}

func TestEntitlementEvent_UnassignWritesLedgerAndTransmits(t *testing.T) {
	env := newTestEnv(t)

	binding := facility.DeviceBinding{ID: "dev-1", FacilityID: "fac-1", GatewayID: "gw-1", UnitID: "unit-1"}
	if err := env.devices.Upsert(context.Background(), &binding); err != nil {
		t.Fatalf("seeding device binding: %v", err)
	}
	// A live pass means the optimizer must not skip the transmission.
	pass := credential.RoutePass{UserID: "user-1", DeviceID: "dev-1", ExpiresAt: time.Now().Add(time.Hour)}
	if err := env.passes.Record(context.Background(), &pass); err != nil {
		t.Fatalf("seeding route pass: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/api/v1/entitlements/events", map[string]any{
		"type":        "unassigned",
		"unit_id":     "unit-1",
		"facility_id": "fac-1",
		"user_id":     "user-1",
		"metadata":    map[string]any{"source": "unit_unassignment"},
	}, auth.RoleService)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("event status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	entries, err := env.denylist.ListByUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("listing deny entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("deny entries = %d, want 1", len(entries))
	}
	if len(env.transport.deliveries["fac-1"]) != 1 {
		t.Errorf("facility deliveries = %d, want 1", len(env.transport.deliveries["fac-1"]))
	}
}

func TestEntitlementEvent_SurvivesClientDisconnect(t *testing.T) {
	env := newTestEnv(t)

	binding := facility.DeviceBinding{ID: "dev-1", FacilityID: "fac-1", GatewayID: "gw-1", UnitID: "unit-1"}
	if err := env.devices.Upsert(context.Background(), &binding); err != nil {
		t.Fatalf("seeding device binding: %v", err)
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(map[string]any{
		"type":        "unassigned",
		"unit_id":     "unit-1",
		"facility_id": "fac-1",
		"user_id":     "user-1",
		"metadata":    map[string]any{"source": "unit_unassignment"},
	}); err != nil {
		t.Fatalf("encoding request body: %v", err)
	}

	// The request context is already cancelled, as after a client
	// disconnect. The ledger write must still complete.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/entitlements/events", &buf).WithContext(ctx)
	token, err := auth.GenerateServiceToken("test-caller", auth.RoleService, testSecret, 5)
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	entries, err := env.denylist.ListByUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("listing deny entries: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("deny entries = %d, want 1 despite the dead request context", len(entries))
	}
}

func TestEntitlementEvent_OperatorForbidden(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/entitlements/events", map[string]any{
		"type":    "unassigned",
		"unit_id": "unit-1",
		"user_id": "user-1",
	}, auth.RoleOperator)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestEntitlementEvent_UnknownTypeRejected(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/entitlements/events", map[string]any{
		"type":    "granted-ish",
		"unit_id": "unit-1",
		"user_id": "user-1",
	}, auth.RoleService)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHub_NotifyCommandReachesSubscribers(t *testing.T) {
	logger := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stderr"}, "test")
	hub := NewHub(config.WebSocketConfig{}, logger)

	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte, 1),
		subscriptions: map[string]struct{}{ChannelCommandUpdated: {}},
	}
	hub.Register(client)

	hub.NotifyCommand(&command.Command{ID: "cmd-1", Status: command.StatusSucceeded})

	select {
	case data := <-client.send:
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decoding broadcast: %v", err)
		}
		if msg.Type != WSTypeEvent || msg.EventType != ChannelCommandUpdated {
			t.Errorf("broadcast = %+v, want event on %s", msg, ChannelCommandUpdated)
		}
	default:
		t.Fatal("subscribed client received nothing")
	}
}

func TestHub_UnsubscribedClientReceivesNothing(t *testing.T) {
	logger := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stderr"}, "test")
	hub := NewHub(config.WebSocketConfig{}, logger)

	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte, 1),
		subscriptions: map[string]struct{}{},
	}
	hub.Register(client)

	hub.NotifyCommand(&command.Command{ID: "cmd-2"})

	select {
	case <-client.send:
		t.Fatal("unsubscribed client received a broadcast")
	default:
	}
}

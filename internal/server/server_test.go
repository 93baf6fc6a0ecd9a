package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"hireline/internal/config"
	"hireline/internal/db"
	"hireline/internal/domain"
	"hireline/internal/engine"
	"hireline/internal/migrate"
	"hireline/internal/oracle"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	clock  *time.Time
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func (s *testServer) advance(d time.Duration) {
	*s.clock = s.clock.Add(d)
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	params := config.Default("owner")
	params.Oracle.Agents = map[string]config.StaticAgent{
		"acme": {Name: "Acme Labs", Score: 900},
		"beta": {Name: "Beta Agent", Score: 800},
	}
	eng := engine.New(conn, params, oracle.NewStatic(params.Oracle.Agents))
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }

	srv := New(eng, Config{Auth: AuthConfig{
		JWTSecret:   testSecret,
		DevLogin:    true,
		TokenExpiry: time.Hour,
	}})
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	httpSrv := &http.Server{Handler: srv.Handler()}
	go httpSrv.Serve(ln)

	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		clock:  &clock,
		close: func() {
			httpSrv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, token string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func login(t *testing.T, srv *testServer, account string) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"account": account,
	}, "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	return out.Token
}

func TestHealthWithoutAuth(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/jobs", nil, "")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/jobs", nil, "not-a-jwt")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", res.StatusCode)
	}
}

func TestHiringAndEscrowFlow(t *testing.T) {
	srv := newTestServer(t)
	employer := login(t, srv, "acme")
	worker := login(t, srv, "beta")
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs", map[string]any{
		"metadata_uri":         "ipfs://job-meta",
		"visibility":           "public",
		"application_deadline": srv.clock.Unix() + 86400,
		"comp_mode_mask":       7,
	}, employer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create job status %d: %s", res.StatusCode, string(data))
	}
	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/jobs/%d/applications", srv.URL, job.ID), map[string]any{
		"application_uri": "ipfs://application",
	}, worker)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("apply status %d: %s", res.StatusCode, string(data))
	}
	var app domain.Application
	if err := json.Unmarshal(data, &app); err != nil {
		t.Fatalf("unmarshal application: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/jobs/%d/applications/%d/offers", srv.URL, job.ID, app.ID), map[string]any{
		"amount_per_period": 100000,
		"period_seconds":    3600,
		"total_periods":     3,
	}, employer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("propose status %d: %s", res.StatusCode, string(data))
	}
	var offer domain.Offer
	if err := json.Unmarshal(data, &offer); err != nil {
		t.Fatalf("unmarshal offer: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/jobs/%d/offers/%d/accept", srv.URL, job.ID, offer.ID), nil, worker)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept status %d: %s", res.StatusCode, string(data))
	}
	var accepted struct {
		Job domain.Job `json:"job"`
	}
	if err := json.Unmarshal(data, &accepted); err != nil {
		t.Fatalf("unmarshal accept: %v", err)
	}
	if accepted.Job.Status != domain.JobStatusMatched {
		t.Fatalf("job not matched: %+v", accepted.Job)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/agreements", map[string]any{
		"job_id":   job.ID,
		"offer_id": offer.ID,
	}, employer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("activate status %d: %s", res.StatusCode, string(data))
	}
	var agreement domain.Agreement
	if err := json.Unmarshal(data, &agreement); err != nil {
		t.Fatalf("unmarshal agreement: %v", err)
	}
	if agreement.Status != domain.AgreementStatusPendingFunding {
		t.Fatalf("agreement status %s", agreement.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/agreements/%d/fund-runway", srv.URL, agreement.ID), map[string]any{
		"amount": 201000,
	}, employer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("fund runway status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/agreements/%d/fund-worker-bond", srv.URL, agreement.ID), map[string]any{
		"amount": 500,
	}, worker)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("fund bond status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v0/agreements/%d", srv.URL, agreement.ID), nil, worker)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get agreement status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &agreement); err != nil {
		t.Fatalf("unmarshal agreement: %v", err)
	}
	if agreement.Status != domain.AgreementStatusActive {
		t.Fatalf("agreement not active: %s", agreement.Status)
	}

	srv.advance(time.Hour)
	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/agreements/%d/claim-pay", srv.URL, agreement.ID), nil, worker)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
	}
	var claim engine.PayClaim
	if err := json.Unmarshal(data, &claim); err != nil {
		t.Fatalf("unmarshal claim: %v", err)
	}
	if claim.Gross != 100000 || claim.Fee != 1500 || claim.WorkerNet != 98500 {
		t.Fatalf("claim split: %+v", claim)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/accounts/beta/claimable", nil, worker)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claimable status %d: %s", res.StatusCode, string(data))
	}
	var claimable struct {
		Balance int64 `json:"balance"`
	}
	if err := json.Unmarshal(data, &claimable); err != nil {
		t.Fatalf("unmarshal claimable: %v", err)
	}
	if claimable.Balance != 98500 {
		t.Fatalf("claimable = %d", claimable.Balance)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv := newTestServer(t)
	employer := login(t, srv, "acme")
	worker := login(t, srv, "beta")
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs", map[string]any{
		"metadata_uri":         "ipfs://job-meta",
		"visibility":           "public",
		"application_deadline": srv.clock.Unix() + 86400,
		"comp_mode_mask":       7,
	}, employer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create job status %d: %s", res.StatusCode, string(data))
	}
	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}

	applyURL := fmt.Sprintf("%s/v0/jobs/%d/applications", srv.URL, job.ID)
	if res, data = doJSON(t, client, http.MethodPost, applyURL, map[string]any{"application_uri": "ipfs://a"}, worker); res.StatusCode != http.StatusOK {
		t.Fatalf("apply status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, applyURL, map[string]any{"application_uri": "ipfs://a"}, worker)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate apply, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Code != "conflict" || envelope.Message == "" {
		t.Fatalf("error envelope: %+v", envelope)
	}

	// unknown agreement surfaces as 404
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/agreements/999", nil, worker)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
}

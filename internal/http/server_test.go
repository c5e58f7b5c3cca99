package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"kasku/internal/auth"
	"kasku/internal/core"
	"kasku/internal/services"
	"kasku/internal/storage"
)

func newTestServer(t *testing.T, verifier *auth.Verifier) *Server {
	t.Helper()

	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "kasku_test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRepository() error = %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	billing := services.NewBillingService(repo, nil)
	ledger := services.NewLedgerService(repo, nil)

	s := NewServer(":0", billing, ledger, repo, verifier)
	t.Cleanup(func() { s.cacheManager.Stop(); s.rateLimiter.Stop() })
	return s
}

func doJSON(t *testing.T, s *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	s.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func createMemberViaAPI(t *testing.T, s *Server, name string) core.Member {
	t.Helper()
	rec := doJSON(t, s, http.MethodPost, "/members", map[string]string{"name": name}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /members status = %d, body %s", rec.Code, rec.Body.String())
	}
	return decodeBody[core.Member](t, rec)
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doJSON(t, s, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("GET /healthz status = %d, want 200", rec.Code)
	}

	rec = doJSON(t, s, http.MethodGet, "/readyz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("GET /readyz status = %d, want 200", rec.Code)
	}
}

func TestMemberEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	t.Run("create and list", func(t *testing.T) {
		m := createMemberViaAPI(t, s, "Budi")
		if m.ID == "" || m.Name != "Budi" || !m.Active {
			t.Errorf("created member = %+v", m)
		}

		rec := doJSON(t, s, http.MethodGet, "/members", nil, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("GET /members status = %d", rec.Code)
		}
		members := decodeBody[[]core.Member](t, rec)
		if len(members) != 1 {
			t.Errorf("GET /members returned %d members, want 1", len(members))
		}
	})

	t.Run("create without name", func(t *testing.T) {
		rec := doJSON(t, s, http.MethodPost, "/members", map[string]string{"nim": "123"}, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("POST /members without name status = %d, want 400", rec.Code)
		}
		resp := decodeBody[errorResponse](t, rec)
		if len(resp.Issues) == 0 {
			t.Error("expected validation issues in response")
		}
	})

	t.Run("get missing member", func(t *testing.T) {
		rec := doJSON(t, s, http.MethodGet, "/members/nope", nil, nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("GET /members/nope status = %d, want 404", rec.Code)
		}
	})

	t.Run("update", func(t *testing.T) {
		m := createMemberViaAPI(t, s, "Sari")
		rec := doJSON(t, s, http.MethodPatch, "/members/"+m.ID,
			map[string]any{"name": "Sari Dewi", "active": false}, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("PATCH /members/%s status = %d, body %s", m.ID, rec.Code, rec.Body.String())
		}
		updated := decodeBody[core.Member](t, rec)
		if updated.Name != "Sari Dewi" || updated.Active {
			t.Errorf("updated member = %+v", updated)
		}
	})

	t.Run("delete", func(t *testing.T) {
		m := createMemberViaAPI(t, s, "Andi")
		rec := doJSON(t, s, http.MethodDelete, "/members/"+m.ID, nil, nil)
		if rec.Code != http.StatusOK {
			t.Errorf("DELETE /members/%s status = %d, want 200", m.ID, rec.Code)
		}
		if resp := decodeBody[okResponse](t, rec); !resp.OK {
			t.Errorf("DELETE /members/%s body = %s, want ok", m.ID, rec.Body.String())
		}

		// Deleting again is still a success, the row is just as gone
		rec = doJSON(t, s, http.MethodDelete, "/members/"+m.ID, nil, nil)
		if rec.Code != http.StatusOK {
			t.Errorf("second DELETE status = %d, want 200", rec.Code)
		}
	})
}

func TestBillingFlow(t *testing.T) {
	s := newTestServer(t, nil)

	budi := createMemberViaAPI(t, s, "Budi")
	sari := createMemberViaAPI(t, s, "Sari")

	rec := doJSON(t, s, http.MethodPost, "/bills/generate", map[string]string{"ym": "2026-08"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /bills/generate status = %d, body %s", rec.Code, rec.Body.String())
	}
	bills := decodeBody[[]core.Bill](t, rec)
	if len(bills) != 2 {
		t.Fatalf("generate returned %d bills, want 2", len(bills))
	}
	for _, b := range bills {
		if b.Amount != core.DefaultDuesAmount || b.Status != core.Unpaid {
			t.Errorf("generated bill = %+v", b)
		}
	}

	// Regeneration is a no-op
	rec = doJSON(t, s, http.MethodPost, "/bills/generate", map[string]string{"ym": "2026-08"}, nil)
	if got := decodeBody[[]core.Bill](t, rec); len(got) != 2 {
		t.Errorf("regeneration returned %d bills, want 2", len(got))
	}

	rec = doJSON(t, s, http.MethodPost, "/bills/bulkPaid",
		map[string]any{"memberIds": []string{budi.ID}, "ym": "2026-08"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /bills/bulkPaid status = %d, body %s", rec.Code, rec.Body.String())
	}
	paid := decodeBody[[]core.Bill](t, rec)
	if len(paid) != 2 {
		t.Fatalf("bulkPaid returned %d bills, want the full period set", len(paid))
	}
	paidByMember := map[string]core.BillStatus{}
	for _, b := range paid {
		paidByMember[b.MemberID] = b.Status
	}
	if paidByMember[budi.ID] != core.Paid || paidByMember[sari.ID] != core.Unpaid {
		t.Errorf("bill statuses after bulkPaid = %v", paidByMember)
	}

	// Cache must reflect the payment
	rec = doJSON(t, s, http.MethodGet, "/bills?ym=2026-08", nil, nil)
	byMember := map[string]core.BillStatus{}
	for _, b := range decodeBody[[]core.Bill](t, rec) {
		byMember[b.MemberID] = b.Status
	}
	if byMember[budi.ID] != core.Paid || byMember[sari.ID] != core.Unpaid {
		t.Errorf("bill statuses after payment = %v", byMember)
	}

	// Paying again is a no-op on the already-paid bill
	rec = doJSON(t, s, http.MethodPost, "/bills/bulkPaid",
		map[string]any{"memberIds": []string{budi.ID}, "ym": "2026-08"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("repeat bulkPaid status = %d", rec.Code)
	}
	if again := decodeBody[[]core.Bill](t, rec); len(again) != 2 {
		t.Errorf("repeat bulkPaid returned %d bills, want 2", len(again))
	}

	rec = doJSON(t, s, http.MethodGet, "/txs/summary?ym=2026-08", nil, nil)
	totals := decodeBody[core.Totals](t, rec)
	want := core.Totals{In: 20000, Out: 0, Balance: 20000}
	if totals != want {
		t.Errorf("summary = %+v, want %+v", totals, want)
	}

	// Waive the remaining bill
	rec = doJSON(t, s, http.MethodPost, "/bills/waive",
		map[string]any{"memberIds": []string{sari.ID}, "ym": "2026-08"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /bills/waive status = %d, body %s", rec.Code, rec.Body.String())
	}
	waived := decodeBody[[]core.Bill](t, rec)
	waivedByMember := map[string]core.BillStatus{}
	for _, b := range waived {
		waivedByMember[b.MemberID] = b.Status
	}
	if waivedByMember[sari.ID] != core.Waived {
		t.Errorf("bill statuses after waive = %v", waivedByMember)
	}

	// Summary unchanged by the waive
	rec = doJSON(t, s, http.MethodGet, "/txs/summary?ym=2026-08", nil, nil)
	if got := decodeBody[core.Totals](t, rec); got != want {
		t.Errorf("summary after waive = %+v, want %+v", got, want)
	}
}

func TestGenerateBillsInvalidPeriod(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doJSON(t, s, http.MethodPost, "/bills/generate", map[string]string{"ym": "08-2026"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("POST /bills/generate with bad period status = %d, want 400", rec.Code)
	}
}

func TestGenerateBillsDefaultsToCurrentMonth(t *testing.T) {
	s := newTestServer(t, nil)
	createMemberViaAPI(t, s, "Budi")

	// No body at all
	rec := doJSON(t, s, http.MethodPost, "/bills/generate", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /bills/generate with empty body status = %d, body %s", rec.Code, rec.Body.String())
	}
	bills := decodeBody[[]core.Bill](t, rec)
	if len(bills) != 1 || bills[0].Period != core.CurrentPeriod() {
		t.Errorf("generate with empty body = %+v, want one bill for %s", bills, core.CurrentPeriod())
	}

	// Empty JSON object
	rec = doJSON(t, s, http.MethodPost, "/bills/generate", map[string]string{}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /bills/generate with {} status = %d, body %s", rec.Code, rec.Body.String())
	}
	if bills := decodeBody[[]core.Bill](t, rec); len(bills) != 1 || bills[0].Period != core.CurrentPeriod() {
		t.Errorf("generate with {} = %+v, want one bill for %s", bills, core.CurrentPeriod())
	}
}

func TestDuesAmountEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doJSON(t, s, http.MethodGet, "/dues/amount", nil, nil)
	if got := decodeBody[duesAmountResponse](t, rec); got.DuesAmount != core.DefaultDuesAmount {
		t.Errorf("GET /dues/amount = %d, want default %d", got.DuesAmount, core.DefaultDuesAmount)
	}

	rec = doJSON(t, s, http.MethodPost, "/dues/amount", map[string]int64{"amount": 25000}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /dues/amount status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[duesAmountResponse](t, rec); got.DuesAmount != 25000 {
		t.Errorf("POST /dues/amount = %d, want 25000", got.DuesAmount)
	}

	rec = doJSON(t, s, http.MethodGet, "/dues/amount", nil, nil)
	if got := decodeBody[duesAmountResponse](t, rec); got.DuesAmount != 25000 {
		t.Errorf("GET /dues/amount after update = %d, want 25000", got.DuesAmount)
	}

	rec = doJSON(t, s, http.MethodPost, "/dues/amount", map[string]int64{"amount": -5}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("POST /dues/amount with negative status = %d, want 400", rec.Code)
	}
}

func TestLedgerEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	entryBody := map[string]any{
		"type":     "out",
		"amount":   7500,
		"category": "Konsumsi",
		"note":     "snacks",
		"date":     time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC).Format(time.RFC3339),
	}

	rec := doJSON(t, s, http.MethodPost, "/txs", entryBody, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /txs status = %d, body %s", rec.Code, rec.Body.String())
	}
	entry := decodeBody[core.LedgerEntry](t, rec)
	if entry.ID == "" || entry.Type != core.Out {
		t.Errorf("created entry = %+v", entry)
	}

	t.Run("validation", func(t *testing.T) {
		bad := map[string]any{"type": "transfer", "amount": 100, "date": "2026-08-10T00:00:00Z"}
		rec := doJSON(t, s, http.MethodPost, "/txs", bad, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("POST /txs with bad type status = %d, want 400", rec.Code)
		}
	})

	t.Run("list by period", func(t *testing.T) {
		rec := doJSON(t, s, http.MethodGet, "/txs?ym=2026-08", nil, nil)
		entries := decodeBody[[]core.LedgerEntry](t, rec)
		if len(entries) != 1 {
			t.Errorf("GET /txs?ym=2026-08 returned %d entries, want 1", len(entries))
		}

		rec = doJSON(t, s, http.MethodGet, "/txs?ym=2026-09", nil, nil)
		if entries := decodeBody[[]core.LedgerEntry](t, rec); len(entries) != 0 {
			t.Errorf("GET /txs?ym=2026-09 returned %d entries, want 0", len(entries))
		}
	})

	t.Run("summary", func(t *testing.T) {
		rec := doJSON(t, s, http.MethodGet, "/txs/summary", nil, nil)
		totals := decodeBody[core.Totals](t, rec)
		want := core.Totals{In: 0, Out: 7500, Balance: -7500}
		if totals != want {
			t.Errorf("summary = %+v, want %+v", totals, want)
		}
	})

	t.Run("delete", func(t *testing.T) {
		rec := doJSON(t, s, http.MethodDelete, "/txs/"+entry.ID, nil, nil)
		if rec.Code != http.StatusOK {
			t.Errorf("DELETE /txs/%s status = %d, want 200", entry.ID, rec.Code)
		}
		if resp := decodeBody[okResponse](t, rec); !resp.OK {
			t.Errorf("DELETE /txs/%s body = %s, want ok", entry.ID, rec.Body.String())
		}

		// Deleting again is still a success
		rec = doJSON(t, s, http.MethodDelete, "/txs/"+entry.ID, nil, nil)
		if rec.Code != http.StatusOK {
			t.Errorf("second DELETE status = %d, want 200", rec.Code)
		}
	})
}

func bearerFor(t *testing.T, secret, subject string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + token
}

func TestAuthScoping(t *testing.T) {
	s := newTestServer(t, auth.NewVerifier("test-secret"))

	t.Run("missing token", func(t *testing.T) {
		rec := doJSON(t, s, http.MethodGet, "/members", nil, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("GET /members without token status = %d, want 401", rec.Code)
		}
	})

	t.Run("health needs no token", func(t *testing.T) {
		rec := doJSON(t, s, http.MethodGet, "/healthz", nil, nil)
		if rec.Code != http.StatusOK {
			t.Errorf("GET /healthz status = %d, want 200", rec.Code)
		}
	})

	t.Run("tenants are isolated", func(t *testing.T) {
		groupA := map[string]string{"Authorization": bearerFor(t, "test-secret", "group-a")}
		groupB := map[string]string{"Authorization": bearerFor(t, "test-secret", "group-b")}

		rec := doJSON(t, s, http.MethodPost, "/members", map[string]string{"name": "Budi"}, groupA)
		if rec.Code != http.StatusCreated {
			t.Fatalf("POST /members status = %d, body %s", rec.Code, rec.Body.String())
		}

		rec = doJSON(t, s, http.MethodGet, "/members", nil, groupA)
		if members := decodeBody[[]core.Member](t, rec); len(members) != 1 {
			t.Errorf("group-a sees %d members, want 1", len(members))
		}

		rec = doJSON(t, s, http.MethodGet, "/members", nil, groupB)
		if members := decodeBody[[]core.Member](t, rec); len(members) != 0 {
			t.Errorf("group-b sees %d members, want 0", len(members))
		}
	})
}

func TestMemberDeleteCascadeOverAPI(t *testing.T) {
	s := newTestServer(t, nil)

	budi := createMemberViaAPI(t, s, "Budi")

	rec := doJSON(t, s, http.MethodPost, "/bills/generate", map[string]string{"ym": "2026-08"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("generate status = %d", rec.Code)
	}
	rec = doJSON(t, s, http.MethodPost, "/bills/bulkPaid",
		map[string]any{"memberIds": []string{budi.ID}, "ym": "2026-08"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("bulkPaid status = %d", rec.Code)
	}

	rec = doJSON(t, s, http.MethodDelete, "/members/"+budi.ID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete member status = %d", rec.Code)
	}

	// Bills are gone, the payment history stays
	rec = doJSON(t, s, http.MethodGet, "/bills?ym=2026-08", nil, nil)
	if bills := decodeBody[[]core.Bill](t, rec); len(bills) != 0 {
		t.Errorf("bills after member delete = %d, want 0", len(bills))
	}

	rec = doJSON(t, s, http.MethodGet, "/txs/summary?ym=2026-08", nil, nil)
	totals := decodeBody[core.Totals](t, rec)
	if totals.In != core.DefaultDuesAmount {
		t.Errorf("summary in = %d after member delete, payment history must survive", totals.In)
	}
}

func TestRequestIDHeaderless(t *testing.T) {
	// Sanity check for the request ID generator shape
	id := generateRequestID()
	if len(id) < 8 {
		t.Errorf("generateRequestID() = %q, too short", id)
	}
	if id[:4] != "req_" {
		t.Errorf("generateRequestID() = %q, want req_ prefix", id)
	}
}

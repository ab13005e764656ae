package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"

	"github.com/developingchet/privacy-record/internal/ledger"
	"github.com/developingchet/privacy-record/internal/notifier"
	"github.com/developingchet/privacy-record/internal/permission"
	"github.com/developingchet/privacy-record/internal/platform"
	"github.com/developingchet/privacy-record/internal/repository"
	"github.com/developingchet/privacy-record/internal/testutil"
	"github.com/developingchet/privacy-record/internal/usage"
)

const testToken = "s3cret"

type fixture struct {
	srv  *httptest.Server
	plat *platform.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := quartz.NewMock(t)
	clk.Set(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	l := ledger.New(ledger.Config{}, repository.New(testutil.NewMockStore(), zerolog.Nop()), clk, zerolog.Nop())

	n, err := notifier.New(notifier.DefaultConfig(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	n.Start(ctx)
	t.Cleanup(func() {
		n.Stop()
		cancel()
	})

	plat := platform.NewRegistry(zerolog.Nop())
	plat.PutApp(platform.App{ID: 5, BundleName: "com.example.camera", DeviceID: "local", Status: permission.Foreground})
	plat.PutApp(platform.App{ID: 6, BundleName: "com.example.maps", DeviceID: "local", Status: permission.Background})
	m := usage.New(usage.Config{DetailLimit: 10}, l, n, plat, nil, clk, zerolog.Nop())
	plat.SetListener(m)

	s := New(Config{Token: testToken, WebhookTimeout: 2 * time.Second, LocalDeviceID: "local"}, m, plat, zerolog.Nop())
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, plat: plat}
}

type reply struct {
	Code    permission.Code `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (int, reply) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var r reply
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return resp.StatusCode, r
}

func TestAuth(t *testing.T) {
	f := newFixture(t)
	for _, hdr := range []string{"", "Bearer wrong", testToken} {
		req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/v1/usage/allowed?appId=5&permissionName=CAMERA", nil)
		if hdr != "" {
			req.Header.Set("Authorization", hdr)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("header %q: status %d, want 401", hdr, resp.StatusCode)
		}
	}

	status, r := f.do(t, http.MethodGet, "/v1/usage/allowed?appId=5&permissionName=CAMERA", nil)
	if status != http.StatusOK || r.Code != permission.Success {
		t.Fatalf("authorized request: %d %+v", status, r)
	}
}

func TestAuthDisabled(t *testing.T) {
	s := New(Config{}, nil, platform.NewRegistry(zerolog.Nop()), zerolog.Nop())
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/switches/speaker", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	// Route exists only for PUT; a 405 proves the auth layer let it through.
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status %d, want 405", resp.StatusCode)
	}
}

func TestAddAndQueryRecords(t *testing.T) {
	f := newFixture(t)

	status, r := f.do(t, http.MethodPost, "/v1/records", addRecordRequest{AppID: 5, PermissionName: "CAMERA", SuccessCount: 2})
	if status != http.StatusOK || r.Code != permission.Success || r.Message != "SUCCESS" {
		t.Fatalf("add: %d %+v", status, r)
	}

	status, r = f.do(t, http.MethodPost, "/v1/records/query", usage.Request{AppID: 5, Flag: usage.FlagDetail})
	if status != http.StatusOK {
		t.Fatalf("query: %d %+v", status, r)
	}
	var res usage.Result
	if err := json.Unmarshal(r.Data, &res); err != nil {
		t.Fatal(err)
	}
	if len(res.BundleRecords) != 1 {
		t.Fatalf("bundles: got %d", len(res.BundleRecords))
	}
	b := res.BundleRecords[0]
	if b.BundleName != "com.example.camera" || len(b.PermissionRecords) != 1 {
		t.Fatalf("bundle: %+v", b)
	}
	if b.PermissionRecords[0].AccessCount != 2 {
		t.Errorf("accessCount: got %d", b.PermissionRecords[0].AccessCount)
	}
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name       string
		method     string
		path       string
		body       interface{}
		wantStatus int
		wantCode   permission.Code
	}{
		{"unknown app", http.MethodPost, "/v1/records", addRecordRequest{AppID: 99, PermissionName: "CAMERA", SuccessCount: 1}, http.StatusNotFound, permission.CodeTokenIDNotExist},
		{"unknown permission", http.MethodPost, "/v1/records", addRecordRequest{AppID: 5, PermissionName: "TELEPATHY", SuccessCount: 1}, http.StatusBadRequest, permission.CodePermissionNotExist},
		{"bad range", http.MethodPost, "/v1/records/query", usage.Request{BeginMillis: 3, EndMillis: 1}, http.StatusBadRequest, permission.CodeParamInvalid},
		{"stop not started", http.MethodPost, "/v1/usage/stop", usageRequest{AppID: 5, PermissionName: "CAMERA"}, http.StatusConflict, permission.CodePermissionNotStartUsing},
		{"bad app id", http.MethodDelete, "/v1/records/abc", nil, http.StatusBadRequest, permission.CodeParamInvalid},
		{"foreign device", http.MethodDelete, "/v1/records/5?deviceId=remote", nil, http.StatusBadRequest, permission.CodeParamInvalid},
		{"unregister unknown", http.MethodDelete, "/v1/subscribers?id=nobody", nil, http.StatusNotFound, permission.CodeCallbackNotExist},
		{"unknown switch", http.MethodPut, "/v1/switches/speaker", map[string]bool{"muted": true}, http.StatusBadRequest, permission.CodeParamInvalid},
		{"state of unknown app", http.MethodPut, "/v1/apps/42/state", map[string]int{"status": 1}, http.StatusNotFound, permission.CodeTokenIDNotExist},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, r := f.do(t, tc.method, tc.path, tc.body)
			if status != tc.wantStatus || r.Code != tc.wantCode {
				t.Errorf("got %d/%d, want %d/%d (%s)", status, r.Code, tc.wantStatus, tc.wantCode, r.Message)
			}
		})
	}
}

func TestMalformedBody(t *testing.T) {
	f := newFixture(t)
	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/v1/records", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status %d, want 400", resp.StatusCode)
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	start := usageRequest{AppID: 5, PermissionName: "MICROPHONE"}

	if status, r := f.do(t, http.MethodPost, "/v1/usage/start", start); status != http.StatusOK {
		t.Fatalf("start: %d %+v", status, r)
	}
	if status, r := f.do(t, http.MethodPost, "/v1/usage/start", start); status != http.StatusConflict || r.Code != permission.CodePermissionAlreadyStartUsing {
		t.Fatalf("second start: %d %+v", status, r)
	}
	if status, r := f.do(t, http.MethodPost, "/v1/usage/stop", start); status != http.StatusOK {
		t.Fatalf("stop: %d %+v", status, r)
	}
}

func TestAllowed(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		query string
		want  bool
	}{
		{"appId=5&permissionName=LOCATION", true},
		{"appId=6&permissionName=LOCATION", false},
		{"appId=6&permissionName=CAMERA", false},
	}
	for _, c := range cases {
		_, r := f.do(t, http.MethodGet, "/v1/usage/allowed?"+c.query, nil)
		var got map[string]bool
		if err := json.Unmarshal(r.Data, &got); err != nil {
			t.Fatal(err)
		}
		if got["allowed"] != c.want {
			t.Errorf("%s: got %v, want %v", c.query, got["allowed"], c.want)
		}
	}

	f.do(t, http.MethodPut, "/v1/apps/6/float-window", map[string]bool{"visible": true})
	_, r := f.do(t, http.MethodGet, "/v1/usage/allowed?appId=6&permissionName=CAMERA", nil)
	var got map[string]bool
	_ = json.Unmarshal(r.Data, &got)
	if !got["allowed"] {
		t.Error("background camera with visible float window should be allowed")
	}
}

func TestPutAppAndState(t *testing.T) {
	f := newFixture(t)
	status, r := f.do(t, http.MethodPut, "/v1/apps/7", appRequest{BundleName: "com.example.notes", Status: permission.Foreground})
	if status != http.StatusOK {
		t.Fatalf("put app: %d %+v", status, r)
	}
	if got := f.plat.AppStatus(7); got != permission.Foreground {
		t.Errorf("status after put: %v", got)
	}
	if app, _ := f.plat.AppIdentity(7); app.DeviceID != "local" {
		t.Errorf("device should default to the local device, got %q", app.DeviceID)
	}

	if status, _ := f.do(t, http.MethodPut, "/v1/apps/7/state", map[string]int{"status": int(permission.Background)}); status != http.StatusOK {
		t.Fatalf("set state: %d", status)
	}
	if got := f.plat.AppStatus(7); got != permission.Background {
		t.Errorf("status after state change: %v", got)
	}

	if status, _ := f.do(t, http.MethodPut, "/v1/apps/0", appRequest{BundleName: "x"}); status != http.StatusBadRequest {
		t.Errorf("app id 0: status %d", status)
	}
}

func TestSwitch(t *testing.T) {
	f := newFixture(t)
	if status, _ := f.do(t, http.MethodPut, "/v1/switches/camera", map[string]bool{"muted": true}); status != http.StatusOK {
		t.Fatalf("mute camera: %d", status)
	}
	if !f.plat.IsMuted(permission.ResourceCamera) {
		t.Error("camera should be muted")
	}
}

type sink struct {
	mu   sync.Mutex
	got  [][]byte
	hits chan struct{}
}

func newSink(t *testing.T) (*sink, *httptest.Server) {
	s := &sink{hits: make(chan struct{}, 16)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.got = append(s.got, b)
		s.mu.Unlock()
		s.hits <- struct{}{}
	}))
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *sink) wait(t *testing.T) []byte {
	t.Helper()
	select {
	case <-s.hits:
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not called")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.got[len(s.got)-1]
}

func TestSubscriberReceivesChanges(t *testing.T) {
	f := newFixture(t)
	hook, hookSrv := newSink(t)

	status, r := f.do(t, http.MethodPost, "/v1/subscribers", registerRequest{ID: "ui", URL: hookSrv.URL, Permissions: []string{"CAMERA"}})
	if status != http.StatusOK {
		t.Fatalf("register: %d %+v", status, r)
	}
	if status, _ := f.do(t, http.MethodPost, "/v1/subscribers", registerRequest{ID: "ui", URL: hookSrv.URL}); status != http.StatusConflict {
		t.Errorf("duplicate register: status %d", status)
	}

	f.do(t, http.MethodPost, "/v1/usage/start", usageRequest{AppID: 5, PermissionName: "CAMERA"})

	var c permission.ActiveChange
	if err := json.Unmarshal(hook.wait(t), &c); err != nil {
		t.Fatal(err)
	}
	if c.AppID != 5 || c.PermissionName != "CAMERA" || c.Status != permission.Foreground {
		t.Errorf("change: %+v", c)
	}

	if status, _ := f.do(t, http.MethodDelete, "/v1/subscribers?id=ui", nil); status != http.StatusOK {
		t.Errorf("unregister: status %d", status)
	}
}

func TestReleaseURL(t *testing.T) {
	f := newFixture(t)
	hook, hookSrv := newSink(t)

	status, r := f.do(t, http.MethodPost, "/v1/usage/start", usageRequest{AppID: 6, PermissionName: "CAMERA", ReleaseURL: hookSrv.URL})
	if status != http.StatusOK {
		t.Fatalf("start: %d %+v", status, r)
	}
	f.do(t, http.MethodPut, "/v1/apps/6/float-window", map[string]bool{"visible": true})
	f.do(t, http.MethodPut, "/v1/apps/6/float-window", map[string]bool{"visible": false})

	var ev releaseEvent
	if err := json.Unmarshal(hook.wait(t), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.AppID != 6 || ev.PermissionName != "CAMERA" {
		t.Errorf("release event: %+v", ev)
	}
}

func TestWebhookClosesAfterFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := NewWebhook("flaky", srv.URL, srv.Client(), zerolog.Nop())
	ctx := context.Background()
	c := permission.ActiveChange{AppID: 5, PermissionName: "CAMERA", Status: permission.Foreground}

	for i := 0; i < maxWebhookFailures-1; i++ {
		if err := h.OnActiveStatusChange(ctx, c); err == nil {
			t.Fatal("expected delivery error")
		}
	}
	select {
	case <-h.Done():
		t.Fatal("closed too early")
	default:
	}
	_ = h.OnActiveStatusChange(ctx, c)
	select {
	case <-h.Done():
	default:
		t.Fatal("expected Done to be closed")
	}
	// A further failure must not close twice.
	_ = h.OnActiveStatusChange(ctx, c)
}

func TestWebhookSuccessResetsFailures(t *testing.T) {
	var mu sync.Mutex
	fail := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	h := NewWebhook("h", srv.URL, srv.Client(), zerolog.Nop())
	ctx := context.Background()
	c := permission.ActiveChange{AppID: 1, PermissionName: "CAMERA"}
	_ = h.OnActiveStatusChange(ctx, c)
	_ = h.OnActiveStatusChange(ctx, c)

	mu.Lock()
	fail = false
	mu.Unlock()
	if err := h.OnActiveStatusChange(ctx, c); err != nil {
		t.Fatalf("delivery: %v", err)
	}

	mu.Lock()
	fail = true
	mu.Unlock()
	_ = h.OnActiveStatusChange(ctx, c)
	_ = h.OnActiveStatusChange(ctx, c)
	select {
	case <-h.Done():
		t.Fatal("counter should have reset after a success")
	default:
	}
}

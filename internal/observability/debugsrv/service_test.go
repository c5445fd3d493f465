package debugsrv

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	logx "taskloop/pkg/logx"
)

func get(t *testing.T, url, bearer string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestServesHealthAndStatus(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0", Token: "secret"}, func(context.Context) any {
		return map[string]int{"ready": 3}
	}, logx.Nop())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())
	base := "http://" + s.Addr()

	if code, body := get(t, base+"/healthz", ""); code != http.StatusOK || body != "ok" {
		t.Fatalf("healthz = %d %q", code, body)
	}
	if code, _ := get(t, base+"/status", ""); code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d", code)
	}
	code, body := get(t, base+"/status", "secret")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	var doc map[string]int
	if err := json.Unmarshal([]byte(body), &doc); err != nil || doc["ready"] != 3 {
		t.Fatalf("status body = %q (%v)", body, err)
	}
	if code, _ := get(t, base+"/debug/pprof/?token=secret", ""); code != http.StatusOK {
		t.Fatalf("pprof index = %d", code)
	}
}

func TestValidateRejectsPublicBindWithoutToken(t *testing.T) {
	if err := (Config{Enabled: true, Addr: ":6060"}).Validate(); err == nil {
		t.Fatal("expected error for all-interfaces bind without token")
	}
	if err := (Config{Enabled: true, Addr: "0.0.0.0:6060", Token: "x"}).Validate(); err != nil {
		t.Fatalf("token bind: %v", err)
	}
	if err := (Config{Enabled: true, Addr: "localhost"}).Validate(); err == nil {
		t.Fatal("expected error for addr without port")
	}
	if err := (Config{}).Validate(); err != nil {
		t.Fatalf("disabled: %v", err)
	}
}

func TestReconfigureStopsAndRestarts(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, nil, logx.Nop())
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Reconfigure(ctx, Config{}); err != nil {
		t.Fatal(err)
	}
	if s.Addr() != "" {
		t.Fatalf("still serving on %s", s.Addr())
	}
	if err := s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"}); err != nil {
		t.Fatal(err)
	}
	if s.Addr() == "" {
		t.Fatal("not serving after re-enable")
	}
	_ = s.Stop(ctx)
}

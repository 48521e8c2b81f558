package stack

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hummingcloud/controlplane/internal/domain"
)

func testInput() Input {
	return Input{
		TenantCode:    "acme",
		Subdomain:     "acme.hummingcloud.io",
		APISubdomain:  "api.acme.hummingcloud.io",
		CPULimit:      2.0,
		MemoryLimitMB: 4096,
		Versions:      Versions{Hummingbot: "1.27.0", Dashboard: "1.4.0"},
		Secrets:       Secrets{PostgresPassword: "pg-pass", RedisPassword: "redis-pass"},
	}
}

func TestRenderCompose(t *testing.T) {
	out, err := RenderCompose(testInput())
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	for _, want := range []string{
		"container_name: acme-postgres",
		"container_name: acme-redis",
		"container_name: acme-api",
		"container_name: acme-dashboard",
		"image: hummingbot/hummingbot:1.27.0",
		"image: hummingbot/dashboard:1.4.0",
		"POSTGRES_PASSWORD: pg-pass",
		"--requirepass redis-pass",
		"Host(`acme.hummingcloud.io`)",
		"Host(`api.acme.hummingcloud.io`)",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("rendered compose missing %q", want)
		}
	}
}

func TestRenderComposeResourceShares(t *testing.T) {
	out, err := RenderCompose(testInput())
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	// 2.0 CPUs split 0.2/0.1/0.5/0.2; 4096 MB memory likewise.
	for _, want := range []string{
		"cpus: '0.40'",
		"cpus: '0.20'",
		"cpus: '1.00'",
		"memory: 819M",
		"memory: 409M",
		"memory: 2048M",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("rendered compose missing resource limit %q", want)
		}
	}
}

func TestRenderComposeRequiresTenantCode(t *testing.T) {
	in := testInput()
	in.TenantCode = "  "
	if _, err := RenderCompose(in); err == nil {
		t.Fatal("expected error for blank tenant code")
	}
}

func TestNewInputGeneratesDistinctSecrets(t *testing.T) {
	tenant := domain.Tenant{TenantCode: "acme"}
	sub := domain.Subscription{CPULimit: 1, MemoryLimitMB: 1024}

	first, err := NewInput(tenant, sub, Versions{Hummingbot: "latest", Dashboard: "latest"})
	if err != nil {
		t.Fatalf("new input: %v", err)
	}
	second, err := NewInput(tenant, sub, Versions{Hummingbot: "latest", Dashboard: "latest"})
	if err != nil {
		t.Fatalf("new input: %v", err)
	}

	if first.Secrets.PostgresPassword == "" || first.Secrets.RedisPassword == "" {
		t.Fatal("expected non-empty generated secrets")
	}
	if first.Secrets.PostgresPassword == second.Secrets.PostgresPassword {
		t.Fatal("postgres passwords must differ between renders")
	}
	if first.Secrets.PostgresPassword == first.Secrets.RedisPassword {
		t.Fatal("postgres and redis passwords must differ")
	}
}

func TestMaterialize(t *testing.T) {
	root := filepath.Join(t.TempDir(), "acme")
	tenant := domain.Tenant{ID: "t-1", TenantCode: "acme", Subdomain: "acme.example.com", APISubdomain: "api.acme.example.com"}
	sub := domain.Subscription{Tier: "pro", CPULimit: 1, MemoryLimitMB: 1024}

	in := testInput()
	composePath, err := Materialize(root, in, tenant, sub, time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if composePath != filepath.Join(root, "compose.yml") {
		t.Fatalf("unexpected compose path %q", composePath)
	}

	for _, dir := range dirSkeleton {
		info, err := os.Stat(filepath.Join(root, dir))
		if err != nil || !info.IsDir() {
			t.Fatalf("expected directory %s: %v", dir, err)
		}
	}

	envBytes, err := os.ReadFile(filepath.Join(root, ".env"))
	if err != nil {
		t.Fatalf("read .env: %v", err)
	}
	env := string(envBytes)
	for _, want := range []string{"TENANT_ID=t-1", "TENANT_CODE=acme", "SUBSCRIPTION_TIER=pro"} {
		if !strings.Contains(env, want) {
			t.Fatalf(".env missing %q", want)
		}
	}

	info, err := os.Stat(filepath.Join(root, ".env"))
	if err != nil {
		t.Fatalf("stat .env: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected .env mode 0600, got %v", info.Mode().Perm())
	}
}

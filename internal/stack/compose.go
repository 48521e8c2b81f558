package stack

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/hummingcloud/controlplane/internal/domain"
)

// Versions pins the images rendered into a tenant's stack configuration.
type Versions struct {
	Hummingbot string
	Dashboard  string
}

// Secrets holds the per-tenant passwords generated at render time.
// They live only inside the rendered artifacts; the control plane does
// not persist them.
type Secrets struct {
	PostgresPassword string
	RedisPassword    string
}

// Input collects everything the compose template needs.
type Input struct {
	TenantCode    string
	Subdomain     string
	APISubdomain  string
	CPULimit      float64
	MemoryLimitMB int
	Versions      Versions
	Secrets       Secrets
}

// dirSkeleton is the layout created under each tenant's deployment root.
var dirSkeleton = []string{
	"data/postgres",
	"data/redis",
	"data/hummingbot",
	"configs",
	"logs",
	"backups",
}

const composeTemplate = `services:
  postgres:
    image: postgres:15-alpine
    container_name: {{ .TenantCode }}-postgres
    restart: unless-stopped
    environment:
      POSTGRES_DB: hummingbot
      POSTGRES_USER: hummingbot
      POSTGRES_PASSWORD: {{ .Secrets.PostgresPassword }}
    volumes:
      - ./data/postgres:/var/lib/postgresql/data
    networks:
      - tenant_network
    deploy:
      resources:
        limits:
          cpus: '{{ cpuShare .CPULimit 0.2 }}'
          memory: {{ memShare .MemoryLimitMB 0.2 }}M

  redis:
    image: redis:7-alpine
    container_name: {{ .TenantCode }}-redis
    restart: unless-stopped
    command: redis-server --requirepass {{ .Secrets.RedisPassword }}
    volumes:
      - ./data/redis:/data
    networks:
      - tenant_network
    deploy:
      resources:
        limits:
          cpus: '{{ cpuShare .CPULimit 0.1 }}'
          memory: {{ memShare .MemoryLimitMB 0.1 }}M

  hummingbot-api:
    image: hummingbot/hummingbot:{{ .Versions.Hummingbot }}
    container_name: {{ .TenantCode }}-api
    restart: unless-stopped
    environment:
      DATABASE_HOST: postgres
      DATABASE_PORT: 5432
      DATABASE_NAME: hummingbot
      DATABASE_USER: hummingbot
      DATABASE_PASSWORD: {{ .Secrets.PostgresPassword }}
      REDIS_HOST: redis
      REDIS_PORT: 6379
      REDIS_PASSWORD: {{ .Secrets.RedisPassword }}
    volumes:
      - ./data/hummingbot:/home/hummingbot
      - ./configs:/home/hummingbot/conf
      - ./logs:/home/hummingbot/logs
    networks:
      - tenant_network
    depends_on:
      - postgres
      - redis
    labels:
      - "traefik.enable=true"
      - "traefik.http.routers.{{ .TenantCode }}-api.rule=Host(` + "`{{ .APISubdomain }}`" + `)"
      - "traefik.http.routers.{{ .TenantCode }}-api.entrypoints=websecure"
      - "traefik.http.services.{{ .TenantCode }}-api.loadbalancer.server.port=8080"
    deploy:
      resources:
        limits:
          cpus: '{{ cpuShare .CPULimit 0.5 }}'
          memory: {{ memShare .MemoryLimitMB 0.5 }}M

  dashboard:
    image: hummingbot/dashboard:{{ .Versions.Dashboard }}
    container_name: {{ .TenantCode }}-dashboard
    restart: unless-stopped
    environment:
      HUMMINGBOT_API_URL: http://hummingbot-api:8080
    networks:
      - tenant_network
    depends_on:
      - hummingbot-api
    labels:
      - "traefik.enable=true"
      - "traefik.http.routers.{{ .TenantCode }}-dashboard.rule=Host(` + "`{{ .Subdomain }}`" + `)"
      - "traefik.http.routers.{{ .TenantCode }}-dashboard.entrypoints=websecure"
      - "traefik.http.services.{{ .TenantCode }}-dashboard.loadbalancer.server.port=8501"
    deploy:
      resources:
        limits:
          cpus: '{{ cpuShare .CPULimit 0.2 }}'
          memory: {{ memShare .MemoryLimitMB 0.2 }}M

networks:
  tenant_network:
    driver: bridge
`

var composeTmpl = template.Must(template.New("compose").Funcs(template.FuncMap{
	"cpuShare": func(limit, share float64) string {
		return fmt.Sprintf("%.2f", limit*share)
	},
	"memShare": func(limitMB int, share float64) int {
		return int(float64(limitMB) * share)
	},
}).Parse(composeTemplate))

// NewInput assembles template input from tenant and subscription facts,
// generating fresh per-tenant secrets.
func NewInput(tenant domain.Tenant, sub domain.Subscription, versions Versions) (Input, error) {
	pgPass, err := generatePassword()
	if err != nil {
		return Input{}, err
	}
	redisPass, err := generatePassword()
	if err != nil {
		return Input{}, err
	}
	return Input{
		TenantCode:    tenant.TenantCode,
		Subdomain:     tenant.Subdomain,
		APISubdomain:  tenant.APISubdomain,
		CPULimit:      sub.CPULimit,
		MemoryLimitMB: sub.MemoryLimitMB,
		Versions:      versions,
		Secrets:       Secrets{PostgresPassword: pgPass, RedisPassword: redisPass},
	}, nil
}

// RenderCompose renders the stack's compose file.
func RenderCompose(in Input) (string, error) {
	if strings.TrimSpace(in.TenantCode) == "" {
		return "", fmt.Errorf("tenant code cannot be empty")
	}
	var sb strings.Builder
	if err := composeTmpl.Execute(&sb, in); err != nil {
		return "", fmt.Errorf("render compose: %w", err)
	}
	return sb.String(), nil
}

// RenderEnv renders the stack's .env file.
func RenderEnv(tenant domain.Tenant, sub domain.Subscription, now time.Time) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Tenant: %s\n", tenant.TenantCode)
	fmt.Fprintf(&sb, "# Generated: %s\n\n", now.UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "TENANT_ID=%s\n", tenant.ID)
	fmt.Fprintf(&sb, "TENANT_CODE=%s\n", tenant.TenantCode)
	fmt.Fprintf(&sb, "SUBSCRIPTION_TIER=%s\n", sub.Tier)
	return sb.String()
}

// Materialize writes the directory skeleton and rendered artifacts under
// the tenant's deployment root, returning the compose file path.
// Artifacts are regenerated wholesale on each provision, never patched.
func Materialize(root string, in Input, tenant domain.Tenant, sub domain.Subscription, now time.Time) (string, error) {
	for _, dir := range dirSkeleton {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return "", fmt.Errorf("create stack directory: %w", err)
		}
	}

	composeContent, err := RenderCompose(in)
	if err != nil {
		return "", err
	}
	composePath := filepath.Join(root, "compose.yml")
	if err := os.WriteFile(composePath, []byte(composeContent), 0o644); err != nil {
		return "", fmt.Errorf("write compose file: %w", err)
	}

	envPath := filepath.Join(root, ".env")
	if err := os.WriteFile(envPath, []byte(RenderEnv(tenant, sub, now)), 0o600); err != nil {
		return "", fmt.Errorf("write env file: %w", err)
	}
	return composePath, nil
}

// generatePassword returns a 32-byte urlsafe random secret.
func generatePassword() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

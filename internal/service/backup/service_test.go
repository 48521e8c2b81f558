package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/hummingcloud/controlplane/internal/container"
	"github.com/hummingcloud/controlplane/internal/domain"
	"github.com/hummingcloud/controlplane/internal/repository"
	"github.com/hummingcloud/controlplane/pkg/config"
)

type fakeBackupRepo struct {
	mu      sync.Mutex
	rows    map[string]*domain.Backup
	updates []domain.BackupStatusUpdate
	stages  map[string][]string
	expired []domain.Backup
}

func newFakeBackupRepo() *fakeBackupRepo {
	return &fakeBackupRepo{rows: map[string]*domain.Backup{}, stages: map[string][]string{}}
}

func (f *fakeBackupRepo) CreateBackup(ctx context.Context, backup *domain.Backup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *backup
	f.rows[backup.ID] = &copied
	return nil
}

func (f *fakeBackupRepo) GetBackupByID(ctx context.Context, id string) (*domain.Backup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *b
	return &copied, nil
}

func (f *fakeBackupRepo) UpdateBackupStatus(ctx context.Context, update domain.BackupStatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.rows[update.BackupID]
	if !ok {
		return repository.ErrNotFound
	}
	b.Status = update.Status
	b.BackupPath = update.BackupPath
	b.FileSizeBytes = update.FileSizeBytes
	b.ErrorMessage = update.ErrorMessage
	b.CompletedAt = update.CompletedAt
	b.ExpiresAt = update.ExpiresAt
	f.updates = append(f.updates, update)
	return nil
}

func (f *fakeBackupRepo) UpdateRestoreStage(ctx context.Context, backupID, stage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stages[backupID] = append(f.stages[backupID], stage)
	return nil
}

func (f *fakeBackupRepo) ListBackupsByTenant(ctx context.Context, tenantID string) ([]domain.Backup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Backup
	for _, b := range f.rows {
		if b.TenantID == tenantID {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (f *fakeBackupRepo) ListExpiredBackups(ctx context.Context, now time.Time) ([]domain.Backup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Backup(nil), f.expired...), nil
}

func (f *fakeBackupRepo) DeleteBackup(ctx context.Context, backupID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, backupID)
	for i, b := range f.expired {
		if b.ID == backupID {
			f.expired = append(f.expired[:i], f.expired[i+1:]...)
			break
		}
	}
	return nil
}

// terminalUpdates counts status writes that land a row in a terminal state.
func (f *fakeBackupRepo) terminalUpdates(backupID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, u := range f.updates {
		if u.BackupID == backupID && (u.Status == domain.BackupCompleted || u.Status == domain.BackupFailed) {
			n++
		}
	}
	return n
}

type fakeTenantRepo struct {
	tenants map[string]*domain.Tenant
}

func (f *fakeTenantRepo) CreateTenant(ctx context.Context, tenant *domain.Tenant) error { return nil }

func (f *fakeTenantRepo) GetTenantByID(ctx context.Context, id string) (*domain.Tenant, error) {
	t, ok := f.tenants[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *t
	return &copied, nil
}

func (f *fakeTenantRepo) ListTenantsByStatus(ctx context.Context, status domain.TenantStatus) ([]domain.Tenant, error) {
	return nil, nil
}

func (f *fakeTenantRepo) UpdateTenantStatus(ctx context.Context, update domain.TenantStatusUpdate) error {
	return nil
}

func (f *fakeTenantRepo) UpdateTenantHealth(ctx context.Context, update domain.TenantHealthUpdate) error {
	return nil
}

func (f *fakeTenantRepo) UpdateTenantVersion(ctx context.Context, tenantID, hv, dv string) error {
	return nil
}

type fakeSubRepo struct{ retentionDays int }

func (f *fakeSubRepo) GetSubscriptionByID(ctx context.Context, id string) (*domain.Subscription, error) {
	return &domain.Subscription{ID: id, BackupRetentionDays: f.retentionDays}, nil
}

type fakeEngine struct {
	mu       sync.Mutex
	execLog  [][]string
	execErr  error
	execExit int
	dump     string
}

func (f *fakeEngine) BringUp(ctx context.Context, stackDir string) error   { return nil }
func (f *fakeEngine) BringDown(ctx context.Context, stackDir string) error { return nil }
func (f *fakeEngine) Recreate(ctx context.Context, stackDir string) error  { return nil }
func (f *fakeEngine) ListContainerStates(ctx context.Context, stackDir string) ([]container.ContainerState, error) {
	return nil, nil
}
func (f *fakeEngine) PullImage(ctx context.Context, ref string) error { return nil }

func (f *fakeEngine) Exec(ctx context.Context, containerName string, cmd []string, stdin io.Reader) (container.ExecResult, error) {
	f.mu.Lock()
	f.execLog = append(f.execLog, cmd)
	f.mu.Unlock()
	if f.execErr != nil {
		return container.ExecResult{}, f.execErr
	}
	if f.execExit != 0 {
		return container.ExecResult{ExitCode: f.execExit, Stderr: "boom"}, nil
	}
	if len(cmd) > 0 && cmd[0] == "pg_dump" {
		return container.ExecResult{Stdout: f.dump}, nil
	}
	if stdin != nil {
		if _, err := io.Copy(io.Discard, stdin); err != nil {
			return container.ExecResult{}, err
		}
	}
	return container.ExecResult{}, nil
}

func (f *fakeEngine) Stats(ctx context.Context, containerName string) (container.ResourceStats, error) {
	return container.ResourceStats{}, nil
}

func (f *fakeEngine) execCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.execLog)
}

type fakeStack struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeStack) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeStack) Stop(ctx context.Context, tenantID string) error {
	f.record("stop")
	return f.err
}

func (f *fakeStack) Start(ctx context.Context, tenantID string) error {
	f.record("start")
	return f.err
}

func (f *fakeStack) WaitHealthy(ctx context.Context, stackDir string) error {
	f.record("wait")
	return f.err
}

func testService(t *testing.T, repo *fakeBackupRepo, engine *fakeEngine, stack StackController) (*Service, *domain.Tenant) {
	t.Helper()

	deployRoot := filepath.Join(t.TempDir(), "acme")
	for _, dir := range []string{"configs", filepath.Join("data", "hummingbot"), "logs"} {
		if err := os.MkdirAll(filepath.Join(deployRoot, dir), 0o755); err != nil {
			t.Fatalf("seed deployment dir: %v", err)
		}
	}

	tenant := &domain.Tenant{
		ID:             "t-1",
		SubscriptionID: "sub-1",
		TenantCode:     "acme",
		Status:         domain.TenantRunning,
		DeploymentPath: deployRoot,
	}
	tenants := &fakeTenantRepo{tenants: map[string]*domain.Tenant{"t-1": tenant}}

	cfg := config.ControlPlaneConfig{
		BackupBasePath: t.TempDir(),
		TenantDBName:   "hummingbot",
		TenantDBUser:   "hummingbot",
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(repo, tenants, &fakeSubRepo{retentionDays: 7}, engine, stack, log, cfg)
	return svc, tenant
}

func archiveEntries(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	tr := tar.NewReader(gz)
	var names []string
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return names
		}
		if err != nil {
			t.Fatalf("tar: %v", err)
		}
		names = append(names, header.Name)
	}
}

func TestCreateBackupWithEmptyDataDir(t *testing.T) {
	repo := newFakeBackupRepo()
	engine := &fakeEngine{dump: "-- PostgreSQL database dump\n"}
	svc, tenant := testService(t, repo, engine, nil)

	if err := os.WriteFile(filepath.Join(tenant.DeploymentPath, "configs", "conf.yml"), []byte("a: 1\n"), 0o644); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	backup, err := svc.CreateBackup(context.Background(), "t-1", domain.BackupFull, false)
	if err != nil {
		t.Fatalf("create backup: %v", err)
	}
	if backup.Status != domain.BackupCompleted {
		t.Fatalf("expected completed, got %s", backup.Status)
	}
	if backup.FileSizeBytes <= 0 {
		t.Fatal("expected positive archive size")
	}
	if backup.ExpiresAt == nil || !backup.ExpiresAt.After(backup.StartedAt.Add(6*24*time.Hour)) {
		t.Fatalf("expected expiry ~7 days out, got %v", backup.ExpiresAt)
	}
	if filepath.Dir(backup.BackupPath) != filepath.Join(svc.basePath, "acme") {
		t.Fatalf("archive not under tenant backup dir: %q", backup.BackupPath)
	}
	name := filepath.Base(backup.BackupPath)
	if !strings.HasPrefix(name, "full_") || !strings.HasSuffix(name, ".tar.gz") {
		t.Fatalf("unexpected archive name %q", name)
	}

	prefix := strings.TrimSuffix(name, ".tar.gz")
	entries := archiveEntries(t, backup.BackupPath)
	var hasDump, hasData, hasConfig bool
	for _, e := range entries {
		switch {
		case e == prefix+"/database.sql":
			hasDump = true
		case e == prefix+"/hummingbot_data/":
			hasData = true
		case e == prefix+"/configs/conf.yml":
			hasConfig = true
		}
	}
	// An empty persistent-data directory still yields a directory entry.
	if !hasDump || !hasData || !hasConfig {
		t.Fatalf("archive missing expected entries: %v", entries)
	}

	if n := repo.terminalUpdates(backup.ID); n != 1 {
		t.Fatalf("expected exactly one terminal transition, got %d", n)
	}
	if _, err := os.Stat(strings.TrimSuffix(backup.BackupPath, ".tar.gz")); !os.IsNotExist(err) {
		t.Fatal("scratch directory should be removed after archiving")
	}
}

func TestCreateBackupConfigOnlySkipsDump(t *testing.T) {
	repo := newFakeBackupRepo()
	engine := &fakeEngine{}
	svc, _ := testService(t, repo, engine, nil)

	backup, err := svc.CreateBackup(context.Background(), "t-1", domain.BackupConfigOnly, false)
	if err != nil {
		t.Fatalf("create backup: %v", err)
	}
	if backup.IncludesDatabase {
		t.Fatal("config_only backup must not include the database")
	}
	if engine.execCount() != 0 {
		t.Fatalf("expected no exec calls, got %d", engine.execCount())
	}
}

func TestCreateBackupDumpFailureMarksRowFailed(t *testing.T) {
	repo := newFakeBackupRepo()
	engine := &fakeEngine{execExit: 1}
	svc, _ := testService(t, repo, engine, nil)

	_, err := svc.CreateBackup(context.Background(), "t-1", domain.BackupFull, false)
	if err == nil {
		t.Fatal("expected dump failure")
	}

	var row *domain.Backup
	for _, b := range repo.rows {
		row = b
	}
	if row == nil {
		t.Fatal("expected a backup row")
	}
	if row.Status != domain.BackupFailed {
		t.Fatalf("expected failed, got %s", row.Status)
	}
	if !strings.Contains(row.ErrorMessage, "pg_dump exited 1") {
		t.Fatalf("expected cause recorded, got %q", row.ErrorMessage)
	}
	if n := repo.terminalUpdates(row.ID); n != 1 {
		t.Fatalf("expected exactly one terminal transition, got %d", n)
	}
	// The failed attempt's scratch directory is purged.
	matches, _ := filepath.Glob(filepath.Join(svc.basePath, "acme", "full_*"))
	if len(matches) != 0 {
		t.Fatalf("expected scratch purged, found %v", matches)
	}
}

func TestCreateBackupRejectsUnknownType(t *testing.T) {
	repo := newFakeBackupRepo()
	svc, _ := testService(t, repo, &fakeEngine{}, nil)

	if _, err := svc.CreateBackup(context.Background(), "t-1", "hourly", false); !errors.Is(err, ErrInvalidBackupType) {
		t.Fatalf("expected ErrInvalidBackupType, got %v", err)
	}
	if len(repo.rows) != 0 {
		t.Fatal("no row should be created for an invalid type")
	}
}

func TestRestoreRejectsUncompletedBackup(t *testing.T) {
	repo := newFakeBackupRepo()
	engine := &fakeEngine{}
	stack := &fakeStack{}
	svc, _ := testService(t, repo, engine, stack)

	repo.rows["b-1"] = &domain.Backup{ID: "b-1", TenantID: "t-1", Status: domain.BackupFailed}

	err := svc.RestoreBackup(context.Background(), "b-1")
	if !errors.Is(err, ErrNotRestorable) {
		t.Fatalf("expected ErrNotRestorable, got %v", err)
	}
	if engine.execCount() != 0 || len(stack.calls) != 0 {
		t.Fatal("precondition failure must not touch containers")
	}
}

func TestRestoreStagedPipeline(t *testing.T) {
	repo := newFakeBackupRepo()
	engine := &fakeEngine{dump: "-- dump\nCREATE TABLE trades();\n"}
	stack := &fakeStack{}
	svc, tenant := testService(t, repo, engine, stack)

	if err := os.WriteFile(filepath.Join(tenant.DeploymentPath, "configs", "conf.yml"), []byte("a: 1\n"), 0o644); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	backup, err := svc.CreateBackup(context.Background(), "t-1", domain.BackupFull, false)
	if err != nil {
		t.Fatalf("create backup: %v", err)
	}

	// Drift after the snapshot: the restore must bring the old config back.
	if err := os.WriteFile(filepath.Join(tenant.DeploymentPath, "configs", "conf.yml"), []byte("a: 2\n"), 0o644); err != nil {
		t.Fatalf("mutate config: %v", err)
	}

	if err := svc.RestoreBackup(context.Background(), backup.ID); err != nil {
		t.Fatalf("restore: %v", err)
	}

	wantStages := []string{StageStopped, StageExtracted, StageDatabase, StageConfigs, StageData, StageStarted, StageHealthy, StageDone}
	got := repo.stages[backup.ID]
	if len(got) != len(wantStages) {
		t.Fatalf("expected stages %v, got %v", wantStages, got)
	}
	for i, stage := range wantStages {
		if got[i] != stage {
			t.Fatalf("stage %d: expected %s, got %s", i, stage, got[i])
		}
	}

	if stack.calls[0] != "stop" || stack.calls[len(stack.calls)-1] != "wait" {
		t.Fatalf("unexpected stack call order %v", stack.calls)
	}

	conf, err := os.ReadFile(filepath.Join(tenant.DeploymentPath, "configs", "conf.yml"))
	if err != nil {
		t.Fatalf("read restored config: %v", err)
	}
	if string(conf) != "a: 1\n" {
		t.Fatalf("expected snapshot config restored, got %q", conf)
	}
}

func TestCleanupExpiredIsIdempotent(t *testing.T) {
	repo := newFakeBackupRepo()
	svc, _ := testService(t, repo, &fakeEngine{}, nil)

	present := filepath.Join(t.TempDir(), "full_old.tar.gz")
	if err := os.WriteFile(present, []byte("archive"), 0o644); err != nil {
		t.Fatalf("seed archive: %v", err)
	}
	repo.rows["b-1"] = &domain.Backup{ID: "b-1", BackupPath: present}
	repo.rows["b-2"] = &domain.Backup{ID: "b-2", BackupPath: filepath.Join(t.TempDir(), "already_gone.tar.gz")}
	repo.expired = []domain.Backup{*repo.rows["b-1"], *repo.rows["b-2"]}

	deleted, err := svc.CleanupExpired(context.Background())
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	// A missing archive file is not an error; the row still goes.
	if deleted != 2 {
		t.Fatalf("expected 2 deleted, got %d", deleted)
	}
	if _, err := os.Stat(present); !os.IsNotExist(err) {
		t.Fatal("expected archive removed")
	}

	deleted, err = svc.CleanupExpired(context.Background())
	if err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("expected idempotent second sweep, got %d", deleted)
	}
}

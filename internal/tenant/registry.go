package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/tessellate-ai/ragcore/internal/faults"
)

// ErrUnknownTenant is returned for tenant ids with no configuration.
// Turns and uploads for unknown tenants are rejected before touching
// any index.
var ErrUnknownTenant = errors.New("unknown tenant")

// Registry resolves tenant configuration at turn and ingest time.
type Registry interface {
	Get(ctx context.Context, tenantID string) (*Config, error)
	List(ctx context.Context) ([]*Config, error)
}

// ---- file-backed registry ----

type tenantsFile struct {
	Tenants map[string]*Config `yaml:"tenants"`
}

// FileRegistry serves tenant configs from a YAML file and hot-reloads
// them when the file changes. A reload that fails to parse or validate
// keeps the previous snapshot serving.
type FileRegistry struct {
	path   string
	logger *zap.Logger

	snapshot atomic.Pointer[map[string]*Config]

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewFileRegistry loads the tenants file and starts watching it.
func NewFileRegistry(path string, logger *zap.Logger) (*FileRegistry, error) {
	r := &FileRegistry{path: path, logger: logger}
	if err := r.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("Tenant file watcher unavailable, hot reload disabled", zap.Error(err))
		return r, nil
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		logger.Warn("Failed to watch tenants file, hot reload disabled",
			zap.String("path", path), zap.Error(err))
		return r, nil
	}
	// Watch the directory too so atomic rename-into-place is seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		logger.Warn("Failed to watch tenants directory", zap.Error(err))
	}
	r.watcher = watcher

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go r.watch(ctx)

	logger.Info("Tenant registry loaded",
		zap.String("path", path),
		zap.Int("tenant_count", len(*r.snapshot.Load())),
	)
	return r, nil
}

func (r *FileRegistry) watch(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(r.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Let the write settle before reading.
			time.Sleep(100 * time.Millisecond)
			if err := r.reload(); err != nil {
				r.logger.Error("Tenant reload failed, keeping previous snapshot", zap.Error(err))
				continue
			}
			r.logger.Info("Tenants reloaded",
				zap.String("path", r.path),
				zap.Int("tenant_count", len(*r.snapshot.Load())),
			)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("Tenant file watcher error", zap.Error(err))
		case <-ctx.Done():
			return
		}
	}
}

func (r *FileRegistry) reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read tenants file: %w", err)
	}
	var parsed tenantsFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse tenants file: %w", err)
	}
	if len(parsed.Tenants) == 0 {
		return fmt.Errorf("tenants file %s defines no tenants", r.path)
	}
	for id, cfg := range parsed.Tenants {
		if err := cfg.Validate(id); err != nil {
			return err
		}
	}
	r.snapshot.Store(&parsed.Tenants)
	return nil
}

// Get returns the tenant's config or ErrUnknownTenant.
func (r *FileRegistry) Get(ctx context.Context, tenantID string) (*Config, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, faults.TenantScope("tenant.get")
	}
	snap := *r.snapshot.Load()
	cfg, ok := snap[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	return cfg, nil
}

// List returns every configured tenant sorted by id.
func (r *FileRegistry) List(ctx context.Context) ([]*Config, error) {
	snap := *r.snapshot.Load()
	out := lo.Values(snap)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Close stops the watcher.
func (r *FileRegistry) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	if r.watcher != nil {
		r.watcher.Close()
	}
	r.wg.Wait()
	return nil
}

var _ Registry = (*FileRegistry)(nil)

// ---- postgres-backed registry ----

type tenantRow struct {
	ID                 string         `db:"id"`
	Name               string         `db:"name"`
	Industry           string         `db:"industry"`
	BrandTone          string         `db:"brand_tone"`
	Languages          pq.StringArray `db:"languages"`
	Capabilities       pq.StringArray `db:"capabilities"`
	Constraints        pq.StringArray `db:"constraints"`
	CustomInstructions sql.NullString `db:"custom_instructions"`
}

func (row tenantRow) toConfig() (*Config, error) {
	cfg := &Config{
		ID:                 row.ID,
		Name:               row.Name,
		Industry:           Industry(row.Industry),
		BrandTone:          BrandTone(row.BrandTone),
		Languages:          row.Languages,
		Capabilities:       row.Capabilities,
		Constraints:        row.Constraints,
		CustomInstructions: row.CustomInstructions.String,
	}
	if err := cfg.Validate(row.ID); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DBRegistry serves tenant configs from the tenants table.
type DBRegistry struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewDBRegistry creates a Postgres-backed registry.
func NewDBRegistry(db *sqlx.DB, logger *zap.Logger) *DBRegistry {
	return &DBRegistry{db: db, logger: logger}
}

const tenantColumns = `id, name, industry, brand_tone, languages, capabilities, constraints, custom_instructions`

// Get returns the tenant's config or ErrUnknownTenant.
func (r *DBRegistry) Get(ctx context.Context, tenantID string) (*Config, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, faults.TenantScope("tenant.get")
	}
	var row tenantRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("load tenant %s: %w", tenantID, err)
	}
	return row.toConfig()
}

// List returns every tenant ordered by id.
func (r *DBRegistry) List(ctx context.Context) ([]*Config, error) {
	var rows []tenantRow
	if err := r.db.SelectContext(ctx, &rows,
		`SELECT `+tenantColumns+` FROM tenants ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	out := make([]*Config, 0, len(rows))
	for _, row := range rows {
		cfg, err := row.toConfig()
		if err != nil {
			r.logger.Warn("Skipping invalid tenant row",
				zap.String("tenant_id", row.ID), zap.Error(err))
			continue
		}
		out = append(out, cfg)
	}
	return out, nil
}

var _ Registry = (*DBRegistry)(nil)

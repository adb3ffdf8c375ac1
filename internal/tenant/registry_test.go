package tenant

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tessellate-ai/ragcore/internal/faults"
)

const tenantsYAML = `tenants:
  acme:
    name: Acme Outdoor
    industry: ecommerce
    brand_tone: friendly
    languages: [en, de]
    capabilities:
      - order status lookup
    constraints:
      - never promise delivery dates
  sterling:
    name: Sterling Mutual
    industry: finance
    brand_tone: formal
`

func writeTenantsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFileRegistryGet(t *testing.T) {
	path := writeTenantsFile(t, tenantsYAML)
	r, err := NewFileRegistry(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	cfg, err := r.Get(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "Acme Outdoor", cfg.Name)
	assert.Equal(t, IndustryEcommerce, cfg.Industry)
	assert.Equal(t, ToneFriendly, cfg.BrandTone)
	assert.True(t, cfg.SupportsLanguage("de"))
	assert.False(t, cfg.SupportsLanguage("fr"))

	_, err = r.Get(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrUnknownTenant)

	_, err = r.Get(context.Background(), "")
	assert.Equal(t, faults.KindTenantScopeViolation, faults.KindOf(err))
}

func TestFileRegistryDefaults(t *testing.T) {
	path := writeTenantsFile(t, "tenants:\n  bare: {}\n")
	r, err := NewFileRegistry(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	cfg, err := r.Get(context.Background(), "bare")
	require.NoError(t, err)
	assert.Equal(t, "bare", cfg.ID)
	assert.Equal(t, "bare", cfg.Name)
	assert.Equal(t, IndustryOther, cfg.Industry)
	assert.Equal(t, ToneProfessional, cfg.BrandTone)
	assert.Equal(t, []string{"en"}, cfg.Languages)
}

func TestFileRegistryRejectsBadEnum(t *testing.T) {
	path := writeTenantsFile(t, "tenants:\n  x:\n    industry: astrology\n")
	_, err := NewFileRegistry(path, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown industry")
}

func TestFileRegistryHotReload(t *testing.T) {
	path := writeTenantsFile(t, tenantsYAML)
	r, err := NewFileRegistry(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	updated := tenantsYAML + `  fresh:
    name: Fresh Tenant
    industry: retail
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		_, err := r.Get(context.Background(), "fresh")
		return err == nil
	}, 3*time.Second, 50*time.Millisecond, "new tenant becomes visible without restart")
}

func TestFileRegistryKeepsSnapshotOnBadReload(t *testing.T) {
	path := writeTenantsFile(t, tenantsYAML)
	r, err := NewFileRegistry(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	require.NoError(t, os.WriteFile(path, []byte(":::not yaml"), 0o644))
	// Give the watcher a chance to see the bad write.
	time.Sleep(300 * time.Millisecond)

	cfg, err := r.Get(context.Background(), "acme")
	require.NoError(t, err, "previous snapshot keeps serving")
	assert.Equal(t, "Acme Outdoor", cfg.Name)
}

func TestFileRegistryList(t *testing.T) {
	path := writeTenantsFile(t, tenantsYAML)
	r, err := NewFileRegistry(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	all, err := r.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "acme", all[0].ID)
	assert.Equal(t, "sterling", all[1].ID)
}

func TestDBRegistryGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	sqlxdb := sqlx.NewDb(db, "sqlmock")

	r := NewDBRegistry(sqlxdb, zaptest.NewLogger(t))

	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT id, name, industry, brand_tone, languages, capabilities, constraints, custom_instructions FROM tenants WHERE id = $1`,
	)).WithArgs("acme").WillReturnRows(
		sqlmock.NewRows([]string{"id", "name", "industry", "brand_tone", "languages", "capabilities", "constraints", "custom_instructions"}).
			AddRow("acme", "Acme Outdoor", "ecommerce", "friendly", "{en,de}", "{}", "{}", "Mention the loyalty program when relevant."),
	)

	cfg, err := r.Get(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, IndustryEcommerce, cfg.Industry)
	assert.Equal(t, []string{"en", "de"}, cfg.Languages)
	assert.Equal(t, "Mention the loyalty program when relevant.", cfg.CustomInstructions)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDBRegistryUnknownTenant(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	sqlxdb := sqlx.NewDb(db, "sqlmock")

	r := NewDBRegistry(sqlxdb, zaptest.NewLogger(t))

	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT id, name, industry, brand_tone, languages, capabilities, constraints, custom_instructions FROM tenants WHERE id = $1`,
	)).WithArgs("ghost").WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = r.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownTenant)
	require.NoError(t, mock.ExpectationsWereMet())
}

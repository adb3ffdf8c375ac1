package lexical

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/tessellate-ai/ragcore/internal/faults"
	"github.com/tessellate-ai/ragcore/internal/metrics"
	"github.com/tessellate-ai/ragcore/internal/models"
)

// Searcher is the read side of the lexical index.
type Searcher interface {
	Search(ctx context.Context, tenantID, query string, k int) ([]Result, error)
}

// Manager owns one BM25 index per tenant, each persisted to a single
// file under its directory. Writes to a tenant are serialized and land
// on disk before they become visible; reads score against an immutable
// snapshot and never block behind a writer.
type Manager struct {
	dir    string
	logger *zap.Logger

	mu      sync.Mutex
	tenants map[string]*tenantIndex
}

type tenantIndex struct {
	path    string
	writeMu sync.Mutex
	current atomic.Pointer[index]
}

func NewManager(dir string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, faults.New(faults.KindIndexWriteFailure, "lexical.init", err)
	}
	return &Manager{
		dir:     dir,
		logger:  logger,
		tenants: make(map[string]*tenantIndex),
	}, nil
}

var _ Searcher = (*Manager)(nil)

// guardTenant rejects empty or path-escaping tenant ids before any file
// path is derived from them.
func guardTenant(op, tenantID string) error {
	if tenantID == "" || strings.ContainsAny(tenantID, `/\`) || strings.Contains(tenantID, "..") {
		metrics.TenantScopeViolations.WithLabelValues("lexical").Inc()
		return faults.TenantScope(op)
	}
	return nil
}

// forTenant returns the tenant's index handle, loading its file on first
// touch. A corrupt or incompatible file starts the tenant empty: the
// index is derived data and re-ingestion rebuilds it.
func (m *Manager) forTenant(tenantID string) *tenantIndex {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ti, ok := m.tenants[tenantID]; ok {
		return ti
	}
	ti := &tenantIndex{path: filepath.Join(m.dir, tenantID+".bm25")}
	ix, err := load(ti.path)
	if err != nil {
		if errors.Is(err, ErrIncompatible) {
			m.logger.Warn("lexical index incompatible, starting empty",
				zap.String("tenant_id", tenantID),
				zap.Error(err))
		} else {
			m.logger.Warn("lexical index unreadable, starting empty",
				zap.String("tenant_id", tenantID),
				zap.String("path", ti.path),
				zap.Error(err))
		}
		ix = newIndex()
	}
	ti.current.Store(ix)
	metrics.LexicalIndexChunks.WithLabelValues(tenantID).Set(float64(len(ix.Chunks)))
	m.tenants[tenantID] = ti
	return ti
}

// mutate applies fn to a clone of the tenant's index, persists the clone,
// and only then publishes it. A failed save leaves both the file and the
// visible snapshot untouched.
func (m *Manager) mutate(tenantID string, fn func(ix *index)) error {
	ti := m.forTenant(tenantID)

	ti.writeMu.Lock()
	defer ti.writeMu.Unlock()

	next := ti.current.Load().clone()
	fn(next)
	if err := save(ti.path, next); err != nil {
		return err
	}
	ti.current.Store(next)
	metrics.LexicalIndexChunks.WithLabelValues(tenantID).Set(float64(len(next.Chunks)))
	return nil
}

// Upsert indexes the given chunks for the tenant. Chunks that were
// already indexed are replaced, so replays converge on the same state.
func (m *Manager) Upsert(ctx context.Context, tenantID string, chunks []models.Chunk) error {
	if err := guardTenant("lexical.upsert", tenantID); err != nil {
		metrics.LexicalIndexOps.WithLabelValues("upsert", "rejected").Inc()
		return err
	}
	if len(chunks) == 0 {
		return nil
	}
	for _, c := range chunks {
		if c.TenantID != tenantID {
			metrics.TenantScopeViolations.WithLabelValues("lexical").Inc()
			metrics.LexicalIndexOps.WithLabelValues("upsert", "rejected").Inc()
			return faults.TenantScope("lexical.upsert")
		}
	}
	if err := ctx.Err(); err != nil {
		return faults.New(faults.KindCancelled, "lexical.upsert", err)
	}

	err := m.mutate(tenantID, func(ix *index) {
		for _, c := range chunks {
			ix.add(c)
		}
	})
	if err != nil {
		metrics.LexicalIndexOps.WithLabelValues("upsert", "error").Inc()
		return err
	}
	metrics.LexicalIndexOps.WithLabelValues("upsert", "ok").Inc()
	return nil
}

// Search tokenizes the query and scores it against the tenant's current
// snapshot. Only positive-scoring chunks are returned, best first.
func (m *Manager) Search(ctx context.Context, tenantID, query string, k int) ([]Result, error) {
	if err := guardTenant("lexical.search", tenantID); err != nil {
		metrics.LexicalIndexOps.WithLabelValues("search", "rejected").Inc()
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, faults.New(faults.KindCancelled, "lexical.search", err)
	}

	ix := m.forTenant(tenantID).current.Load()
	results := ix.search(Tokenize(query), k)
	metrics.LexicalIndexOps.WithLabelValues("search", "ok").Inc()
	return results, nil
}

// DeleteByDocument removes every chunk of the document from the tenant's
// index. Deleting an unknown document is a no-op.
func (m *Manager) DeleteByDocument(ctx context.Context, tenantID, documentID string) error {
	if err := guardTenant("lexical.delete", tenantID); err != nil {
		metrics.LexicalIndexOps.WithLabelValues("delete", "rejected").Inc()
		return err
	}
	if err := ctx.Err(); err != nil {
		return faults.New(faults.KindCancelled, "lexical.delete", err)
	}

	removed := 0
	err := m.mutate(tenantID, func(ix *index) {
		removed = ix.removeDocument(documentID)
	})
	if err != nil {
		metrics.LexicalIndexOps.WithLabelValues("delete", "error").Inc()
		return err
	}
	m.logger.Debug("lexical chunks deleted",
		zap.String("tenant_id", tenantID),
		zap.String("document_id", documentID),
		zap.Int("removed", removed))
	metrics.LexicalIndexOps.WithLabelValues("delete", "ok").Inc()
	return nil
}

// Count reports how many chunks the tenant currently has indexed.
func (m *Manager) Count(ctx context.Context, tenantID string) (int, error) {
	if err := guardTenant("lexical.count", tenantID); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, faults.New(faults.KindCancelled, "lexical.count", err)
	}
	return len(m.forTenant(tenantID).current.Load().Chunks), nil
}

package search

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxClusters  = "votes_clusters"
	idxAlignment = "votes_alignment"
)

// Meili implements Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	logger  *slog.Logger
}

// NewMeili creates a Meilisearch client and configures indexes. An
// unreachable server is tolerated; indexing fails until it recovers.
func NewMeili(url, apiKey string, logger *slog.Logger) *Meili {
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		done:   make(chan struct{}),
		logger: logger.With("component", "search"),
	}

	if _, err := m.client.Health(); err != nil {
		m.logger.Warn("meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxClusters,
			filterable: []string{"cluster", "isOutlier", "manual"},
			searchable: []string{"description"},
		},
		{
			uid:        idxAlignment,
			filterable: []string{"entityKind", "entityId", "policyId", "periodId", "chamber", "status"},
			searchable: []string{"verbose"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: "id",
		}); err != nil {
			m.logger.Debug("create index (may already exist)", "index", idx.uid, "error", err)
		}

		index := m.client.Index(idx.uid)
		filterable := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterable[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			m.logger.Warn("update filterable attributes", "index", idx.uid, "error", err)
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			m.logger.Warn("update searchable attributes", "index", idx.uid, "error", err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) IndexClusters(ctx context.Context, records []ClusterRecord) error {
	return addDocuments(ctx, m, idxClusters, records)
}

func (m *Meili) IndexAlignment(ctx context.Context, records []AlignmentRecord) error {
	return addDocuments(ctx, m, idxAlignment, records)
}

func (m *Meili) DeleteClusters(ctx context.Context, ids []string) error {
	return deleteDocuments(ctx, m, idxClusters, ids)
}

func (m *Meili) DeleteAlignment(ctx context.Context, ids []string) error {
	return deleteDocuments(ctx, m, idxAlignment, ids)
}

const batchSize = 1000

func addDocuments[T any](ctx context.Context, m *Meili, uid string, records []T) error {
	if len(records) == 0 {
		return nil
	}
	if !m.healthy.Load() {
		return fmt.Errorf("meilisearch unhealthy")
	}
	for start := 0; start < len(records); start += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+batchSize, len(records))
		if _, err := m.client.Index(uid).AddDocuments(records[start:end], nil); err != nil {
			m.healthy.Store(false)
			return fmt.Errorf("index %s documents: %w", uid, err)
		}
	}
	return nil
}

func deleteDocuments(ctx context.Context, m *Meili, uid string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if !m.healthy.Load() {
		return fmt.Errorf("meilisearch unhealthy")
	}
	for start := 0; start < len(ids); start += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+batchSize, len(ids))
		if _, err := m.client.Index(uid).DeleteDocuments(ids[start:end], nil); err != nil {
			m.healthy.Store(false)
			return fmt.Errorf("delete %s documents: %w", uid, err)
		}
	}
	return nil
}

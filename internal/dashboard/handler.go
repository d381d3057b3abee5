package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/steveyegge/ghsync/internal/blobcache"
	"github.com/steveyegge/ghsync/internal/fetch"
	"github.com/steveyegge/ghsync/internal/schema"
	"github.com/steveyegge/ghsync/internal/store"
)

// PageSyncedData contains one refreshed list page
type PageSyncedData struct {
	Since int64 `json:"since"`
	Count int   `json:"count"`
}

// UserRefreshedData contains a refreshed user
type UserRefreshedData struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name,omitempty"`
}

// SyncCompleteData contains list walk completion information
type SyncCompleteData struct {
	Pages    int           `json:"pages"`
	Users    int           `json:"users"`
	Duration time.Duration `json:"duration"`
}

// BlobsEvictedData contains blob eviction information
type BlobsEvictedData struct {
	Count int `json:"count"`
}

// StatsData contains cache statistics
type StatsData struct {
	Users     int              `json:"users"`
	Viewed    int              `json:"viewed"`
	MaxID     int64            `json:"max_id"`
	Blobs     *blobcache.Stats `json:"blobs,omitempty"`
	Lane      *fetch.Stats     `json:"lane,omitempty"`
	LastSync  *time.Time       `json:"last_sync,omitempty"`
	Refreshed int              `json:"refreshed"`
	Evictions int              `json:"evictions"`
}

// LaneStats is implemented by fetch.Executor.
type LaneStats interface {
	Stats() fetch.Stats
}

// Handler turns daemon events into dashboard messages and serves /stats.
type Handler struct {
	server *Server
	store  *store.Store
	blobs  *blobcache.Cache
	lane   LaneStats
	logger *log.Logger

	mu        sync.Mutex
	lastSync  time.Time
	refreshed int
	evictions int
}

// NewHandler creates a handler connected to a dashboard server and registers
// it as the server's stats provider. blobs and lane may be nil.
func NewHandler(server *Server, st *store.Store, blobs *blobcache.Cache, lane LaneStats, logger *log.Logger) (*Handler, error) {
	if server == nil {
		return nil, fmt.Errorf("server cannot be nil")
	}
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}

	h := &Handler{
		server: server,
		store:  st,
		blobs:  blobs,
		lane:   lane,
		logger: logger,
	}
	server.SetStatsProvider(h)
	return h, nil
}

// OnPageSynced handles list page refresh events
func (h *Handler) OnPageSynced(since int64, count int) {
	h.send(MessageTypePageSynced, PageSyncedData{Since: since, Count: count})
}

// OnUserRefreshed handles detail refresh events
func (h *Handler) OnUserRefreshed(user schema.Record) {
	h.mu.Lock()
	h.refreshed++
	h.mu.Unlock()

	h.send(MessageTypeUserRefreshed, UserRefreshedData{ID: user.ID, Login: user.Login, Name: user.Name})
}

// OnSyncComplete handles list walk completion events
func (h *Handler) OnSyncComplete(pages, users int, duration time.Duration) {
	h.logger.Printf("Sync complete: %d pages, %d users in %v", pages, users, duration)

	h.mu.Lock()
	h.lastSync = time.Now()
	h.mu.Unlock()

	h.send(MessageTypeSyncComplete, SyncCompleteData{Pages: pages, Users: users, Duration: duration})
	h.broadcastStats()
}

// OnBlobsEvicted handles memory-pressure eviction events
func (h *Handler) OnBlobsEvicted(count int) {
	h.mu.Lock()
	h.evictions++
	h.mu.Unlock()

	h.send(MessageTypeBlobsEvicted, BlobsEvictedData{Count: count})
	h.broadcastStats()
}

// Snapshot collects current statistics from the store, the blob cache and
// the network lane.
func (h *Handler) Snapshot(ctx context.Context) (StatsData, error) {
	var data StatsData
	var err error

	if data.Users, err = h.store.CountContext(ctx); err != nil {
		return data, fmt.Errorf("failed to count users: %w", err)
	}
	if data.Viewed, err = h.store.CountViewed(ctx); err != nil {
		return data, fmt.Errorf("failed to count viewed users: %w", err)
	}
	if data.MaxID, err = h.store.MaxID(ctx); err != nil {
		return data, fmt.Errorf("failed to read max id: %w", err)
	}
	if h.blobs != nil {
		stats, err := h.blobs.Stats(ctx)
		if err != nil {
			return data, fmt.Errorf("failed to read blob stats: %w", err)
		}
		data.Blobs = &stats
	}
	if h.lane != nil {
		stats := h.lane.Stats()
		data.Lane = &stats
	}

	h.mu.Lock()
	if !h.lastSync.IsZero() {
		last := h.lastSync
		data.LastSync = &last
	}
	data.Refreshed = h.refreshed
	data.Evictions = h.evictions
	h.mu.Unlock()

	return data, nil
}

// broadcastStats sends current statistics to all clients
func (h *Handler) broadcastStats() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats, err := h.Snapshot(ctx)
	if err != nil {
		h.logger.Printf("Failed to collect stats: %v", err)
		return
	}
	h.send(MessageTypeStats, stats)
}

func (h *Handler) send(typ MessageType, data interface{}) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}

	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}

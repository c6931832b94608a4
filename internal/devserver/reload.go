package devserver

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/hzwatch/internal/transport"
)

var ErrReloadInProgress = errors.New("reload already in progress")

// SeedSource lists the seed files keyed by collection.
type SeedSource func() (map[string]string, error)

// ReloadManager re-reads the seed files into running tables.
type ReloadManager struct {
	tables *Tables
	seeds  SeedSource
	logger *zap.Logger

	reloadMu sync.Mutex // prevents concurrent reloads

	stateMu  sync.RWMutex
	loadedAt time.Time
}

func NewReloadManager(tables *Tables, seeds SeedSource, logger *zap.Logger) *ReloadManager {
	return &ReloadManager{
		tables:   tables,
		seeds:    seeds,
		logger:   logger,
		loadedAt: time.Now(),
	}
}

// LoadedAt returns when the seed data was last applied.
func (rm *ReloadManager) LoadedAt() time.Time {
	rm.stateMu.RLock()
	defer rm.stateMu.RUnlock()
	return rm.loadedAt
}

// ReloadResult describes a completed reload.
type ReloadResult struct {
	LoadedAt    time.Time `json:"loaded_at"`
	Collections int       `json:"collections"`
	Mutations   int       `json:"mutations"`
}

// Reload reads every seed file and resets the seeded collections to their
// content. Nothing changes when a file cannot be read.
func (rm *ReloadManager) Reload() (*ReloadResult, error) {
	if !rm.reloadMu.TryLock() {
		return nil, ErrReloadInProgress
	}
	defer rm.reloadMu.Unlock()

	files, err := rm.seeds()
	if err != nil {
		return nil, err
	}

	loaded := make(map[string][]transport.Document, len(files))
	for coll, path := range files {
		docs, err := loadJSONL(path)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
		loaded[coll] = docs
	}

	mutations := 0
	for coll, docs := range loaded {
		mutations += rm.tables.Reset(coll, docs)
	}

	rm.stateMu.Lock()
	rm.loadedAt = time.Now()
	loadedAt := rm.loadedAt
	rm.stateMu.Unlock()

	rm.logger.Info("seed data reloaded",
		zap.Int("collections", len(loaded)),
		zap.Int("mutations", mutations),
	)

	return &ReloadResult{
		LoadedAt:    loadedAt,
		Collections: len(loaded),
		Mutations:   mutations,
	}, nil
}

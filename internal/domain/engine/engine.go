// Package engine defines the contracts the services use to talk to the
// entity resolution engine. Bindings register themselves as drivers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
)

// ExportHandle identifies an open entity report cursor.
type ExportHandle int64

// RecordAdder loads records into the engine.
type RecordAdder interface {
	// AddRecord loads one record and returns the with-info response listing
	// the entities it affected.
	AddRecord(ctx context.Context, dataSource, recordID string, record []byte) ([]byte, error)
}

// DataSourceRegistrar adds data sources to the engine configuration.
type DataSourceRegistrar interface {
	RegisterDataSource(ctx context.Context, dataSource string) error
}

// RedoSource exposes the engine's internal redo backlog.
type RedoSource interface {
	CountRedoRecords(ctx context.Context) (int64, error)
	// GetRedoRecord returns the next redo item or an empty string when none is available.
	GetRedoRecord(ctx context.Context) (string, error)
	ProcessRedoRecord(ctx context.Context, item string) error
}

// Reporter streams resolved entities out of the engine.
type Reporter interface {
	ExportJSONEntityReport(ctx context.Context) (ExportHandle, error)
	// FetchNext returns the next report chunk; an empty chunk means the report is exhausted.
	FetchNext(ctx context.Context, handle ExportHandle) ([]byte, error)
	CloseExportReport(ctx context.Context, handle ExportHandle) error
	// GetEntityByEntityID returns one entity document. Deleted entities
	// fail with errs.CodeNotFound.
	GetEntityByEntityID(ctx context.Context, entityID int64) ([]byte, error)
}

// Engine is the full set of operations a driver provides.
type Engine interface {
	RecordAdder
	DataSourceRegistrar
	RedoSource
	Reporter
	Close(ctx context.Context) error
}

// Settings carries driver configuration.
type Settings struct {
	InstanceName string
	// ConfigJSON is the driver specific engine configuration document.
	ConfigJSON string
}

// Factory opens an engine from settings.
type Factory func(ctx context.Context, settings Settings) (Engine, error)

var (
	factories = make(map[string]Factory)
	factoryMu sync.RWMutex
)

// Register makes a driver available under name.
func Register(name string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[strings.ToLower(strings.TrimSpace(name))] = factory
}

// Drivers lists the registered driver names.
func Drivers() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Open constructs an engine through the named driver.
func Open(ctx context.Context, driver string, settings Settings) (Engine, error) {
	key := strings.ToLower(strings.TrimSpace(driver))
	factoryMu.RLock()
	factory, ok := factories[key]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown engine driver %q (registered: %s)", driver, strings.Join(Drivers(), ", "))
	}
	eng, err := factory(ctx, settings)
	if err != nil {
		return nil, fmt.Errorf("open engine %q: %w", key, err)
	}
	return eng, nil
}

type affectedEntity struct {
	EntityID int64 `json:"ENTITY_ID"`
}

type withInfo struct {
	DataSource       string           `json:"DATA_SOURCE"`
	RecordID         string           `json:"RECORD_ID"`
	AffectedEntities []affectedEntity `json:"AFFECTED_ENTITIES"`
}

// ErrNoInfo is returned when a with-info response carries no affected entity list.
var ErrNoInfo = errors.New("engine: response has no AFFECTED_ENTITIES")

// ParseAffectedEntities extracts entity ids from an add-record with-info response.
func ParseAffectedEntities(info []byte) ([]int64, error) {
	var resp withInfo
	if err := json.Unmarshal(info, &resp); err != nil {
		return nil, fmt.Errorf("decode with-info response: %w", err)
	}
	if resp.AffectedEntities == nil {
		return nil, ErrNoInfo
	}
	ids := make([]int64, 0, len(resp.AffectedEntities))
	for _, e := range resp.AffectedEntities {
		ids = append(ids, e.EntityID)
	}
	return ids, nil
}

// Package memengine provides an in-process resolution engine for local runs and tests.
// Every record resolves to its own entity; re-adding a record updates that
// entity and queues a redo item for it.
package memengine

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/coachpo/sqs-entity-resolution/errs"
	"github.com/coachpo/sqs-entity-resolution/internal/domain/engine"
)

// DriverName is the registry name of this engine.
const DriverName = "memory"

type recordKey struct {
	dataSource string
	recordID   string
}

type entity struct {
	id      int64
	records map[recordKey]json.RawMessage
}

type report struct {
	lines [][]byte
	next  int
}

// Engine is an in-memory engine.Engine.
type Engine struct {
	mu          sync.Mutex
	dataSources map[string]struct{}
	byRecord    map[recordKey]int64
	entities    map[int64]*entity
	nextEntity  int64
	redo        []string
	reports     map[engine.ExportHandle]*report
	nextHandle  engine.ExportHandle
	closed      bool
}

// settingsDoc is the optional ConfigJSON document understood by this driver.
type settingsDoc struct {
	DataSources []string `json:"DATA_SOURCES"`
}

// New constructs an empty engine with the given data sources registered.
func New(dataSources ...string) *Engine {
	e := &Engine{
		dataSources: make(map[string]struct{}),
		byRecord:    make(map[recordKey]int64),
		entities:    make(map[int64]*entity),
		reports:     make(map[engine.ExportHandle]*report),
	}
	for _, ds := range dataSources {
		e.dataSources[normalizeDataSource(ds)] = struct{}{}
	}
	return e
}

// Factory implements engine.Factory.
func Factory(_ context.Context, settings engine.Settings) (engine.Engine, error) {
	var doc settingsDoc
	if raw := strings.TrimSpace(settings.ConfigJSON); raw != "" {
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("memengine: decode settings: %w", err)
		}
	}
	return New(doc.DataSources...), nil
}

func normalizeDataSource(ds string) string {
	return strings.ToUpper(strings.TrimSpace(ds))
}

func (e *Engine) checkOpen(component string) error {
	if e.closed {
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage("engine closed"))
	}
	return nil
}

// RegisterDataSource implements engine.DataSourceRegistrar.
func (e *Engine) RegisterDataSource(ctx context.Context, dataSource string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen("memengine/register_data_source"); err != nil {
		return err
	}
	ds := normalizeDataSource(dataSource)
	if ds == "" {
		return errs.New("memengine/register_data_source", errs.CodeInvalid, errs.WithMessage("data source required"))
	}
	e.dataSources[ds] = struct{}{}
	return nil
}

// AddRecord implements engine.RecordAdder.
func (e *Engine) AddRecord(ctx context.Context, dataSource, recordID string, record []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !json.Valid(record) {
		return nil, errs.New("memengine/add_record", errs.CodeMalformed, errs.WithMessage("record is not valid JSON"))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen("memengine/add_record"); err != nil {
		return nil, err
	}
	ds := normalizeDataSource(dataSource)
	if _, ok := e.dataSources[ds]; !ok {
		return nil, errs.New("memengine/add_record", errs.CodeUnknownDataSource,
			errs.WithMessage("data source not registered"),
			errs.WithField("data_source", ds))
	}

	key := recordKey{dataSource: ds, recordID: strings.TrimSpace(recordID)}
	id, exists := e.byRecord[key]
	if !exists {
		e.nextEntity++
		id = e.nextEntity
		e.byRecord[key] = id
		e.entities[id] = &entity{id: id, records: make(map[recordKey]json.RawMessage)}
	} else {
		e.redo = append(e.redo, fmt.Sprintf(`{"REASON":"record updated","ENTITY_ID":%d}`, id))
	}
	e.entities[id].records[key] = slices.Clone(record)

	return json.Marshal(map[string]any{
		"DATA_SOURCE":       ds,
		"RECORD_ID":         key.recordID,
		"AFFECTED_ENTITIES": []map[string]int64{{"ENTITY_ID": id}},
	})
}

// DeleteRecord removes a record; its entity disappears once it has no records.
func (e *Engine) DeleteRecord(dataSource, recordID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := recordKey{dataSource: normalizeDataSource(dataSource), recordID: strings.TrimSpace(recordID)}
	id, ok := e.byRecord[key]
	if !ok {
		return
	}
	delete(e.byRecord, key)
	ent := e.entities[id]
	delete(ent.records, key)
	if len(ent.records) == 0 {
		delete(e.entities, id)
	}
}

// CountRedoRecords implements engine.RedoSource.
func (e *Engine) CountRedoRecords(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen("memengine/count_redo"); err != nil {
		return 0, err
	}
	return int64(len(e.redo)), nil
}

// GetRedoRecord implements engine.RedoSource.
func (e *Engine) GetRedoRecord(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen("memengine/get_redo"); err != nil {
		return "", err
	}
	if len(e.redo) == 0 {
		return "", nil
	}
	item := e.redo[0]
	e.redo = e.redo[1:]
	return item, nil
}

// ProcessRedoRecord implements engine.RedoSource.
func (e *Engine) ProcessRedoRecord(ctx context.Context, item string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !json.Valid([]byte(item)) {
		return errs.New("memengine/process_redo", errs.CodeMalformed, errs.WithMessage("redo item is not valid JSON"))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkOpen("memengine/process_redo")
}

// ExportJSONEntityReport implements engine.Reporter. The report is a
// snapshot taken at open time, one entity per line in id order.
func (e *Engine) ExportJSONEntityReport(ctx context.Context) (engine.ExportHandle, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen("memengine/export_report"); err != nil {
		return 0, err
	}
	ids := make([]int64, 0, len(e.entities))
	for id := range e.entities {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	lines := make([][]byte, 0, len(ids))
	for _, id := range ids {
		doc, err := e.entityDocument(id)
		if err != nil {
			return 0, err
		}
		lines = append(lines, append(doc, '\n'))
	}
	e.nextHandle++
	e.reports[e.nextHandle] = &report{lines: lines}
	return e.nextHandle, nil
}

// FetchNext implements engine.Reporter.
func (e *Engine) FetchNext(ctx context.Context, handle engine.ExportHandle) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.reports[handle]
	if !ok {
		return nil, errs.New("memengine/fetch_next", errs.CodeInvalid,
			errs.WithMessage("unknown export handle"),
			errs.WithField("handle", fmt.Sprint(int64(handle))))
	}
	if r.next >= len(r.lines) {
		return nil, nil
	}
	line := r.lines[r.next]
	r.next++
	return line, nil
}

// CloseExportReport implements engine.Reporter.
func (e *Engine) CloseExportReport(_ context.Context, handle engine.ExportHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.reports[handle]; !ok {
		return errs.New("memengine/close_report", errs.CodeInvalid, errs.WithMessage("unknown export handle"))
	}
	delete(e.reports, handle)
	return nil
}

// OpenReports returns the number of report cursors not yet closed.
func (e *Engine) OpenReports() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.reports)
}

// GetEntityByEntityID implements engine.Reporter.
func (e *Engine) GetEntityByEntityID(ctx context.Context, entityID int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen("memengine/get_entity"); err != nil {
		return nil, err
	}
	return e.entityDocument(entityID)
}

type recordRef struct {
	DataSource string          `json:"DATA_SOURCE"`
	RecordID   string          `json:"RECORD_ID"`
	JSONData   json.RawMessage `json:"JSON_DATA,omitempty"`
}

type resolvedEntity struct {
	EntityID int64       `json:"ENTITY_ID"`
	Records  []recordRef `json:"RECORDS"`
}

func (e *Engine) entityDocument(id int64) ([]byte, error) {
	ent, ok := e.entities[id]
	if !ok {
		return nil, errs.New("memengine/get_entity", errs.CodeNotFound,
			errs.WithField("entity_id", fmt.Sprint(id)))
	}
	refs := make([]recordRef, 0, len(ent.records))
	for key, raw := range ent.records {
		refs = append(refs, recordRef{DataSource: key.dataSource, RecordID: key.recordID, JSONData: raw})
	}
	slices.SortFunc(refs, func(a, b recordRef) int {
		if c := strings.Compare(a.DataSource, b.DataSource); c != 0 {
			return c
		}
		return strings.Compare(a.RecordID, b.RecordID)
	})
	doc, err := json.Marshal(map[string]resolvedEntity{
		"RESOLVED_ENTITY": {EntityID: id, Records: refs},
	})
	if err != nil {
		return nil, errs.New("memengine/get_entity", errs.CodeEngine, errs.WithCause(err))
	}
	return doc, nil
}

// Close implements engine.Engine.
func (e *Engine) Close(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

var _ engine.Engine = (*Engine)(nil)

package memengine

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/sqs-entity-resolution/errs"
	"github.com/coachpo/sqs-entity-resolution/internal/domain/engine"
)

func TestAddRecordUnknownDataSource(t *testing.T) {
	eng := New()
	_, err := eng.AddRecord(context.Background(), "CUSTOMERS", "1", []byte(`{"DATA_SOURCE":"CUSTOMERS","RECORD_ID":"1"}`))
	require.True(t, errs.Is(err, errs.CodeUnknownDataSource))

	require.NoError(t, eng.RegisterDataSource(context.Background(), "customers"))
	info, err := eng.AddRecord(context.Background(), "CUSTOMERS", "1", []byte(`{"DATA_SOURCE":"CUSTOMERS","RECORD_ID":"1"}`))
	require.NoError(t, err)

	ids, err := engine.ParseAffectedEntities(info)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, ids)
}

func TestReAddQueuesRedo(t *testing.T) {
	ctx := context.Background()
	eng := New("TEST")
	rec := []byte(`{"NAME_FULL":"Ada"}`)
	_, err := eng.AddRecord(ctx, "TEST", "1", rec)
	require.NoError(t, err)

	count, err := eng.CountRedoRecords(ctx)
	require.NoError(t, err)
	require.Zero(t, count)

	info, err := eng.AddRecord(ctx, "TEST", "1", rec)
	require.NoError(t, err)
	ids, err := engine.ParseAffectedEntities(info)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, ids)

	count, err = eng.CountRedoRecords(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	item, err := eng.GetRedoRecord(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, item)
	require.NoError(t, eng.ProcessRedoRecord(ctx, item))

	item, err = eng.GetRedoRecord(ctx)
	require.NoError(t, err)
	require.Empty(t, item)
}

func TestExportReportStreamsOneLinePerEntity(t *testing.T) {
	ctx := context.Background()
	eng := New("TEST")
	for i := range 5 {
		_, err := eng.AddRecord(ctx, "TEST", fmt.Sprint(i), []byte(`{}`))
		require.NoError(t, err)
	}

	handle, err := eng.ExportJSONEntityReport(ctx)
	require.NoError(t, err)
	var out bytes.Buffer
	for {
		chunk, err := eng.FetchNext(ctx, handle)
		require.NoError(t, err)
		if len(chunk) == 0 {
			break
		}
		out.Write(chunk)
	}
	require.Equal(t, 5, bytes.Count(out.Bytes(), []byte("\n")))
	require.Equal(t, 1, eng.OpenReports())
	require.NoError(t, eng.CloseExportReport(ctx, handle))
	require.Zero(t, eng.OpenReports())

	_, err = eng.FetchNext(ctx, handle)
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestGetEntityNotFoundAfterDelete(t *testing.T) {
	ctx := context.Background()
	eng := New("TEST")
	_, err := eng.AddRecord(ctx, "TEST", "1", []byte(`{}`))
	require.NoError(t, err)

	doc, err := eng.GetEntityByEntityID(ctx, 1)
	require.NoError(t, err)
	require.Contains(t, string(doc), `"ENTITY_ID":1`)

	eng.DeleteRecord("TEST", "1")
	_, err = eng.GetEntityByEntityID(ctx, 1)
	require.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestMalformedRecord(t *testing.T) {
	_, err := New("TEST").AddRecord(context.Background(), "TEST", "1", []byte(`{`))
	require.True(t, errs.Is(err, errs.CodeMalformed))
}

func TestClosedEngineIsUnavailable(t *testing.T) {
	eng := New("TEST")
	require.NoError(t, eng.Close(context.Background()))
	_, err := eng.CountRedoRecords(context.Background())
	require.True(t, errs.Retryable(err))
}

func TestFactoryRegistersConfiguredDataSources(t *testing.T) {
	eng, err := Factory(context.Background(), engine.Settings{ConfigJSON: `{"DATA_SOURCES":["TEST"]}`})
	require.NoError(t, err)
	_, err = eng.AddRecord(context.Background(), "test", "1", []byte(`{}`))
	require.NoError(t, err)

	_, err = Factory(context.Background(), engine.Settings{ConfigJSON: `nope`})
	require.Error(t, err)
}

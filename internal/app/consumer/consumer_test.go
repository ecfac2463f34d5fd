package consumer

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coachpo/sqs-entity-resolution/errs"
	"github.com/coachpo/sqs-entity-resolution/internal/adapters/memengine"
	"github.com/coachpo/sqs-entity-resolution/internal/domain/queue"
	"github.com/coachpo/sqs-entity-resolution/internal/domain/trackerstore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeQueue redelivers released messages and records acks.
type fakeQueue struct {
	mu         sync.Mutex
	pending    []queue.Message
	receiveErr []error
	acked      []string
	released   []string
	seq        int
}

func (q *fakeQueue) push(body string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	id := "m" + strconv.Itoa(q.seq)
	q.pending = append(q.pending, queue.Message{ID: id, AckToken: "tok-" + id, Body: []byte(body)})
}

func (q *fakeQueue) Receive(ctx context.Context, _ time.Duration) (queue.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return queue.Message{}, err
	}
	if len(q.receiveErr) > 0 {
		err := q.receiveErr[0]
		q.receiveErr = q.receiveErr[1:]
		return queue.Message{}, err
	}
	if len(q.pending) == 0 {
		return queue.Message{}, queue.ErrEmpty
	}
	msg := q.pending[0]
	q.pending = q.pending[1:]
	msg.ReceiveCount++
	return msg, nil
}

func (q *fakeQueue) Ack(_ context.Context, msg queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, msg.ID)
	return nil
}

func (q *fakeQueue) Release(_ context.Context, msg queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.released = append(q.released, msg.ID)
	q.pending = append(q.pending, msg)
	return nil
}

func (q *fakeQueue) Close() error { return nil }

type scriptedEngine struct {
	mu         sync.Mutex
	add        func(ctx context.Context, ds string) ([]byte, error)
	registered []string
	registerFn func() error
}

func (e *scriptedEngine) AddRecord(ctx context.Context, ds, _ string, _ []byte) ([]byte, error) {
	return e.add(ctx, ds)
}

func (e *scriptedEngine) RegisterDataSource(_ context.Context, ds string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registered = append(e.registered, ds)
	if e.registerFn != nil {
		return e.registerFn()
	}
	return nil
}

type failingTracker struct{ err error }

func (f failingTracker) InsertTodoBatch(context.Context, []int64) error { return f.err }

func newConsumer(t *testing.T, q queue.Queue, eng Engine, tracker Recorder) *Consumer {
	t.Helper()
	c, err := New(Options{
		Queue:       q,
		Engine:      eng,
		Tracker:     tracker,
		CallTimeout: time.Second,
		WaitTime:    time.Millisecond,
		NewBackOff:  func() backoff.BackOff { return &backoff.ZeroBackOff{} },
		Sleep:       func(ctx context.Context, _ time.Duration) bool { return ctx.Err() == nil },
	})
	require.NoError(t, err)
	return c
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	_, err = New(Options{Queue: &fakeQueue{}})
	require.Error(t, err)
	_, err = New(Options{Queue: &fakeQueue{}, Engine: memengine.New()})
	require.Error(t, err)
}

func TestEmptyQueue(t *testing.T) {
	c := newConsumer(t, &fakeQueue{}, memengine.New(), trackerstore.NewMemoryStore())
	outcome, err := c.PollAndProcess(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeEmpty, outcome)
}

func TestAddRecordTracksEntitiesAndAcks(t *testing.T) {
	q := &fakeQueue{}
	q.push(`{"DATA_SOURCE":"CUSTOMERS","RECORD_ID":"1001","NAME_FULL":"Ann Smith"}`)
	tracker := trackerstore.NewMemoryStore()
	c := newConsumer(t, q, memengine.New("CUSTOMERS"), tracker)

	outcome, err := c.PollAndProcess(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeAcked, outcome)
	require.Equal(t, []string{"m1"}, q.acked)
	require.Empty(t, q.released)

	rows := tracker.Rows()
	require.Len(t, rows, 1)
	require.Equal(t, int64(1), rows[0].EntityID)
	require.Equal(t, trackerstore.StatusTodo, rows[0].Status)
}

func TestMalformedMessagesAreReleased(t *testing.T) {
	for name, body := range map[string]string{
		"invalid json":   `{not json`,
		"no data source": `{"RECORD_ID":"1"}`,
		"no record id":   `{"DATA_SOURCE":"CUSTOMERS"}`,
	} {
		t.Run(name, func(t *testing.T) {
			q := &fakeQueue{}
			q.push(body)
			tracker := trackerstore.NewMemoryStore()
			c := newConsumer(t, q, memengine.New("CUSTOMERS"), tracker)

			outcome, err := c.PollAndProcess(context.Background())
			require.NoError(t, err)
			require.Equal(t, OutcomeMalformed, outcome)
			require.Equal(t, []string{"m1"}, q.released)
			require.Empty(t, q.acked)
			require.Empty(t, tracker.Rows())
		})
	}
}

func TestUnknownDataSourceIsRegisteredThenRedelivered(t *testing.T) {
	q := &fakeQueue{}
	q.push(`{"DATA_SOURCE":"WATCHLIST","RECORD_ID":"7"}`)
	tracker := trackerstore.NewMemoryStore()
	c := newConsumer(t, q, memengine.New(), tracker)

	outcome, err := c.PollAndProcess(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeRegistered, outcome)
	require.Equal(t, []string{"m1"}, q.released)
	require.Empty(t, q.acked)

	outcome, err = c.PollAndProcess(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeAcked, outcome)
	require.Equal(t, []string{"m1"}, q.acked)
	require.Len(t, tracker.Rows(), 1)
}

func TestDataSourceRegisteredOncePerProcess(t *testing.T) {
	q := &fakeQueue{}
	q.push(`{"DATA_SOURCE":"WATCHLIST","RECORD_ID":"7"}`)
	eng := &scriptedEngine{add: func(context.Context, string) ([]byte, error) {
		return nil, errs.New("engine", errs.CodeUnknownDataSource)
	}}
	c := newConsumer(t, q, eng, trackerstore.NewMemoryStore())

	outcome, err := c.PollAndProcess(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeRegistered, outcome)

	outcome, err = c.PollAndProcess(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeReleased, outcome)
	require.Equal(t, []string{"WATCHLIST"}, eng.registered)
	require.Len(t, q.released, 2)
}

func TestFailedRegistrationIsRetriedOnRedelivery(t *testing.T) {
	q := &fakeQueue{}
	q.push(`{"DATA_SOURCE":"WATCHLIST","RECORD_ID":"7"}`)
	calls := 0
	eng := &scriptedEngine{
		add: func(context.Context, string) ([]byte, error) {
			return nil, errs.New("engine", errs.CodeUnknownDataSource)
		},
		registerFn: func() error {
			calls++
			if calls == 1 {
				return errors.New("config locked")
			}
			return nil
		},
	}
	c := newConsumer(t, q, eng, trackerstore.NewMemoryStore())

	outcome, err := c.PollAndProcess(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeReleased, outcome)

	outcome, err = c.PollAndProcess(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeRegistered, outcome)
	require.Len(t, eng.registered, 2)
}

func TestEngineErrorReleases(t *testing.T) {
	q := &fakeQueue{}
	q.push(`{"DATA_SOURCE":"CUSTOMERS","RECORD_ID":"1"}`)
	eng := &scriptedEngine{add: func(context.Context, string) ([]byte, error) {
		return nil, errs.New("engine", errs.CodeEngine, errs.WithMessage("bad record"))
	}}
	c := newConsumer(t, q, eng, trackerstore.NewMemoryStore())

	outcome, err := c.PollAndProcess(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeReleased, outcome)
	require.Equal(t, []string{"m1"}, q.released)
	require.Empty(t, q.acked)
}

func TestNoInfoResponseReleases(t *testing.T) {
	q := &fakeQueue{}
	q.push(`{"DATA_SOURCE":"CUSTOMERS","RECORD_ID":"1"}`)
	eng := &scriptedEngine{add: func(context.Context, string) ([]byte, error) {
		return []byte(`{"DATA_SOURCE":"CUSTOMERS"}`), nil
	}}
	c := newConsumer(t, q, eng, trackerstore.NewMemoryStore())

	outcome, err := c.PollAndProcess(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeReleased, outcome)
}

func TestEmptyAffectedListStillAcks(t *testing.T) {
	q := &fakeQueue{}
	q.push(`{"DATA_SOURCE":"CUSTOMERS","RECORD_ID":"1"}`)
	eng := &scriptedEngine{add: func(context.Context, string) ([]byte, error) {
		return []byte(`{"AFFECTED_ENTITIES":[]}`), nil
	}}
	tracker := trackerstore.NewMemoryStore()
	c := newConsumer(t, q, eng, tracker)

	outcome, err := c.PollAndProcess(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeAcked, outcome)
	require.Empty(t, tracker.Rows())
}

func TestTrackerFailureReleasesWithoutAck(t *testing.T) {
	q := &fakeQueue{}
	q.push(`{"DATA_SOURCE":"CUSTOMERS","RECORD_ID":"1"}`)
	c := newConsumer(t, q, memengine.New("CUSTOMERS"), failingTracker{err: errors.New("db down")})

	outcome, err := c.PollAndProcess(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeReleased, outcome)
	require.Empty(t, q.acked)
	require.Equal(t, []string{"m1"}, q.released)
}

func TestDeadlineAbandonsWithoutAckOrRelease(t *testing.T) {
	q := &fakeQueue{}
	q.push(`{"DATA_SOURCE":"CUSTOMERS","RECORD_ID":"1"}`)
	eng := &scriptedEngine{add: func(ctx context.Context, _ string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	c, err := New(Options{
		Queue:       q,
		Engine:      eng,
		Tracker:     trackerstore.NewMemoryStore(),
		CallTimeout: 20 * time.Millisecond,
		WaitTime:    time.Millisecond,
	})
	require.NoError(t, err)

	start := time.Now()
	outcome, err := c.PollAndProcess(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeAbandoned, outcome)
	require.Less(t, time.Since(start), time.Second)
	require.Empty(t, q.acked)
	require.Empty(t, q.released)
}

func TestReceiveErrorIsReturned(t *testing.T) {
	boom := errors.New("throttled")
	q := &fakeQueue{receiveErr: []error{boom}}
	c := newConsumer(t, q, memengine.New(), trackerstore.NewMemoryStore())

	_, err := c.PollAndProcess(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestRunGivesUpAfterConsecutiveReceiveFailures(t *testing.T) {
	boom := errors.New("unreachable")
	q := &fakeQueue{receiveErr: []error{boom, boom, boom}}
	c, err := New(Options{
		Queue:           q,
		Engine:          memengine.New(),
		Tracker:         trackerstore.NewMemoryStore(),
		MaxPollFailures: 3,
		NewBackOff:      func() backoff.BackOff { return &backoff.ZeroBackOff{} },
		Sleep:           func(context.Context, time.Duration) bool { return true },
	})
	require.NoError(t, err)

	err = c.Run(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestRunResetsFailureCountAfterSuccess(t *testing.T) {
	boom := errors.New("blip")
	q := &fakeQueue{receiveErr: []error{boom, boom}}
	q.push(`{"DATA_SOURCE":"CUSTOMERS","RECORD_ID":"1"}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, err := New(Options{
		Queue:           q,
		Engine:          memengine.New("CUSTOMERS"),
		Tracker:         trackerstore.NewMemoryStore(),
		MaxPollFailures: 3,
		WaitTime:        time.Millisecond,
		NewBackOff:      func() backoff.BackOff { return &backoff.ZeroBackOff{} },
		Sleep:           func(context.Context, time.Duration) bool { return true },
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.acked) == 1
	}, time.Second, 5*time.Millisecond)

	q.mu.Lock()
	q.receiveErr = []error{boom, boom}
	q.mu.Unlock()

	time.Sleep(20 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := newConsumer(t, &fakeQueue{}, memengine.New(), trackerstore.NewMemoryStore())

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestOutcomeString(t *testing.T) {
	require.Equal(t, "acked", OutcomeAcked.String())
	require.Equal(t, "abandoned", OutcomeAbandoned.String())
	require.Equal(t, "Outcome(42)", Outcome(42).String())
}

package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/berrythewa/abacus/internal/engine"
	"github.com/berrythewa/abacus/internal/history"
	"github.com/berrythewa/abacus/internal/ipc"
	"github.com/berrythewa/abacus/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine returns canned results keyed by expression and counts handles.
type fakeEngine struct {
	mu        sync.Mutex
	results   map[string]float64
	failures  map[string]error
	created   int
	destroyed int
}

type fakeHandle string

func (h fakeHandle) Source() string { return string(h) }

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		results:  map[string]float64{},
		failures: map[string]error{},
	}
}

func (f *fakeEngine) Create(expression string) (engine.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.results[expression]; !ok {
		if _, ok := f.failures[expression]; !ok {
			return nil, engine.ErrSyntax
		}
	}
	f.created++
	return fakeHandle(expression), nil
}

func (f *fakeEngine) Evaluate(ctx context.Context, h engine.Handle) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failures[h.Source()]; ok {
		return 0, err
	}
	return f.results[h.Source()], nil
}

func (f *fakeEngine) Destroy(h engine.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed++
}

type memJournal struct {
	entries []storage.Entry
	err     error
}

func (m *memJournal) Append(entry storage.Entry) error {
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, entry)
	return nil
}

func calc(expr string) ipc.Request {
	return ipc.Request{Kind: ipc.KindCalculate, Payload: expr}
}

func newExprDispatcher() *Dispatcher {
	return NewDispatcher(DispatcherConfig{Engine: engine.NewExpr(), EvalTimeout: 5 * time.Second})
}

func TestDispatchScenarios(t *testing.T) {
	ctx := context.Background()

	t.Run("precedence", func(t *testing.T) {
		d := newExprDispatcher()
		resp := d.Dispatch(ctx, calc("2+3*4"))
		assert.Equal(t, ipc.StatusSuccess, resp.Status)
		assert.Equal(t, "14", resp.Message)
	})

	t.Run("trigonometry", func(t *testing.T) {
		d := newExprDispatcher()
		resp := d.Dispatch(ctx, calc("sin(3.14159/2)"))
		assert.Equal(t, ipc.StatusSuccess, resp.Status)
		assert.Equal(t, "1", resp.Message)
	})

	t.Run("division by zero", func(t *testing.T) {
		d := newExprDispatcher()
		resp := d.Dispatch(ctx, calc("1/0"))
		assert.Equal(t, ipc.StatusCalculationError, resp.Status)
		assert.Contains(t, resp.Message, "1/0")
		assert.Equal(t, 0, d.History().Len())
	})

	t.Run("domain error", func(t *testing.T) {
		d := newExprDispatcher()
		resp := d.Dispatch(ctx, calc("sqrt(-1)"))
		assert.Equal(t, ipc.StatusCalculationError, resp.Status)
		assert.Equal(t, "Calculation error: sqrt(-1)", resp.Message)
	})

	t.Run("unparseable", func(t *testing.T) {
		d := newExprDispatcher()
		resp := d.Dispatch(ctx, calc("2+*3"))
		assert.Equal(t, ipc.StatusInvalidExpression, resp.Status)
		assert.Equal(t, "Invalid expression: 2+*3", resp.Message)
		assert.Equal(t, 0, d.History().Len())
	})

	t.Run("empty history", func(t *testing.T) {
		d := newExprDispatcher()
		resp := d.Dispatch(ctx, ipc.Request{Kind: ipc.KindHistory})
		assert.Equal(t, ipc.StatusSuccess, resp.Status)
		assert.Equal(t, history.EmptyReport, resp.Message)
	})
}

func TestDispatchLargeNumbersAndModulo(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		expr    string
		status  ipc.Status
		message string
	}{
		{"3000000000*4000000000", ipc.StatusSuccess, "1.2e+19"},
		{"9223372036854775807+1", ipc.StatusSuccess, "9.22337e+18"},
		{"99999999999999999999", ipc.StatusSuccess, "1e+20"},
		{"7 % 3", ipc.StatusSuccess, "1"},
		{"x+1", ipc.StatusSuccess, "1"},
		{"5 % 0", ipc.StatusCalculationError, "Calculation error: 5 % 0"},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			d := newExprDispatcher()
			resp := d.Dispatch(ctx, calc(tt.expr))
			assert.Equal(t, tt.status, resp.Status)
			assert.Equal(t, tt.message, resp.Message)

			if tt.status == ipc.StatusSuccess {
				assert.Equal(t, 1, d.History().Len())
			} else {
				assert.Equal(t, 0, d.History().Len())
			}
		})
	}

	t.Run("history keeps magnitude", func(t *testing.T) {
		d := newExprDispatcher()
		d.Dispatch(ctx, calc("3000000000*4000000000"))

		resp := d.Dispatch(ctx, ipc.Request{Kind: ipc.KindHistory})
		assert.Equal(t, ipc.StatusSuccess, resp.Status)
		assert.Equal(t, "Recent calculations:\n1. 3000000000*4000000000 = 1.2e+19\n", resp.Message)
	})
}

func TestDispatchUnknownKind(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Engine: newFakeEngine()})

	resp := d.Dispatch(context.Background(), ipc.Request{Kind: ipc.Kind(42), Payload: "1+1"})
	assert.Equal(t, ipc.StatusUnknownRequest, resp.Status)
	assert.Equal(t, "Unknown request type", resp.Message)
	assert.Equal(t, 0, d.History().Len())
}

func TestDispatchHistorySequencing(t *testing.T) {
	for _, n := range []int{0, 1, 4, 5, 6, 12} {
		t.Run(fmt.Sprintf("%d calculations", n), func(t *testing.T) {
			fe := newFakeEngine()
			d := NewDispatcher(DispatcherConfig{Engine: fe})

			for i := 1; i <= n; i++ {
				expr := fmt.Sprintf("%d+0", i)
				fe.results[expr] = float64(i)
				resp := d.Dispatch(context.Background(), calc(expr))
				require.Equal(t, ipc.StatusSuccess, resp.Status)
			}

			resp := d.Dispatch(context.Background(), ipc.Request{Kind: ipc.KindHistory})
			require.Equal(t, ipc.StatusSuccess, resp.Status)

			want := min(n, history.DefaultCapacity)
			if want == 0 {
				assert.Equal(t, history.EmptyReport, resp.Message)
				return
			}

			lines := strings.Split(strings.TrimSpace(resp.Message), "\n")
			require.Len(t, lines, want+1)
			for i, line := range lines[1:] {
				v := n - want + 1 + i
				assert.Equal(t, fmt.Sprintf("%d. %d+0 = %d", i+1, v, v), line)
			}
		})
	}
}

func TestDispatchFailuresLeaveHistoryUntouched(t *testing.T) {
	fe := newFakeEngine()
	fe.results["1+1"] = 2
	fe.failures["boom"] = engine.ErrRange
	d := NewDispatcher(DispatcherConfig{Engine: fe})
	ctx := context.Background()

	d.Dispatch(ctx, calc("1+1"))
	d.Dispatch(ctx, calc("boom"))
	d.Dispatch(ctx, calc("not parsed"))
	d.Dispatch(ctx, ipc.Request{Kind: 9})

	records := d.History().Snapshot()
	require.Len(t, records, 1)
	assert.Equal(t, "1+1", records[0].Expression)
	assert.Equal(t, 2.0, records[0].Result)
}

func TestDispatchReleasesHandles(t *testing.T) {
	fe := newFakeEngine()
	fe.results["1"] = 1
	fe.failures["bad"] = engine.ErrDomain
	d := NewDispatcher(DispatcherConfig{Engine: fe})
	ctx := context.Background()

	d.Dispatch(ctx, calc("1"))
	d.Dispatch(ctx, calc("bad"))
	d.Dispatch(ctx, calc("never created"))

	assert.Equal(t, 2, fe.created)
	assert.Equal(t, fe.created, fe.destroyed)
}

func TestDispatchEvalTimeout(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Engine: blockingEngine{}, EvalTimeout: 20 * time.Millisecond})

	resp := d.Dispatch(context.Background(), calc("slow"))
	assert.Equal(t, ipc.StatusCalculationError, resp.Status)
	assert.Equal(t, "Calculation error: slow", resp.Message)
}

type blockingEngine struct{}

func (blockingEngine) Create(expression string) (engine.Handle, error) {
	return fakeHandle(expression), nil
}

func (blockingEngine) Evaluate(ctx context.Context, h engine.Handle) (float64, error) {
	<-ctx.Done()
	return 0, engine.ErrTimeout
}

func (blockingEngine) Destroy(engine.Handle) {}

func TestDispatchLongExpressionMessageIsBounded(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Engine: newFakeEngine()})

	expr := strings.Repeat("x", ipc.PayloadSize)
	resp := d.Dispatch(context.Background(), calc(expr))
	assert.Equal(t, ipc.StatusInvalidExpression, resp.Status)
	assert.LessOrEqual(t, len(resp.Message), ipc.MessageSize)
	assert.True(t, strings.HasPrefix(resp.Message, "Invalid expression: xxx"))
}

func TestDispatchStats(t *testing.T) {
	fe := newFakeEngine()
	fe.results["ok"] = 1
	fe.failures["bad"] = engine.ErrDomain
	d := NewDispatcher(DispatcherConfig{Engine: fe})
	ctx := context.Background()

	d.Dispatch(ctx, calc("ok"))
	d.Dispatch(ctx, calc("ok"))
	d.Dispatch(ctx, calc("bad"))
	d.Dispatch(ctx, calc("???"))
	d.Dispatch(ctx, ipc.Request{Kind: ipc.KindHistory})
	d.Dispatch(ctx, ipc.Request{Kind: 7})

	assert.Equal(t, Stats{
		Requests:          6,
		Success:           3,
		InvalidExpression: 1,
		CalculationError:  1,
		UnknownRequest:    1,
	}, d.Stats())
}

func TestDispatchJournal(t *testing.T) {
	fe := newFakeEngine()
	fe.results["6*7"] = 42
	j := &memJournal{}
	d := NewDispatcher(DispatcherConfig{Engine: fe, Journal: j})

	d.dispatch(context.Background(), calc("6*7"), Peer{PID: 1234, UID: 1000, Known: true})
	d.Dispatch(context.Background(), ipc.Request{Kind: ipc.KindHistory})

	require.Len(t, j.entries, 2)

	first := j.entries[0]
	assert.Equal(t, "calculate", first.Kind)
	assert.Equal(t, "6*7", first.Expression)
	assert.Equal(t, "success", first.Status)
	assert.Equal(t, "42", first.Message)
	require.NotNil(t, first.Result)
	assert.Equal(t, 42.0, *first.Result)
	assert.Equal(t, int32(1234), first.PeerPID)
	assert.Equal(t, uint32(1000), first.PeerUID)

	second := j.entries[1]
	assert.Equal(t, "history", second.Kind)
	assert.Empty(t, second.Expression)
	assert.Nil(t, second.Result)
	assert.Zero(t, second.PeerPID)
}

func TestDispatchJournalFailureDoesNotAffectResponse(t *testing.T) {
	fe := newFakeEngine()
	fe.results["1"] = 1
	d := NewDispatcher(DispatcherConfig{Engine: fe, Journal: &memJournal{err: errors.New("disk full")}})

	resp := d.Dispatch(context.Background(), calc("1"))
	assert.Equal(t, ipc.StatusSuccess, resp.Status)
	assert.Equal(t, 1, d.History().Len())
}

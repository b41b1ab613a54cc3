package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/berrythewa/abacus/internal/engine"
	"github.com/berrythewa/abacus/internal/history"
	"github.com/berrythewa/abacus/internal/ipc"
	"github.com/berrythewa/abacus/internal/storage"
	"go.uber.org/zap"
)

const unknownRequestMessage = "Unknown request type"

// Journal receives one entry per dispatched request.
type Journal interface {
	Append(entry storage.Entry) error
}

// Peer identifies the process on the other end of a connection.
type Peer struct {
	PID   int32
	UID   uint32
	Known bool
}

// DispatcherConfig holds the dispatcher's collaborators.
type DispatcherConfig struct {
	Engine      engine.Engine
	History     *history.Log
	Journal     Journal // optional
	EvalTimeout time.Duration
	Logger      *zap.Logger
}

// Dispatcher turns decoded requests into responses. It owns the only path
// that mutates the history log.
type Dispatcher struct {
	engine      engine.Engine
	history     *history.Log
	journal     Journal
	evalTimeout time.Duration
	logger      *zap.Logger

	// calcMu keeps evaluate-then-record atomic with respect to other calculations.
	calcMu sync.Mutex

	statsMu sync.Mutex
	stats   Stats
}

// Stats counts served requests by outcome.
type Stats struct {
	Requests          int
	Success           int
	InvalidExpression int
	CalculationError  int
	UnknownRequest    int
}

// NewDispatcher creates a dispatcher. A nil History gets a fresh log of
// history.DefaultCapacity.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	h := cfg.History
	if h == nil {
		h = history.New(history.DefaultCapacity)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		engine:      cfg.Engine,
		history:     h,
		journal:     cfg.Journal,
		evalTimeout: cfg.EvalTimeout,
		logger:      logger,
	}
}

// History returns the log the dispatcher records into.
func (d *Dispatcher) History() *history.Log {
	return d.history
}

// Stats returns a copy of the request counters.
func (d *Dispatcher) Stats() Stats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}

// Dispatch handles one request.
func (d *Dispatcher) Dispatch(ctx context.Context, req ipc.Request) ipc.Response {
	return d.dispatch(ctx, req, Peer{})
}

func (d *Dispatcher) dispatch(ctx context.Context, req ipc.Request, peer Peer) ipc.Response {
	var (
		resp   ipc.Response
		result *float64
	)

	switch req.Kind {
	case ipc.KindCalculate:
		resp, result = d.calculate(ctx, req.Payload)
	case ipc.KindHistory:
		resp = ipc.Response{
			Status:  ipc.StatusSuccess,
			Message: d.history.Report(ipc.MessageSize),
		}
	default:
		resp = ipc.Response{
			Status:  ipc.StatusUnknownRequest,
			Message: unknownRequestMessage,
		}
	}

	d.count(resp.Status)
	d.record(req, resp, result, peer)
	return resp
}

func (d *Dispatcher) calculate(ctx context.Context, expression string) (ipc.Response, *float64) {
	h, err := d.engine.Create(expression)
	if err != nil {
		d.logger.Debug("Rejected expression", zap.String("expression", expression), zap.Error(err))
		return ipc.Response{
			Status:  ipc.StatusInvalidExpression,
			Message: ipc.Truncate("Invalid expression: "+expression, ipc.MessageSize),
		}, nil
	}
	defer d.engine.Destroy(h)

	d.calcMu.Lock()
	defer d.calcMu.Unlock()

	if d.evalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.evalTimeout)
		defer cancel()
	}

	value, err := d.engine.Evaluate(ctx, h)
	if err != nil {
		d.logger.Debug("Calculation failed", zap.String("expression", expression), zap.Error(err))
		return ipc.Response{
			Status:  ipc.StatusCalculationError,
			Message: ipc.Truncate("Calculation error: "+expression, ipc.MessageSize),
		}, nil
	}

	d.history.Record(expression, value)
	return ipc.Response{
		Status:  ipc.StatusSuccess,
		Message: history.FormatResult(value),
	}, &value
}

func (d *Dispatcher) count(status ipc.Status) {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()

	d.stats.Requests++
	switch status {
	case ipc.StatusSuccess:
		d.stats.Success++
	case ipc.StatusInvalidExpression:
		d.stats.InvalidExpression++
	case ipc.StatusCalculationError:
		d.stats.CalculationError++
	case ipc.StatusUnknownRequest:
		d.stats.UnknownRequest++
	}
}

func (d *Dispatcher) record(req ipc.Request, resp ipc.Response, result *float64, peer Peer) {
	if d.journal == nil {
		return
	}

	entry := storage.Entry{
		Kind:    req.Kind.String(),
		Status:  resp.Status.String(),
		Message: resp.Message,
		Result:  result,
	}
	if req.Kind == ipc.KindCalculate {
		entry.Expression = req.Payload
	}
	if peer.Known {
		entry.PeerPID = peer.PID
		entry.PeerUID = peer.UID
	}

	if err := d.journal.Append(entry); err != nil {
		d.logger.Warn("Failed to append to journal", zap.Error(err))
	}
}

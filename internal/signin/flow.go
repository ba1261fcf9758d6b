package signin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/gatherd/internal/analytics"
	"github.com/fyrsmithlabs/gatherd/internal/brand"
	"github.com/fyrsmithlabs/gatherd/internal/connector"
	"github.com/fyrsmithlabs/gatherd/internal/purchases"
	"github.com/fyrsmithlabs/gatherd/internal/transform"
)

// Poll pacing defaults. MaxWait bounds the whole authentication wait;
// running out of it fails the attempt instead of polling forever.
const (
	DefaultPollInterval  = time.Second
	DefaultResourceDelay = 3 * time.Second
	DefaultMaxBackoff    = 30 * time.Second
	DefaultMaxWait       = 10 * time.Minute
)

// ErrBusy reports a second brand attempt while one is running.
var ErrBusy = errors.New("a connection attempt is already running")

// ErrPollTimeout reports an attempt that ran out of its poll budget.
var ErrPollTimeout = errors.New("timed out waiting for sign-in")

// ToolCaller invokes named connector operations. *connector.Client
// satisfies it.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
}

// Descriptor is the initiation result: where the user signs in and the
// identifier the poll loop watches.
type Descriptor struct {
	Variant   Variant
	LinkID    string
	SigninURL string
	// Content carries the record batch when initiation returned it
	// directly: a session that is already authenticated skips sign-in
	// and has nothing to poll for.
	Content []any
}

// Initiator fetches the sign-in descriptor for a brand.
type Initiator interface {
	Initiate(ctx context.Context, b brand.Config) (Descriptor, error)
}

// InitiatorFunc adapts a function to Initiator.
type InitiatorFunc func(ctx context.Context, b brand.Config) (Descriptor, error)

func (f InitiatorFunc) Initiate(ctx context.Context, b brand.Config) (Descriptor, error) {
	return f(ctx, b)
}

// Config assembles a Flow's collaborators.
type Config struct {
	Brand     brand.Config
	Initiator Initiator
	Caller    ToolCaller
	Engine    *transform.Engine
	Analytics analytics.Emitter
	Logger    *zap.Logger

	// PollInterval paces pending polls.
	PollInterval time.Duration
	// ResourceDelay is the grace period before the first check of an
	// embedded resource sign-in.
	ResourceDelay time.Duration
	// MaxBackoff caps the transient-error backoff.
	MaxBackoff time.Duration
	// MaxWait bounds the whole poll phase.
	MaxWait time.Duration

	// OnData receives the normalized orders on completion.
	OnData func(brandName string, orders []purchases.PurchaseHistory)
}

// Flow runs one connection attempt for one brand. All side effects of
// the state machine live here: connector calls, pacing, analytics, and
// the data handoff.
type Flow struct {
	cfg Config

	mu      sync.Mutex
	state   State
	running bool
}

// NewFlow validates collaborators and creates an idle flow.
func NewFlow(cfg Config) (*Flow, error) {
	if err := cfg.Brand.Validate(); err != nil {
		return nil, fmt.Errorf("brand: %w", err)
	}
	if cfg.Initiator == nil {
		return nil, fmt.Errorf("initiator is required")
	}
	if cfg.Caller == nil {
		return nil, fmt.Errorf("tool caller is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("transform engine is required")
	}
	if cfg.Analytics == nil {
		cfg.Analytics = analytics.NopEmitter{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	cfg.Logger = cfg.Logger.With(zap.String("brand_id", cfg.Brand.BrandID))
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ResourceDelay <= 0 {
		cfg.ResourceDelay = DefaultResourceDelay
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}

	return &Flow{cfg: cfg}, nil
}

// State returns a snapshot of the attempt.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Busy reports whether an attempt is in flight. Surfaces use it to
// suppress dismissal while work is running.
func (f *Flow) Busy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// Run executes the attempt to completion and returns the normalized
// orders. A second Run while one is in flight returns ErrBusy.
// Cancelling ctx stops polling immediately and discards the attempt
// without reaching a terminal phase.
func (f *Flow) Run(ctx context.Context) ([]purchases.PurchaseHistory, error) {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil, ErrBusy
	}
	f.running = true
	f.state = State{}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.running = false
		f.mu.Unlock()
	}()

	return f.run(ctx)
}

func (f *Flow) run(ctx context.Context) ([]purchases.PurchaseHistory, error) {
	f.cfg.Analytics.Emit(ctx, analytics.EventConnectionAttempt, map[string]any{
		"brand": f.cfg.Brand.BrandID,
	})

	if err := f.apply(ConnectRequested{BrandID: f.cfg.Brand.BrandID}); err != nil {
		return nil, err
	}

	desc, err := f.cfg.Initiator.Initiate(ctx, f.cfg.Brand)
	if err != nil {
		f.fail(ctx, InitiationFailed{Reason: "could not reach " + f.cfg.Brand.BrandName})
		return nil, fmt.Errorf("initiate %s: %w", f.cfg.Brand.BrandID, err)
	}
	if err := f.apply(DescriptorReceived{
		Variant:   desc.Variant,
		LinkID:    desc.LinkID,
		SigninURL: desc.SigninURL,
	}); err != nil {
		return nil, err
	}

	if len(desc.Content) > 0 {
		// Already authenticated: the records arrived with initiation,
		// there is no sign-in to wait for.
		if err := f.apply(PollCompleted{}); err != nil {
			return nil, err
		}
	} else if err := f.poll(ctx, desc); err != nil {
		return nil, err
	}

	f.cfg.Analytics.Emit(ctx, analytics.EventConnectionSuccessful, map[string]any{
		"brand": f.cfg.Brand.BrandID,
	})

	orders, err := f.retrieve(ctx, desc.Content)
	if err != nil {
		f.fail(ctx, RetryExhausted{Reason: "data retrieval failed"})
		return nil, err
	}

	if err := f.apply(DataTransformed{}); err != nil {
		return nil, err
	}

	f.cfg.Analytics.Emit(ctx, analytics.EventBrandConnected, map[string]any{
		"brand": f.cfg.Brand.BrandID,
	})
	f.cfg.Analytics.Emit(ctx, analytics.EventDataRetrievedSuccessful, map[string]any{
		"brand": f.cfg.Brand.BrandID,
		"count": len(orders),
	})

	if f.cfg.OnData != nil {
		f.cfg.OnData(f.cfg.Brand.BrandName, orders)
	}
	return orders, nil
}

// poll watches the sign-in until the connector reports it finished.
// Pending polls are paced by a rate limiter; transient errors are
// swallowed and retried under exponential backoff. The whole phase is
// bounded by MaxWait.
func (f *Flow) poll(ctx context.Context, desc Descriptor) error {
	tool, args, doneStatus := pollSpec(desc)

	if desc.Variant == VariantResource {
		if err := sleepCtx(ctx, f.cfg.ResourceDelay); err != nil {
			return err
		}
	}

	deadline := time.Now().Add(f.cfg.MaxWait)
	limiter := rate.NewLimiter(rate.Every(f.cfg.PollInterval), 1)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.cfg.PollInterval
	bo.MaxInterval = f.cfg.MaxBackoff

	for {
		if time.Now().After(deadline) {
			f.fail(ctx, RetryExhausted{Reason: "sign-in timed out"})
			return fmt.Errorf("%w after %s", ErrPollTimeout, f.cfg.MaxWait)
		}
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		result, err := f.cfg.Caller.CallTool(ctx, tool, args)
		var payload map[string]any
		if err == nil {
			payload, err = connector.DecodeResult(result)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Transient: invisible to the user, retried with backoff.
			f.cfg.Logger.Debug("sign-in poll failed, retrying",
				zap.String("tool", tool),
				zap.Error(err))
			if err := sleepCtx(ctx, bo.NextBackOff()); err != nil {
				return err
			}
			continue
		}
		bo.Reset()

		status := connector.Status(payload)
		if status == doneStatus {
			return f.apply(PollCompleted{})
		}
		if err := f.apply(PollPending{}); err != nil {
			return err
		}
	}
}

// pollSpec maps a descriptor to its poll tool, arguments, and terminal
// status.
func pollSpec(desc Descriptor) (tool string, args map[string]any, doneStatus string) {
	if desc.Variant == VariantResource {
		return "check_signin", map[string]any{"signin_id": desc.LinkID}, connector.StatusSuccess
	}
	return "poll_signin", map[string]any{"link_id": desc.LinkID}, connector.StatusFinished
}

// retrieve normalizes the brand's records, fetching them unless
// initiation already delivered a batch.
func (f *Flow) retrieve(ctx context.Context, initial []any) ([]purchases.PurchaseHistory, error) {
	var content any
	if len(initial) > 0 {
		content = initial
	} else {
		result, err := f.cfg.Caller.CallTool(ctx, f.cfg.Brand.DataTool(), nil)
		if err != nil {
			return nil, fmt.Errorf("retrieve %s data: %w", f.cfg.Brand.BrandID, err)
		}
		payload, err := connector.DecodeResult(result)
		if err != nil {
			return nil, fmt.Errorf("decode %s data: %w", f.cfg.Brand.BrandID, err)
		}
		content = connector.ExtractContent(payload)
	}

	records := f.cfg.Engine.Transform(content, f.cfg.Brand.DataTransform)
	return purchases.FromRecords(f.cfg.Brand.BrandName, records), nil
}

// apply advances the state machine, logging each transition.
func (f *Flow) apply(ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	next, err := Transition(f.state, ev)
	if err != nil {
		return err
	}
	if next.Phase != f.state.Phase {
		f.cfg.Logger.Info("attempt phase changed",
			zap.Stringer("from", f.state.Phase),
			zap.Stringer("to", next.Phase))
	}
	f.state = next
	return nil
}

// fail moves the attempt to Failed and emits the failure event.
func (f *Flow) fail(ctx context.Context, ev Event) {
	if err := f.apply(ev); err != nil {
		f.cfg.Logger.Warn("failure transition rejected", zap.Error(err))
		return
	}
	f.cfg.Analytics.Emit(ctx, analytics.EventConnectionFailed, map[string]any{
		"brand":  f.cfg.Brand.BrandID,
		"reason": f.State().Reason,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

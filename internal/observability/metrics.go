package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	initMetricsOnce      sync.Once
	transitionsCounter   metric.Int64Counter
	votesCounter         metric.Int64Counter
	postponeCounter      metric.Int64Counter
	premoderationCounter metric.Int64Counter
	handlerFailures      metric.Int64Counter
)

// DialogCountFunc reports the number of live dialogs.
type DialogCountFunc func() int

// InitMetrics creates the instruments once. Call after InitMeterProvider;
// dialogs may be nil.
func InitMetrics(ctx context.Context, dialogs DialogCountFunc) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		transitionsCounter, err = m.Int64Counter("contest_transitions_total", metric.WithDescription("State machine transitions"))
		if err != nil {
			return
		}
		votesCounter, err = m.Int64Counter("contest_votes_total", metric.WithDescription("Votes cast or updated"))
		if err != nil {
			return
		}
		postponeCounter, err = m.Int64Counter("contest_postpone_demands_total", metric.WithDescription("Postpone demands by result"))
		if err != nil {
			return
		}
		premoderationCounter, err = m.Int64Counter("contest_premoderation_votes_total", metric.WithDescription("Administrator premoderation outcomes"))
		if err != nil {
			return
		}
		handlerFailures, err = m.Int64Counter("contest_handler_failures_total", metric.WithDescription("Transition handlers that failed and forced standby"))
		if err != nil {
			return
		}
		if dialogs == nil {
			return
		}
		var gauge metric.Int64ObservableGauge
		gauge, err = m.Int64ObservableGauge("contest_active_dialogs", metric.WithDescription("Live exclusive dialogs"))
		if err != nil {
			return
		}
		_, err = m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(gauge, int64(dialogs()))
			return nil
		}, gauge)
	})
	return err
}

// RecordTransition counts one state machine transition.
func RecordTransition(ctx context.Context, from, to, trigger string) {
	if transitionsCounter == nil {
		return
	}
	transitionsCounter.Add(ctx, 1, metric.WithAttributes(
		AttrFrom.String(from),
		AttrTo.String(to),
		AttrTrigger.String(trigger),
	))
}

func RecordVote(ctx context.Context, kind string, updated bool) {
	if votesCounter == nil {
		return
	}
	votesCounter.Add(ctx, 1, metric.WithAttributes(AttrKind.String(kind), attribute.Bool("updated", updated)))
}

func RecordPostpone(ctx context.Context, result string) {
	if postponeCounter == nil {
		return
	}
	postponeCounter.Add(ctx, 1, metric.WithAttributes(AttrResult.String(result)))
}

func RecordPremoderation(ctx context.Context, outcome string) {
	if premoderationCounter == nil {
		return
	}
	premoderationCounter.Add(ctx, 1, metric.WithAttributes(AttrResult.String(outcome)))
}

func RecordHandlerFailure(ctx context.Context, phase string) {
	if handlerFailures == nil {
		return
	}
	handlerFailures.Add(ctx, 1, metric.WithAttributes(AttrTo.String(phase)))
}

package scheduler

import (
	"context"
	"coursewatch/internal/components/assert"
	"coursewatch/internal/components/chrono"
	"coursewatch/internal/components/telemetry"
	"coursewatch/internal/notify"
	"coursewatch/internal/watchlist"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("coursewatch/internal/scheduler")
	meter  = otel.Meter("coursewatch/internal/scheduler")
)

const (
	report_scheduler_run    = "scheduler.run"
	report_scheduler_pass   = "scheduler.pass"
	report_scheduler_query  = "scheduler.query"
	report_scheduler_update = "scheduler.update"
	report_scheduler_notify = "scheduler.notify"
)

// Querier answers seat availability, it is satisfied by *crawler.Manager.
type Querier interface {
	Init(ctx context.Context) error
	Query(ctx context.Context, courseId string) (bool, error)
}

// Store is the watchlist the scheduler polls, it is satisfied by *watchlist.Store.
type Store interface {
	Get(ctx context.Context, userId string) ([]string, error)
	Set(ctx context.Context, userId string, courses []string) error
	All(ctx context.Context) ([]watchlist.Entry, error)
}

type Options struct {
	// Interval is the time between the end of a pass and the start of the next one.
	Interval time.Duration
	// InitialPass starts polling right away instead of waiting for the first interval
	// or trigger.
	InitialPass bool
}

type Status struct {
	Passes        int       `json:"passes"`
	Running       bool      `json:"running"`
	LastPassStart time.Time `json:"last_pass_start"`
	LastPassEnd   time.Time `json:"last_pass_end"`
}

type Scheduler struct {
	querier  Querier
	store    Store
	notifier notify.Notifier
	trigger  Trigger
	opts     Options
	time     chrono.TimeAPI
	tel      telemetry.API

	queryCounter        metric.Int64Counter
	failureCounter      metric.Int64Counter
	seatsCounter        metric.Int64Counter
	notificationCounter metric.Int64Counter
	passDuration        metric.Float64Histogram

	mutex  sync.Mutex
	status Status
}

func NewScheduler(
	querier Querier,
	store Store,
	notifier notify.Notifier,
	trigger Trigger,
	opts Options,
	time chrono.TimeAPI,
	tel telemetry.API,
) (*Scheduler, error) {
	assert.NotNil(querier, "querier")
	assert.NotNil(store, "store")
	assert.NotNil(notifier, "notifier")
	assert.NotNil(time, "time")
	assert.NotNil(tel, "tel")
	assert.Positive(int64(opts.Interval), "opts.Interval")

	s := &Scheduler{
		querier:  querier,
		store:    store,
		notifier: notifier,
		trigger:  trigger,
		opts:     opts,
		time:     time,
		tel:      telemetry.NewScopedAPI("scheduler", tel),
	}

	var err error
	s.queryCounter, err = meter.Int64Counter(
		"coursewatch_queries_total",
		metric.WithDescription("The total amount of seat queries made."),
	)
	if err != nil {
		return nil, err
	}
	s.failureCounter, err = meter.Int64Counter(
		"coursewatch_query_failures_total",
		metric.WithDescription("The total amount of seat queries that failed."),
	)
	if err != nil {
		return nil, err
	}
	s.seatsCounter, err = meter.Int64Counter(
		"coursewatch_seats_found_total",
		metric.WithDescription("The total amount of watched courses found with open seats."),
	)
	if err != nil {
		return nil, err
	}
	s.notificationCounter, err = meter.Int64Counter(
		"coursewatch_notifications_total",
		metric.WithDescription("The total amount of notifications sent."),
	)
	if err != nil {
		return nil, err
	}
	s.passDuration, err = meter.Float64Histogram(
		"coursewatch_pass_duration_seconds",
		metric.WithDescription("The time a full polling pass takes."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return s, nil
}

// AvailabilityMessage is the notification sent for courses found with open seats.
func AvailabilityMessage(courses []string) string {
	return fmt.Sprintf(
		"Seats are available for: %s\nThese courses were removed from your watchlist, they will be re-added automatically if you did not get them.",
		strings.Join(courses, ", "),
	)
}

// Status returns a snapshot of the scheduler's progress.
func (s *Scheduler) Status() Status {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.status
}

// Run polls the watchlist until ctx is done, once every interval and whenever the
// trigger fires. It always returns ctx's error.
func (s *Scheduler) Run(ctx context.Context) error {
	err := s.querier.Init(ctx)
	if err != nil {
		// queries re-initialize a broken session, so this is not fatal
		s.tel.ReportBroken(report_scheduler_run, fmt.Errorf("init session: %w", err))
	}

	if s.opts.InitialPass {
		s.runPass(ctx)
	}

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-s.trigger.C():
			s.tel.ReportDebug("manual trigger received")
		}
		s.runPass(ctx)
		ticker.Reset(s.opts.Interval)
	}
}

func (s *Scheduler) runPass(ctx context.Context) {
	err := s.Pass(ctx)
	if err != nil && ctx.Err() == nil {
		s.tel.ReportBroken(report_scheduler_pass, err)
	}
}

// Pass polls every watched course once. A failing course is skipped and stays on
// the watchlist, the pass itself only fails when the watchlist cannot be read or
// ctx is done.
func (s *Scheduler) Pass(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "scheduler:Pass")
	defer span.End()

	start := s.time.Now()
	s.mutex.Lock()
	s.status.Running = true
	s.status.LastPassStart = start
	s.mutex.Unlock()

	defer func() {
		end := s.time.Now()
		s.mutex.Lock()
		s.status.Running = false
		s.status.LastPassEnd = end
		s.status.Passes++
		s.mutex.Unlock()
		s.passDuration.Record(ctx, end.Sub(start).Seconds())
	}()

	entries, err := s.store.All(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read watchlist")
		return fmt.Errorf("read watchlist: %w", err)
	}
	span.SetAttributes(attribute.Int("users", len(entries)))

	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.passUser(ctx, entry)
	}
	return ctx.Err()
}

func (s *Scheduler) passUser(ctx context.Context, entry watchlist.Entry) {
	var available []string
	for _, course := range entry.Courses {
		ok, err := s.querier.Query(ctx, course)
		if ctx.Err() != nil {
			return
		}
		s.queryCounter.Add(ctx, 1)
		if err != nil {
			s.failureCounter.Add(ctx, 1)
			s.tel.ReportWarning(report_scheduler_query, course, err)
			continue
		}
		if ok {
			available = append(available, course)
		}
	}
	if len(available) == 0 {
		return
	}
	s.seatsCounter.Add(ctx, int64(len(available)))

	// re-read so edits made while this user's courses were polled survive
	current, err := s.store.Get(ctx, entry.UserId)
	if err != nil {
		s.tel.ReportBroken(report_scheduler_update, entry.UserId, err)
		return
	}
	remaining := slices.DeleteFunc(current, func(course string) bool {
		return slices.Contains(available, course)
	})
	err = s.store.Set(ctx, entry.UserId, remaining)
	if err != nil {
		s.tel.ReportBroken(report_scheduler_update, entry.UserId, err)
		return
	}

	err = s.notifier.SendDirectMessage(ctx, entry.UserId, AvailabilityMessage(available))
	if err != nil {
		s.tel.ReportBroken(report_scheduler_notify, entry.UserId, err)
		return
	}
	s.notificationCounter.Add(ctx, 1)
}

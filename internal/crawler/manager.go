package crawler

import (
	"context"
	"coursewatch/internal/components/assert"
	"coursewatch/internal/components/telemetry"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	report_manager_init  = "manager.init"
	report_manager_query = "manager.query"
)

// Session is a single portal session, it is satisfied by *Client.
type Session interface {
	// Clear discards the session's cookies.
	Clear()
	Login(ctx context.Context) error
	LandingPage(ctx context.Context) error
	Query(ctx context.Context, courseId string) (int, error)
}

// Manager owns a Session and keeps it usable, re-establishing it whenever the
// portal invalidates it. Calls are serialized so at most one request is in flight
// against the portal.
type Manager struct {
	session    Session
	maxRetries int
	tel        telemetry.API

	mutex sync.Mutex
}

func NewManager(session Session, maxRetries int, tel telemetry.API) *Manager {
	assert.NotNil(session, "session")
	assert.NotNil(tel, "tel")

	return &Manager{
		session:    session,
		maxRetries: maxRetries,
		tel:        telemetry.NewScopedAPI("crawler", tel),
	}
}

// Init establishes a fresh session: clear, login, landing page.
func (m *Manager) Init(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.init(ctx)
}

func (m *Manager) init(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "manager:Init")
	defer span.End()

	m.session.Clear()
	err := m.session.Login(ctx)
	if err != nil {
		m.tel.ReportBroken(report_manager_init, fmt.Errorf("login: %w", err))
		recordError(span, err)
		return err
	}
	err = m.session.LandingPage(ctx)
	if err != nil {
		m.tel.ReportBroken(report_manager_init, fmt.Errorf("landing page: %w", err))
		recordError(span, err)
		return err
	}
	return nil
}

// Query reports whether a course has at least one open seat. A corrupted session is
// re-established and the query repeated, once more than maxRetries re-establishments
// did not help the corruption error is returned. Every other error is returned as is.
func (m *Manager) Query(ctx context.Context, courseId string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	ctx, span := tracer.Start(ctx, "manager:Query", trace.WithAttributes(
		attribute.String("course", courseId),
	))
	defer span.End()

	retries := 0
	for {
		count, err := m.session.Query(ctx, courseId)
		if err == nil {
			span.SetAttributes(attribute.Int("retries", retries))
			return count != 0, nil
		}

		switch KindOf(err) {
		case KindSessionCorrupted:
			m.tel.ReportWarning(report_manager_query, courseId, "session corrupted, re-initializing")
			initErr := m.init(ctx)
			if initErr != nil {
				recordError(span, initErr)
				return false, initErr
			}
			if retries > m.maxRetries {
				m.tel.ReportBroken(report_manager_query, courseId, err)
				recordError(span, err)
				return false, err
			}
			retries++
		default:
			recordError(span, err)
			return false, err
		}
	}
}

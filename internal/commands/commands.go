// Package commands serves the watchlist management commands over HTTP.
package commands

import (
	"context"
	"coursewatch/internal/components/assert"
	"coursewatch/internal/components/telemetry"
	"coursewatch/internal/scheduler"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const (
	report_commands_store  = "commands.store"
	report_commands_encode = "commands.encode"
)

const (
	msgNoCourses   = "No course registered!"
	msgForceUpdate = "Initiate force update...\n (Do not abuse and spam this command!)"
)

type Store interface {
	Get(ctx context.Context, userId string) ([]string, error)
	Add(ctx context.Context, userId, courseId string) ([]string, error)
	Remove(ctx context.Context, userId, courseId string) ([]string, error)
}

// StatusSource is satisfied by *scheduler.Scheduler.
type StatusSource interface {
	Status() scheduler.Status
}

type Server struct {
	store       Store
	trigger     scheduler.Trigger
	status      StatusSource
	accessToken string
	tel         telemetry.API
}

// NewServer creates the command server, an empty accessToken disables
// authentication.
func NewServer(
	store Store,
	trigger scheduler.Trigger,
	status StatusSource,
	accessToken string,
	tel telemetry.API,
) *Server {
	assert.NotNil(store, "store")
	assert.NotNil(status, "status")
	assert.NotNil(tel, "tel")

	return &Server{
		store:       store,
		trigger:     trigger,
		status:      status,
		accessToken: accessToken,
		tel:         telemetry.NewScopedAPI("commands", tel),
	}
}

type response struct {
	Message string   `json:"message"`
	Courses []string `json:"courses,omitempty"`
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/{user}/courses", s.listCourses)
	mux.HandleFunc("PUT /users/{user}/courses/{course}", s.addCourse)
	mux.HandleFunc("DELETE /users/{user}/courses/{course}", s.removeCourse)
	mux.HandleFunc("POST /force-update", s.forceUpdate)
	mux.HandleFunc("GET /status", s.getStatus)
	return s.verifyAccessToken(mux)
}

func (s *Server) verifyAccessToken(next http.Handler) http.Handler {
	if s.accessToken == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.Split(r.Header.Get("Authorization"), " ")
		if len(token) != 2 || token[1] != s.accessToken {
			s.write(w, http.StatusUnauthorized, response{Message: "Unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) write(w http.ResponseWriter, status int, body any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(body)
	if err != nil {
		s.tel.ReportWarning(report_commands_encode, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.tel.ReportBroken(report_commands_store, err)
	s.write(w, http.StatusInternalServerError, response{Message: "Something went wrong, please try again later."})
}

// ValidCourseId reports whether id consists only of decimal digits.
func ValidCourseId(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func invalidCourseMessage(id string) string {
	return fmt.Sprintf("Course ID consists only by decimal digits! `%s` is not a valid one", id)
}

func (s *Server) listCourses(w http.ResponseWriter, r *http.Request) {
	courses, err := s.store.Get(r.Context(), r.PathValue("user"))
	if err != nil {
		s.internalError(w, err)
		return
	}
	if len(courses) == 0 {
		s.write(w, http.StatusOK, response{Message: msgNoCourses})
		return
	}
	s.write(w, http.StatusOK, response{
		Message: fmt.Sprintf("Current registered courses:\n%s", strings.Join(courses, "\n")),
		Courses: courses,
	})
}

func (s *Server) addCourse(w http.ResponseWriter, r *http.Request) {
	course := r.PathValue("course")
	if !ValidCourseId(course) {
		s.write(w, http.StatusBadRequest, response{Message: invalidCourseMessage(course)})
		return
	}
	courses, err := s.store.Add(r.Context(), r.PathValue("user"), course)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.write(w, http.StatusOK, response{
		Message: fmt.Sprintf("Course added for %s.", course),
		Courses: courses,
	})
}

func (s *Server) removeCourse(w http.ResponseWriter, r *http.Request) {
	course := r.PathValue("course")
	if !ValidCourseId(course) {
		s.write(w, http.StatusBadRequest, response{Message: invalidCourseMessage(course)})
		return
	}
	courses, err := s.store.Remove(r.Context(), r.PathValue("user"), course)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.write(w, http.StatusOK, response{
		Message: fmt.Sprintf("Course removed for %s.", course),
		Courses: courses,
	})
}

func (s *Server) forceUpdate(w http.ResponseWriter, r *http.Request) {
	if !s.trigger.Signal() {
		s.tel.ReportDebug("force update already pending")
	}
	s.write(w, http.StatusAccepted, response{Message: msgForceUpdate})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	s.write(w, http.StatusOK, s.status.Status())
}

// Package httpapi exposes the task service over HTTP with echo.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohans/newsdigest"
	"github.com/mohans/newsdigest/logger"
	"github.com/mohans/newsdigest/models"
	"github.com/mohans/newsdigest/notify"
	"github.com/mohans/newsdigest/params"
	"github.com/mohans/newsdigest/schedule"
)

// TaskService is what the handlers call; *newsdigest.Service implements it.
type TaskService interface {
	CreateTask(ctx context.Context, userID string, in newsdigest.TaskInput) (*newsdigest.TaskView, error)
	UpdateTask(ctx context.Context, userID, taskID string, in newsdigest.TaskInput) (*newsdigest.TaskUpdate, error)
	CancelTask(ctx context.Context, userID, taskID string) error
	RefreshTask(ctx context.Context, userID, taskID string) error
	GetTask(ctx context.Context, userID, taskID string) (*newsdigest.TaskView, error)
	ListTasks(ctx context.Context, userID string) ([]newsdigest.TaskView, error)
	ListExecutions(ctx context.Context, userID, taskID string, limit, offset int) ([]models.Execution, error)
	GetExecution(ctx context.Context, userID, executionID string) (*models.ExecutionDetail, error)
	GetLatestResult(ctx context.Context, userID, taskID string) (*newsdigest.LatestResult, error)
	NextRunAt(ctx context.Context, userID, taskID string) (time.Time, error)
	SubscribeLiveStream(userID string) (*notify.Stream, error)
	SubscribePush(ctx context.Context, userID string, in newsdigest.PushSubscriptionInput) (*models.PushSubscription, error)
	UnsubscribePush(ctx context.Context, userID, endpointHash string) error
	NotificationStatus(ctx context.Context, userID string) (*newsdigest.ConnectionStatus, error)
}

type Config struct {
	JWTSecret string
	// VAPIDPublicKey is handed to browsers that want to subscribe.
	VAPIDPublicKey string
}

// Server wires routes, auth and error mapping onto an echo instance.
type Server struct {
	echo *echo.Echo
	svc  TaskService
	cfg  Config
	log  *logger.Logger
}

func New(svc TaskService, cfg Config, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	s := &Server{echo: e, svc: svc, cfg: cfg, log: log.With("component", "httpapi")}
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			kv := []interface{}{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency, "request_id", v.RequestID}
			if v.Error != nil {
				s.log.Warn("request failed", append(kv, "error", v.Error)...)
				return nil
			}
			s.log.Debug("request", kv...)
			return nil
		},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	auth := s.requireUser()
	api := e.Group("/api/news-analysis", auth)
	api.POST("/tasks", s.createTask)
	api.GET("/tasks", s.listTasks)
	api.GET("/tasks/:id", s.getTask)
	api.PUT("/tasks/:id", s.updateTask)
	api.DELETE("/tasks/:id", s.cancelTask)
	api.POST("/tasks/:id/refresh", s.refreshTask)
	api.GET("/tasks/:id/executions", s.listExecutions)
	api.GET("/tasks/:id/result", s.latestResult)
	api.GET("/tasks/:id/next-run", s.nextRun)
	api.GET("/executions/:id", s.getExecution)

	n := e.Group("/notifications", auth)
	n.GET("/sse", s.streamNotifications)
	n.GET("/status", s.notificationStatus)
	n.GET("/vapid-public-key", s.vapidPublicKey)
	n.POST("/subscriptions", s.subscribePush)
	n.DELETE("/subscriptions/:endpointHash", s.unsubscribePush)
	return s
}

// Handler returns the root handler, for tests and custom listeners.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error { return s.echo.Shutdown(ctx) }

// taskRequest is the JSON body of create and update.
type taskRequest struct {
	Parameters *struct {
		Country  string `json:"country"`
		Category string `json:"category"`
		Query    string `json:"query"`
	} `json:"parameters"`
	Schedule *schedule.Schedule `json:"schedule"`
}

func (r taskRequest) input() newsdigest.TaskInput {
	in := newsdigest.TaskInput{Schedule: r.Schedule}
	if r.Parameters != nil {
		p := params.New(r.Parameters.Country, r.Parameters.Category, r.Parameters.Query)
		in.Parameters = &p
	}
	return in
}

func (s *Server) createTask(c echo.Context) error {
	var req taskRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	v, err := s.svc.CreateTask(c.Request().Context(), userID(c), req.input())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, v)
}

func (s *Server) updateTask(c echo.Context) error {
	var req taskRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	v, err := s.svc.UpdateTask(c.Request().Context(), userID(c), c.Param("id"), req.input())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v)
}

func (s *Server) listTasks(c echo.Context) error {
	tasks, err := s.svc.ListTasks(c.Request().Context(), userID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tasks)
}

func (s *Server) getTask(c echo.Context) error {
	v, err := s.svc.GetTask(c.Request().Context(), userID(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v)
}

func (s *Server) cancelTask(c echo.Context) error {
	if err := s.svc.CancelTask(c.Request().Context(), userID(c), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) refreshTask(c echo.Context) error {
	if err := s.svc.RefreshTask(c.Request().Context(), userID(c), c.Param("id")); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]bool{"success": true})
}

func (s *Server) listExecutions(c echo.Context) error {
	limit, err := intQuery(c, "limit")
	if err != nil {
		return err
	}
	offset, err := intQuery(c, "offset")
	if err != nil {
		return err
	}
	execs, err := s.svc.ListExecutions(c.Request().Context(), userID(c), c.Param("id"), limit, offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, execs)
}

func (s *Server) latestResult(c echo.Context) error {
	e, err := s.svc.GetLatestResult(c.Request().Context(), userID(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, e)
}

func (s *Server) nextRun(c echo.Context) error {
	next, err := s.svc.NextRunAt(c.Request().Context(), userID(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]time.Time{"nextRunAt": next})
}

func (s *Server) getExecution(c echo.Context) error {
	d, err := s.svc.GetExecution(c.Request().Context(), userID(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

// pushSubscriptionRequest mirrors the browser's PushSubscription JSON.
type pushSubscriptionRequest struct {
	Endpoint       string `json:"endpoint"`
	ExpirationTime *int64 `json:"expirationTime"`
	Keys           struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (s *Server) subscribePush(c echo.Context) error {
	var req pushSubscriptionRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	in := newsdigest.PushSubscriptionInput{Endpoint: req.Endpoint, P256dh: req.Keys.P256dh, Auth: req.Keys.Auth}
	if req.ExpirationTime != nil {
		at := time.UnixMilli(*req.ExpirationTime).UTC()
		in.ExpirationTime = &at
	}
	sub, err := s.svc.SubscribePush(c.Request().Context(), userID(c), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]any{"success": true, "endpointHash": sub.EndpointHash})
}

func (s *Server) unsubscribePush(c echo.Context) error {
	if err := s.svc.UnsubscribePush(c.Request().Context(), userID(c), c.Param("endpointHash")); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) notificationStatus(c echo.Context) error {
	st, err := s.svc.NotificationStatus(c.Request().Context(), userID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) vapidPublicKey(c echo.Context) error {
	if s.cfg.VAPIDPublicKey == "" {
		return echo.NewHTTPError(http.StatusNotFound, "web push is not configured")
	}
	return c.JSON(http.StatusOK, map[string]string{"publicKey": s.cfg.VAPIDPublicKey})
}

func intQuery(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be an integer")
	}
	return n, nil
}

// Package agent runs one user's calling endpoint: it places the configured
// outbound call, watches for incoming calls addressed to the agent user, and
// orchestrates a session per call.
package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/wajeehaljunaid491/mimi-calls/internal/callstore"
	"github.com/wajeehaljunaid491/mimi-calls/internal/circuitbreak"
	"github.com/wajeehaljunaid491/mimi-calls/internal/config"
	"github.com/wajeehaljunaid491/mimi-calls/internal/database"
	"github.com/wajeehaljunaid491/mimi-calls/internal/events"
	"github.com/wajeehaljunaid491/mimi-calls/internal/healthchecker"
	"github.com/wajeehaljunaid491/mimi-calls/internal/lifecycle"
	"github.com/wajeehaljunaid491/mimi-calls/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type App struct {
	DBConn               *gorm.DB
	KafkaProducer        *events.Producer
	WorkerPool           *ants.Pool
	Calls                *callstore.CallRepository
	Participants         *callstore.ParticipantRepository
	Lifecycle            *lifecycle.Service
	HealthCheckerService *healthchecker.Healthchecker
	UserID               string

	mu       sync.Mutex
	sessions map[string]*Session
}

var ErrMissingAgentUser = errors.New("agent_user_id is not configured")

func NewApp(ctxCancelFunc context.CancelFunc) (*App, error) {
	logging.Logger.Info("[NewApp] Initializing call agent application...")

	if config.Conf.AgentUserID == "" {
		return nil, ErrMissingAgentUser
	}

	healthcheckerService := healthchecker.NewService(ctxCancelFunc)

	logging.Logger.Info("[NewApp] Health checker service created")

	dbConn, err := database.NewDatabase()
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to initialize database", zap.Error(err))
		return nil, err
	}

	logging.Logger.Info("[NewApp] Database connection established")

	kafkaProducer, err := events.NewProducer()
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to create Kafka producer", zap.Error(err))
		return nil, err
	}

	logging.Logger.Info("[NewApp] Kafka producer created")

	workerPool, err := ants.NewPool(config.Conf.PoolSize, ants.WithPreAlloc(true))
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to create worker pool", zap.Error(err))
		return nil, err
	}

	logging.Logger.Info("[NewApp] Worker pool created successfully",
		zap.Int("pool_size", config.Conf.PoolSize),
	)

	callRepository := callstore.NewCallRepository(dbConn)
	participantRepository := callstore.NewParticipantRepository(dbConn)
	lifecycleService := lifecycle.NewService(callRepository, participantRepository, kafkaProducer)

	logging.Logger.Info("[NewApp] Call lifecycle service created")

	logging.Logger.Info("[NewApp] Initializing circuit breakers...")
	circuitbreak.Init()
	logging.Logger.Info("[NewApp] Circuit breakers initialized")

	return &App{
		DBConn:               dbConn,
		KafkaProducer:        kafkaProducer,
		WorkerPool:           workerPool,
		Calls:                callRepository,
		Participants:         participantRepository,
		Lifecycle:            lifecycleService,
		HealthCheckerService: healthcheckerService,
		UserID:               config.Conf.AgentUserID,
		sessions:             make(map[string]*Session),
	}, nil
}

func (app *App) Run(ctx context.Context) error {
	logging.Logger.Info("[Run] Starting app goroutines...")

	logging.Logger.Info("[Run] Starting health checker monitor goroutine")

	go app.HealthCheckerService.Monitor()

	group, groupCtx := errgroup.WithContext(ctx)

	if config.Conf.AgentDialUserID != "" {
		group.Go(func() error {
			app.placeOutboundCall(groupCtx)
			return nil
		})
	}

	logging.Logger.Info("[Run] Starting incoming call watcher (BLOCKING)",
		zap.String("user_id", app.UserID),
	)

	group.Go(func() error {
		app.watchIncoming(groupCtx)
		return nil
	})

	err := group.Wait()
	if err != nil {
		return err
	}

	logging.Logger.Warn("[Run] Incoming watcher returned (context canceled), beginning shutdown...")

	app.shutdown()

	return nil
}

// placeOutboundCall dials the configured peer once at startup.
func (app *App) placeOutboundCall(ctx context.Context) {
	record, err := app.Lifecycle.Initiate(ctx, app.UserID, config.Conf.AgentDialUserID, config.Conf.AgentCallType)
	if err != nil {
		logging.Logger.Error("[placeOutboundCall] failed to initiate call",
			zap.String("receiver_id", config.Conf.AgentDialUserID),
			zap.String("error", err.Error()),
		)

		return
	}

	session := NewSession(app.Lifecycle, app.Calls, record, true, false)
	app.trackSession(record.ID, session)

	session.Run(ctx)

	app.untrackSession(record.ID)
}

func (app *App) trackSession(callID string, session *Session) {
	app.mu.Lock()
	defer app.mu.Unlock()

	app.sessions[callID] = session
}

// reserveSession claims the agent's single call slot for callID before any
// lifecycle write happens. Two incoming calls racing through the worker pool
// serialize here, only one gets the slot; trackSession fills it once the
// session exists.
func (app *App) reserveSession(callID string) bool {
	app.mu.Lock()
	defer app.mu.Unlock()

	if len(app.sessions) > 0 {
		return false
	}

	app.sessions[callID] = nil

	return true
}

func (app *App) untrackSession(callID string) {
	app.mu.Lock()
	defer app.mu.Unlock()

	delete(app.sessions, callID)
}

func (app *App) activeSessions() []*Session {
	app.mu.Lock()
	defer app.mu.Unlock()

	sessions := make([]*Session, 0, len(app.sessions))
	for _, session := range app.sessions {
		// Reserved slots without a session yet hold nil.
		if session == nil {
			continue
		}

		sessions = append(sessions, session)
	}

	return sessions
}

// shutdown writes a best-effort terminal status for every live session before
// releasing resources, so abandoned rows do not ring forever on the other
// side.
func (app *App) shutdown() {
	ctx := context.Background()

	for _, session := range app.activeSessions() {
		app.terminateOnExit(ctx, session)
	}

	logging.Logger.Info("[Run] Releasing worker pool...",
		zap.Int("running_workers", app.WorkerPool.Running()),
		zap.Int("free_workers", app.WorkerPool.Free()),
	)
	app.WorkerPool.Release()
	logging.Logger.Info("[Run] Worker pool released")

	logging.Logger.Info("[Run] Closing Kafka producer...")

	err := app.KafkaProducer.Close()
	if err != nil {
		logging.Logger.Error("[Run] Failed to close producer", zap.String("error", err.Error()))
	} else {
		logging.Logger.Info("[Run] Kafka producer closed successfully")
	}

	logging.Logger.Info("[Run] ===== App shutdown complete =====")
}

func (app *App) terminateOnExit(ctx context.Context, session *Session) {
	record := session.Record

	var err error

	switch {
	case record.Status == callstore.StatusAccepted:
		err = app.Lifecycle.End(ctx, record)
	case session.IsCaller:
		err = app.Lifecycle.Cancel(ctx, record)
	default:
		err = app.Lifecycle.Reject(ctx, record)
	}

	if err != nil && !errors.Is(err, callstore.ErrStatusConflict) {
		logging.Logger.Warn("[terminateOnExit] failed to terminate call on shutdown",
			zap.String("call_id", record.ID),
			zap.String("error", err.Error()),
		)
	}
}

package callstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/require"
	"github.com/wajeehaljunaid491/mimi-calls/internal/circuitbreak"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB starts a throwaway postgres container. Skipped when no docker
// daemon is reachable.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("docker not available: %v", err)
	}

	err = pool.Client.Ping()
	if err != nil {
		t.Skipf("docker not available: %v", err)
	}

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "16-alpine",
		Env: []string{
			"POSTGRES_PASSWORD=secret",
			"POSTGRES_DB=calls_test",
		},
	}, func(hostConfig *docker.HostConfig) {
		hostConfig.AutoRemove = true
		hostConfig.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = pool.Purge(resource)
	})

	pool.MaxWait = 60 * time.Second

	var dbConn *gorm.DB

	err = pool.Retry(func() error {
		dsn := fmt.Sprintf(
			"host=localhost user=postgres password=secret dbname=calls_test port=%s sslmode=disable",
			resource.GetPort("5432/tcp"),
		)

		var openErr error

		dbConn, openErr = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if openErr != nil {
			return openErr
		}

		sqlDB, openErr := dbConn.DB()
		if openErr != nil {
			return openErr
		}

		return sqlDB.Ping()
	})
	require.NoError(t, err)

	require.NoError(t, dbConn.AutoMigrate(&CallRecord{}, &CallParticipant{}))

	return dbConn
}

func drainCircuitBreaks(t *testing.T) {
	t.Helper()

	circuitbreak.Init()

	done := make(chan struct{})
	t.Cleanup(func() { close(done) })

	go func() {
		for {
			select {
			case <-circuitbreak.CircuitBreakChan:
			case <-done:
				return
			}
		}
	}()
}

func newTestRecord(callerID, receiverID, status string, startedAt time.Time) *CallRecord {
	return &CallRecord{
		ID:         uuid.NewString(),
		CallerID:   callerID,
		ReceiverID: receiverID,
		CallType:   CallTypeVideo,
		Status:     status,
		StartedAt:  &startedAt,
	}
}

func TestCallRepository(t *testing.T) {
	dbConn := setupTestDB(t)
	drainCircuitBreaks(t)

	repository := NewCallRepository(dbConn)
	ctx := context.Background()

	t.Run("create and get round trip", func(t *testing.T) {
		record := newTestRecord("alice", "bob", StatusCalling, time.Now().UTC())
		require.NoError(t, repository.CreateCall(ctx, record))

		fetched, err := repository.GetCall(ctx, record.ID)
		require.NoError(t, err)
		require.Equal(t, record.ID, fetched.ID)
		require.Equal(t, StatusCalling, fetched.Status)
	})

	t.Run("get missing call", func(t *testing.T) {
		_, err := repository.GetCall(ctx, uuid.NewString())
		require.ErrorIs(t, err, ErrCallNotFound)
	})

	t.Run("guarded status update refuses stale transitions", func(t *testing.T) {
		record := newTestRecord("alice", "bob", StatusCalling, time.Now().UTC())
		require.NoError(t, repository.CreateCall(ctx, record))

		err := repository.UpdateStatus(ctx, record.ID, StatusRinging, nil, []string{StatusCalling})
		require.NoError(t, err)

		// A second writer still holding the calling snapshot loses.
		err = repository.UpdateStatus(ctx, record.ID, StatusCancelled, nil, []string{StatusCalling})
		require.ErrorIs(t, err, ErrStatusConflict)

		fetched, err := repository.GetCall(ctx, record.ID)
		require.NoError(t, err)
		require.Equal(t, StatusRinging, fetched.Status)
	})

	t.Run("status update applies extra columns", func(t *testing.T) {
		record := newTestRecord("alice", "bob", StatusAccepted, time.Now().UTC())
		require.NoError(t, repository.CreateCall(ctx, record))

		endedAt := time.Now().UTC()
		err := repository.UpdateStatus(ctx, record.ID, StatusEnded, map[string]any{
			"ended_at":         endedAt,
			"duration_seconds": 42,
		}, []string{StatusAccepted})
		require.NoError(t, err)

		fetched, err := repository.GetCall(ctx, record.ID)
		require.NoError(t, err)
		require.Equal(t, StatusEnded, fetched.Status)
		require.Equal(t, 42, fetched.DurationSeconds)
		require.NotNil(t, fetched.EndedAt)
	})

	t.Run("candidate append preserves order", func(t *testing.T) {
		record := newTestRecord("alice", "bob", StatusAccepted, time.Now().UTC())
		require.NoError(t, repository.CreateCall(ctx, record))

		for i := range 5 {
			err := repository.AppendIceCandidate(ctx, record.ID, IceCandidateEntry{
				Candidate: fmt.Sprintf("candidate:%d", i),
				From:      OriginCaller,
			})
			require.NoError(t, err)
		}

		fetched, err := repository.GetCall(ctx, record.ID)
		require.NoError(t, err)

		entries, err := fetched.IceCandidateList()
		require.NoError(t, err)
		require.Len(t, entries, 5)

		for i, entry := range entries {
			require.Equal(t, fmt.Sprintf("candidate:%d", i), entry.Candidate)
		}
	})

	t.Run("clear negotiation wipes payloads", func(t *testing.T) {
		record := newTestRecord("alice", "bob", StatusCalling, time.Now().UTC())
		record.Offer = []byte(`{"type":"offer","sdp":"v=0"}`)
		require.NoError(t, repository.CreateCall(ctx, record))

		require.NoError(t, repository.AppendIceCandidate(ctx, record.ID, IceCandidateEntry{
			Candidate: "candidate:x",
			From:      OriginCaller,
		}))

		require.NoError(t, repository.ClearNegotiation(ctx, record.ID))

		fetched, err := repository.GetCall(ctx, record.ID)
		require.NoError(t, err)
		require.Empty(t, fetched.Offer)
		require.Empty(t, fetched.Answer)
		require.Empty(t, fetched.IceCandidates)
	})

	t.Run("list incoming oldest first, terminal excluded", func(t *testing.T) {
		receiverID := uuid.NewString()

		older := newTestRecord("alice", receiverID, StatusCalling, time.Now().UTC().Add(-time.Minute))
		newer := newTestRecord("carol", receiverID, StatusRinging, time.Now().UTC())
		finished := newTestRecord("dave", receiverID, StatusEnded, time.Now().UTC().Add(-time.Hour))

		for _, record := range []*CallRecord{newer, older, finished} {
			require.NoError(t, repository.CreateCall(ctx, record))
		}

		incoming, err := repository.ListIncoming(ctx, receiverID)
		require.NoError(t, err)
		require.Len(t, incoming, 2)
		require.Equal(t, older.ID, incoming[0].ID)
		require.Equal(t, newer.ID, incoming[1].ID)
	})

	t.Run("has active call", func(t *testing.T) {
		userID := uuid.NewString()

		active, err := repository.HasActiveCall(ctx, userID)
		require.NoError(t, err)
		require.False(t, active)

		record := newTestRecord(userID, "bob", StatusAccepted, time.Now().UTC())
		require.NoError(t, repository.CreateCall(ctx, record))

		active, err = repository.HasActiveCall(ctx, userID)
		require.NoError(t, err)
		require.True(t, active)
	})

	t.Run("hide for side is per user", func(t *testing.T) {
		callerID := uuid.NewString()
		receiverID := uuid.NewString()

		record := newTestRecord(callerID, receiverID, StatusEnded, time.Now().UTC())
		require.NoError(t, repository.CreateCall(ctx, record))

		require.NoError(t, repository.HideForSide(ctx, record.ID, callerID))

		callerView, err := repository.ListRecent(ctx, callerID, 10)
		require.NoError(t, err)
		require.Empty(t, callerView)

		receiverView, err := repository.ListRecent(ctx, receiverID, 10)
		require.NoError(t, err)
		require.Len(t, receiverView, 1)

		err = repository.HideForSide(ctx, record.ID, uuid.NewString())
		require.Error(t, err)
	})
}

func TestParticipantRepository(t *testing.T) {
	dbConn := setupTestDB(t)
	drainCircuitBreaks(t)

	calls := NewCallRepository(dbConn)
	participants := NewParticipantRepository(dbConn)
	ctx := context.Background()

	parent := newTestRecord("alice", "bob", StatusAccepted, time.Now().UTC())
	require.NoError(t, calls.CreateCall(ctx, parent))

	created, err := participants.CreateParticipant(ctx, parent.ID, "carol")
	require.NoError(t, err)
	require.Equal(t, ParticipantRinging, created.Status)

	err = participants.UpdateParticipantStatus(ctx, parent.ID, "carol", ParticipantJoined,
		map[string]any{"joined_at": time.Now().UTC()},
		[]string{ParticipantRinging},
	)
	require.NoError(t, err)

	// Joining twice is refused.
	err = participants.UpdateParticipantStatus(ctx, parent.ID, "carol", ParticipantJoined,
		nil,
		[]string{ParticipantRinging},
	)
	require.ErrorIs(t, err, ErrStatusConflict)

	listed, err := participants.ListParticipants(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, ParticipantJoined, listed[0].Status)
	require.NotNil(t, listed[0].JoinedAt)
}

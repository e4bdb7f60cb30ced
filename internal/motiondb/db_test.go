package motiondb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-vision/pickpoint/internal/motion"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "motions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testCommand(issuedAt time.Time) motion.Command {
	return motion.Command{
		ID:       uuid.NewString(),
		Target:   r3.Vector{X: 0.2, Y: -0.1, Z: 0.35},
		MaxVel:   0.5,
		MaxAccel: 1.2,
		IssuedAt: issuedAt,
	}
}

func TestRecordCommandAndOutcome(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	issued := time.Now().UTC().Truncate(time.Second)
	cmd := testCommand(issued)

	require.NoError(t, db.RecordCommand(cmd))

	records, err := db.RecentMotions(10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, cmd.ID, records[0].CommandID)
	assert.Equal(t, 0.2, records[0].TargetX)
	assert.Equal(t, -0.1, records[0].TargetY)
	assert.Equal(t, 0.35, records[0].TargetZ)
	assert.Empty(t, records[0].Outcome, "outcome stays open until terminal")
	assert.Nil(t, records[0].CompletedAt)

	completed := issued.Add(3 * time.Second)
	require.NoError(t, db.RecordOutcome(cmd.ID, motion.StateArrived, "", completed))

	records, err = db.RecentMotions(10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, string(motion.StateArrived), records[0].Outcome)
	assert.Empty(t, records[0].FailureKind)
	require.NotNil(t, records[0].CompletedAt)
}

func TestRecordOutcomeUnknownCommand(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	err := db.RecordOutcome(uuid.NewString(), motion.StateFailed, "MotionTimeout", time.Now())
	assert.Error(t, err)
}

func TestRecentMotionsOrderAndLimit(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	base := time.Now().UTC().Truncate(time.Second)

	var ids []string
	for i := 0; i < 5; i++ {
		cmd := testCommand(base.Add(time.Duration(i) * time.Second))
		require.NoError(t, db.RecordCommand(cmd))
		ids = append(ids, cmd.ID)
	}

	records, err := db.RecentMotions(3)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, ids[4], records[0].CommandID, "newest first")
	assert.Equal(t, ids[3], records[1].CommandID)
	assert.Equal(t, ids[2], records[2].CommandID)
}

func TestFailedOutcomeCarriesKind(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	cmd := testCommand(time.Now().UTC())
	cmd.Home = true
	require.NoError(t, db.RecordCommand(cmd))
	require.NoError(t, db.RecordOutcome(cmd.ID, motion.StateFailed, "CommunicationLost", time.Now()))

	records, err := db.RecentMotions(1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Home)
	assert.Equal(t, string(motion.StateFailed), records[0].Outcome)
	assert.Equal(t, "CommunicationLost", records[0].FailureKind)
}

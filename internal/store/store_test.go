package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitSQLStatements(t *testing.T) {
	got := splitSQLStatements("CREATE TABLE a (x VARCHAR(3) DEFAULT ';');\n\nINSERT INTO a VALUES ('it\\'s;');  ;\nSELECT `weird;name` FROM a")
	assert.Equal(t, []string{
		"CREATE TABLE a (x VARCHAR(3) DEFAULT ';')",
		"INSERT INTO a VALUES ('it\\'s;')",
		"SELECT `weird;name` FROM a",
	}, got)
}

func TestMigrationsAreEmbedded(t *testing.T) {
	versions, err := migrationVersions()
	require.NoError(t, err)
	require.NotEmpty(t, versions)
	raw, err := migrationFS.ReadFile("migrations/" + versions[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), "gateway_requests")
}

type fakeExec struct {
	query string
	args  []any
	err   error
}

func (f *fakeExec) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	f.query, f.args = query, args
	return nil, f.err
}

func TestMySQLSinkRecord(t *testing.T) {
	fe := &fakeExec{}
	s := &MySQLSink{db: fe}
	err := s.Record(context.Background(), Record{
		RequestID:    "req_1",
		AccountID:    "a",
		Stream:       true,
		Status:       502,
		ErrorKind:    "upstream",
		ErrorMessage: strings.Repeat("x", 3000),
		InputTokens:  10,
		Latency:      1500 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Contains(t, fe.query, "INSERT INTO gateway_requests")
	require.Len(t, fe.args, 16)
	assert.Equal(t, "req_1", fe.args[0])
	msg := fe.args[9].(sql.NullString)
	assert.True(t, msg.Valid)
	assert.Len(t, msg.String, maxErrorMessage)
	assert.Equal(t, int64(1500), fe.args[14])

	fe.err = errors.New("gone")
	assert.ErrorContains(t, s.Record(context.Background(), Record{RequestID: "req_2"}), "req_2")
}

func TestLogSinkAndMulti(t *testing.T) {
	log, hook := test.NewNullLogger()
	sinks := Multi{LogSink{Log: log}, &MySQLSink{db: &fakeExec{err: errors.New("down")}}}

	err := sinks.Record(context.Background(), Record{RequestID: "r", Status: 200, StopReason: "end_turn"})
	assert.ErrorContains(t, err, "down")
	require.Len(t, hook.Entries, 1)
	assert.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)
	assert.Equal(t, "end_turn", hook.LastEntry().Data["stop_reason"])

	require.NoError(t, LogSink{Log: log}.Record(context.Background(), Record{RequestID: "r2", ErrorKind: "truncated", ErrorMessage: "cut"}))
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "cut", hook.LastEntry().Message)
}

package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/concierge/internal/agent"
	"github.com/haasonsaas/concierge/internal/credentials"
	"github.com/haasonsaas/concierge/internal/routines"
	"github.com/haasonsaas/concierge/pkg/models"
)

var testTime = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

// setupMockDB creates a Postgres-dialect DB backed by sqlmock.
func setupMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return New(db, DriverPostgres), mock
}

func TestRebind(t *testing.T) {
	tests := []struct {
		driver string
		in     string
		want   string
	}{
		{DriverPostgres, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{DriverPostgres, "SELECT '?' FROM t WHERE a = ?", "SELECT '?' FROM t WHERE a = $1"},
		{DriverSQLite, "SELECT * FROM t WHERE a = ?", "SELECT * FROM t WHERE a = ?"},
	}
	for _, tt := range tests {
		db := New(nil, tt.driver)
		if got := db.Rebind(tt.in); got != tt.want {
			t.Fatalf("Rebind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStatementsUseDialectTypes(t *testing.T) {
	pg := strings.Join(New(nil, DriverPostgres).Statements(), "\n")
	lite := strings.Join(New(nil, DriverSQLite).Statements(), "\n")
	if !strings.Contains(pg, "TIMESTAMPTZ") || !strings.Contains(pg, "JSONB") {
		t.Fatal("postgres schema should use TIMESTAMPTZ and JSONB")
	}
	if strings.Contains(lite, "TIMESTAMPTZ") || !strings.Contains(lite, "DATETIME") {
		t.Fatal("sqlite schema should use DATETIME")
	}
	for _, table := range []string{"credentials", "routines", "routine_executions", "conversations", "messages", "usage_records", "tool_usage_daily"} {
		if !strings.Contains(pg, "CREATE TABLE IF NOT EXISTS "+table+" ") {
			t.Fatalf("missing table %s", table)
		}
	}
	if strings.Contains(pg, "{{") {
		t.Fatal("unreplaced template marker")
	}
}

func TestMigrate(t *testing.T) {
	db, mock := setupMockDB(t)
	mock.ExpectBegin()
	for range db.Statements() {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectCommit()
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
}

func TestMigrateRollsBackOnError(t *testing.T) {
	db, mock := setupMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS credentials").WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()
	if err := db.Migrate(context.Background()); err == nil || !strings.Contains(err.Error(), "permission denied") {
		t.Fatalf("err = %v", err)
	}
}

func testCipher(t *testing.T) *credentials.Cipher {
	t.Helper()
	c, err := credentials.NewCipher("storage-test-secret-key")
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	return c
}

// sealedArg matches a sealed token that opens to want.
type sealedArg struct {
	cipher *credentials.Cipher
	aad    string
	want   string
}

func (a sealedArg) Match(v driver.Value) bool {
	s, ok := v.(string)
	if !ok || strings.Contains(s, a.want) {
		return false
	}
	plain, err := a.cipher.Open(s, a.aad)
	return err == nil && plain == a.want
}

func TestCredentialStorePutSealsTokens(t *testing.T) {
	db, mock := setupMockDB(t)
	c := testCipher(t)
	store := NewCredentialStore(db, c)

	mock.ExpectExec("INSERT INTO credentials").
		WithArgs(
			"u1",
			"google",
			sealedArg{c, "u1/google/access", "ya29.token"},
			sealedArg{c, "u1/google/refresh", "1//refresh"},
			sqlmock.AnyArg(), // expires_at
			"me@example.com",
			`{"scope":"calendar"}`,
			sqlmock.AnyArg(), // updated_at
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Put(context.Background(), &models.Credential{
		CallerID:     "u1",
		Provider:     models.ProviderGoogle,
		AccessToken:  "ya29.token",
		RefreshToken: "1//refresh",
		ExpiresAt:    testTime.Add(time.Hour),
		Email:        "me@example.com",
		Metadata:     map[string]string{"scope": "calendar"},
		UpdatedAt:    testTime,
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func TestCredentialStoreListOpensTokens(t *testing.T) {
	db, mock := setupMockDB(t)
	c := testCipher(t)
	store := NewCredentialStore(db, c)

	access, _ := c.Seal("xoxb-1", "u1/slack/access")
	rows := sqlmock.NewRows([]string{"caller_id", "provider", "access_token", "refresh_token", "expires_at", "email", "metadata", "updated_at"}).
		AddRow("u1", "slack", access, "", nil, "", `{"team":"T1"}`, testTime)
	mock.ExpectQuery(regexp.QuoteMeta("FROM credentials WHERE caller_id = $1 ORDER BY provider")).
		WithArgs("u1").
		WillReturnRows(rows)

	creds, err := store.List(context.Background(), "u1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(creds) != 1 {
		t.Fatalf("creds = %d", len(creds))
	}
	got := creds[0]
	if got.AccessToken != "xoxb-1" || got.RefreshToken != "" || !got.ExpiresAt.IsZero() || got.Metadata["team"] != "T1" {
		t.Fatalf("credential = %+v", got)
	}
}

func TestCredentialStoreRejectsSwappedRows(t *testing.T) {
	db, mock := setupMockDB(t)
	c := testCipher(t)
	store := NewCredentialStore(db, c)

	// A token sealed for u2 must not open when read back as u1's.
	access, _ := c.Seal("secret", "u2/slack/access")
	rows := sqlmock.NewRows([]string{"caller_id", "provider", "access_token", "refresh_token", "expires_at", "email", "metadata", "updated_at"}).
		AddRow("u1", "slack", access, "", nil, "", nil, testTime)
	mock.ExpectQuery("FROM credentials").WillReturnRows(rows)

	if _, err := store.Get(context.Background(), "u1", models.ProviderSlack); !errors.Is(err, credentials.ErrDecrypt) {
		t.Fatalf("err = %v, want ErrDecrypt", err)
	}
}

func TestCredentialStoreNotFound(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewCredentialStore(db, testCipher(t))

	mock.ExpectQuery("FROM credentials").WillReturnError(sql.ErrNoRows)
	if _, err := store.Get(context.Background(), "u1", models.ProviderSlack); !errors.Is(err, credentials.ErrNotFound) {
		t.Fatalf("Get err = %v", err)
	}
	mock.ExpectExec("DELETE FROM credentials").WithArgs("u1", "slack").WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.Delete(context.Background(), "u1", models.ProviderSlack); !errors.Is(err, credentials.ErrNotFound) {
		t.Fatalf("Delete err = %v", err)
	}
}

var routineCols = []string{"id", "caller_id", "name", "schedule", "timezone", "steps", "summarize", "enabled", "next_run", "last_run", "created_at", "updated_at"}

func TestRoutineStoreDue(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewRoutineStore(db)

	rows := sqlmock.NewRows(routineCols).
		AddRow("r1", "u1", "morning", "0 8 * * *", "", `[{"tool":"get_weather","arguments":{"location":"Oslo"}}]`, false, true, testTime, nil, testTime, testTime)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE enabled = $1 AND next_run IS NOT NULL AND next_run <= $2")).
		WithArgs(true, testTime).
		WillReturnRows(rows)

	due, err := store.Due(context.Background(), testTime)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 1 || due[0].Steps[0].Arguments["location"] != "Oslo" || !due[0].LastRun.IsZero() {
		t.Fatalf("due = %+v", due)
	}
}

func TestRoutineStoreCreate(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewRoutineStore(db)

	mock.ExpectExec("INSERT INTO routines").
		WithArgs("r1", "u1", "morning", "0 8 * * *", "UTC", `[{"tool":"calculator","arguments":{"expression":"1+1"}}]`,
			true, true, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO routines").WillReturnError(errors.New(`pq: duplicate key value violates unique constraint "routines_pkey"`))

	r := &models.Routine{
		ID: "r1", CallerID: "u1", Name: "morning", Schedule: "0 8 * * *", Timezone: "UTC",
		Steps:     []models.ToolStep{{Tool: "calculator", Arguments: map[string]any{"expression": "1+1"}}},
		Summarize: true, Enabled: true, NextRun: testTime, CreatedAt: testTime, UpdatedAt: testTime,
	}
	if err := store.Create(context.Background(), r); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(context.Background(), r); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate err = %v", err)
	}
}

func TestRoutineStoreMarkRun(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewRoutineStore(db)
	next := testTime.Add(24 * time.Hour)

	mock.ExpectExec(regexp.QuoteMeta("SET last_run = $1, next_run = $2")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), true, testTime, "r1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE routines").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), false, testTime, "gone").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.MarkRun(context.Background(), "r1", testTime, next); err != nil {
		t.Fatalf("MarkRun: %v", err)
	}
	if err := store.MarkRun(context.Background(), "gone", testTime, time.Time{}); !errors.Is(err, routines.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestExecutionStoreLifecycle(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewExecutionStore(db)
	ctx := context.Background()

	exec := &models.RoutineExecution{ID: "e1", RoutineID: "r1", CallerID: "u1", Status: models.ExecutionRunning, StartedAt: testTime}
	mock.ExpectExec("INSERT INTO routine_executions").
		WithArgs("e1", "r1", "u1", "running", "[]", "", "", testTime, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.Create(ctx, exec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	exec.Status = models.ExecutionFailed
	exec.Results = []models.StepResult{{Tool: "number", Result: "42"}}
	exec.Error = "step 2 (fail): boom"
	exec.FinishedAt = testTime.Add(time.Second)
	mock.ExpectExec("UPDATE routine_executions").
		WithArgs("failed", `[{"tool":"number","result":"42"}]`, "step 2 (fail): boom", "", sqlmock.AnyArg(), "e1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.Update(ctx, exec); err != nil {
		t.Fatalf("Update: %v", err)
	}

	rows := sqlmock.NewRows([]string{"id", "routine_id", "caller_id", "status", "results", "error", "summary", "started_at", "finished_at"}).
		AddRow("e1", "r1", "u1", "failed", `[{"tool":"number","result":"42"}]`, "step 2 (fail): boom", "", testTime, testTime.Add(time.Second))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY started_at DESC LIMIT $2")).
		WithArgs("r1", 5).
		WillReturnRows(rows)
	list, err := store.List(ctx, "r1", 5)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].Status != models.ExecutionFailed || list[0].Results[0].Result != "42" {
		t.Fatalf("list = %+v", list)
	}

	mock.ExpectExec("DELETE FROM routine_executions").WithArgs(testTime).WillReturnResult(sqlmock.NewResult(0, 3))
	n, err := store.Prune(ctx, testTime)
	if err != nil || n != 3 {
		t.Fatalf("Prune = %d, %v", n, err)
	}
}

func turnRecord() *agent.TurnRecord {
	return &agent.TurnRecord{
		CallerID:       "u1",
		ConversationID: "c1",
		Provider:       "anthropic",
		Model:          "claude-test",
		Messages: []models.ChatMessage{
			{Role: models.RoleUser, Content: "hi"},
			{Role: models.RoleAssistant, Content: "hello"},
		},
		Usage:       models.Usage{InputTokens: 10, OutputTokens: 3},
		Rounds:      1,
		CompletedAt: testTime,
	}
}

func TestRecordTurnWritesInOneTransaction(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewConversationStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO conversations").
		WithArgs("c1", "u1", testTime, testTime).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO messages").
		WithArgs(sqlmock.AnyArg(), "c1", 0, "user", "hi", sqlmock.AnyArg(), testTime).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO messages").
		WithArgs(sqlmock.AnyArg(), "c1", 1, "assistant", "hello", sqlmock.AnyArg(), testTime).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO usage_records").
		WithArgs(sqlmock.AnyArg(), "u1", "c1", "anthropic", "claude-test", 10, 3, 1, testTime).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.RecordTurn(context.Background(), turnRecord()); err != nil {
		t.Fatalf("RecordTurn: %v", err)
	}
}

func TestRecordTurnRejectsForeignConversation(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewConversationStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO conversations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	if err := store.RecordTurn(context.Background(), turnRecord()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestHistoryReturnsOldestFirstFromCleanBoundary(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewConversationStore(db)

	payload := func(m models.ChatMessage) string {
		data, _ := json.Marshal(m)
		return string(data)
	}
	// Newest first, as the query orders them. The limit cut off the
	// assistant message that requested call_1.
	rows := sqlmock.NewRows([]string{"payload"}).
		AddRow(payload(models.ChatMessage{Role: models.RoleAssistant, Content: "It is 4."})).
		AddRow(payload(models.ChatMessage{Role: models.RoleUser, Content: "and 2+2?"})).
		AddRow(payload(models.ChatMessage{Role: models.RoleAssistant, Content: "Sunny."})).
		AddRow(payload(models.ChatMessage{Role: models.RoleTool, ToolCallID: "call_1", Content: `{"temp":20}`}))
	mock.ExpectQuery("SELECT payload FROM messages").WithArgs("c1", 4).WillReturnRows(rows)

	history, err := store.History(context.Background(), "c1", 4)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history = %+v", history)
	}
	if history[0].Content != "Sunny." || history[2].Content != "It is 4." {
		t.Fatalf("order = %+v", history)
	}
}

func TestConversationTitle(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewConversationStore(db)

	mock.ExpectQuery("SELECT title FROM conversations").WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"title"}).AddRow(""))
	mock.ExpectExec("UPDATE conversations SET title").WithArgs("Weekend plans", "c1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	title, err := store.ConversationTitle(context.Background(), "c1")
	if err != nil || title != "" {
		t.Fatalf("title = %q, %v", title, err)
	}
	if err := store.SetConversationTitle(context.Background(), "c1", "Weekend plans"); err != nil {
		t.Fatalf("SetConversationTitle: %v", err)
	}
}

func TestDailyUsageStore(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewDailyUsageStore(db)

	mock.ExpectQuery("SELECT count FROM tool_usage_daily").
		WithArgs("u1", "generate_image", "2026-03-02").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO tool_usage_daily").
		WithArgs("u1", "generate_image", "2026-03-02").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	n, err := store.Count(context.Background(), "u1", "generate_image", "2026-03-02")
	if err != nil || n != 0 {
		t.Fatalf("Count = %d, %v", n, err)
	}
	n, err = store.Increment(context.Background(), "u1", "generate_image", "2026-03-02")
	if err != nil || n != 1 {
		t.Fatalf("Increment = %d, %v", n, err)
	}
}

func TestMemoryConversationStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryConversationStore()

	if err := store.RecordTurn(ctx, turnRecord()); err != nil {
		t.Fatalf("RecordTurn: %v", err)
	}
	foreign := turnRecord()
	foreign.CallerID = "u2"
	if err := store.RecordTurn(ctx, foreign); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign err = %v", err)
	}
	if err := store.SetConversationTitle(ctx, "c1", "Greetings"); err != nil {
		t.Fatalf("SetConversationTitle: %v", err)
	}
	conv, err := store.Get(ctx, "c1")
	if err != nil || conv.Title != "Greetings" || conv.CallerID != "u1" {
		t.Fatalf("conv = %+v, %v", conv, err)
	}
	history, _ := store.History(ctx, "c1", 1)
	if len(history) != 1 || history[0].Content != "hello" {
		t.Fatalf("history = %+v", history)
	}
	usage, _ := store.Usage(ctx, "u1", testTime.Add(-time.Hour))
	if usage.InputTokens != 10 || usage.OutputTokens != 3 {
		t.Fatalf("usage = %+v", usage)
	}
	list, _ := store.List(ctx, "u2", 0)
	if len(list) != 0 {
		t.Fatalf("u2 list = %+v", list)
	}
}

package functions_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/neo-service-layer-sub002/internal/core"
	"github.com/r3e-network/neo-service-layer-sub002/internal/events"
	"github.com/r3e-network/neo-service-layer-sub002/internal/storage/memory"
	"github.com/r3e-network/neo-service-layer-sub002/tee/functions"
)

const addSource = `
function main(args) {
	return { sum: args.a + args.b };
}
`

// stubSecrets serves a fixed secret table keyed by secret id.
type stubSecrets struct {
	values map[string][2]string
}

func (s *stubSecrets) FunctionSecret(ctx context.Context, secretID, accountID, functionID string) (string, string, error) {
	entry, ok := s.values[secretID]
	if !ok {
		return "", "", core.NewNotFoundError("secret", secretID)
	}
	return entry[0], entry[1], nil
}

func newTestEngine(t *testing.T, secrets functions.SecretSource) *functions.Engine {
	t.Helper()
	engine, err := functions.NewEngine(functions.Config{
		Runtime: functions.NewGojaRuntime(secrets, nil),
		KV:      memory.New(),
		Events:  events.NewMonitor(events.Config{}),
	})
	require.NoError(t, err)
	return engine
}

func registerFunction(t *testing.T, e *functions.Engine, id, source string) functions.Metadata {
	t.Helper()
	meta, err := e.CreateFunction(context.Background(), functions.Metadata{
		ID:         id,
		Name:       id,
		SourceCode: source,
		EntryPoint: "main",
		AccountID:  "acct-1",
	})
	require.NoError(t, err)
	return meta
}

func TestCreateFunctionValidates(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := e.CreateFunction(ctx, functions.Metadata{Name: "f", SourceCode: addSource, EntryPoint: "main"})
	assert.True(t, core.IsValidationError(err), "missing id")

	_, err = e.CreateFunction(ctx, functions.Metadata{ID: "f1", SourceCode: addSource, EntryPoint: "main"})
	assert.True(t, core.IsValidationError(err), "missing name")

	_, err = e.CreateFunction(ctx, functions.Metadata{ID: "f1", Name: "f", SourceCode: addSource, EntryPoint: "main", Runtime: "python"})
	assert.True(t, core.IsValidationError(err), "unsupported runtime")
}

func TestCreateFunctionRejectsBrokenSource(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := e.CreateFunction(ctx, functions.Metadata{
		ID: "f1", Name: "f", SourceCode: "function main( {", EntryPoint: "main",
	})
	require.True(t, core.IsValidationError(err), "syntax error must fail create")

	_, err = e.CreateFunction(ctx, functions.Metadata{
		ID: "f1", Name: "f", SourceCode: "var main = 42;", EntryPoint: "main",
	})
	require.True(t, core.IsValidationError(err), "non-function entry point must fail create")

	// Nothing was registered, so the function must not be executable.
	_, err = e.Execute(ctx, "f1", nil)
	assert.True(t, core.IsNotFound(err))
}

func TestCreateFunctionConflictsOnDuplicateID(t *testing.T) {
	e := newTestEngine(t, nil)
	registerFunction(t, e, "f1", addSource)

	_, err := e.CreateFunction(context.Background(), functions.Metadata{
		ID: "f1", Name: "other", SourceCode: addSource, EntryPoint: "main",
	})
	assert.True(t, core.IsConflict(err))
}

func TestExecuteFunction(t *testing.T) {
	e := newTestEngine(t, nil)
	registerFunction(t, e, "adder", addSource)

	result, err := e.Execute(context.Background(), "adder", map[string]any{"a": 2, "b": 3})
	require.NoError(t, err)

	assert.Equal(t, "adder", result.FunctionID)
	assert.False(t, result.ExecutedAt.IsZero())
	value, ok := result.Value.(map[string]any)
	require.True(t, ok, "result should export as a map, got %T", result.Value)
	assert.EqualValues(t, 5, value["sum"])
}

func TestExecuteCapturesConsole(t *testing.T) {
	e := newTestEngine(t, nil)
	registerFunction(t, e, "loud", `
function main(args) {
	console.log("starting");
	console.warn("low gas");
	return "done";
}
`)

	result, err := e.Execute(context.Background(), "loud", nil)
	require.NoError(t, err)
	assert.Equal(t, "done", result.Value)
	assert.Equal(t, []string{"starting", "WARN: low gas"}, result.Logs)
}

func TestExecuteTimesOut(t *testing.T) {
	e := newTestEngine(t, nil)
	meta := functions.Metadata{
		ID: "spin", Name: "spin", EntryPoint: "main",
		SourceCode:       `function main(args) { while (true) {} }`,
		MaxExecutionTime: 1,
	}
	_, err := e.CreateFunction(context.Background(), meta)
	require.NoError(t, err)

	start := time.Now()
	_, err = e.Execute(context.Background(), "spin", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestExecuteHonorsContextCancel(t *testing.T) {
	e := newTestEngine(t, nil)
	registerFunction(t, e, "spin", `function main(args) { while (true) {} }`)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := e.Execute(ctx, "spin", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecuteExposesSecrets(t *testing.T) {
	source := &stubSecrets{values: map[string][2]string{
		"sec-1": {"api_key", "shhh-123"},
	}}
	e := newTestEngine(t, source)

	_, err := e.CreateFunction(context.Background(), functions.Metadata{
		ID: "f1", Name: "f", EntryPoint: "main",
		SourceCode: `function main(args) { return secrets["api_key"]; }`,
		AccountID:  "acct-1",
		SecretIDs:  []string{"sec-1", "sec-missing"},
	})
	require.NoError(t, err)

	result, err := e.Execute(context.Background(), "f1", nil)
	require.NoError(t, err)
	assert.Equal(t, "shhh-123", result.Value)
	assert.Contains(t, result.Logs, "secret sec-missing unavailable")
}

func TestExecuteExposesEnvVars(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.CreateFunction(context.Background(), functions.Metadata{
		ID: "f1", Name: "f", EntryPoint: "main",
		SourceCode: `function main(args) { return env.REGION; }`,
		EnvVars:    map[string]string{"REGION": "eu-west"},
	})
	require.NoError(t, err)

	result, err := e.Execute(context.Background(), "f1", nil)
	require.NoError(t, err)
	assert.Equal(t, "eu-west", result.Value)
}

func TestExecuteForEventInjectsEvent(t *testing.T) {
	e := newTestEngine(t, nil)
	registerFunction(t, e, "hook", `
function main(args, event) {
	return event.name + "@" + event.source;
}
`)

	result, err := e.ExecuteForEvent(context.Background(), "hook", events.Event{
		Type:      events.TypeBlockchain,
		Name:      "Transfer",
		Source:    "0xd2a4cff31913016155e38e474a2c06d08be276cf",
		Data:      map[string]any{"amount": 1},
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, "Transfer@0xd2a4cff31913016155e38e474a2c06d08be276cf", result.Value)
}

func TestUpdateSourceCodeCompilesBeforeCommit(t *testing.T) {
	e := newTestEngine(t, nil)
	registerFunction(t, e, "f1", addSource)
	ctx := context.Background()

	_, err := e.UpdateSourceCode(ctx, "f1", "function main( {")
	require.True(t, core.IsValidationError(err))

	// The broken source must not have been committed.
	result, err := e.Execute(ctx, "f1", map[string]any{"a": 1, "b": 1})
	require.NoError(t, err)
	value := result.Value.(map[string]any)
	assert.EqualValues(t, 2, value["sum"])

	updated, err := e.UpdateSourceCode(ctx, "f1", `function main(args) { return "v2"; }`)
	require.NoError(t, err)
	assert.False(t, updated.UpdatedAt.IsZero())

	result, err = e.Execute(ctx, "f1", nil)
	require.NoError(t, err)
	assert.Equal(t, "v2", result.Value)
}

func TestUpdateFunctionPartialFields(t *testing.T) {
	e := newTestEngine(t, nil)
	registerFunction(t, e, "f1", addSource)
	ctx := context.Background()

	desc := "adds two numbers"
	limit := 9
	updated, err := e.UpdateFunction(ctx, "f1", functions.Update{
		Description:      &desc,
		MaxExecutionTime: &limit,
	})
	require.NoError(t, err)
	assert.Equal(t, desc, updated.Description)
	assert.Equal(t, 9, updated.MaxExecutionTime)
	assert.Equal(t, "f1", updated.Name, "unset fields stay put")

	_, err = e.UpdateFunction(ctx, "missing", functions.Update{Description: &desc})
	assert.True(t, core.IsNotFound(err))

	bad := "sleeping"
	_, err = e.UpdateFunction(ctx, "f1", functions.Update{Status: &bad})
	assert.True(t, core.IsValidationError(err))
}

func TestDisabledFunctionDoesNotExecute(t *testing.T) {
	e := newTestEngine(t, nil)
	registerFunction(t, e, "f1", addSource)
	ctx := context.Background()

	disabled := functions.StatusDisabled
	_, err := e.UpdateFunction(ctx, "f1", functions.Update{Status: &disabled})
	require.NoError(t, err)

	_, err = e.Execute(ctx, "f1", nil)
	assert.True(t, core.IsValidationError(err))
}

func TestDeleteFunctionDropsEventRegistrations(t *testing.T) {
	monitor := events.NewMonitor(events.Config{})
	engine, err := functions.NewEngine(functions.Config{
		Runtime: functions.NewGojaRuntime(nil, nil),
		KV:      memory.New(),
		Events:  monitor,
	})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = engine.CreateFunction(ctx, functions.Metadata{
		ID: "f1", Name: "f", SourceCode: addSource, EntryPoint: "main",
	})
	require.NoError(t, err)

	_, err = engine.RegisterTimeEvent(ctx, "f1", "@hourly")
	require.NoError(t, err)
	require.Len(t, monitor.Registrations(), 1)

	require.NoError(t, engine.DeleteFunction(ctx, "f1"))
	assert.Empty(t, monitor.Registrations())

	assert.True(t, core.IsNotFound(engine.DeleteFunction(ctx, "f1")))
}

func TestStoragePassThrough(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, e.SetStorageValue(ctx, "f1", "counter", "41"))

	value, err := e.GetStorageValue(ctx, "f1", "counter")
	require.NoError(t, err)
	assert.Equal(t, "41", value)

	_, err = e.GetStorageValue(ctx, "f2", "counter")
	assert.True(t, core.IsNotFound(err), "keys are function scoped")

	require.NoError(t, e.DeleteStorageValue(ctx, "f1", "counter"))
	_, err = e.GetStorageValue(ctx, "f1", "counter")
	assert.True(t, core.IsNotFound(err))

	assert.True(t, core.IsValidationError(e.SetStorageValue(ctx, "", "k", "v")))
	assert.True(t, core.IsValidationError(e.SetStorageValue(ctx, "f1", "", "v")))
}

func TestEventRegistrationRequiresFunction(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := e.RegisterTimeEvent(ctx, "ghost", "@hourly")
	assert.True(t, core.IsNotFound(err))

	_, err = e.RegisterBlockchainEvent(ctx, "ghost", "0xd2a4cff31913016155e38e474a2c06d08be276cf", "Transfer")
	assert.True(t, core.IsNotFound(err))

	assert.True(t, core.IsNotFound(e.TriggerCustomEvent(ctx, "ghost", "ping", nil)))
}

func TestListFunctionsFiltersByAccount(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	for _, tc := range []struct{ id, account string }{
		{"b-fn", "acct-2"},
		{"a-fn", "acct-1"},
		{"c-fn", "acct-1"},
	} {
		_, err := e.CreateFunction(ctx, functions.Metadata{
			ID: tc.id, Name: tc.id, SourceCode: addSource, EntryPoint: "main", AccountID: tc.account,
		})
		require.NoError(t, err)
	}

	all := e.ListFunctions(ctx, "")
	require.Len(t, all, 3)
	assert.Equal(t, "a-fn", all[0].ID, "sorted by id")

	mine := e.ListFunctions(ctx, "acct-1")
	require.Len(t, mine, 2)
	for _, meta := range mine {
		assert.Equal(t, "acct-1", meta.AccountID)
	}
}

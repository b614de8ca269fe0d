package toolexecutor

import (
	"bytes"
	"context"
	"testing"

	"github.com/harun/finagent/pkg/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocalExecutor(t *testing.T, notifier Notifier) (*ToolExecutor, memory.Store) {
	t.Helper()

	store, err := memory.NewFileStore(t.TempDir())
	require.NoError(t, err)

	te := New()
	require.NoError(t, RegisterLocalTools(te, notifier, store))
	return te, store
}

func TestRegisterLocalTools(t *testing.T) {
	te, _ := newLocalExecutor(t, nil)

	assert.True(t, te.Has(ToolSendNotification))
	assert.True(t, te.Has(ToolUpdateContext))
	assert.Len(t, te.Definitions(), 2)
}

func TestRegisterLocalTools_RequiresStore(t *testing.T) {
	assert.Error(t, RegisterLocalTools(New(), nil, nil))
}

func TestSendNotification(t *testing.T) {
	var buf bytes.Buffer
	te, _ := newLocalExecutor(t, &WriterNotifier{W: &buf})

	result := te.Execute(context.Background(), ToolSendNotification,
		map[string]interface{}{"message": "Budget exceeded"}, &ExecutionContext{UserID: "u1"})

	require.True(t, result.Success)
	assert.Equal(t, "Notification sent", result.Output)
	assert.Equal(t, "Notification: Budget exceeded\n", buf.String())
}

func TestSendNotification_DeliveryFailureStillSucceeds(t *testing.T) {
	failing := NotifierFunc(func(ctx context.Context, userID, message string) error {
		return assert.AnError
	})
	te, _ := newLocalExecutor(t, failing)

	result := te.Execute(context.Background(), ToolSendNotification,
		map[string]interface{}{"message": "hi"}, &ExecutionContext{UserID: "u1"})

	assert.True(t, result.Success)
}

func TestUpdateContext(t *testing.T) {
	te, store := newLocalExecutor(t, nil)
	ctx := context.Background()
	execCtx := &ExecutionContext{UserID: "u1"}

	require.NoError(t, store.Save(ctx, "u1", memory.UserContext{
		"goals": {"target": "house"},
	}))

	result := te.Execute(ctx, ToolUpdateContext, map[string]interface{}{
		"updates": map[string]interface{}{
			"profile": map[string]interface{}{"income": 5000},
		},
	}, execCtx)
	require.True(t, result.Success, result.Error)
	assert.Contains(t, result.Output, "Context updated.")

	uc, err := store.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "house", uc["goals"]["target"])
	assert.EqualValues(t, 5000, uc["profile"]["income"])
}

func TestUpdateContext_RejectsNonMapping(t *testing.T) {
	te, store := newLocalExecutor(t, nil)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "u1", memory.UserContext{
		"profile": {"income": "100"},
	}))

	result := te.Execute(ctx, ToolUpdateContext, map[string]interface{}{
		"updates": map[string]interface{}{
			"profile": map[string]interface{}{"income": "200"},
			"notes":   "not a mapping",
		},
	}, &ExecutionContext{UserID: "u1"})

	assert.False(t, result.Success)
	assert.Equal(t, true, result.Metadata["validation"])

	uc, err := store.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "100", uc["profile"]["income"])
	assert.NotContains(t, uc, "notes")
}

func TestUpdateContext_RequiresUser(t *testing.T) {
	te, _ := newLocalExecutor(t, nil)

	result := te.Execute(context.Background(), ToolUpdateContext, map[string]interface{}{
		"updates": map[string]interface{}{"profile": map[string]interface{}{}},
	}, nil)

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "no authenticated user")
}

func TestUpdateContext_StagedInBatch(t *testing.T) {
	te, store := newLocalExecutor(t, nil)
	ctx := context.Background()

	base := memory.UserContext{"profile": {"income": "100"}}
	require.NoError(t, store.Save(ctx, "u1", base))

	batch := NewContextBatch(base)
	execCtx := &ExecutionContext{UserID: "u1", ContextUpdates: batch}

	result := te.Execute(ctx, ToolUpdateContext, map[string]interface{}{
		"updates": map[string]interface{}{"goals": map[string]interface{}{"target": 1000}},
	}, execCtx)
	require.True(t, result.Success, result.Error)
	assert.Contains(t, result.Output, `"goals"`)
	assert.Contains(t, result.Output, `"profile"`)

	// nothing is written until the caller applies the batch
	uc, err := store.Load(ctx, "u1")
	require.NoError(t, err)
	assert.NotContains(t, uc, "goals")

	updates := batch.Updates()
	require.Len(t, updates, 1)
	assert.Contains(t, updates, "goals")
	assert.Equal(t, []string{"goals"}, batch.Pending().Sections())
}

func TestUpdateContext_StagedValidationFailsImmediately(t *testing.T) {
	te, _ := newLocalExecutor(t, nil)
	batch := NewContextBatch(nil)

	result := te.Execute(context.Background(), ToolUpdateContext, map[string]interface{}{
		"updates": map[string]interface{}{"goals": "a house"},
	}, &ExecutionContext{UserID: "u1", ContextUpdates: batch})

	assert.False(t, result.Success)
	assert.Equal(t, true, result.Metadata["validation"])
	assert.Nil(t, batch.Updates())
}

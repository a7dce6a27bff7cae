package stage

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/devflow/envelope"
	"github.com/c360studio/devflow/generator"
	gentest "github.com/c360studio/devflow/generator/testutil"
	"github.com/c360studio/devflow/worker"
)

func runBlueprint(t *testing.T, mock *gentest.MockGenerator, tasks ...envelope.Task) (*envelope.BlueprintPayload, error) {
	t.Helper()
	tr, err := NewBlueprint(mock, slog.Default())
	require.NoError(t, err)
	out, err := tr.Run(context.Background(), envFor(envelope.StageBlueprint, planningPayload(t, tasks...)))
	if err != nil {
		return nil, err
	}
	payload, ok := out.Payload.(*envelope.BlueprintPayload)
	require.True(t, ok)
	return payload, nil
}

func TestBlueprintParsesArchitecture(t *testing.T) {
	mock := &gentest.MockGenerator{Responses: []*generator.Response{jsonResponse(t, map[string]any{
		"components": []map[string]any{
			{"name": "api-server", "purpose": "HTTP surface", "files": []string{"cmd/server/main.go"}, "depends_on": []string{"storage"}},
			{"name": "storage", "purpose": "Persistence", "files": []string{"internal/store/store.go"}},
		},
		"data_model": []map[string]any{
			{"name": "Todo", "fields": []map[string]any{{"name": "id", "type": "string"}}},
		},
		"api_spec": []map[string]any{
			{"method": "get", "path": "todos", "description": "List todos"},
		},
		"deployment_plan": "single binary behind a reverse proxy",
	})}}

	payload, err := runBlueprint(t, mock, task("a", "Scaffold", 3))
	require.NoError(t, err)

	require.Len(t, payload.Components, 2)
	assert.Equal(t, "api-server", payload.Components[0].Name)
	assert.Equal(t, []string{"storage"}, payload.Components[0].DependsOn)
	require.Len(t, payload.DataModel, 1)
	assert.Equal(t, "Todo", payload.DataModel[0].Name)
	require.Len(t, payload.APISpec, 1)
	assert.Equal(t, "GET", payload.APISpec[0].Method)
	assert.Equal(t, "/todos", payload.APISpec[0].Path)
	assert.Equal(t, "single binary behind a reverse proxy", payload.DeploymentPlan)
	assert.NoError(t, payload.Validate())
}

func TestBlueprintCarriesPlanForward(t *testing.T) {
	mock := &gentest.MockGenerator{Responses: []*generator.Response{jsonResponse(t, map[string]any{
		"components": []map[string]any{{"name": "app", "files": []string{"main.go"}}},
	})}}

	payload, err := runBlueprint(t, mock,
		task("a", "Scaffold", 3),
		task("b", "API", 2, "a"),
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, payload.OrderedTasks)
	assert.Equal(t, "build a todo list service", payload.Intent)
	require.Len(t, payload.Timeline, 2)
}

func TestBlueprintNormalizesComponentPaths(t *testing.T) {
	mock := &gentest.MockGenerator{Responses: []*generator.Response{jsonResponse(t, map[string]any{
		"components": []map[string]any{
			{"name": "app", "files": []string{"./src/a.go", "/abs.go", "src//b.go", "../evil.go"}},
		},
	})}}

	payload, err := runBlueprint(t, mock, task("a", "Scaffold", 3))
	require.NoError(t, err)

	require.Len(t, payload.Components, 1)
	assert.Equal(t, []string{"src/a.go", "abs.go", "src/b.go"}, payload.Components[0].Files)
}

func TestBlueprintMergesDuplicateComponents(t *testing.T) {
	mock := &gentest.MockGenerator{Responses: []*generator.Response{jsonResponse(t, map[string]any{
		"components": []map[string]any{
			{"name": "api", "purpose": "HTTP surface", "files": []string{"api/handler.go"}},
			{"name": "api", "files": []string{"api/routes.go", "api/handler.go"}},
		},
	})}}

	payload, err := runBlueprint(t, mock, task("a", "Scaffold", 3))
	require.NoError(t, err)

	require.Len(t, payload.Components, 1)
	assert.Equal(t, "HTTP surface", payload.Components[0].Purpose)
	assert.Equal(t, []string{"api/handler.go", "api/routes.go"}, payload.Components[0].Files)
	assert.NoError(t, payload.Validate())
}

func TestBlueprintDropsDanglingDependsOn(t *testing.T) {
	mock := &gentest.MockGenerator{Responses: []*generator.Response{jsonResponse(t, map[string]any{
		"components": []map[string]any{
			{"name": "api", "depends_on": []string{"storage", "api", "ghost"}},
			{"name": "storage"},
		},
	})}}

	payload, err := runBlueprint(t, mock, task("a", "Scaffold", 3))
	require.NoError(t, err)

	require.Len(t, payload.Components, 2)
	assert.Equal(t, []string{"storage"}, payload.Components[0].DependsOn)
}

func TestBlueprintFallsBackOnProse(t *testing.T) {
	mock := &gentest.MockGenerator{Responses: []*generator.Response{proseResponse()}}

	payload, err := runBlueprint(t, mock, task("a", "Scaffold", 3))
	require.NoError(t, err)

	require.Len(t, payload.Components, 1)
	assert.Equal(t, "application", payload.Components[0].Name)
	assert.Equal(t, "build a todo list service", payload.Components[0].Purpose)
	assert.NoError(t, payload.Validate())
}

func TestBlueprintGeneratorErrorPropagates(t *testing.T) {
	mock := &gentest.MockGenerator{Err: generator.NewTransientError(errors.New("upstream 503"))}

	_, err := runBlueprint(t, mock, task("a", "Scaffold", 3))
	require.Error(t, err)
	assert.True(t, worker.IsRetryable(err))
}

func TestBlueprintPromptListsOrderedTasks(t *testing.T) {
	mock := &gentest.MockGenerator{Responses: []*generator.Response{jsonResponse(t, map[string]any{
		"components": []map[string]any{{"name": "app"}},
	})}}

	_, err := runBlueprint(t, mock,
		task("a", "Scaffold the module", 3),
		task("b", "Implement the API", 2, "a"),
	)
	require.NoError(t, err)

	reqs := mock.Requests()
	require.Len(t, reqs, 1)
	user := reqs[0].Messages[1].Content
	assert.Contains(t, user, "1. a: Scaffold the module")
	assert.Contains(t, user, "2. b: Implement the API")
}

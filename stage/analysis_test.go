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

func newAnalysis(t *testing.T, mock *gentest.MockGenerator) *Analysis {
	t.Helper()
	tr, err := NewAnalysis(mock, slog.Default())
	require.NoError(t, err)
	return tr
}

func runAnalysis(t *testing.T, mock *gentest.MockGenerator) (*envelope.AnalysisPayload, error) {
	t.Helper()
	out, err := newAnalysis(t, mock).Run(context.Background(), envFor(envelope.StageAnalysis, submissionPayload()))
	if err != nil {
		return nil, err
	}
	require.NotNil(t, out)
	payload, ok := out.Payload.(*envelope.AnalysisPayload)
	require.True(t, ok)
	return payload, nil
}

func TestAnalysisParsesTaskGraph(t *testing.T) {
	mock := &gentest.MockGenerator{Responses: []*generator.Response{jsonResponse(t, map[string]any{
		"intent":      "build a todo list service",
		"constraints": []string{"store data in sqlite"},
		"tasks": []map[string]any{
			{"id": "scaffold", "title": "Scaffold the module", "description": "Create the module layout", "priority": 1},
			{"id": "api", "title": "Implement the REST API", "description": "CRUD over todos", "dependencies": []string{"scaffold"}, "priority": 2},
			{"id": "tests", "title": "Write API tests", "description": "Cover the handlers"},
		},
	})}}

	payload, err := runAnalysis(t, mock)
	require.NoError(t, err)

	assert.Equal(t, "build a todo list service", payload.Intent)
	assert.Contains(t, payload.Constraints, "store data in sqlite")
	require.Len(t, payload.Tasks, 3)
	assert.Equal(t, []string{"scaffold"}, payload.Tasks[1].Dependencies)
	assert.Equal(t, envelope.DefaultTaskPriority, payload.Tasks[2].Priority)
	assert.Equal(t, envelope.TaskStatusPending, payload.Tasks[2].Status)
	assert.NoError(t, payload.Validate())
}

func TestAnalysisFatalOnDependencyCycle(t *testing.T) {
	mock := &gentest.MockGenerator{Responses: []*generator.Response{jsonResponse(t, map[string]any{
		"intent": "build a service",
		"tasks": []map[string]any{
			{"id": "a", "title": "First", "description": "x", "dependencies": []string{"b"}},
			{"id": "b", "title": "Second", "description": "y", "dependencies": []string{"a"}},
		},
	})}}

	_, err := runAnalysis(t, mock)
	require.Error(t, err)
	assert.False(t, worker.IsRetryable(err))
	assert.Contains(t, err.Error(), "cycle")
}

func TestAnalysisFatalOnDuplicateTaskIDs(t *testing.T) {
	mock := &gentest.MockGenerator{Responses: []*generator.Response{jsonResponse(t, map[string]any{
		"intent": "build a service",
		"tasks": []map[string]any{
			{"id": "a", "title": "First", "description": "x"},
			{"id": "a", "title": "Again", "description": "y"},
		},
	})}}

	_, err := runAnalysis(t, mock)
	require.Error(t, err)
	assert.False(t, worker.IsRetryable(err))
}

func TestAnalysisFatalOnZeroTasks(t *testing.T) {
	mock := &gentest.MockGenerator{Responses: []*generator.Response{jsonResponse(t, map[string]any{
		"intent": "a project that needs no work",
		"tasks":  []map[string]any{},
	})}}

	_, err := runAnalysis(t, mock)
	require.Error(t, err)
	assert.False(t, worker.IsRetryable(err))
	assert.Contains(t, err.Error(), "at least one task")
}

func TestAnalysisFallsBackOnProse(t *testing.T) {
	mock := &gentest.MockGenerator{Responses: []*generator.Response{proseResponse()}}

	payload, err := runAnalysis(t, mock)
	require.NoError(t, err)

	require.Len(t, payload.Tasks, 1)
	assert.Equal(t, "t1", payload.Tasks[0].ID)
	assert.Equal(t, "Build a todo list service with a REST API", payload.Intent)
	assert.NoError(t, payload.Validate())
}

func TestAnalysisPropagatesGeneratorError(t *testing.T) {
	mock := &gentest.MockGenerator{Err: generator.NewTransientError(errors.New("upstream 503"))}

	_, err := runAnalysis(t, mock)
	require.Error(t, err)
	assert.True(t, worker.IsRetryable(err))
}

func TestAnalysisFatalGeneratorErrorStaysFatal(t *testing.T) {
	mock := &gentest.MockGenerator{Err: generator.NewFatalError(errors.New("invalid api key"))}

	_, err := runAnalysis(t, mock)
	require.Error(t, err)
	assert.False(t, worker.IsRetryable(err))
}

func TestAnalysisAssignsMissingTaskIDs(t *testing.T) {
	mock := &gentest.MockGenerator{Responses: []*generator.Response{jsonResponse(t, map[string]any{
		"intent": "build a service",
		"tasks": []map[string]any{
			{"title": "First", "description": "x"},
			{"title": "Second", "description": "y"},
		},
	})}}

	payload, err := runAnalysis(t, mock)
	require.NoError(t, err)
	require.Len(t, payload.Tasks, 2)
	assert.Equal(t, "t1", payload.Tasks[0].ID)
	assert.Equal(t, "t2", payload.Tasks[1].ID)
}

func TestAnalysisClampsPriorities(t *testing.T) {
	mock := &gentest.MockGenerator{Responses: []*generator.Response{jsonResponse(t, map[string]any{
		"intent": "build a service",
		"tasks": []map[string]any{
			{"id": "a", "title": "High", "description": "x", "priority": 9},
			{"id": "b", "title": "Low", "description": "y", "priority": -1},
			{"id": "c", "title": "Default", "description": "z"},
		},
	})}}

	payload, err := runAnalysis(t, mock)
	require.NoError(t, err)
	assert.Equal(t, envelope.MaxTaskPriority, payload.Tasks[0].Priority)
	assert.Equal(t, envelope.MinTaskPriority, payload.Tasks[1].Priority)
	assert.Equal(t, envelope.DefaultTaskPriority, payload.Tasks[2].Priority)
}

func TestAnalysisMergesSubmissionConstraints(t *testing.T) {
	mock := &gentest.MockGenerator{Responses: []*generator.Response{jsonResponse(t, map[string]any{
		"intent":      "build a service",
		"constraints": []string{"store data in sqlite", "single binary"},
		"tasks": []map[string]any{
			{"id": "a", "title": "Build", "description": "x"},
		},
	})}}
	tr := newAnalysis(t, mock)

	in := &envelope.SubmissionPayload{Submission: envelope.Submission{
		Kind: envelope.SubmissionNewProject,
		NewProject: &envelope.NewProject{
			Description: "Build a todo list service",
			Constraints: []string{"single binary"},
		},
	}}
	out, err := tr.Run(context.Background(), envFor(envelope.StageAnalysis, in))
	require.NoError(t, err)

	payload := out.Payload.(*envelope.AnalysisPayload)
	assert.Equal(t, []string{"single binary", "store data in sqlite"}, payload.Constraints)
}

func TestAnalysisKeepsCredentialsOutOfPrompts(t *testing.T) {
	mock := &gentest.MockGenerator{Responses: []*generator.Response{jsonResponse(t, map[string]any{
		"intent": "extend the repository",
		"tasks":  []map[string]any{{"id": "a", "title": "Extend", "description": "x"}},
	})}}
	tr := newAnalysis(t, mock)

	in := &envelope.SubmissionPayload{Submission: envelope.Submission{
		Kind: envelope.SubmissionGit,
		Git: &envelope.GitSource{
			URL:         "https://github.com/acme/todo.git",
			Credentials: "sekret-token",
		},
	}}
	_, err := tr.Run(context.Background(), envFor(envelope.StageAnalysis, in))
	require.NoError(t, err)

	for _, req := range mock.Requests() {
		for _, msg := range req.Messages {
			assert.NotContains(t, msg.Content, "sekret-token")
		}
	}
}

func TestAnalysisCarriesPriorityForward(t *testing.T) {
	mock := &gentest.MockGenerator{Responses: []*generator.Response{jsonResponse(t, map[string]any{
		"intent": "build a service",
		"tasks":  []map[string]any{{"id": "a", "title": "Build", "description": "x"}},
	})}}
	tr := newAnalysis(t, mock)

	in := submissionPayload()
	in.Priority = envelope.PriorityUrgent
	out, err := tr.Run(context.Background(), envFor(envelope.StageAnalysis, in))
	require.NoError(t, err)
	assert.Equal(t, envelope.PriorityUrgent, out.Payload.(*envelope.AnalysisPayload).Priority)
}

func TestNewAnalysisRequiresGenerator(t *testing.T) {
	_, err := NewAnalysis(nil, slog.Default())
	require.Error(t, err)
}

package todosource_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renxida/opus-orchestra-sub001/internal/todosource"
	"github.com/renxida/opus-orchestra-sub001/internal/worker"
)

func TestTodosMissingFileReturnsEmpty(t *testing.T) {
	s := todosource.New()
	todos, err := s.Todos(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, todos)
}

func TestTodosParsesSequence(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".claude"), 0o755))
	doc := `[
		{"status": "completed", "content": "write tests", "activeForm": "Writing tests"},
		{"status": "in_progress", "content": "fix bug", "activeForm": "Fixing bug"}
	]`
	require.NoError(t, os.WriteFile(filepath.Join(dir, todosource.RelativePath), []byte(doc), 0o644))

	s := todosource.New()
	todos, err := s.Todos(dir)
	require.NoError(t, err)
	require.Len(t, todos, 2)
	assert.Equal(t, worker.Todo{Status: worker.TodoCompleted, Content: "write tests", ActiveForm: "Writing tests"}, todos[0])
	assert.Equal(t, worker.TodoInProgress, todos[1].Status)
}

func TestTodosInvalidJSONErrors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".claude"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, todosource.RelativePath), []byte("not json"), 0o644))

	s := todosource.New()
	_, err := s.Todos(dir)
	assert.Error(t, err)
}

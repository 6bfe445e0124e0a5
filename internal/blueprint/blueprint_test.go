package blueprint

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/cmdengine/internal/actions"
	"github.com/rendis/cmdengine/internal/expressions"
	"github.com/rendis/cmdengine/pkg/command"
	"github.com/rendis/cmdengine/pkg/schema"
)

type fixture struct {
	loader  *Loader
	builder *Builder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	command.SetLoggingEnabled(false)
	t.Cleanup(func() { command.SetLoggingEnabled(true) })

	engines, err := expressions.NewEngines()
	require.NoError(t, err)
	reg := actions.NewRegistry()
	require.NoError(t, actions.RegisterBuiltins(reg, actions.BuiltinConfig{Engines: engines}))
	schemas, err := NewSchemaValidator()
	require.NoError(t, err)

	return &fixture{
		loader:  NewLoader(schemas),
		builder: NewBuilder(Deps{Registry: reg, Engines: engines, Schemas: schemas}),
	}
}

func (f *fixture) parse(t *testing.T, doc string) *schema.Blueprint {
	t.Helper()
	bp, err := f.loader.Parse([]byte(doc), FormatYAML)
	require.NoError(t, err)
	return bp
}

func requireOpCode(t *testing.T, err error, code string) *schema.OpError {
	t.Helper()
	require.Error(t, err)
	var opErr *schema.OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, code, opErr.Code)
	return opErr
}

func issuePaths(r *schema.ValidationResult) []string {
	paths := make([]string, len(r.Issues))
	for i, issue := range r.Issues {
		paths[i] = issue.Path
	}
	return paths
}

func TestFormatFromPath(t *testing.T) {
	assert.Equal(t, FormatJSON, FormatFromPath("a/b.JSON"))
	assert.Equal(t, FormatYAML, FormatFromPath("a/b.yaml"))
	assert.Equal(t, FormatYAML, FormatFromPath("a/b.yml"))
	assert.Equal(t, FormatYAML, FormatFromPath("noext"))
}

func TestLoad_YAMLBuildsAndRuns(t *testing.T) {
	f := newFixture(t)
	bp, err := f.loader.Load("testdata/counter.yaml")
	require.NoError(t, err)
	assert.Equal(t, "counter", bp.Name)

	tree, err := f.builder.Build(bp)
	require.NoError(t, err)
	assert.Equal(t, "Main", tree.Root.Name())

	require.NoError(t, tree.Root.Run(context.Background()))
	assert.Equal(t, schema.StateCompleted, tree.Root.State())

	count, _ := tree.Vars.Get("count")
	assert.Equal(t, 3, count)
	last, _ := tree.Vars.Get("last")
	assert.Equal(t, "blue", last)
	verdict, _ := tree.Vars.Get("verdict")
	assert.Equal(t, "reached", verdict)

	flaky, ok := command.Find(tree.Root, "Flaky")
	require.True(t, ok)
	assert.Equal(t, 3, flaky.(*command.Retry).CurrentAttempt())
}

func TestLoad_JSONStoresOutput(t *testing.T) {
	f := newFixture(t)
	bp, err := f.loader.Load("testdata/counter.json")
	require.NoError(t, err)

	tree, err := f.builder.Build(bp)
	require.NoError(t, err)
	require.NoError(t, tree.Root.Run(context.Background()))
	require.Equal(t, schema.StateCompleted, tree.Root.State())

	count, _ := tree.Vars.Get("count")
	assert.InDelta(t, 3.0, count, 0.0001)

	bumped, ok := tree.Vars.Get("bumped")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"result": 3.0}, bumped)
}

func TestLoad_MissingFile(t *testing.T) {
	f := newFixture(t)
	_, err := f.loader.Load("testdata/absent.yaml")
	requireOpCode(t, err, schema.ErrCodeNotFound)
}

func TestParse_SchemaRejections(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		doc  string
		path string
	}{
		{"empty", "", ""},
		{"malformed", "name: [", ""},
		{"missing root", "name: x\n", "$"},
		{"unknown kind", "name: x\nroot:\n  kind: loop\n", "root.kind"},
		{"unknown field", "name: x\nroot:\n  kind: leaf\n  action: noop\n  colour: red\n", "root"},
		{"negative repeat", "name: x\nroot:\n  kind: cyclic\n  repeat: -1\n  body: {kind: leaf, action: noop}\n", "root.repeat"},
		{"bad delay", "name: x\nroot:\n  kind: retry\n  max_attempts: 2\n  delay: soon\n  body: {kind: leaf, action: noop}\n", "root.delay"},
		{"nested child", "name: x\nroot:\n  kind: sequential\n  children:\n    - kind: leaf\n      action: 7\n", "root.children[0].action"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.loader.Parse([]byte(tc.doc), FormatYAML)
			opErr := requireOpCode(t, err, schema.ErrCodeValidation)
			if tc.path == "" {
				return
			}
			issues, ok := opErr.Details["issues"].([]schema.ValidationIssue)
			require.True(t, ok)
			var paths []string
			for _, issue := range issues {
				paths = append(paths, issue.Path)
			}
			assert.Contains(t, paths, tc.path)
		})
	}
}

func TestParse_InvalidJSON(t *testing.T) {
	f := newFixture(t)
	_, err := f.loader.Parse([]byte("{"), FormatJSON)
	requireOpCode(t, err, schema.ErrCodeValidation)

	_, err = f.loader.Parse([]byte("{}"), Format("toml"))
	requireOpCode(t, err, schema.ErrCodeValidation)
}

func TestValidate_StructuralProblems(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		doc  string
		path string
		code string
	}{
		{"unknown action", "name: x\nroot: {kind: leaf, action: teleport}\n", "root.action", schema.ErrCodeActionUnavailable},
		{"leaf without action", "name: x\nroot: {kind: leaf}\n", "root", schema.ErrCodeValidation},
		{"params schema", "name: x\nroot: {kind: leaf, action: sleep, params: {duration: true}}\n", "root.params", schema.ErrCodeValidation},
		{"params validate", "name: x\nroot: {kind: leaf, action: sleep, params: {duration: eventually}}\n", "root.params", schema.ErrCodeValidation},
		{"missing body", "name: x\nroot: {kind: cyclic, repeat: 2}\n", "root", schema.ErrCodeValidation},
		{"missing else", "name: x\nroot:\n  kind: conditional\n  predicate: {expression: 'true'}\n  then: {kind: leaf, action: noop}\n", "root", schema.ErrCodeValidation},
		{"missing predicate", "name: x\nroot: {kind: while, body: {kind: leaf, action: noop}}\n", "root", schema.ErrCodeValidation},
		{"bad expression", "name: x\nroot:\n  kind: while\n  predicate: {expression: 'vars.count <'}\n  body: {kind: leaf, action: noop}\n", "root.predicate", schema.ErrCodeValidation},
		{"retry attempts", "name: x\nroot: {kind: retry, body: {kind: leaf, action: noop}}\n", "root.max_attempts", schema.ErrCodeValidation},
		{"foreign field", "name: x\nroot: {kind: sequential, body: {kind: leaf, action: noop}}\n", "root.body", schema.ErrCodeValidation},
		{"on_abort not leaf", "name: x\nroot:\n  kind: abortable\n  body: {kind: leaf, action: noop}\n  on_abort: {kind: sequential}\n", "root.on_abort", schema.ErrCodeValidation},
		{"duplicate names", "name: x\nroot:\n  kind: sequential\n  children:\n    - {kind: leaf, name: A, action: noop}\n    - {kind: leaf, name: A, action: noop}\n", "root.children[1].name", schema.ErrCodeConflict},
		{"missing core", "name: x\nroot: {kind: try_finally, finally: {kind: leaf, action: noop}}\n", "root", schema.ErrCodeValidation},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			bp := f.parse(t, tc.doc)
			result := f.builder.Validate(bp)
			require.False(t, result.Valid())
			assert.Contains(t, issuePaths(result), tc.path)

			for _, issue := range result.Issues {
				if issue.Path == tc.path {
					assert.Equal(t, tc.code, issue.Code)
				}
			}

			_, err := f.builder.Build(bp)
			requireOpCode(t, err, schema.ErrCodeValidation)
		})
	}
}

func TestValidate_NilBlueprint(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.builder.Validate(nil).Valid())
}

func TestBuild_IndependentTrees(t *testing.T) {
	f := newFixture(t)
	bp := f.parse(t, `
name: twice
variables: {count: 0}
root:
  kind: leaf
  name: Bump
  action: expr.eval
  params: {expression: vars.count + 1, store: count}
`)

	first, err := f.builder.Build(bp)
	require.NoError(t, err)
	second, err := f.builder.Build(bp)
	require.NoError(t, err)
	assert.NotSame(t, first.Root, second.Root)

	require.NoError(t, first.Root.Run(context.Background()))
	require.NoError(t, first.Root.Run(context.Background()))

	count, _ := first.Vars.Get("count")
	assert.Equal(t, 2, count)
	count, _ = second.Vars.Get("count")
	assert.Equal(t, 0, count)
	assert.Equal(t, 0, bp.Variables["count"])
}

func TestBuild_LeafNameDefaultsToAction(t *testing.T) {
	f := newFixture(t)
	tree, err := f.builder.Build(f.parse(t, "name: x\nroot: {kind: leaf, action: noop}\n"))
	require.NoError(t, err)
	assert.Equal(t, "noop", tree.Root.Name())
	assert.Equal(t, command.KindLeaf, tree.Root.Kind())
}

func TestBuild_ActionFailureIsClassified(t *testing.T) {
	f := newFixture(t)
	tree, err := f.builder.Build(f.parse(t, `
name: x
root:
  kind: recoverable
  name: Guard
  core: {kind: leaf, name: Break, action: fail, params: {code: 7, tier: recoverable, message: jammed}}
  recovery: {kind: leaf, name: Fix, action: vars.set, params: {name: fixed, value: true}}
`))
	require.NoError(t, err)
	require.NoError(t, tree.Root.Run(context.Background()))

	assert.Equal(t, schema.StateCompleted, tree.Root.State())
	fixed, _ := tree.Vars.Get("fixed")
	assert.Equal(t, true, fixed)

	brk, _ := command.Find(tree.Root, "Break")
	require.NotNil(t, brk.Err())
	assert.Equal(t, 7, brk.Err().Code)
}

func TestBuild_TryFinallyRunsCleanup(t *testing.T) {
	f := newFixture(t)
	tree, err := f.builder.Build(f.parse(t, `
name: x
root:
  kind: try_finally
  core: {kind: leaf, name: Work, action: fail, params: {message: broken}}
  finally: {kind: leaf, name: Cleanup, action: vars.set, params: {name: cleaned, value: yes}}
`))
	require.NoError(t, err)
	require.NoError(t, tree.Root.Run(context.Background()))

	assert.Equal(t, schema.StateFailed, tree.Root.State())
	assert.Equal(t, "broken", tree.Root.Err().Text)
	cleaned, _ := tree.Vars.Get("cleaned")
	assert.Equal(t, "yes", cleaned)
}

func TestBuild_PredicateEvaluationFailure(t *testing.T) {
	f := newFixture(t)
	tree, err := f.builder.Build(f.parse(t, `
name: x
root:
  kind: conditional
  predicate: {expression: 1 + 1}
  then: {kind: leaf, action: noop}
  else: {kind: leaf, name: other, action: noop}
`))
	require.NoError(t, err)
	require.NoError(t, tree.Root.Run(context.Background()))

	assert.Equal(t, schema.StateFailed, tree.Root.State())
	assert.Equal(t, expressions.CodePredicateNotBoolean, tree.Root.Err().Code)
}

func TestBuild_AbortableRunsOnAbortLeaf(t *testing.T) {
	f := newFixture(t)
	tree, err := f.builder.Build(f.parse(t, `
name: x
root:
  kind: abortable
  name: Guarded
  body: {kind: leaf, name: Wait, action: sleep, params: {duration: 10s}}
  on_abort: {kind: leaf, name: Release, action: vars.set, params: {name: released, value: true}}
`))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- tree.Root.Run(context.Background()) }()
	require.True(t, tree.Root.WaitUntilStarted(5*time.Second))

	tree.Root.Abort()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("abortable did not stop")
	}

	assert.Equal(t, schema.StateAborted, tree.Root.State())
	released, _ := tree.Vars.Get("released")
	assert.Equal(t, true, released)
	assert.Len(t, command.Leaves(tree.Root), 1)
}

// brokenAction returns an unclassified error on every call.
type brokenAction struct{}

func (brokenAction) Name() string { return "test.broken" }
func (brokenAction) Schema() actions.ActionSchema { return actions.ActionSchema{} }
func (brokenAction) Validate(map[string]any) error { return nil }
func (brokenAction) Execute(context.Context, actions.ActionInput) (*actions.ActionOutput, error) {
	return nil, errors.New("valve controller offline")
}

func TestBuild_OnAbortOutcomeIsLogged(t *testing.T) {
	tests := []struct {
		name    string
		onAbort string
		want    string
	}{
		{"fault", "{kind: leaf, name: Release, action: test.broken}", `"msg":"abort handler terminated by fault"`},
		{"failure", "{kind: leaf, name: Release, action: fail, params: {code: 42, message: stuck}}", `"msg":"abort handler failed"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			require.NoError(t, f.builder.deps.Registry.Register(brokenAction{}))
			var buf bytes.Buffer
			f.builder = NewBuilder(Deps{
				Registry: f.builder.deps.Registry,
				Engines:  f.builder.deps.Engines,
				Schemas:  f.builder.deps.Schemas,
				Logger:   slog.New(slog.NewJSONHandler(&buf, nil)),
			})

			tree, err := f.builder.Build(f.parse(t, `
name: valves
root:
  kind: abortable
  name: Guarded
  body: {kind: leaf, name: Wait, action: sleep, params: {duration: 10s}}
  on_abort: `+tt.onAbort+`
`))
			require.NoError(t, err)

			done := make(chan error, 1)
			go func() { done <- tree.Root.Run(context.Background()) }()
			require.True(t, tree.Root.WaitUntilStarted(5*time.Second))
			tree.Root.Abort()

			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("abortable did not stop")
			}
			assert.Equal(t, schema.StateAborted, tree.Root.State())
			assert.Contains(t, buf.String(), tt.want)
			assert.Contains(t, buf.String(), `"on_abort":"Release"`)
			assert.Contains(t, buf.String(), `"blueprint":"valves"`)
		})
	}
}

func TestBuild_ParallelUsesLauncher(t *testing.T) {
	f := newFixture(t)
	pool := command.NewPool(1)
	defer pool.Shutdown()
	f.builder = NewBuilder(Deps{
		Registry: f.builder.deps.Registry,
		Engines:  f.builder.deps.Engines,
		Schemas:  f.builder.deps.Schemas,
		Launcher: pool,
	})

	tree, err := f.builder.Build(f.parse(t, `
name: x
root:
  kind: parallel
  children:
    - {kind: leaf, name: A, action: sleep, params: {duration: 50ms}}
    - {kind: leaf, name: B, action: sleep, params: {duration: 50ms}}
`))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, tree.Root.Run(context.Background()))
	assert.Equal(t, schema.StateCompleted, tree.Root.State())
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestSchemaValidator_Params(t *testing.T) {
	v, err := NewSchemaValidator()
	require.NoError(t, err)

	inputSchema := []byte(`{"type":"object","properties":{"n":{"type":"integer","minimum":1}},"required":["n"]}`)

	assert.True(t, v.ValidateParams("p", map[string]any{"n": 2}, inputSchema).Valid())
	assert.True(t, v.ValidateParams("p", nil, nil).Valid())

	missing := v.ValidateParams("p", nil, inputSchema)
	require.False(t, missing.Valid())
	assert.Equal(t, "p", missing.Issues[0].Path)

	low := v.ValidateParams("p", map[string]any{"n": 0}, inputSchema)
	require.False(t, low.Valid())
	assert.Equal(t, "p.n", low.Issues[0].Path)

	broken := v.ValidateParams("p", map[string]any{}, []byte(`{"type": 12}`))
	require.False(t, broken.Valid())
	assert.True(t, strings.Contains(broken.Issues[0].Message, "invalid action input schema"))
}

package document

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/nestdoc/internal/engine"
	"github.com/roach88/nestdoc/internal/ir"
	"github.com/roach88/nestdoc/internal/query"
	"github.com/roach88/nestdoc/internal/queryir"
	"github.com/roach88/nestdoc/internal/resolver"
	"github.com/roach88/nestdoc/internal/schema"
	"github.com/roach88/nestdoc/internal/store"
	"github.com/roach88/nestdoc/internal/testutil"
)

func openVolatile(t *testing.T, opts ...Option) *Coordinator {
	t.Helper()
	opts = append([]Option{WithModel(testutil.PersonModel(t))}, opts...)
	c, err := Open(context.Background(), "", "", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

// openCounting opens a volatile coordinator over a commit-counting store.
func openCounting(t *testing.T, opts ...Option) (*Coordinator, *testutil.CountingStore) {
	t.Helper()
	cs := testutil.NewCountingStore(nil)
	return openVolatile(t, append([]Option{WithStoreOpener(cs.Opener())}, opts...)...), cs
}

func insert(t *testing.T, oc *engine.ObjectContext, people ...ir.IRObject) []ir.EntityRecord {
	t.Helper()
	recs, err := engine.Call(context.Background(), oc, func(tx *engine.Tx) ([]ir.EntityRecord, error) {
		var out []ir.EntityRecord
		for _, p := range people {
			rec, err := tx.Insert("Person", p)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
		return out, nil
	})
	require.NoError(t, err)
	return recs
}

func count(t *testing.T, oc *engine.ObjectContext, req queryir.Request) int {
	t.Helper()
	n, err := engine.Call(context.Background(), oc, func(tx *engine.Tx) (int, error) {
		return query.Count(tx, req)
	})
	require.NoError(t, err)
	return n
}

func get(t *testing.T, oc *engine.ObjectContext, id ir.EntityIdentifier) ir.EntityRecord {
	t.Helper()
	rec, err := engine.Call(context.Background(), oc, func(tx *engine.Tx) (ir.EntityRecord, error) {
		return tx.Get(id)
	})
	require.NoError(t, err)
	return rec
}

func TestOpen_Volatile(t *testing.T) {
	c := openVolatile(t)

	assert.Equal(t, StateOpen, c.State())
	assert.Empty(t, c.Location())
	require.NotNil(t, c.MainContext())
	assert.Equal(t, "main", c.MainContext().Name())
	assert.False(t, c.MainContext().IsRoot())
	assert.Equal(t, "store", c.MainContext().Parent().Name())
}

func TestOpen_SchemaFile(t *testing.T) {
	c, err := Open(context.Background(), "", testutil.PersonSchemaFile(t))
	require.NoError(t, err)
	defer c.Close(context.Background())

	assert.Equal(t, []string{"Company", "Person", "Project", "Task"}, c.Model().EntityNames())
}

func TestOpen_SchemaUnreadable(t *testing.T) {
	c, err := Open(context.Background(), "", filepath.Join(t.TempDir(), "missing.cue"))
	assert.Nil(t, c)
	require.Error(t, err)
	assert.True(t, IsSchemaUnreadable(err))

	bad := testutil.WriteSchema(t, t.TempDir(), "bad.cue", `entity: Person: {`)
	c, err = Open(context.Background(), "", bad)
	assert.Nil(t, c)
	assert.True(t, IsSchemaUnreadable(err))
}

func TestOpen_CustomLoaderFailure(t *testing.T) {
	boom := errors.New("model package corrupt")
	loader := schema.LoaderFunc(func(string) (*schema.Model, error) { return nil, boom })

	c, err := Open(context.Background(), "", "model.momd", WithSchemaLoader(loader))
	assert.Nil(t, c)
	assert.True(t, IsSchemaUnreadable(err))
	assert.ErrorIs(t, err, boom)
}

func TestOpen_UnwritableLocation(t *testing.T) {
	for name, location := range map[string]string{
		"missing parent":        filepath.Join(t.TempDir(), "missing", "doc.sqlite"),
		"directory not bundled": t.TempDir(),
	} {
		t.Run(name, func(t *testing.T) {
			c, err := Open(context.Background(), location, "", WithModel(testutil.PersonModel(t)))
			assert.Nil(t, c, "no coordinator on failure")
			require.Error(t, err)
			assert.True(t, IsStoreAttachFailed(err))

			var oe *OpenError
			require.ErrorAs(t, err, &oe)
			assert.Equal(t, ResolveLocation(location), oe.Location)
		})
	}
}

func TestResolveLocation(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "doc.sqlite")

	assert.Empty(t, ResolveLocation(""))
	assert.Equal(t, file, ResolveLocation(file), "missing files are taken as is")
	assert.Equal(t, filepath.Join(dir, "StoreContent", "persistentStore"), ResolveLocation(dir))
}

func TestOpen_BundledDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "StoreContent"), 0o755))

	c, err := Open(context.Background(), dir, "", WithModel(testutil.PersonModel(t)))
	require.NoError(t, err)
	defer c.Close(context.Background())

	assert.Equal(t, filepath.Join(dir, "StoreContent", "persistentStore"), c.Location())
	assert.FileExists(t, c.Location())
}

func TestOpen_MigrationDisabled(t *testing.T) {
	location := filepath.Join(t.TempDir(), "doc.sqlite")
	c, err := Open(context.Background(), location, "", WithModel(testutil.PersonModel(t)))
	require.NoError(t, err)
	require.NoError(t, c.Close(context.Background()))

	changed, err := schema.CompileString("changed.cue", `
entity: Person: attribute: {
	firstName: string
	lastName:  string
	email?:    string
}
`)
	require.NoError(t, err)

	c, err = Open(context.Background(), location, "", WithModel(changed), WithMigrationOptions(store.MigrationOptions{}))
	assert.Nil(t, c)
	assert.True(t, IsStoreAttachFailed(err))
	assert.ErrorIs(t, err, store.ErrModelMismatch)

	c, err = Open(context.Background(), location, "", WithModel(changed))
	require.NoError(t, err, "default options migrate")
	require.NoError(t, c.Close(context.Background()))
}

func TestOpenInBackground(t *testing.T) {
	ch := OpenInBackground(context.Background(), "", "", WithModel(testutil.PersonModel(t)))

	select {
	case res := <-ch:
		require.NoError(t, res.Err)
		require.NotNil(t, res.Coordinator)
		assert.Equal(t, StateOpen, res.Coordinator.State())
		require.NoError(t, res.Coordinator.Close(context.Background()))
	case <-time.After(5 * time.Second):
		t.Fatal("open did not complete")
	}

	_, ok := <-ch
	assert.False(t, ok, "channel closes after the result")

	res := <-OpenInBackground(context.Background(), "", filepath.Join(t.TempDir(), "nope.cue"))
	assert.Nil(t, res.Coordinator)
	assert.True(t, IsSchemaUnreadable(res.Err))
}

func TestSaveAndWait_NoChanges(t *testing.T) {
	c, cs := openCounting(t)

	had, err := c.SaveAndWait(context.Background(), true)
	require.NoError(t, err)
	assert.False(t, had)
	assert.Zero(t, cs.Commits(), "a clean document performs no I/O")
}

func TestSaveAndWait_Idempotent(t *testing.T) {
	c, cs := openCounting(t)
	insert(t, c.MainContext(), testutil.Person("Ada", "Lovelace"))

	had, err := c.SaveAndWait(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, had)

	had, err = c.SaveAndWait(context.Background(), true)
	require.NoError(t, err)
	assert.False(t, had)
	assert.Equal(t, 1, cs.Commits())
}

func TestSaveAndWait_MakesIdentifiersPermanent(t *testing.T) {
	c := openVolatile(t, WithTokenGenerator(engine.NewSequenceGenerator("t")))
	recs := insert(t, c.MainContext(), testutil.Person("Ada", "Lovelace"), testutil.Person("Bob", "Babbage"))
	for _, r := range recs {
		require.True(t, r.ID.IsTemporary())
	}

	_, err := c.SaveAndWait(context.Background(), true)
	require.NoError(t, err)

	for _, r := range recs {
		got := get(t, c.MainContext(), r.ID)
		assert.False(t, got.ID.IsTemporary(), "%s", r.ID)
		assert.Equal(t, r.Attributes["firstName"], got.Attributes["firstName"])
	}
}

func TestSaveAndWait_MainValidationFailureNeverReachesStore(t *testing.T) {
	c, cs := openCounting(t)
	insert(t, c.MainContext(), ir.IRObject{"firstName": ir.IRString("Nobody")})

	had, err := c.SaveAndWait(context.Background(), true)
	require.Error(t, err)
	assert.False(t, had)
	assert.True(t, engine.IsValidationFailed(err))
	assert.Zero(t, cs.Commits())

	pending, err := engine.Call(context.Background(), c.MainContext(), func(tx *engine.Tx) (int, error) {
		return tx.PendingChanges(), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, pending, "the failed change stays pending in main")
}

func TestSaveAndWait_CommitFailureKeepsMainState(t *testing.T) {
	c, cs := openCounting(t)
	recs := insert(t, c.MainContext(), testutil.Person("Ada", "Lovelace"))

	cs.FailNextCommit(errors.New("disk full"))
	had, err := c.SaveAndWait(context.Background(), true)
	require.Error(t, err)
	assert.False(t, had)
	assert.True(t, engine.IsCommitFailed(err))

	// main already saved: the edit is there and main is clean.
	got := get(t, c.MainContext(), recs[0].ID)
	assert.Equal(t, ir.IRString("Ada"), got.Attributes["firstName"])

	// The retry finds the store context still dirty.
	had, err = c.SaveAndWait(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, had)
	assert.Equal(t, 2, cs.Commits())
}

func TestSaveAndWait_NonBlocking(t *testing.T) {
	c, cs := openCounting(t)
	release := cs.HoldCommits()
	defer release()

	insert(t, c.MainContext(), testutil.Person("Ada", "Lovelace"))
	had, err := c.SaveAndWait(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, had, "returns once main's save is merged")

	// main is clean and usable while the durable write is held.
	dirty, err := engine.Call(context.Background(), c.MainContext(), func(tx *engine.Tx) (bool, error) {
		return tx.HasChanges(), nil
	})
	require.NoError(t, err)
	assert.False(t, dirty)

	release()
	select {
	case <-cs.Committed():
	case <-time.After(5 * time.Second):
		t.Fatal("background store save never committed")
	}
	assert.Equal(t, 1, cs.Commits())
}

func TestSaveAndWait_NonBlockingFailureReported(t *testing.T) {
	errs := make(chan error, 1)
	c, cs := openCounting(t, WithAsyncSaveErrorHandler(func(err error) { errs <- err }))
	cs.FailNextCommit(errors.New("disk full"))

	insert(t, c.MainContext(), testutil.Person("Ada", "Lovelace"))
	had, err := c.SaveAndWait(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, had)

	select {
	case err := <-errs:
		assert.True(t, engine.IsCommitFailed(err))
	case <-time.After(5 * time.Second):
		t.Fatal("async failure was not reported")
	}
}

func TestSaveAndWait_DeletedBackingFile(t *testing.T) {
	location := filepath.Join(t.TempDir(), "doc.sqlite")
	c, err := Open(context.Background(), location, "", WithModel(testutil.PersonModel(t)))
	require.NoError(t, err)
	defer c.Close(context.Background())

	require.NoError(t, os.Remove(location))
	insert(t, c.MainContext(), testutil.Person("Ada", "Lovelace"))

	had, err := c.SaveAndWait(context.Background(), true)
	require.Error(t, err)
	assert.False(t, had)
	assert.True(t, engine.IsCommitFailed(err))
	assert.ErrorIs(t, err, store.ErrDetached)
}

func TestReopen_ResolvesPermanentIdentifiers(t *testing.T) {
	ctx := context.Background()
	location := filepath.Join(t.TempDir(), "doc.sqlite")
	model := testutil.PersonModel(t)

	c1, err := Open(ctx, location, "", WithModel(model))
	require.NoError(t, err)
	recs := insert(t, c1.MainContext(), testutil.Person("Ada", "Lovelace"), testutil.Person("Bob", "Babbage"))
	_, err = c1.SaveAndWait(ctx, true)
	require.NoError(t, err)

	var saved []ir.EntityRecord
	for _, r := range recs {
		saved = append(saved, get(t, c1.MainContext(), r.ID))
	}
	require.NoError(t, c1.Close(ctx))

	c2, err := Open(ctx, location, "", WithModel(model))
	require.NoError(t, err)
	defer c2.Close(ctx)
	assert.Equal(t, location, c2.Location())

	for _, r := range saved {
		got, err := resolver.Resolve(ctx, r, c1.MainContext(), c2.MainContext())
		require.NoError(t, err)
		assert.Equal(t, r.ID, got.ID)
		assert.Equal(t, r.Attributes["lastName"], got.Attributes["lastName"])
	}
}

func TestResolve_TemporaryBeforeDurableSave(t *testing.T) {
	c := openVolatile(t)
	recs := insert(t, c.MainContext(), testutil.Person("Ada", "Lovelace"))

	scoped, err := c.NewScopedChildContext(engine.DefaultPolicy)
	require.NoError(t, err)
	defer scoped.Close()

	_, err = resolver.Resolve(context.Background(), recs[0], c.MainContext(), scoped)
	assert.ErrorIs(t, err, engine.ErrUnresolvableTemporaryIdentifier)
}

func TestScenario_DaveQuery(t *testing.T) {
	c := openVolatile(t)
	insert(t, c.MainContext(), testutil.Person("Dave", "Reed"), testutil.Person("Dave", "Smith"))

	recs, err := query.FindIn(context.Background(), c.MainContext(), queryir.Request{
		Kind:      "Person",
		Predicate: queryir.Equals{Field: "firstName", Value: ir.IRString("Dave")},
		Sort:      []queryir.SortKey{queryir.Asc("lastName")},
	})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, ir.IRString("Reed"), recs[0].Attributes["lastName"])
	assert.Equal(t, ir.IRString("Smith"), recs[1].Attributes["lastName"])
}

func TestScenario_DaveQueryDurable(t *testing.T) {
	ctx := context.Background()
	location := filepath.Join(t.TempDir(), "doc.sqlite")
	model := testutil.PersonModel(t)
	daves := queryir.Request{
		Kind:      "Person",
		Predicate: queryir.Equals{Field: "firstName", Value: ir.IRString("Dave")},
		Sort:      []queryir.SortKey{queryir.Asc("lastName")},
	}
	lastNames := func(recs []ir.EntityRecord) []ir.IRValue {
		out := make([]ir.IRValue, len(recs))
		for i, r := range recs {
			out[i] = r.Attributes["lastName"]
		}
		return out
	}
	want := []ir.IRValue{ir.IRString("Reed"), ir.IRString("Smith")}

	c1, err := Open(ctx, location, "", WithModel(model))
	require.NoError(t, err)
	insert(t, c1.MainContext(),
		testutil.Person("Dave", "Smith"), testutil.Person("Ann", "Smith"), testutil.Person("Dave", "Reed"))

	recs, err := query.FindIn(ctx, c1.MainContext(), daves)
	require.NoError(t, err, "pending records over an empty durable store")
	assert.Equal(t, want, lastNames(recs))

	_, err = c1.SaveAndWait(ctx, true)
	require.NoError(t, err)
	recs, err = query.FindIn(ctx, c1.MainContext(), daves)
	require.NoError(t, err)
	assert.Equal(t, want, lastNames(recs))
	require.NoError(t, c1.Close(ctx))

	c2, err := Open(ctx, location, "", WithModel(model))
	require.NoError(t, err)
	defer c2.Close(ctx)

	recs, err = query.FindIn(ctx, c2.MainContext(), daves)
	require.NoError(t, err)
	assert.Equal(t, want, lastNames(recs))
	for _, r := range recs {
		assert.False(t, r.ID.IsTemporary())
	}

	assert.Equal(t, 2, count(t, c2.MainContext(), queryir.Request{
		Kind:      "Person",
		Predicate: queryir.Expr{Source: `firstName == "Dave"`},
	}))
	assert.Equal(t, 3, count(t, c2.MainContext(), queryir.Request{Kind: "Person"}))

	scoped, err := c2.NewScopedChildContext(engine.DefaultPolicy)
	require.NoError(t, err)
	defer scoped.Close()
	assert.Equal(t, 2, count(t, scoped, queryir.Request{
		Kind:      "Person",
		Predicate: queryir.Equals{Field: "lastName", Value: ir.IRString("Smith")},
	}))
}

func TestScenario_ScopedChild(t *testing.T) {
	c := openVolatile(t)
	insert(t, c.MainContext(), testutil.Person("Dave", "Reed"), testutil.Person("Dave", "Smith"))
	people := queryir.Request{Kind: "Person"}

	scoped, err := c.NewScopedChildContext(engine.DefaultPolicy)
	require.NoError(t, err)
	defer scoped.Close()
	insert(t, scoped, testutil.Person("Dave", "Young"))

	assert.Equal(t, 2, count(t, c.MainContext(), people))

	_, err = engine.Call(context.Background(), scoped, func(tx *engine.Tx) (bool, error) {
		return tx.Save()
	})
	require.NoError(t, err)
	assert.Equal(t, 3, count(t, c.MainContext(), people))
}

func TestScopedChild_DroppedEditsDiscarded(t *testing.T) {
	c, cs := openCounting(t)

	scoped, err := c.NewScopedChildContext(engine.Policy{Name: "draft"})
	require.NoError(t, err)
	insert(t, scoped, testutil.Person("Dave", "Young"))
	scoped.Close()

	had, err := c.SaveAndWait(context.Background(), true)
	require.NoError(t, err)
	assert.False(t, had)
	assert.Zero(t, cs.Commits())
}

func TestSaveWithExtendedOperation(t *testing.T) {
	hook := &CountingHook{}
	c := openVolatile(t, WithLifecycleHook(hook))
	insert(t, c.MainContext(), testutil.Person("Ada", "Lovelace"))

	had, err := c.SaveWithExtendedOperation(context.Background())
	require.NoError(t, err)
	assert.True(t, had)
	assert.Equal(t, uint64(1), hook.Begun())
	assert.Zero(t, hook.Active())
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, cs := openCounting(t, WithRegisterer(reg))
	ctx := context.Background()

	insert(t, c.MainContext(), testutil.Person("Ada", "Lovelace"))
	_, err := c.SaveAndWait(ctx, true)
	require.NoError(t, err)
	_, err = c.SaveAndWait(ctx, true)
	require.NoError(t, err)

	insert(t, c.MainContext(), testutil.Person("Bob", "Babbage"))
	cs.FailNextCommit(errors.New("disk full"))
	_, err = c.SaveAndWait(ctx, true)
	require.Error(t, err)

	assert.Equal(t, 2.0, promtest.ToFloat64(c.metrics.saves.WithLabelValues(levelMain, resultOK)))
	assert.Equal(t, 1.0, promtest.ToFloat64(c.metrics.saves.WithLabelValues(levelMain, resultNoop)))
	assert.Equal(t, 1.0, promtest.ToFloat64(c.metrics.saves.WithLabelValues(levelStore, resultOK)))
	assert.Equal(t, 1.0, promtest.ToFloat64(c.metrics.saves.WithLabelValues(levelStore, resultError)))
	assert.Equal(t, 2, promtest.CollectAndCount(c.metrics.duration))

	// A second coordinator on the same registry shares the collectors.
	c2 := openVolatile(t, WithRegisterer(reg))
	assert.Same(t, c.metrics.saves, c2.metrics.saves)
}

func TestClose(t *testing.T) {
	c, cs := openCounting(t)
	insert(t, c.MainContext(), testutil.Person("Ada", "Lovelace"))

	_, err := c.SaveAndWait(context.Background(), false)
	require.NoError(t, err)

	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, 1, cs.Commits(), "queued store save ran before the handle closed")
	assert.Equal(t, StateClosed, c.State())
	require.NoError(t, c.Close(context.Background()), "idempotent")

	_, err = c.SaveAndWait(context.Background(), true)
	assert.ErrorIs(t, err, engine.ErrContextClosed)
	_, err = c.NewScopedChildContext(engine.DefaultPolicy)
	assert.ErrorIs(t, err, engine.ErrContextClosed)
	assert.True(t, c.MainContext().Closed())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "uninitialized", StateUninitialized.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closed", StateClosed.String())
}

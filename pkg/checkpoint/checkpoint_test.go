// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/sgmvfi/pkg/network"
)

func TestFilterAndStrip(t *testing.T) {
	t1 := tensors.FromValue([]float32{1, 2})
	t2 := tensors.FromValue([]float32{3})
	t3 := tensors.FromValue([]float32{4})
	raw := Mapping{"module.foo.weight": t1, "bar.attn_mask": t2, "baz": t3}
	got := FilterAndStrip(raw, "module.", []string{"attn_mask"})
	require.Len(t, got, 1)
	assert.Same(t, t1, got["foo.weight"])

	// Excluded wins over required.
	raw = Mapping{"/module/unet/HW": t1, "/module/unet/conv/weights": t2, "/unet/conv/biases": t3}
	got = FilterAndStrip(raw, "/module", []string{"attn_mask", "HW"})
	assert.Equal(t, []string{"/unet/conv/weights"}, got.Keys())
}

func TestNormalize(t *testing.T) {
	t1 := tensors.FromValue([]float32{1})
	excluded := []string{"attn_mask"}
	got := Normalize(Mapping{"/a/x": t1, "/a/attn_mask": t1}, "/module", excluded)
	assert.Equal(t, []string{"/a/x"}, got.Keys())
	got = Normalize(Mapping{"/module/a/x": t1, "/b/y": t1}, "/module", excluded)
	assert.Equal(t, []string{"/a/x"}, got.Keys())
}

func TestRecordRoundTrip(t *testing.T) {
	paths := Paths{Root: t.TempDir(), Name: "ours"}
	assert.Equal(t, filepath.Join(paths.Root, "ours", "ckpt", "ours.ckpt"), paths.Current())
	assert.Equal(t, filepath.Join(paths.Root, "ours", "ckpt", "ours-best.ckpt"), paths.Best())

	rec := &Record{
		Epoch: 7,
		RunID: "run",
		Model: Mapping{
			"/unet/conv/weights": tensors.FromValue([][]float32{{1, 2}, {3, 4}}),
			"/unet/conv/biases":  tensors.FromValue([]float32{5, 6}),
		},
		Optimizer: Mapping{"/global_step": tensors.FromScalar(int64(11))},
	}
	for range 2 {
		// Writing twice: directory creation is idempotent and the file is replaced.
		require.NoError(t, WriteRecord(paths.Current(), rec))
	}
	got, err := LoadRecord(paths.Current())
	require.NoError(t, err)
	assert.Equal(t, 7, got.Epoch)
	assert.Equal(t, "run", got.RunID)
	assert.Equal(t, rec.Model.Keys(), got.Model.Keys())
	for key, value := range rec.Model {
		assert.True(t, value.Equal(got.Model[key]), "value of %q differs", key)
	}
	assert.Equal(t, int64(11), tensors.ToScalar[int64](got.Optimizer["/global_step"]))

	model, err := LoadPretrained(paths.Current())
	require.NoError(t, err)
	assert.Len(t, model, 2)
	_, err = os.Stat(paths.Current() + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestWriteRecordFailure(t *testing.T) {
	path := Paths{Root: t.TempDir(), Name: "ours"}.Current()
	good := &Record{Epoch: 1, Model: Mapping{"/unet/conv/biases": tensors.FromValue([]float32{5, 6})}}
	require.NoError(t, WriteRecord(path, good))

	invalid := tensors.FromValue([]float32{1, 2})
	invalid.MustFinalizeAll()
	bad := &Record{Epoch: 2, Model: Mapping{"/unet/conv/biases": invalid}}
	require.Error(t, WriteRecord(path, bad))

	// The partial file is closed and removed, and the previous record is untouched.
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
	got, err := LoadRecord(path)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Epoch)

	// The same path can be written again.
	good.Epoch = 3
	require.NoError(t, WriteRecord(path, good))
	got, err = LoadRecord(path)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Epoch)
}

func TestNotFound(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadRecord(filepath.Join(dir, "missing.ckpt"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = LoadPretrained(filepath.Join(dir, "missing.ckpt"))
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = LoadGoMLXDir(filepath.Join(dir, "missing"))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func newContext() *context.Context {
	ctx := context.New()
	ctx.In("matching").In("conv").VariableWithValue("weights", []float32{0, 0})
	ctx.In("unet").In("conv").VariableWithValue("weights", []float32{0, 0, 0})
	ctx.In("unet").In("conv").VariableWithValue("biases", []float32{0})
	ctx.In("optimizers").VariableWithValue("learning_rate", float32(0.1)).SetTrainable(false)
	return ctx
}

func valueOf(t *testing.T, ctx *context.Context, key string) []float32 {
	scope, name := context.SplitScope(key)
	v := ctx.GetVariableByScopeAndName(scope, name)
	require.NotNil(t, v, "variable %q not found", key)
	return tensors.MustCopyFlatData[float32](v.MustValue())
}

func TestLoadInto(t *testing.T) {
	ctx := newContext()
	ctx.GetVariableByScopeAndName("/unet/conv", "weights").SetTrainable(false)
	mapping := Mapping{
		"/unet/conv/weights": tensors.FromValue([]float32{1, 2, 3}),
		"/unet/extra":        tensors.FromValue([]float32{9}),
	}
	result, err := LoadInto(ctx, mapping)
	require.NoError(t, err)
	assert.Equal(t, 1, result.NumLoaded())
	assert.Equal(t, []string{"/unet/conv/weights"}, result.Loaded)
	assert.Equal(t, []string{"/unet/extra"}, result.Ignored)
	assert.Equal(t, []string{"/matching/conv/weights", "/optimizers/learning_rate", "/unet/conv/biases"}, result.Missing)
	assert.Equal(t, []float32{1, 2, 3}, valueOf(t, ctx, "/unet/conv/weights"))
	assert.False(t, ctx.GetVariableByScopeAndName("/unet/conv", "weights").Trainable, "trainable flag must be preserved")

	// A shape mismatch inside the intersection fails without assigning anything.
	mapping = Mapping{
		"/unet/conv/biases":  tensors.FromValue([]float32{7}),
		"/unet/conv/weights": tensors.FromValue([]float32{1, 2}),
	}
	_, err = LoadInto(ctx, mapping)
	require.Error(t, err)
	assert.Equal(t, []float32{0}, valueOf(t, ctx, "/unet/conv/biases"))

	// Restricted to scopes.
	mapping = Mapping{
		"/unet/conv/biases":      tensors.FromValue([]float32{7}),
		"/matching/conv/weights": tensors.FromValue([]float32{5, 6}),
	}
	result, err = LoadInto(ctx, mapping, "/matching")
	require.NoError(t, err)
	assert.Equal(t, []string{"/matching/conv/weights"}, result.Loaded)
	assert.Equal(t, []string{"/unet/conv/biases"}, result.Ignored)
	assert.Empty(t, result.Missing)
	assert.Equal(t, []float32{0}, valueOf(t, ctx, "/unet/conv/biases"))
}

func TestLoadPartialFromGoMLXDir(t *testing.T) {
	// Write a GoMLX checkpoint of a context holding only the matching branch.
	dir := filepath.Join(t.TempDir(), "matching")
	{
		src := context.New()
		src.In("matching").In("conv").VariableWithValue("weights", []float32{3, 4})
		src.In("matching").In("conv").VariableWithValue("unused", []float32{1})
		handler, err := checkpoints.Build(src).Dir(dir).Done()
		require.NoError(t, err)
		require.NoError(t, handler.Save())
	}
	raw, err := LoadGoMLXDir(dir)
	require.NoError(t, err)
	// The checkpoints package also saves bookkeeping variables, like the global step.
	assert.Subset(t, raw.Keys(), []string{"/matching/conv/unused", "/matching/conv/weights"})
	assert.Contains(t, raw.Keys(), "/global_step")

	ctx := newContext()
	result, err := LoadPartial(ctx, network.MatchingBranch, raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"/matching/conv/weights"}, result.Loaded)
	assert.Contains(t, result.Ignored, "/matching/conv/unused")
	assert.Contains(t, result.Ignored, "/global_step")
	assert.Equal(t, []float32{3, 4}, valueOf(t, ctx, "/matching/conv/weights"))
	assert.Equal(t, []float32{0, 0, 0}, valueOf(t, ctx, "/unet/conv/weights"))
}

func TestStoreSnapshotApply(t *testing.T) {
	ctx := newContext()
	_, err := LoadInto(ctx, Mapping{
		"/unet/conv/weights": tensors.FromValue([]float32{1, 2, 3}),
		"/unet/conv/biases":  tensors.FromValue([]float32{4}),
	})
	require.NoError(t, err)

	stateKey := func(key string) string { return "/module" + key }
	rec, err := Snapshot(ctx, []string{"/matching", "/unet"}, stateKey, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"/module/matching/conv/weights", "/module/unet/conv/biases", "/module/unet/conv/weights"},
		rec.Model.Keys())
	assert.Equal(t, []string{"/optimizers/learning_rate"}, rec.Optimizer.Keys())

	paths := Paths{Root: t.TempDir(), Name: "ours"}
	replica := &Store{Paths: paths, Primary: false}
	require.NoError(t, replica.Save(rec))
	require.NoError(t, replica.SaveBest(rec))
	_, err = os.Stat(paths.Dir())
	assert.True(t, os.IsNotExist(err), "non-primary store must not write")

	store := NewStore(paths, true)
	require.NoError(t, store.Save(rec))
	require.NoError(t, store.SaveBest(rec))
	assert.FileExists(t, paths.Best())

	loaded, err := LoadRecord(paths.Current())
	require.NoError(t, err)
	assert.Equal(t, store.RunID, loaded.RunID)

	// Restore into a fresh context.
	fresh := newContext()
	fresh.GetVariableByScopeAndName("/optimizers", "learning_rate").MustSetValue(tensors.FromScalar(float32(0.5)))
	result, err := ApplyRecord(fresh, loaded, "/module", []string{"attn_mask"})
	require.NoError(t, err)
	assert.Equal(t, 3, result.NumLoaded())
	assert.Equal(t, []float32{1, 2, 3}, valueOf(t, fresh, "/unet/conv/weights"))
	assert.Equal(t, []float32{4}, valueOf(t, fresh, "/unet/conv/biases"))
	assert.Equal(t, []float32{0.1}, valueOf(t, fresh, "/optimizers/learning_rate"))
}

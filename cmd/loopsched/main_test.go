// Copyright 2026 loopsched Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleBlurPipeline(t *testing.T) {
	out := filepath.Join(t.TempDir(), "blur.schedule")

	cmd := newCommand()
	cmd.SetArgs([]string{
		"--beam", "4",
		"--passes", "2",
		"--seed", "7",
		"--parallelism", "4",
		"-o", out,
		"testdata/blur.yaml",
	})
	require.NoError(t, cmd.Execute())

	schedule, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(schedule), "blur_y.compute_root()")
	assert.Contains(t, string(schedule), "blur_x")
}

func TestFeaturizationArtifact(t *testing.T) {
	dir := t.TempDir()
	schedOut := filepath.Join(dir, "blur.schedule")
	featOut := filepath.Join(dir, "blur.featurization")

	cmd := newCommand()
	cmd.SetArgs([]string{
		"--beam", "1",
		"-o", schedOut,
		"--featurization", featOut,
		"testdata/blur.yaml",
	})
	require.NoError(t, cmd.Execute())

	info, err := os.Stat(featOut)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestMissingPipelineFile(t *testing.T) {
	cmd := newCommand()
	cmd.SetArgs([]string{"does-not-exist.yaml"})
	require.Error(t, cmd.Execute())
}

func TestUnknownScheduler(t *testing.T) {
	cmd := newCommand()
	cmd.SetArgs([]string{"--scheduler", "annealing", "testdata/blur.yaml"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "annealing")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOOPSCHED_BEAM_SIZE", "2")
	t.Setenv("LOOPSCHED_SEED", "99")

	out := filepath.Join(t.TempDir(), "blur.schedule")
	cmd := newCommand()
	// --seed on the command line wins over LOOPSCHED_SEED; beam size
	// comes from the environment.
	cmd.SetArgs([]string{"--seed", "3", "-o", out, "testdata/blur.yaml"})
	require.NoError(t, cmd.Execute())

	_, err := os.Stat(out)
	require.NoError(t, err)
}

func TestDeprecatedScheduleFileEnv(t *testing.T) {
	out := filepath.Join(t.TempDir(), "legacy.schedule")
	t.Setenv("LOOPSCHED_SCHEDULE_FILE", out)

	cmd := newCommand()
	cmd.SetArgs([]string{"--beam", "1", "testdata/blur.yaml"})
	require.NoError(t, cmd.Execute())

	schedule, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(schedule), "compute_root")
}

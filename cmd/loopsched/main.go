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

// Command loopsched searches for a good loop schedule for a dataflow
// pipeline described in YAML.
//
// Usage:
//
//	loopsched pipeline.yaml                        # schedule to stdout
//	loopsched -o pipeline.schedule pipeline.yaml   # schedule to a file
//	loopsched --beam 32 --weights w.bin pipeline.yaml
//
// Every flag can also be set through the environment with a LOOPSCHED_
// prefix (LOOPSCHED_BEAM_SIZE, LOOPSCHED_SEED, ...), and a .env file in
// the working directory is loaded first.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ajroetker/loopsched/cost"
	"github.com/ajroetker/loopsched/dag"
	"github.com/ajroetker/loopsched/pipeline"
	"github.com/ajroetker/loopsched/search"
)

type options struct {
	BeamSize            int     `envconfig:"BEAM_SIZE"`
	NumPasses           int     `envconfig:"NUM_PASSES"`
	Dropout             float64 `envconfig:"DROPOUT"`
	Seed                int64   `envconfig:"SEED"`
	Parallelism         int     `envconfig:"PARALLELISM"`
	Freeze              bool    `envconfig:"FREEZE_INLINE_PREPASS"`
	NoSubtiling         bool    `envconfig:"NO_SUBTILING"`
	PermitNonConstTiles bool    `envconfig:"PERMIT_NONCONST_TILES"`
	BlessFactor         float64 `envconfig:"BLESS_FACTOR"`
	Weights             string  `envconfig:"WEIGHTS"`
	Scheduler           string  `envconfig:"SCHEDULER"`
	ScheduleOut         string  `envconfig:"SCHEDULE_OUT"`
	FeaturizationOut    string  `envconfig:"FEATURIZATION_OUT"`
	CYOS                bool    `envconfig:"CYOS"`
	Verbose             bool    `envconfig:"VERBOSE"`
	DumpGraph           bool    `envconfig:"DUMP_GRAPH"`

	// Deprecated environment spellings, honored with a warning.
	LegacyFeatureFile  string `envconfig:"FEATURE_FILE"`
	LegacySchedulesDir string `envconfig:"SCHEDULE_FILE"`
}

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "loopsched: %v\n", err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	opts := options{
		BeamSize:    32,
		Dropout:     100,
		Seed:        1,
		Scheduler:   "beam",
		BlessFactor: 1.2,
	}

	cmd := &cobra.Command{
		Use:           "loopsched <pipeline.yaml>",
		Short:         "beam-search autoscheduler for dataflow pipelines",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args[0], &opts)
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.BeamSize, "beam", opts.BeamSize, "beam width of the search frontier")
	f.IntVar(&opts.NumPasses, "passes", 0, "refinement pass count (0 = auto)")
	f.Float64Var(&opts.Dropout, "dropout", opts.Dropout, "percent chance a candidate lineage survives the run")
	f.Int64Var(&opts.Seed, "seed", opts.Seed, "random seed for the dropout stream")
	f.IntVar(&opts.Parallelism, "parallelism", 0, "cores to schedule for (0 = this machine)")
	f.BoolVar(&opts.Freeze, "freeze-inline-prepass", false, "pin the cheapest nodes after an exploratory pre-pass")
	f.BoolVar(&opts.NoSubtiling, "no-subtiling", false, "restrict placement to outermost loop levels")
	f.BoolVar(&opts.PermitNonConstTiles, "permit-nonconst-tiles", false, "admit tilings with non-constant inner extents")
	f.Float64Var(&opts.BlessFactor, "bless-factor", opts.BlessFactor, "cost ratio to the pass winner kept unpenalized next pass")
	f.StringVar(&opts.Weights, "weights", "", "cost model weights file (empty = built-in heuristic)")
	f.StringVar(&opts.Scheduler, "scheduler", opts.Scheduler, "scheduler to use")
	f.StringVarP(&opts.ScheduleOut, "output", "o", "", "write the schedule here instead of stdout")
	f.StringVar(&opts.FeaturizationOut, "featurization", "", "also write the binary featurization here")
	f.BoolVar(&opts.CYOS, "cyos", false, "choose-your-own-schedule: pick each step interactively")
	f.BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	f.BoolVar(&opts.DumpGraph, "dump-graph", false, "print the dependency graph before searching")
	return cmd
}

func run(cmd *cobra.Command, pipelinePath string, opts *options) error {
	// .env, then environment, override the flag defaults but not
	// explicitly passed flags.
	_ = godotenv.Load()
	var env options
	if err := envconfig.Process("loopsched", &env); err != nil {
		return errors.Wrap(err, "reading LOOPSCHED_* environment")
	}
	mergeEnv(cmd, opts, &env)

	log := newLogger(opts.Verbose)

	if opts.LegacyFeatureFile != "" {
		log.Warn().Msg("LOOPSCHED_FEATURE_FILE is deprecated; use --featurization")
		if opts.FeaturizationOut == "" {
			opts.FeaturizationOut = opts.LegacyFeatureFile
		}
	}
	if opts.LegacySchedulesDir != "" {
		log.Warn().Msg("LOOPSCHED_SCHEDULE_FILE is deprecated; use --output")
		if opts.ScheduleOut == "" {
			opts.ScheduleOut = opts.LegacySchedulesDir
		}
	}

	p, err := pipeline.LoadFile(pipelinePath)
	if err != nil {
		return err
	}
	target := pipeline.DetectTarget()
	params := pipeline.DefaultMachineParams()
	if opts.Parallelism > 0 {
		params.Parallelism = opts.Parallelism
	}

	g, err := dag.Build(p, target)
	if err != nil {
		return err
	}
	if opts.DumpGraph {
		g.Dump(os.Stderr)
	}
	log.Info().
		Int("nodes", len(g.Nodes)).
		Int("stages", g.NumStages).
		Str("arch", target.Arch).
		Int("vector_bits", target.VectorBits).
		Int("parallelism", params.Parallelism).
		Msg("built dependency graph")

	var model cost.Model
	if opts.Weights != "" {
		lm, err := cost.LoadWeights(opts.Weights)
		if err != nil {
			return err
		}
		defer lm.Close()
		model = lm
	}

	cfg := search.Config{
		BeamSize:            opts.BeamSize,
		NumPasses:           opts.NumPasses,
		DropoutPercent:      opts.Dropout,
		Seed:                opts.Seed,
		FreezeInlinePrePass: opts.Freeze,
		NoSubtiling:         opts.NoSubtiling,
		PermitNonConstTiles: opts.PermitNonConstTiles,
		BlessFactor:         opts.BlessFactor,
		Progress:            !opts.Verbose,
		Logger:              log,
	}
	if opts.CYOS {
		cfg.Interactive = stdinChooser(os.Stdin, os.Stderr)
	}

	registry := search.NewRegistry()
	registry.Register("beam", search.AutoSchedule)
	scheduler, err := registry.Lookup(opts.Scheduler)
	if err != nil {
		return err
	}

	result, err := scheduler(g, params, target, model, cfg)
	if err != nil {
		return err
	}
	log.Info().Float64("cost", result.Best.Cost).Msg("search complete")

	if opts.ScheduleOut == "" {
		fmt.Print(result.ScheduleSource)
	} else if err := os.WriteFile(opts.ScheduleOut, []byte(result.ScheduleSource), 0o644); err != nil {
		return errors.Wrap(err, "writing schedule")
	}

	if opts.FeaturizationOut != "" {
		f, err := os.Create(opts.FeaturizationOut)
		if err != nil {
			return errors.Wrap(err, "writing featurization")
		}
		defer f.Close()
		w := bufio.NewWriter(f)
		if err := result.Best.SaveFeaturization(g, params, target, w); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return errors.Wrap(err, "writing featurization")
		}
	}
	return nil
}

// mergeEnv applies environment overrides for every flag the user did
// not pass explicitly.
func mergeEnv(cmd *cobra.Command, opts, env *options) {
	changed := func(name string) bool { return cmd.Flags().Changed(name) }
	if env.BeamSize != 0 && !changed("beam") {
		opts.BeamSize = env.BeamSize
	}
	if env.NumPasses != 0 && !changed("passes") {
		opts.NumPasses = env.NumPasses
	}
	if env.Dropout != 0 && !changed("dropout") {
		opts.Dropout = env.Dropout
	}
	if env.Seed != 0 && !changed("seed") {
		opts.Seed = env.Seed
	}
	if env.Parallelism != 0 && !changed("parallelism") {
		opts.Parallelism = env.Parallelism
	}
	if env.Freeze && !changed("freeze-inline-prepass") {
		opts.Freeze = true
	}
	if env.NoSubtiling && !changed("no-subtiling") {
		opts.NoSubtiling = true
	}
	if env.PermitNonConstTiles && !changed("permit-nonconst-tiles") {
		opts.PermitNonConstTiles = true
	}
	if env.BlessFactor != 0 && !changed("bless-factor") {
		opts.BlessFactor = env.BlessFactor
	}
	if env.Weights != "" && !changed("weights") {
		opts.Weights = env.Weights
	}
	if env.Scheduler != "" && !changed("scheduler") {
		opts.Scheduler = env.Scheduler
	}
	if env.ScheduleOut != "" && !changed("output") {
		opts.ScheduleOut = env.ScheduleOut
	}
	if env.FeaturizationOut != "" && !changed("featurization") {
		opts.FeaturizationOut = env.FeaturizationOut
	}
	if env.CYOS && !changed("cyos") {
		opts.CYOS = true
	}
	if env.Verbose && !changed("verbose") {
		opts.Verbose = true
	}
	opts.LegacyFeatureFile = env.LegacyFeatureFile
	opts.LegacySchedulesDir = env.LegacySchedulesDir
}

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// stdinChooser presents the frontier and reads the index to expand.
func stdinChooser(in *os.File, out *os.File) func([]*search.State) int {
	reader := bufio.NewReader(in)
	return func(frontier []*search.State) int {
		fmt.Fprintf(out, "\n%d candidates:\n", len(frontier))
		for i, s := range frontier {
			fmt.Fprintf(out, "--- [%d] ---\n", i)
			s.Dump(out)
		}
		for {
			fmt.Fprintf(out, "expand which? [0-%d] ", len(frontier)-1)
			line, err := reader.ReadString('\n')
			if err != nil {
				return 0
			}
			n, err := strconv.Atoi(strings.TrimSpace(line))
			if err == nil && n >= 0 && n < len(frontier) {
				return n
			}
		}
	}
}

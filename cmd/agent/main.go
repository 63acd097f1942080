package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/polzovatel/browser-autopilot/internal/browser"
	"github.com/polzovatel/browser-autopilot/internal/config"
	"github.com/polzovatel/browser-autopilot/internal/knowledge"
	"github.com/polzovatel/browser-autopilot/internal/llm"
	"github.com/polzovatel/browser-autopilot/internal/oracle"
	"github.com/polzovatel/browser-autopilot/internal/runner"
)

type rootOptions struct {
	configFile string
	dbPath     string
	envFile    string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "autopilot",
		Short:         "Browser automation that learns skills from its own runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "YAML config file")
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "knowledge database path (overrides config)")
	root.PersistentFlags().StringVar(&opts.envFile, "env", ".env", "dotenv file")

	root.AddCommand(newRunCmd(opts), newBatchCmd(opts), newSkillCmd(opts))
	return root
}

// app holds everything a command needs. Close releases it in reverse order.
type app struct {
	cfg      config.Config
	log      zerolog.Logger
	store    *knowledge.Store
	launcher *browser.Launcher
	runner   *runner.Runner
}

func (a *app) Close() {
	if a.launcher != nil {
		if err := a.launcher.Close(); err != nil {
			a.log.Warn().Err(err).Msg("close browser")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("close store")
		}
	}
}

// setup loads configuration and opens the store. With withRunner it also
// starts the browser and wires the runner.
func setup(opts *rootOptions, withRunner bool) (*app, error) {
	cfg, err := config.Load(opts.configFile, opts.envFile)
	if err != nil {
		return nil, err
	}
	if opts.dbPath != "" {
		cfg.Store.Path = opts.dbPath
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(cfg.Level()).
		With().Timestamp().Logger()

	a := &app{cfg: cfg, log: logger}
	a.store, err = knowledge.Open(cfg.Store.Path,
		knowledge.WithLogger(logger),
		knowledge.WithWeights(cfg.Store.Weights),
	)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if !withRunner {
		return a, nil
	}

	client, err := llm.New(cfg.LLMSettings(), logger.With().Str("comp", "llm").Logger())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("llm init: %w", err)
	}
	a.launcher, err = browser.NewLauncher(browser.Options{
		Headless:     cfg.Browser.Headless,
		StorageState: cfg.Browser.StorageState,
		Logger:       logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("browser init: %w", err)
	}

	rc := runner.DefaultConfig()
	rc.Loop = cfg.LoopConfig()
	rc.SkillThreshold = cfg.Routing.SkillThreshold
	rc.TrajectoryThreshold = cfg.Routing.TrajectoryThreshold
	rc.RecoveryAttempts = cfg.Recovery.MaxAttempts
	rc.RecoveryObserve = cfg.Recovery.ObserveTimeout
	rc.RecoveryRepair = cfg.Recovery.RepairTimeout
	rc.ActionTimeout = cfg.Runner.ActionTimeout
	rc.MaxReroutes = cfg.Runner.MaxReroutes
	rc.Synthesize = cfg.Runner.Synthesize

	a.runner = runner.New(a.launcher, a.store,
		oracle.NewLLM(client, logger),
		runner.WithConfig(rc),
		runner.WithLogger(logger),
	)
	return a, nil
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		task     string
		url      string
		maxSteps int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single task",
		RunE: func(cmd *cobra.Command, _ []string) error {
			task = strings.TrimSpace(task)
			if task == "" {
				t, cancelled, err := promptTask(cmd.InOrStdin(), cmd.ErrOrStderr())
				if err != nil {
					return fmt.Errorf("prompt task: %w", err)
				}
				if cancelled {
					fmt.Fprintln(cmd.ErrOrStderr(), "Отменено.")
					return nil
				}
				task = t
			}
			a, err := setup(opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.runner.Run(cmd.Context(), task, url, maxSteps)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Success {
				return errors.New(res.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "task description (prompted when empty)")
	cmd.Flags().StringVar(&url, "url", "", "start URL")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "step limit for reasoning (0 uses config)")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func newBatchCmd(opts *rootOptions) *cobra.Command {
	var parallelism int
	cmd := &cobra.Command{
		Use:   "batch <tasks.yaml>",
		Short: "Run tasks from a YAML file concurrently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := readTasks(args[0])
			if err != nil {
				return err
			}
			a, err := setup(opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if parallelism <= 0 {
				parallelism = a.cfg.Runner.Parallelism
			}
			results, err := a.runner.RunBatch(cmd.Context(), tasks, parallelism)
			if perr := printJSON(cmd.OutOrStdout(), results); perr != nil && err == nil {
				err = perr
			}
			return err
		},
	}
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "concurrent tasks (0 uses config)")
	return cmd
}

func newSkillCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skill",
		Short: "Manage stored skills",
	}
	add := &cobra.Command{
		Use:   "add <skill.yaml>",
		Short: "Save a skill from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var in knowledge.SkillInput
			if err := yaml.Unmarshal(data, &in); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			a, err := setup(opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.store.SaveSkill(cmd.Context(), in)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List the latest version of every skill",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(opts, false)
			if err != nil {
				return err
			}
			defer a.Close()
			return printJSON(cmd.OutOrStdout(), a.store.Skills(cmd.Context()))
		},
	}
	cmd.AddCommand(add, list)
	return cmd
}

// readTasks accepts either a bare list of tasks or a document with a tasks key.
func readTasks(path string) ([]runner.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Tasks []runner.Task `yaml:"tasks"`
	}
	if err := yaml.Unmarshal(data, &doc); err == nil && len(doc.Tasks) > 0 {
		return doc.Tasks, nil
	}
	var tasks []runner.Task
	if err := yaml.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("%s: no tasks", path)
	}
	return tasks, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func promptTask(in io.Reader, out io.Writer) (string, bool, error) {
	reader := bufio.NewReader(in)
	fmt.Fprint(out, "Введите задачу (оставьте пустым, чтобы отменить): ")
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", false, err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", true, nil
	}

	const maxTaskLength = 2000
	if len(line) > maxTaskLength {
		n := maxTaskLength
		for n > 0 && !utf8.RuneStart(line[n]) {
			n--
		}
		line = line[:n]
	}
	var sanitized strings.Builder
	for _, r := range line {
		if r >= 32 || r == '\t' {
			sanitized.WriteRune(r)
		}
	}
	return sanitized.String(), false, nil
}

// Command geneagent answers a benchmark dataset of gene questions with an
// OpenRouter-hosted model and NCBI lookup tools, writing scored-ready answer
// records.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
	"github.com/genomebench/geneagent/agent"
	"github.com/genomebench/geneagent/batch"
	"github.com/genomebench/geneagent/callbacks"
	"github.com/genomebench/geneagent/config"
	"github.com/genomebench/geneagent/dataset"
	"github.com/genomebench/geneagent/pkg/llms/openrouter"
	"github.com/genomebench/geneagent/registry"
	"github.com/genomebench/geneagent/store"
	"github.com/genomebench/geneagent/tools/blast"
	"github.com/genomebench/geneagent/tools/eutils"
	"github.com/redis/go-redis/v9"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "geneagent:", err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("geneagent", flag.ContinueOnError)
	var (
		inputFlag       = fs.String("input", "", "dataset file: JSON mapping of question id to payload (required)")
		modelFlag       = fs.String("model", "", "routing-service model id (default "+openrouter.DefaultModel+")")
		maskFlag        = fs.String("mask", "", "tool bitmask, one '0'/'1' per registry entry (default all enabled)")
		outFlag         = fs.String("out", "outputs", "output root directory")
		configFlag      = fs.String("config", "", "yaml config file")
		concurrencyFlag = fs.Int("concurrency", 0, "parallel questions; 0 or 1 is sequential")
		verboseFlag     = fs.Bool("verbose", false, "verbose progress and debug logging")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	xlog.SetFormatter(xlog.NewStringFormatter(os.Stderr))
	if *verboseFlag {
		xlog.SetGlobalLogLevel(xlog.DEBUG)
	} else {
		xlog.SetGlobalLogLevel(xlog.INFO)
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		return err
	}
	creds, err := config.LoadCredentials()
	if err != nil {
		return err
	}

	// flags win over the config file
	model := values.StringsCoalesce(*modelFlag, cfg.Model, openrouter.DefaultModel)
	maskStr := values.StringsCoalesce(*maskFlag, cfg.Mask)
	outDir := values.StringsCoalesce(*outFlag, cfg.OutDir, "outputs")
	concurrency := values.NumbersCoalesce(*concurrencyFlag, cfg.Concurrency)
	if *inputFlag == "" {
		return errors.WithMessage(config.ErrConfiguration, "--input is required")
	}

	var cache store.ResponseCache
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cache = store.NewRedisCache(client, cfg.Redis.Prefix)
	} else {
		cache = store.NewMemoryCache()
	}

	var euOpts []eutils.Option
	euOpts = append(euOpts, eutils.WithCache(cache))
	if cfg.NCBI.EutilsBaseURL != "" {
		euOpts = append(euOpts, eutils.WithBaseURL(cfg.NCBI.EutilsBaseURL))
	}
	if cfg.NCBI.CallDelay > 0 {
		euOpts = append(euOpts, eutils.WithCallDelay(cfg.NCBI.CallDelay.TimeDuration()))
	}
	euClient := eutils.NewClient(euOpts...)

	var blOpts []blast.Option
	blOpts = append(blOpts, blast.WithCache(cache))
	if cfg.NCBI.BlastBaseURL != "" {
		blOpts = append(blOpts, blast.WithBaseURL(cfg.NCBI.BlastBaseURL))
	}
	if cfg.NCBI.BlastWait > 0 {
		blOpts = append(blOpts, blast.WithResultWait(cfg.NCBI.BlastWait.TimeDuration()))
	}
	blClient := blast.NewClient(blOpts...)

	canonical, err := registry.CanonicalTools(euClient, blClient)
	if err != nil {
		return err
	}
	mask := registry.AllEnabled(len(canonical))
	if maskStr != "" {
		mask, err = registry.ParseMask(maskStr, len(canonical))
		if err != nil {
			return err
		}
	}
	reg, err := registry.New(canonical, mask)
	if err != nil {
		return err
	}

	var orOpts []openrouter.Option
	orOpts = append(orOpts, openrouter.WithModel(model))
	if cfg.OpenRouter.BaseURL != "" {
		orOpts = append(orOpts, openrouter.WithBaseURL(cfg.OpenRouter.BaseURL))
	}
	if cfg.OpenRouter.CallDelay > 0 {
		orOpts = append(orOpts, openrouter.WithCallDelay(cfg.OpenRouter.CallDelay.TimeDuration()))
	}
	llm, err := openrouter.NewLLM(creds.APIKey, orOpts...)
	if err != nil {
		return err
	}

	printerMode := callbacks.ModeDefault
	if *verboseFlag {
		printerMode = callbacks.ModeVerbose
	}
	recorder := callbacks.NewRecorder(printerMode)
	cb := callbacks.NewFanout(recorder, callbacks.NewPrinter(os.Stdout, printerMode))

	var agentOpts []agent.Option
	agentOpts = append(agentOpts, agent.WithCallback(cb))
	if cfg.MaxTurns > 0 {
		agentOpts = append(agentOpts, agent.WithMaxTurns(cfg.MaxTurns))
	}
	if cfg.OpenRouter.MaxTokens > 0 {
		agentOpts = append(agentOpts, agent.WithMaxTokens(cfg.OpenRouter.MaxTokens))
	}
	orc, err := agent.New(llm, reg, agentOpts...)
	if err != nil {
		return err
	}

	questions, err := dataset.Load(*inputFlag)
	if err != nil {
		return err
	}

	runner, err := batch.NewRunner(orc,
		batch.WithModel(model),
		batch.WithMask(mask.String(), reg.Legend()),
		batch.WithInputFile(*inputFlag),
		batch.WithConcurrency(concurrency),
		batch.WithRecorder(recorder),
	)
	if err != nil {
		return err
	}

	res, runErr := runner.Run(ctx, questions)
	dir := batch.OutputPath(outDir, model, *inputFlag, mask.String())
	if err := runner.Write(dir, res); err != nil {
		return err
	}
	fmt.Printf("wrote %d records to %s (%d succeeded, %d failed)\n",
		len(res.Records), dir, res.Metadata.Succeeded, res.Metadata.Failed)

	// individual question failures still exit 0; a run-fatal error does not
	if runErr != nil {
		return runErr
	}
	return nil
}

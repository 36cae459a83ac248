// File: cmd/pie/main.go
// Package main
// Engine binary: merges CLI flags over an optional yaml config file and
// runs the serving core under SIGINT/SIGTERM. The only model backend
// compiled into this build is a deterministic reference backend, which
// makes the binary suitable for transport bring-up and soak testing;
// production deployments embed engine.Engine with a real api.Model.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/TheProxyCompany/proxy-inference-engine/api"
	"github.com/TheProxyCompany/proxy-inference-engine/control"
	"github.com/TheProxyCompany/proxy-inference-engine/engine"
)

const refVocab = 256

func main() {
	os.Exit(run())
}

func run() int {
	def := control.Default()
	var (
		configPath = flag.String("config", "", "yaml configuration file")
		modelPath  = flag.String("model", "", "model path handed to the backend (required)")
		attention  = flag.String("attention", def.Model.Attention, "attention mechanism: standard or paged")
		kvPages    = flag.Int("kv-pages", def.Pool.Pages, "number of KV cache pages")
		maxSeqs    = flag.Int("max-seqs", def.Scheduler.MaxSeqs, "maximum concurrently running sequences")
		maxTokens  = flag.Int("max-tokens", def.Scheduler.MaxTokensPerBatch, "maximum tokens per forward step")
		preempt    = flag.Bool("preempt", def.Scheduler.Preempt, "evict newest sequences under page pressure")
		pinCPU     = flag.Int("pin-cpu", def.Scheduler.PinCPU, "pin the scheduler thread to this CPU (-1 disables)")
		logLevel   = flag.String("log-level", def.Log.Level, "log level: debug, info, warn or error")
	)
	flag.Parse()

	cfg := def
	if *configPath != "" {
		var err error
		cfg, err = control.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "pie:", err)
			return 1
		}
	}
	// Flags given on the command line win over file values; unset flags
	// leave the file (or default) values alone.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "model":
			cfg.Model.Path = *modelPath
		case "attention":
			cfg.Model.Attention = *attention
		case "kv-pages":
			cfg.Pool.Pages = *kvPages
		case "max-seqs":
			cfg.Scheduler.MaxSeqs = *maxSeqs
		case "max-tokens":
			cfg.Scheduler.MaxTokensPerBatch = *maxTokens
		case "preempt":
			cfg.Scheduler.Preempt = *preempt
		case "pin-cpu":
			cfg.Scheduler.PinCPU = *pinCPU
		case "log-level":
			cfg.Log.Level = *logLevel
		}
	})

	if cfg.Model.Path == "" {
		fmt.Fprintln(os.Stderr, "pie: --model is required")
		flag.Usage()
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "pie:", err)
		return 1
	}

	level, _ := control.ParseLogLevel(cfg.Log.Level)
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	log.Warn("no tensor backend compiled into this build, serving the reference backend",
		"model", cfg.Model.Path)

	eng, err := engine.New(engine.Options{
		Config: cfg,
		Model: &referenceModel{
			vocab:   refVocab,
			heads:   cfg.Pool.Heads,
			headDim: cfg.Pool.HeadDim,
		},
		Tokenizer: referenceTokenizer{},
		Log:       log,
	})
	if err != nil {
		log.Error("engine init failed", "error", err)
		return 1
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Run(ctx); err != nil {
		log.Error("engine run failed", "error", err)
		return 1
	}
	return 0
}

// referenceModel peaks the logit of each sequence's most recent token,
// so generation repeats the prompt's last byte until a stop criterion
// fires. Stateless across steps and deterministic under any sampler.
type referenceModel struct {
	vocab   int
	heads   int
	headDim int
}

func (m *referenceModel) Forward(_ context.Context, desc *api.BatchDescriptor) ([]float32, error) {
	out := make([]float32, desc.TotalTokens*m.vocab)
	row := 0
	for i := range desc.SeqIDs {
		last := row + int(desc.InputLens[i]) - 1
		tok := int(desc.TokenIDs[last])
		if tok > m.vocab-1 {
			tok = m.vocab - 1
		}
		out[last*m.vocab+tok] = 32
		row += int(desc.InputLens[i])
	}
	return out, nil
}

func (m *referenceModel) Info() api.ModelInfo {
	return api.ModelInfo{NumLayers: 1, NumKVHeads: m.heads, HeadDim: m.headDim, VocabSize: m.vocab}
}

// referenceTokenizer maps bytes to same-valued tokens, so any utf-8
// prompt survives an encode/decode round trip unchanged.
type referenceTokenizer struct{}

func (referenceTokenizer) Encode(s string) ([]int32, error) {
	toks := make([]int32, len(s))
	for i := 0; i < len(s); i++ {
		toks[i] = int32(s[i])
	}
	return toks, nil
}

func (referenceTokenizer) Decode(tokens []int32) (string, error) {
	b := make([]byte, len(tokens))
	for i, tok := range tokens {
		b[i] = byte(tok)
	}
	return string(b), nil
}

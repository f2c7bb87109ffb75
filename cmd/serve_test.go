package main

import (
	"testing"
	"time"

	"github.com/MimeLyc/anidub/internal/breaker"
	"github.com/MimeLyc/anidub/internal/config"
	"github.com/MimeLyc/anidub/internal/llm"
	"github.com/MimeLyc/anidub/internal/stages/external"
	"github.com/stretchr/testify/assert"
)

func stageConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Pipeline.AllowEgress = true
	cfg.Pipeline.WatchdogPoll = time.Second
	cfg.Tools.Commands = map[string]string{"translate": "translate-tool {input}"}
	cfg.LLM = config.LLMConfig{
		APIKey:      "key",
		APIURL:      "http://localhost:1",
		Model:       "m",
		MaxTokens:   100,
		Temperature: 0.3,
		Timeout:     5,
		BatchSize:   10,
	}
	return cfg
}

func TestBuildStages_PrefersLLMTranslator(t *testing.T) {
	set := buildStages(stageConfig(), breaker.NewRegistry(breaker.Settings{}))
	assert.IsType(t, &llm.Translator{}, set.Translator)
	assert.NotNil(t, set.Synthesizer)
	assert.NotNil(t, set.Muxer)
}

func TestBuildStages_EgressDeniedFallsBackToTool(t *testing.T) {
	cfg := stageConfig()
	cfg.Pipeline.AllowEgress = false
	set := buildStages(cfg, breaker.NewRegistry(breaker.Settings{}))
	assert.IsType(t, &external.Translator{}, set.Translator)
}

func TestBuildStages_NoTranslator(t *testing.T) {
	cfg := stageConfig()
	cfg.LLM.APIKey = ""
	cfg.Tools.Commands = nil
	set := buildStages(cfg, breaker.NewRegistry(breaker.Settings{}))
	assert.Nil(t, set.Translator)
}

package config_test

import (
	"strings"
	"testing"

	"github.com/voicecore/callcore/internal/config"
)

func TestValidate_DuplicateAgentProfileIDs(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: openai
  tts:
    name: elevenlabs
agent_profiles:
  - id: front-desk
  - id: front-desk
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for duplicate agent profile ids, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("error should mention duplicate, got: %v", err)
	}
}

func TestValidate_MissingAgentProfileID(t *testing.T) {
	t.Parallel()
	yaml := `
agent_profiles:
  - system_preamble: "You are a helpful agent."
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing agent profile id, got nil")
	}
	if !strings.Contains(err.Error(), "id") {
		t.Errorf("error should mention id, got: %v", err)
	}
}

func TestValidate_ProvidersOptionalWithNoAgentProfiles(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(`server: {listen_addr: ":8080"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_JitterBoundsCrossCheck(t *testing.T) {
	t.Parallel()
	yaml := `
jitter:
  jitter_target_ms: 50
  jitter_max_ms: 30
  jitter_min_ms: 20
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for target exceeding max, got nil")
	}
	if !strings.Contains(err.Error(), "jitter_target_ms") {
		t.Errorf("error should mention jitter_target_ms, got: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
agent_profiles:
  - id: dup
  - id: dup
    voice:
      speed_factor: 9.0
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "duplicate") {
		t.Errorf("error should mention duplicate, got: %v", err)
	}
	if !strings.Contains(errStr, "speed_factor") {
		t.Errorf("error should mention speed_factor, got: %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	if len(config.ValidProviderNames) == 0 {
		t.Fatal("ValidProviderNames should not be empty")
	}
	llmNames := config.ValidProviderNames["llm"]
	found := false
	for _, n := range llmNames {
		if n == "openai" {
			found = true
			break
		}
	}
	if !found {
		t.Error(`ValidProviderNames["llm"] should contain "openai"`)
	}
}

func TestLoadFromReader_DefaultsApplied(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Call.MaxCallSeconds != 3600 {
		t.Errorf("call.max_call_seconds: got %d, want 3600", cfg.Call.MaxCallSeconds)
	}
	if cfg.Call.SilenceTimeoutSeconds != 8 {
		t.Errorf("call.silence_timeout_seconds: got %d, want 8", cfg.Call.SilenceTimeoutSeconds)
	}
	if cfg.Jitter.TargetMs != 50 || cfg.Jitter.MaxMs != 200 || cfg.Jitter.MinMs != 20 {
		t.Errorf("jitter defaults: got %+v", cfg.Jitter)
	}
	if cfg.VAD.StartFrames != 2 || cfg.VAD.EndFrames != 10 {
		t.Errorf("vad defaults: got %+v", cfg.VAD)
	}
	if cfg.History.MaxTurns != 50 || cfg.History.MaxInputTokens != 8000 {
		t.Errorf("history defaults: got %+v", cfg.History)
	}
	if cfg.EventSink.QueueDepth != 10_000 {
		t.Errorf("event_sink.queue_depth: got %d, want 10000", cfg.EventSink.QueueDepth)
	}
}

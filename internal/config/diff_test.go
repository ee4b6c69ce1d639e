package config_test

import (
	"testing"

	"github.com/voicecore/callcore/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		AgentProfiles: []config.AgentProfileConfig{
			{ID: "alice", SystemPreamble: "kind"},
		},
	}
	d := config.Diff(cfg, cfg)
	if d.AgentProfilesChanged {
		t.Error("expected AgentProfilesChanged=false for identical configs")
	}
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false for identical configs")
	}
	if len(d.AgentProfileChanges) != 0 {
		t.Errorf("expected 0 agent profile changes, got %d", len(d.AgentProfileChanges))
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_SystemPreambleChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		AgentProfiles: []config.AgentProfileConfig{{ID: "bob", SystemPreamble: "grumpy"}},
	}
	new := &config.Config{
		AgentProfiles: []config.AgentProfileConfig{{ID: "bob", SystemPreamble: "cheerful"}},
	}

	d := config.Diff(old, new)
	if !d.AgentProfilesChanged {
		t.Error("expected AgentProfilesChanged=true")
	}
	if len(d.AgentProfileChanges) != 1 {
		t.Fatalf("expected 1 agent profile change, got %d", len(d.AgentProfileChanges))
	}
	if !d.AgentProfileChanges[0].SystemPreambleChanged {
		t.Error("expected SystemPreambleChanged=true")
	}
	if d.AgentProfileChanges[0].VoiceChanged {
		t.Error("expected VoiceChanged=false")
	}
}

func TestDiff_VoiceChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		AgentProfiles: []config.AgentProfileConfig{{ID: "carol", Voice: config.VoiceConfig{ID: "v1"}}},
	}
	new := &config.Config{
		AgentProfiles: []config.AgentProfileConfig{{ID: "carol", Voice: config.VoiceConfig{ID: "v2"}}},
	}

	d := config.Diff(old, new)
	if !d.AgentProfilesChanged {
		t.Error("expected AgentProfilesChanged=true")
	}
	found := false
	for _, pc := range d.AgentProfileChanges {
		if pc.ID == "carol" && pc.VoiceChanged {
			found = true
		}
	}
	if !found {
		t.Error("expected carol's VoiceChanged=true")
	}
}

func TestDiff_GreetingChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		AgentProfiles: []config.AgentProfileConfig{{ID: "dan", GreetingText: "hi"}},
	}
	new := &config.Config{
		AgentProfiles: []config.AgentProfileConfig{{ID: "dan", GreetingText: "hello there"}},
	}

	d := config.Diff(old, new)
	if !d.AgentProfilesChanged {
		t.Error("expected AgentProfilesChanged=true")
	}
	found := false
	for _, pc := range d.AgentProfileChanges {
		if pc.ID == "dan" && pc.GreetingChanged {
			found = true
		}
	}
	if !found {
		t.Error("expected dan's GreetingChanged=true")
	}
}

func TestDiff_AgentProfileAdded(t *testing.T) {
	t.Parallel()
	old := &config.Config{AgentProfiles: []config.AgentProfileConfig{{ID: "eve"}}}
	new := &config.Config{AgentProfiles: []config.AgentProfileConfig{{ID: "eve"}, {ID: "frank"}}}

	d := config.Diff(old, new)
	if !d.AgentProfilesChanged {
		t.Error("expected AgentProfilesChanged=true")
	}
	found := false
	for _, pc := range d.AgentProfileChanges {
		if pc.ID == "frank" && pc.Added {
			found = true
		}
	}
	if !found {
		t.Error("expected frank Added=true")
	}
}

func TestDiff_AgentProfileRemoved(t *testing.T) {
	t.Parallel()
	old := &config.Config{AgentProfiles: []config.AgentProfileConfig{{ID: "grace"}, {ID: "hank"}}}
	new := &config.Config{AgentProfiles: []config.AgentProfileConfig{{ID: "grace"}}}

	d := config.Diff(old, new)
	if !d.AgentProfilesChanged {
		t.Error("expected AgentProfilesChanged=true")
	}
	found := false
	for _, pc := range d.AgentProfileChanges {
		if pc.ID == "hank" && pc.Removed {
			found = true
		}
	}
	if !found {
		t.Error("expected hank Removed=true")
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		AgentProfiles: []config.AgentProfileConfig{
			{ID: "a", SystemPreamble: "p1"},
			{ID: "b"},
		},
	}
	new := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogWarn},
		AgentProfiles: []config.AgentProfileConfig{
			{ID: "a", SystemPreamble: "p2"},
			{ID: "c"},
		},
	}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if !d.AgentProfilesChanged {
		t.Error("expected AgentProfilesChanged=true")
	}
	changes := make(map[string]config.AgentProfileDiff)
	for _, pc := range d.AgentProfileChanges {
		changes[pc.ID] = pc
	}
	if !changes["a"].SystemPreambleChanged {
		t.Error("expected a SystemPreambleChanged=true")
	}
	if !changes["b"].Removed {
		t.Error("expected b Removed=true")
	}
	if !changes["c"].Added {
		t.Error("expected c Added=true")
	}
}

package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked — changing a
// provider's name or credentials requires a process restart since it is
// wired into the registry at startup, not re-read per call.
type ConfigDiff struct {
	AgentProfilesChanged bool
	AgentProfileChanges  []AgentProfileDiff
	LogLevelChanged      bool
	NewLogLevel          LogLevel
}

// AgentProfileDiff describes what changed for a single agent profile between
// two configs.
type AgentProfileDiff struct {
	ID                    string
	SystemPreambleChanged bool
	VoiceChanged          bool
	GreetingChanged       bool
	Added                 bool
	Removed               bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart: new calls
// accepted after a reload pick up the new agent profile fields immediately;
// calls already in progress keep the Config their Session was built from.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldProfiles := make(map[string]*AgentProfileConfig, len(old.AgentProfiles))
	for i := range old.AgentProfiles {
		oldProfiles[old.AgentProfiles[i].ID] = &old.AgentProfiles[i]
	}
	newProfiles := make(map[string]*AgentProfileConfig, len(new.AgentProfiles))
	for i := range new.AgentProfiles {
		newProfiles[new.AgentProfiles[i].ID] = &new.AgentProfiles[i]
	}

	for id, oldP := range oldProfiles {
		newP, exists := newProfiles[id]
		if !exists {
			d.AgentProfileChanges = append(d.AgentProfileChanges, AgentProfileDiff{ID: id, Removed: true})
			d.AgentProfilesChanged = true
			continue
		}
		pd := diffProfile(id, oldP, newP)
		if pd.SystemPreambleChanged || pd.VoiceChanged || pd.GreetingChanged {
			d.AgentProfileChanges = append(d.AgentProfileChanges, pd)
			d.AgentProfilesChanged = true
		}
	}

	for id := range newProfiles {
		if _, exists := oldProfiles[id]; !exists {
			d.AgentProfileChanges = append(d.AgentProfileChanges, AgentProfileDiff{ID: id, Added: true})
			d.AgentProfilesChanged = true
		}
	}

	return d
}

// diffProfile compares two agent profile configs with the same ID.
func diffProfile(id string, old, new *AgentProfileConfig) AgentProfileDiff {
	pd := AgentProfileDiff{ID: id}
	if old.SystemPreamble != new.SystemPreamble {
		pd.SystemPreambleChanged = true
	}
	if old.Voice != new.Voice {
		pd.VoiceChanged = true
	}
	if old.GreetingText != new.GreetingText {
		pd.GreetingChanged = true
	}
	return pd
}

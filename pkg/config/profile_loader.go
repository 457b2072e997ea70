package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/spendguard/spendguard/pkg/vault"
)

// PolicyProfile is a canned policy parameter set operators ship as YAML,
// e.g. "cautious" or "standard". Profiles never carry an allowlist
// recipient; that is deployment-specific and set per policy.
type PolicyProfile struct {
	Name                 string `yaml:"name" json:"name"`
	Description          string `yaml:"description,omitempty" json:"description,omitempty"`
	DailyBudget          uint64 `yaml:"daily_budget" json:"daily_budget"`
	CooldownSeconds      uint32 `yaml:"cooldown_seconds" json:"cooldown_seconds"`
	PerRecipientDailyCap uint64 `yaml:"per_recipient_daily_cap,omitempty" json:"per_recipient_daily_cap,omitempty"`
	Paused               bool   `yaml:"paused,omitempty" json:"paused,omitempty"`
}

// Params converts the profile to policy update parameters.
func (p *PolicyProfile) Params() vault.AdvancedParams {
	return vault.AdvancedParams{
		PolicyParams: vault.PolicyParams{
			DailyBudget:     p.DailyBudget,
			CooldownSeconds: p.CooldownSeconds,
		},
		Paused:               p.Paused,
		PerRecipientDailyCap: p.PerRecipientDailyCap,
	}
}

// LoadProfile loads a policy profile YAML by name. It searches the
// profiles directory for profile_<name>.yaml.
func LoadProfile(profilesDir, name string) (*PolicyProfile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}

	var profile PolicyProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}

	if profile.Name == "" {
		profile.Name = name
	}
	if profile.DailyBudget == 0 {
		return nil, fmt.Errorf("profile %q: daily_budget must be set", name)
	}
	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles
// directory, keyed by profile name.
func LoadAllProfiles(profilesDir string) (map[string]*PolicyProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*PolicyProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile PolicyProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Name == "" {
			// Extract name from filename: profile_cautious.yaml -> cautious
			base := filepath.Base(path)
			profile.Name = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		profiles[profile.Name] = &profile
	}

	return profiles, nil
}

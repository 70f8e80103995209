package cfg

import (
	"fmt"
	"regexp"
	"time"

	"github.com/pelletier/go-toml"
)

// PolicyFilePath is the well-known location of a repository's automerge
// policy file, read from the pull request's base ref.
const PolicyFilePath = ".github/automerge.toml"

const (
	defaultLabel                  = "automerge"
	defaultMergeMethod            = "squash"
	defaultMaxWaitMinutes         = 60
	defaultPollIntervalSeconds    = 10
	defaultTitleTemplate          = "{title} (#{number})"
	defaultBodyTemplate           = "{body}"
)

var validMergeMethods = map[string]bool{
	"squash": true,
	"rebase": true,
	"merge":  true,
}

var templatePlaceholderRe = regexp.MustCompile(`\{([a-zA-Z_]+)\}`)

var allowedPlaceholders = map[string]bool{
	"number": true,
	"title":  true,
	"body":   true,
	"head":   true,
	"base":   true,
	"user":   true,
}

// RepoPolicy is the per-repository automerge policy, loaded from
// PolicyFilePath on the pull request's base ref.
type RepoPolicy struct {
	Label                  string `toml:"label"`
	MergeMethod            string `toml:"merge_method"`
	RequireUpToDate        bool   `toml:"require_up_to_date"`
	UpdateBranch           bool   `toml:"update_branch"`
	AllowMergeWhenNoChecks bool   `toml:"allow_merge_when_no_checks"`
	MaxWaitMinutes         int    `toml:"max_wait_minutes"`
	PollIntervalSeconds    int    `toml:"poll_interval_seconds"`
	TitleTemplate          string `toml:"title_template"`
	BodyTemplate           string `toml:"body_template"`
}

// DefaultRepoPolicy returns the policy applied when a repository has no
// policy file.
func DefaultRepoPolicy() RepoPolicy {
	return RepoPolicy{
		Label:                  defaultLabel,
		MergeMethod:            defaultMergeMethod,
		RequireUpToDate:        true,
		UpdateBranch:           true,
		AllowMergeWhenNoChecks: false,
		MaxWaitMinutes:         defaultMaxWaitMinutes,
		PollIntervalSeconds:    defaultPollIntervalSeconds,
		TitleTemplate:          defaultTitleTemplate,
		BodyTemplate:           defaultBodyTemplate,
	}
}

// ParsePolicy parses a flat TOML policy document, filling unset fields with
// defaults. Unknown keys are ignored. A *goorderr.ConfigError-worthy error
// is returned for invalid values; the caller wraps it.
func ParsePolicy(data []byte) (*RepoPolicy, error) {
	policy := DefaultRepoPolicy()

	if err := toml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("parsing policy file failed: %w", err)
	}

	if err := policy.Validate(); err != nil {
		return nil, err
	}

	return &policy, nil
}

// Validate checks that a parsed policy has sane values.
func (p *RepoPolicy) Validate() error {
	if p.Label == "" {
		return fmt.Errorf("label must not be empty")
	}

	if !validMergeMethods[p.MergeMethod] {
		return fmt.Errorf("merge_method %q is not one of squash, rebase, merge", p.MergeMethod)
	}

	if p.MaxWaitMinutes <= 0 {
		return fmt.Errorf("max_wait_minutes must be > 0")
	}

	if p.PollIntervalSeconds <= 0 {
		return fmt.Errorf("poll_interval_seconds must be > 0")
	}

	if err := validateTemplate(p.TitleTemplate); err != nil {
		return fmt.Errorf("title_template: %w", err)
	}

	if err := validateTemplate(p.BodyTemplate); err != nil {
		return fmt.Errorf("body_template: %w", err)
	}

	return nil
}

func validateTemplate(tpl string) error {
	for _, match := range templatePlaceholderRe.FindAllStringSubmatch(tpl, -1) {
		if !allowedPlaceholders[match[1]] {
			return fmt.Errorf("unsupported placeholder {%s}", match[1])
		}
	}

	return nil
}

// MaxWait returns MaxWaitMinutes as a time.Duration.
func (p *RepoPolicy) MaxWait() time.Duration {
	return time.Duration(p.MaxWaitMinutes) * time.Minute
}

// PollInterval returns PollIntervalSeconds as a time.Duration.
func (p *RepoPolicy) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalSeconds) * time.Second
}

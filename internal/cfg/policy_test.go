package cfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePolicyDefaults(t *testing.T) {
	policy, err := ParsePolicy([]byte(``))
	require.NoError(t, err)
	assert.Equal(t, DefaultRepoPolicy(), *policy)
}

func TestParsePolicyOverridesDefaults(t *testing.T) {
	policy, err := ParsePolicy([]byte(`
merge_method = "rebase"
max_wait_minutes = 5
allow_merge_when_no_checks = true
`))
	require.NoError(t, err)
	assert.Equal(t, "rebase", policy.MergeMethod)
	assert.Equal(t, 5, policy.MaxWaitMinutes)
	assert.True(t, policy.AllowMergeWhenNoChecks)
	assert.Equal(t, defaultLabel, policy.Label)
}

func TestParsePolicyRejectsUnknownMergeMethod(t *testing.T) {
	_, err := ParsePolicy([]byte(`merge_method = "fast-forward"`))
	require.Error(t, err)
}

func TestParsePolicyRejectsUnsupportedPlaceholder(t *testing.T) {
	_, err := ParsePolicy([]byte(`title_template = "{number} by {author}"`))
	require.Error(t, err)
}

func TestParsePolicyAcceptsAllPlaceholders(t *testing.T) {
	policy, err := ParsePolicy([]byte(`title_template = "{number} {title} {body} {head} {base} {user}"`))
	require.NoError(t, err)
	assert.Contains(t, policy.TitleTemplate, "{user}")
}

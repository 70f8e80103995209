package pipeline

import (
	"strconv"
	"strings"

	"github.com/silverleaf-dev/automerge/internal/githubclt"
)

// renderTemplate substitutes {number}, {title}, {body}, {head}, {base} and
// {user} placeholders in tpl with values from pr.
func renderTemplate(tpl string, pr *githubclt.PullRequest) string {
	replacer := strings.NewReplacer(
		"{number}", strconv.Itoa(pr.Number),
		"{title}", pr.Title,
		"{body}", pr.Body,
		"{head}", pr.HeadRef,
		"{base}", pr.BaseRef,
		"{user}", pr.User,
	)

	return replacer.Replace(tpl)
}

// Package notifier renders match summaries and delivers them through the
// chat gateway.
package notifier

import (
	"context"
	"fmt"
	"html"
	"strings"
	"unicode/utf8"

	"github.com/bobmcallan/scout/internal/common"
	"github.com/bobmcallan/scout/internal/interfaces"
	"github.com/bobmcallan/scout/internal/models"
)

const (
	// messageLimit is the chat gateway's per-message length cap.
	messageLimit = 4096

	parseModeHTML = "HTML"

	topSkillCount = 3
)

// Notifier implements interfaces.Notifier over the chat client.
type Notifier struct {
	chat   interfaces.ChatClient
	logger *common.Logger
}

func New(chat interfaces.ChatClient, logger *common.Logger) *Notifier {
	return &Notifier{chat: chat, logger: logger}
}

// SendMatches delivers one message per match. The returned slice holds one
// error slot per match; nil means sent. The caller writes the send ledger
// for successful slots only.
func (n *Notifier) SendMatches(ctx context.Context, chatID string, matches []models.MatchNotification) []error {
	errs := make([]error, len(matches))
	for i, match := range matches {
		text := truncateBalanced(renderMatch(match), messageLimit)
		if err := n.chat.SendMessage(ctx, chatID, text, parseModeHTML); err != nil {
			n.logger.Warn().
				Err(err).
				Str("chat_id", chatID).
				Str("job_match_id", match.Match.ID).
				Msg("Notification delivery failed")
			errs[i] = err
			continue
		}
		n.logger.Debug().
			Str("chat_id", chatID).
			Str("job_match_id", match.Match.ID).
			Int("score", match.Match.Score).
			Msg("Notification sent")
	}
	return errs
}

// renderMatch builds the HTML summary: title, company, score, location,
// salary range when present, application URL, and top matched skills.
func renderMatch(m models.MatchNotification) string {
	job := m.Job
	var sb strings.Builder

	fmt.Fprintf(&sb, "<b>%s</b>\n", html.EscapeString(job.Title))
	fmt.Fprintf(&sb, "%s", html.EscapeString(job.Company))
	if job.Location != "" {
		fmt.Fprintf(&sb, " | %s", html.EscapeString(job.Location))
	}
	if job.IsRemote {
		sb.WriteString(" | Remote")
	}
	sb.WriteString("\n")

	fmt.Fprintf(&sb, "Score: <b>%d</b>/100\n", m.Match.Score)

	if salary := formatSalary(job); salary != "" {
		fmt.Fprintf(&sb, "Salary: %s\n", salary)
	}

	if skills := topSkills(m.Match.MatchedSkills, topSkillCount); len(skills) > 0 {
		fmt.Fprintf(&sb, "Skills: %s\n", html.EscapeString(strings.Join(skills, ", ")))
	}

	if m.Match.Reasoning != "" {
		fmt.Fprintf(&sb, "<i>%s</i>\n", html.EscapeString(m.Match.Reasoning))
	}

	if job.ApplicationURL != "" {
		fmt.Fprintf(&sb, `<a href="%s">Apply</a>`, html.EscapeString(job.ApplicationURL))
	}
	return sb.String()
}

func formatSalary(job models.Job) string {
	switch {
	case job.SalaryMin > 0 && job.SalaryMax > 0:
		return fmt.Sprintf("%s%.0f - %.0f", currencyPrefix(job.SalaryCurrency), job.SalaryMin, job.SalaryMax)
	case job.SalaryMin > 0:
		return fmt.Sprintf("from %s%.0f", currencyPrefix(job.SalaryCurrency), job.SalaryMin)
	case job.SalaryMax > 0:
		return fmt.Sprintf("up to %s%.0f", currencyPrefix(job.SalaryCurrency), job.SalaryMax)
	default:
		return ""
	}
}

func currencyPrefix(currency string) string {
	if currency == "" {
		return ""
	}
	return currency + " "
}

func topSkills(skills []string, limit int) []string {
	if len(skills) <= limit {
		return skills
	}
	return skills[:limit]
}

// truncateBalanced trims text to the limit without leaving HTML tags open:
// it cuts before the limit, appends an ellipsis, then closes any still-open
// tags in reverse order.
func truncateBalanced(text string, limit int) string {
	if len(text) <= limit {
		return text
	}

	// Reserve room for the ellipsis and worst-case closers.
	const ellipsis = "…"
	reserve := len(ellipsis) + len("</a></i></b>")
	cut := limit - reserve
	if cut < 0 {
		cut = 0
	}

	// Back up to a rune boundary so the cut never splits a multi-byte
	// character.
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}

	// Do not cut inside a tag.
	if open := strings.LastIndex(text[:cut], "<"); open > strings.LastIndex(text[:cut], ">") {
		cut = open
	}

	head := text[:cut]

	// Replay the kept text to find unclosed tags.
	var stack []string
	for i := 0; i < len(head); {
		if head[i] != '<' {
			i++
			continue
		}
		end := strings.IndexByte(head[i:], '>')
		if end < 0 {
			break
		}
		tag := head[i+1 : i+end]
		i += end + 1

		if strings.HasPrefix(tag, "/") {
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			continue
		}
		name := tag
		if sp := strings.IndexAny(tag, " \t"); sp >= 0 {
			name = tag[:sp]
		}
		stack = append(stack, name)
	}

	var sb strings.Builder
	sb.WriteString(head)
	sb.WriteString(ellipsis)
	for i := len(stack) - 1; i >= 0; i-- {
		sb.WriteString("</")
		sb.WriteString(stack[i])
		sb.WriteString(">")
	}
	return sb.String()
}

var _ interfaces.Notifier = (*Notifier)(nil)

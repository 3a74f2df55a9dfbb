package notifier

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/scout/internal/common"
	"github.com/bobmcallan/scout/internal/models"
)

// --- mocks ---

type mockChat struct {
	sent  []string
	chats []string
	sendF func(chatID, text string) error
}

func (m *mockChat) SendMessage(_ context.Context, chatID, text, parseMode string) error {
	if m.sendF != nil {
		if err := m.sendF(chatID, text); err != nil {
			return err
		}
	}
	m.chats = append(m.chats, chatID)
	m.sent = append(m.sent, text)
	return nil
}

func sampleMatch(id string, score int) models.MatchNotification {
	return models.MatchNotification{
		Job: models.Job{
			ContentHash:    "abc123",
			Title:          "Senior Go Engineer",
			Company:        "Acme & Co",
			Location:       "Berlin",
			SalaryMin:      90000,
			SalaryMax:      120000,
			SalaryCurrency: "EUR",
			ApplicationURL: "https://jobs.example/1",
		},
		Match: &models.JobMatch{
			ID:            id,
			Score:         score,
			Reasoning:     "strong backend background",
			MatchedSkills: []string{"go", "redis", "postgres", "kubernetes"},
		},
	}
}

// --- tests ---

func TestSendMatchesRendersSummary(t *testing.T) {
	chat := &mockChat{}
	n := New(chat, common.NewSilentLogger())

	errs := n.SendMatches(context.Background(), "chat-1", []models.MatchNotification{sampleMatch("m1", 85)})
	require.Len(t, errs, 1)
	assert.NoError(t, errs[0])
	require.Len(t, chat.sent, 1)

	text := chat.sent[0]
	assert.Contains(t, text, "<b>Senior Go Engineer</b>")
	assert.Contains(t, text, "Acme &amp; Co", "company name is HTML-escaped")
	assert.Contains(t, text, "Score: <b>85</b>/100")
	assert.Contains(t, text, "EUR 90000 - 120000")
	assert.Contains(t, text, `<a href="https://jobs.example/1">Apply</a>`)
	assert.Contains(t, text, "go, redis, postgres", "only the top three skills are listed")
	assert.NotContains(t, text, "kubernetes")
}

func TestSendMatchesPerMatchErrors(t *testing.T) {
	chat := &mockChat{
		sendF: func(_, text string) error {
			if strings.Contains(text, "Failing") {
				return errors.New("gateway down")
			}
			return nil
		},
	}
	n := New(chat, common.NewSilentLogger())

	failing := sampleMatch("m2", 70)
	failing.Job.Title = "Failing Job"
	matches := []models.MatchNotification{sampleMatch("m1", 85), failing, sampleMatch("m3", 60)}

	errs := n.SendMatches(context.Background(), "chat-1", matches)
	require.Len(t, errs, 3)
	assert.NoError(t, errs[0])
	assert.Error(t, errs[1])
	assert.NoError(t, errs[2], "a failed send does not stop later matches")
}

func TestSalaryFormatting(t *testing.T) {
	job := models.Job{SalaryMin: 50000, SalaryCurrency: "USD"}
	assert.Equal(t, "from USD 50000", formatSalary(job))

	job = models.Job{SalaryMax: 80000}
	assert.Equal(t, "up to 80000", formatSalary(job))

	assert.Equal(t, "", formatSalary(models.Job{}))
}

func TestTruncateBalancedClosesOpenTags(t *testing.T) {
	text := "<b>" + strings.Repeat("a", 200) + "</b><i>" + strings.Repeat("b", 200) + "</i>"

	out := truncateBalanced(text, 120)
	assert.LessOrEqual(t, len(out), 120)
	assert.True(t, strings.HasSuffix(out, "…</b>"), "open bold tag is closed after the ellipsis, got %q", out)

	// Balanced counts per tag.
	assert.Equal(t, strings.Count(out, "<b>"), strings.Count(out, "</b>"))
	assert.Equal(t, strings.Count(out, "<i>"), strings.Count(out, "</i>"))
}

func TestTruncateBalancedNeverCutsInsideTag(t *testing.T) {
	link := `<a href="https://example.com/very/long/url/that/keeps/going">Apply now</a>`
	text := strings.Repeat("x", 100) + link

	out := truncateBalanced(text, 120)
	assert.LessOrEqual(t, len(out), 132, "closers may slightly exceed the reserve but never explode")
	assert.NotContains(t, out, "<a href=\"https://example.com/very/long", "tag is dropped, not split")
}

func TestTruncateBalancedKeepsRunesWhole(t *testing.T) {
	// Three-byte runes guarantee some limits land mid-rune.
	body := strings.Repeat("語", 2000)
	for limit := 100; limit < 110; limit++ {
		out := truncateBalanced("<b>"+body+"</b>", limit)
		assert.True(t, utf8.ValidString(out), "limit %d produced invalid UTF-8: %q", limit, out)
		assert.LessOrEqual(t, len(out), limit)
		assert.True(t, strings.HasSuffix(out, "…</b>"), "limit %d, got %q", limit, out)
	}
}

func TestTruncateBalancedShortTextUnchanged(t *testing.T) {
	assert.Equal(t, "<b>hi</b>", truncateBalanced("<b>hi</b>", 100))
}

func TestTruncateBalancedNestedTags(t *testing.T) {
	text := "<b><i>" + strings.Repeat("z", 300) + "</i></b>"
	out := truncateBalanced(text, 100)
	assert.True(t, strings.HasSuffix(out, "…</i></b>"), "nested tags close in reverse order, got %q", out)
}

package relay

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// VerifyActionData is the callback payload of the challenge button.
const VerifyActionData = "verify_start"

const verifyActionLabel = "I'm not a bot ✅"

// Limits summarizes the active policy for user-facing texts.
type Limits struct {
	MinInterval       time.Duration
	DailyLimit        int
	FreeLimit         int
	CompletionEnabled bool
}

func cooldownText(wait time.Duration) string {
	seconds := int(math.Ceil(wait.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return fmt.Sprintf("Too fast 🙂 Please wait %d s before the next message.", seconds)
}

func challengeText(question string) string {
	return fmt.Sprintf("🛡 Please confirm you are human.\nAnswer the question: %s", question)
}

func challengeQuestionText(question string) string {
	return fmt.Sprintf("Question: %s (reply with a number)", question)
}

func challengeRetryText(question string) string {
	return fmt.Sprintf("❌ Wrong answer. Try again: %s", question)
}

func verifiedText() string {
	return "✅ Verification passed. You can keep asking."
}

func notNeededText() string {
	return "No check is needed right now. Just send your question."
}

func fallbackText(text string) string {
	return fmt.Sprintf("You wrote: %s\n\n⚠️ The AI backend is not configured, running in echo mode.", text)
}

func quotaExhaustedText() string {
	return "The daily limit is used up. Come back tomorrow 🙂"
}

func upstreamAuthText() string {
	return "⚠️ The AI backend rejected the bot's credentials. This is a configuration problem on our side, not yours."
}

func upstreamBusyText() string {
	return "⚠️ The AI backend is busy right now (rate limit or quota). Please try again later."
}

func upstreamErrorText() string {
	return "⚠️ Could not reach the AI backend. Please try again later."
}

// StartText is the /start greeting.
func StartText() string {
	return "AInexus is up ✅\n\nSend a message and I will answer.\nCommands: /help"
}

// HelpText lists the commands.
func HelpText() string {
	return strings.Join([]string{
		"How to use:",
		"1) Send your question as text.",
		"2) I answer it (with the AI backend when it is connected).",
		"",
		"Commands:",
		"/start - start",
		"/tariffs - plans and limits",
		"/privacy - safety and privacy",
		"/support - contact",
	}, "\n")
}

// TariffsText renders the live limits.
func TariffsText(l Limits) string {
	lines := []string{
		"Plans and limits:",
		fmt.Sprintf("- %d free messages, then a quick human check.", l.FreeLimit),
		fmt.Sprintf("- Up to %d AI answers per day.", l.DailyLimit),
		fmt.Sprintf("- Anti-flood: one message every %d s.", int(l.MinInterval/time.Second)),
	}
	if !l.CompletionEnabled {
		lines = append(lines, "- The AI backend is currently off; replies are echoed.")
	}
	return strings.Join(lines, "\n")
}

// PrivacyText is the /privacy notice.
func PrivacyText() string {
	return "Safety:\n- Never send passwords or card details.\n- Conversation history is not stored."
}

// SupportText is the /support notice.
func SupportText() string {
	return "Support:\nDescribe what is not working right here in the chat."
}

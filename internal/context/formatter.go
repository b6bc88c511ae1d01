package context

import (
	"fmt"
	"strings"

	"github.com/inknowing/dialogue-runtime/pkg/dialogue"
	"github.com/inknowing/dialogue-runtime/pkg/retrieval"
)

// BuildPreamble derives the system preamble deterministically (spec §4.4
// "Character mode"): a generic reading-companion framing for book-mode
// sessions, or the character's persona plus a short affect-state block for
// character-mode sessions.
func BuildPreamble(session dialogue.Session, persona *dialogue.CharacterPersona) string {
	if session.Kind != dialogue.KindCharacter || persona == nil {
		return "You are a knowledgeable reading companion. Answer using the book's content and the retrieved excerpts below; say plainly when the book does not cover something."
	}

	var sb strings.Builder
	name := persona.Name
	if name == "" {
		name = "the character"
	}
	fmt.Fprintf(&sb, "You are %s, a character from this book.", name)
	if persona.SystemPreamble != "" {
		sb.WriteString(" ")
		sb.WriteString(persona.SystemPreamble)
	}

	var affect []string
	if persona.Tone != "" {
		affect = append(affect, fmt.Sprintf("Tone: %s", persona.Tone))
	}
	if persona.Register != "" {
		affect = append(affect, fmt.Sprintf("Register: %s", persona.Register))
	}
	if len(persona.CanonMemories) > 0 {
		affect = append(affect, fmt.Sprintf("Remembered: %s", strings.Join(persona.CanonMemories, "; ")))
	}
	if len(affect) > 0 {
		sb.WriteString("\n\n## Affect State\n")
		sb.WriteString(strings.Join(affect, "\n"))
	}
	return sb.String()
}

// FormatSystemPrompt composes the preamble, a cached-summary section, and
// labeled retrieved excerpts into one system prompt string. Empty sections
// are omitted entirely rather than rendered as empty headers, matching the
// teacher's hot-context formatter idiom (internal/hotctx.FormatSystemPrompt).
func FormatSystemPrompt(preamble, summary string, chunks []retrieval.Chunk) string {
	var sb strings.Builder
	sb.WriteString(preamble)

	if summary != "" {
		sb.WriteString("\n\n## Conversation Summary\n")
		sb.WriteString(summary)
	}

	if len(chunks) > 0 {
		sb.WriteString("\n\n## Retrieved Excerpts\n")
		for _, c := range chunks {
			sb.WriteString(locatorLabel(c))
			sb.WriteString(": ")
			sb.WriteString(c.ChunkText)
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

// locatorLabel renders a chunk's locator for inline citation, preferring
// the most specific fields the chunk carries.
func locatorLabel(c retrieval.Chunk) string {
	switch {
	case c.ChapterIndex > 0 && c.ParagraphIndex > 0:
		return fmt.Sprintf("[Chapter %d, Paragraph %d]", c.ChapterIndex, c.ParagraphIndex)
	case c.ChapterIndex > 0 && c.Page > 0:
		return fmt.Sprintf("[Chapter %d, Page %d]", c.ChapterIndex, c.Page)
	case c.ChapterIndex > 0:
		return fmt.Sprintf("[Chapter %d]", c.ChapterIndex)
	default:
		return "[Excerpt]"
	}
}

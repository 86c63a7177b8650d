package digest

import (
	"fmt"
	"strings"
	"time"

	"voxfeed/models"
)

// Instructions is the system instruction sent with every digest prompt
const Instructions = "You write short, calm, friendly spoken-style digests for a social audio feed."

const (
	FollowingFallback = "The people you follow have not posted much recently, so there is not much to summarize yet."
	GlobalFallback    = "There is not much new activity yet. Once more people post, I will have more to summarize for you."
)

// maxSnippetRunes bounds how much of a transcript stands in for a missing summary
const maxSnippetRunes = 160

const emptyFollowingPrompt = `The user asked for a digest from people they follow, but there are no recent posts.
Write exactly one short, friendly sentence explaining that nobody they follow has posted anything new yet.
Tone: calm, neutral, kind.`

const emptyGlobalPrompt = `There are currently no recent posts at all.
Write exactly one short, friendly sentence saying there is nothing new yet.
Tone: calm, neutral, kind.`

// Fallback returns the fixed digest used when the generator yields nothing
func Fallback(usingFollowScope bool) string {
	if usingFollowScope {
		return FollowingFallback
	}
	return GlobalFallback
}

// EmptyPrompt asks for a single sentence explaining why there is nothing to summarize
func EmptyPrompt(usingFollowScope bool) string {
	if usingFollowScope {
		return emptyFollowingPrompt
	}
	return emptyGlobalPrompt
}

// PostText is the summary when present, else the start of the transcript
func PostText(post models.Post) string {
	if post.Summary != nil && strings.TrimSpace(*post.Summary) != "" {
		return *post.Summary
	}
	runes := []rune(post.Transcript)
	if len(runes) > maxSnippetRunes {
		return string(runes[:maxSnippetRunes])
	}
	return post.Transcript
}

// FormatPostLine renders one post of the digest prompt. Index is 1-based.
func FormatPostLine(index int, post models.Post) string {
	author := "anonymous"
	if post.UserId != nil && *post.UserId != "" {
		author = *post.UserId
	}
	return fmt.Sprintf("Post %d [%s] (user %s): %s",
		index,
		post.CreatedAt.UTC().Format(time.RFC3339),
		author,
		PostText(post),
	)
}

// BuildPrompt embeds the posts, newest first, into the digest request
func BuildPrompt(posts []models.Post, usingFollowScope bool) string {
	if len(posts) == 0 {
		return EmptyPrompt(usingFollowScope)
	}

	lines := make([]string, len(posts))
	for i, post := range posts {
		lines[i] = FormatPostLine(i+1, post)
	}

	source := "from the global feed"
	if usingFollowScope {
		source = "mostly from people the user follows"
	}

	var sb strings.Builder
	sb.WriteString("You summarize recent posts from a voice-only social network.\n\n")
	fmt.Fprintf(&sb, "These posts are %s.\n\n", source)
	sb.WriteString("Recent posts (newest first):\n")
	sb.WriteString(strings.Join(lines, "\n"))
	sb.WriteString("\n\n")
	sb.WriteString("Write a short spoken-style digest of what people have been talking about.\n")
	sb.WriteString("Tone: calm, neutral, friendly. No drama, no urgency, no anger, no stress.\n")
	sb.WriteString("Length: about 3-6 sentences.\n")
	sb.WriteString("Group related things together rather than listing every post.\n")
	if usingFollowScope {
		sb.WriteString("Lean into phrasing like \"people you follow\" and \"your friends\".\n")
	}

	return sb.String()
}

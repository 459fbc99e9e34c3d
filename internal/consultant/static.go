package consultant

import (
	"context"
	"fmt"
	"strings"

	"github.com/BTreeMap/SleepPath/internal/models"
)

type cannedReply struct {
	keywords []string
	reply    string
}

var cannedReplies = []cannedReply{
	{
		keywords: []string{"nap", "daytime"},
		reply:    "Keep naps in a dark, quiet room and watch for sleepy cues like yawning or eye rubbing. Try to start the nap before %s gets overtired.",
	},
	{
		keywords: []string{"night", "wake", "waking"},
		reply:    "Night wakings are common. Give %s a few minutes to resettle before stepping in, and keep the room dark and interactions boring.",
	},
	{
		keywords: []string{"bedtime", "routine"},
		reply:    "A short, predictable routine works best: bath, feed, book, song, then into the crib drowsy but awake. Same order for %s every night.",
	},
	{
		keywords: []string{"feed", "feeding", "milk"},
		reply:    "Try moving the last feed earlier in the bedtime routine so %s does not rely on feeding to fall asleep.",
	},
}

const fallbackReply = "Thanks for sharing. Consistency is the biggest lever: keep wake times, naps and bedtime predictable for %s, and check in after a few nights so we can adjust the plan."

// StaticResponder answers from a small set of canned tips. It is used when no
// language model is configured.
type StaticResponder struct{}

// NewStaticResponder creates a StaticResponder.
func NewStaticResponder() *StaticResponder {
	return &StaticResponder{}
}

// Reply picks the first canned tip whose keyword appears in message.
func (StaticResponder) Reply(_ context.Context, profile models.Profile, message string) (string, error) {
	baby := "your little one"
	if profile.BabyName != "" && !profile.Placeholder {
		baby = profile.BabyName
	}

	lower := strings.ToLower(message)
	for _, c := range cannedReplies {
		for _, kw := range c.keywords {
			if strings.Contains(lower, kw) {
				return fmt.Sprintf(c.reply, baby), nil
			}
		}
	}
	return fmt.Sprintf(fallbackReply, baby), nil
}

package classify

import (
	"regexp"
	"strings"
)

// Pair is the normalized (sender, body) extracted from a relayed message.
type Pair struct {
	Sender string
	Body   string
}

var (
	chatRowPattern  = regexp.MustCompile(`^(?:<:[^>]+>\s*)*\*\*(.+?)\*\*:\s*((?s:.*))$`)
	taskPattern     = regexp.MustCompile(`(?i)^CA_ID.*?\|((?s:.+))$`)
	taskFallback    = regexp.MustCompile(`(?i)^(.+?)\s+((?s:has completed.*))$`)
	lootKeyPattern  = regexp.MustCompile(`(?i)^(.*?)\s+((?s:has opened a loot key.*))$`)
	channelTag      = regexp.MustCompile(`(?i)^💬OSRS\s*\|\s*Clan\s*Chat\s*`)
	raidChannelTag  = regexp.MustCompile(`(?i)^💬OSRS\s*\|\s*Clan\s*Chat\s*<:[^>]+>\s*`)
	emojiDropRow    = regexp.MustCompile(`(?i)^(?:<:[^>]+>\s*)+(.*?)\s+((?s:received a drop:.*))$`)
	emojiGenericRow = regexp.MustCompile(`^(?:<:[^>]+>\s*)+(\S+)\s*((?s:.*))$`)
)

// Extract turns a classified message into its normalized sender and body.
// rawSender is the author reported by the source and is kept whenever the
// body does not name a better one.
func Extract(c Category, rawSender, body string) Pair {
	var (
		sender, text string
		found        bool
	)

	switch c {
	case Chat:
		sender, text, found = extractChat(body)
		if !found {
			return Pair{Sender: Reformat(rawSender), Body: text}
		}
		return Pair{Sender: sender, Body: text}
	case CombatTask:
		sender, text, found = extractCombatTask(body)
	case LootKey:
		sender, text, found = extractLootKey(body)
	case RaidDrop:
		rawSender = raidChannelTag.ReplaceAllString(rawSender, "")
		sender, text, found = extractEmojiSystem(body)
	case Drop, Quest, CollectionLog, PersonalBest, PvP, PetDrop, LevelUp,
		CombatAchievement, ClueReward, Attendance, Diary:
		sender, text, found = extractEmojiSystem(body)
	default:
		text = Reformat(body)
	}

	if !found {
		sender = rawSender
	}

	return CombineExtraName(sender, text)
}

func extractChat(body string) (string, string, bool) {
	m := chatRowPattern.FindStringSubmatch(body)
	if m == nil {
		return "", Reformat(body), false
	}
	return Reformat(m[1]), Reformat(m[2]), true
}

// extractCombatTask handles "CA_ID:537|name has completed a hard combat task: ..."
// and the looser "name has completed ..." form.
func extractCombatTask(body string) (string, string, bool) {
	if m := taskPattern.FindStringSubmatch(body); m != nil {
		remainder := Reformat(m[1])
		name, rest, ok := strings.Cut(remainder, " ")
		if !ok {
			return remainder, "", true
		}
		return name, rest, true
	}

	if m := taskFallback.FindStringSubmatch(body); m != nil {
		return Reformat(m[1]), Reformat(m[2]), true
	}

	return "", Reformat(body), false
}

func extractLootKey(body string) (string, string, bool) {
	m := lootKeyPattern.FindStringSubmatch(body)
	if m == nil {
		return "", Reformat(body), false
	}
	return Reformat(m[1]), Reformat(m[2]), true
}

// extractEmojiSystem handles broadcasts that start with one or more
// "<:name:id>" icon tokens, optionally behind the relay's channel tag.
func extractEmojiSystem(body string) (string, string, bool) {
	body = channelTag.ReplaceAllString(body, "")

	if strings.Contains(body, "received a drop:") {
		if m := emojiDropRow.FindStringSubmatch(body); m != nil {
			return Reformat(m[1]), Reformat(m[2]), true
		}
	}

	if m := emojiGenericRow.FindStringSubmatch(body); m != nil {
		return Reformat(m[1]), Reformat(m[2]), true
	}

	return "", Reformat(body), false
}

// boundaryKeyword reports whether token starts the message part of a
// broadcast. "feels" only counts when scanning past the first token.
func boundaryKeyword(token string, allowFeels bool) bool {
	if strings.EqualFold(token, "has") || strings.EqualFold(token, "received") {
		return true
	}
	return allowFeels && strings.EqualFold(token, "feels")
}

// CombineExtraName moves leading body tokens that belong to the player name
// back onto the sender. Broadcasts carry no delimiter between name and text,
// so everything before the first boundary keyword is treated as name. When no
// keyword is found the pair is returned unchanged.
func CombineExtraName(sender, body string) Pair {
	sender = Reformat(sender)
	body = Reformat(body)

	tokens := strings.Fields(body)
	if len(tokens) == 0 || boundaryKeyword(tokens[0], false) {
		return Pair{Sender: sender, Body: body}
	}

	idx := -1
	for i, tok := range tokens {
		if boundaryKeyword(tok, true) {
			idx = i
			break
		}
	}
	if idx == -1 {
		return Pair{Sender: sender, Body: body}
	}

	extra := strings.Join(tokens[:idx], " ")
	return Pair{
		Sender: Reformat(sender + " " + extra),
		Body:   strings.Join(tokens[idx:], " "),
	}
}

// Reformat strips backslashes left by the relay's markdown escaping and
// collapses runs of whitespace.
func Reformat(text string) string {
	if text == "" {
		return text
	}
	text = strings.ReplaceAll(text, `\`, "")
	return strings.Join(strings.Fields(text), " ")
}

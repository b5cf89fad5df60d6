package classify

import (
	"regexp"
	"strings"
)

// chatPattern is the signature the relay leaves on forwarded player chat:
// a bolded name, a colon and a space.
var chatPattern = regexp.MustCompile(`\*\*[^*]+\*\*:\s`)

// markerSet pairs a category with the literal substrings that identify it.
type markerSet struct {
	category Category
	markers  []string
}

// systemMarkers is evaluated in order and the first category with any
// matching marker wins. The relay escapes ':' after phrases, so phrase
// markers are listed both escaped and plain.
var systemMarkers = []markerSet{
	{Drop, []string{`received a drop\:`, "received a drop:"}},
	{RaidDrop, []string{`received special loot from a raid\:`, "received special loot from a raid:"}},
	{Quest, []string{"<:Quest:1147703095711764550>"}},
	{CollectionLog, []string{"<:Collectionlog:1147701373455048814>"}},
	{PersonalBest, []string{"<:Speedrunningshopicon:1147703649917751357>"}},
	{PvP, []string{"<:BountyHuntertradericon:1147703810110791802>"}},
	{PetDrop, []string{"<:Petshopicon:1147703359227297872>"}},
	{LevelUp, []string{"<:Statsicon:1147702829029543996>"}},
	{CombatAchievement, []string{"<:CombatAchievementsicon:1147704502368075786>"}},
	{ClueReward, []string{"<:DistractionDiversionmapicon:1147704823500779521>"}},
	{Attendance, []string{"<:AccountManagementCommunityicon:1147704337599041606>"}},
	{CombatTask, []string{`combat task\:`, "combat task:"}},
	{LootKey, []string{"has opened a loot key worth"}},
}

// diaryMarkers must all be present for a message to be a diary completion.
// They are matched ignoring case: broadcasts say both "diary" and "Diary".
var diaryMarkers = []string{"<:TaskMastericon:1147705076677345322>", "diary"}

// IsChat reports whether body carries the relay's chat signature.
func IsChat(body string) bool {
	return chatPattern.MatchString(body)
}

// Classify maps raw message text to its category. Anything that is not
// recognizably a system event is Chat.
func Classify(body string) Category {
	if IsChat(body) {
		return Chat
	}

	for _, set := range systemMarkers {
		if containsAny(body, set.markers) {
			return set.category
		}
	}

	if containsAllFold(body, diaryMarkers) {
		return Diary
	}

	return Chat
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func containsAllFold(s string, subs []string) bool {
	s = strings.ToLower(s)
	for _, sub := range subs {
		if !strings.Contains(s, strings.ToLower(sub)) {
			return false
		}
	}
	return len(subs) > 0
}

package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Category
	}{
		{"relayed chat", "**Alice**: gz on the pet", Chat},
		{"chat with icon prefix", "<:Clanicon:123> **Bob**: anyone for cox?", Chat},
		{"chat wins over markers", "**Bob**: I received a drop: lol", Chat},
		{"drop", "<:icon:1>PlayerOne received a drop: Zulrah's scales x50", Drop},
		{"escaped drop", `<:Guideprices:1147702301298016349> Dank received a drop\: Abyssal whip`, Drop},
		{"raid drop", `<:Raids:1> Foo received special loot from a raid\: Twisted bow`, RaidDrop},
		{"quest", "<:Quest:1147703095711764550> Foo has completed a quest: Dragon Slayer II", Quest},
		{"collection log", "<:Collectionlog:1147701373455048814> Foo received a new collection log item: Pet rock", CollectionLog},
		{"personal best", "<:Speedrunningshopicon:1147703649917751357> Foo has achieved a new Vorkath personal best: 1:02", PersonalBest},
		{"pvp", "<:BountyHuntertradericon:1147703810110791802> Foo has defeated Bar", PvP},
		{"pet", "<:Petshopicon:1147703359227297872> Foo has a funny feeling like he's being followed", PetDrop},
		{"level up", "<:Statsicon:1147702829029543996> Foo has reached Attack level 99.", LevelUp},
		{"combat achievement", "<:CombatAchievementsicon:1147704502368075786> Foo has unlocked the Elite tier", CombatAchievement},
		{"clue", "<:DistractionDiversionmapicon:1147704823500779521> Foo received a clue item: Ranger boots", ClueReward},
		{"attendance", "<:AccountManagementCommunityicon:1147704337599041606> Foo has joined.", Attendance},
		{"combat task", `CA_ID:537|roofs4life has completed a hard combat task\: Fat of the Land.`, CombatTask},
		{"loot key", "Foo has opened a loot key worth 1,234,567 coins!", LootKey},
		{"unknown falls back to chat", "The server will restart shortly", Chat},
		{"empty", "", Chat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.body))
		})
	}
}

func TestClassifyDiaryRequiresEveryMarker(t *testing.T) {
	icon := "<:TaskMastericon:1147705076677345322>"

	assert.Equal(t, Chat, Classify(icon+" Foo has completed the Hard Ardougne tasks."))
	assert.Equal(t, Chat, Classify("Foo has completed the Hard Ardougne diary."))
	assert.Equal(t, Diary, Classify(icon+" Foo has completed the Hard Ardougne diary."))
	assert.Equal(t, Diary, Classify(icon+" Foo has completed the Elite Karamja Diary!"))
	assert.Equal(t, Chat, Classify(icon+" Foo has completed a Hard task in the Varrock area."))

	// An earlier category still wins when its marker is present.
	assert.Equal(t, LevelUp, Classify(icon+" <:Statsicon:1147702829029543996> diary"))
}

func TestCategoryTables(t *testing.T) {
	seen := map[string]bool{}
	for _, c := range Categories() {
		require.True(t, c.Valid())
		require.NotEmpty(t, c.Table(), c.String())
		require.False(t, seen[c.Table()], "duplicate table %s", c.Table())
		seen[c.Table()] = true

		parsed, ok := ParseCategory(c.String())
		require.True(t, ok)
		require.Equal(t, c, parsed)
	}
	assert.Len(t, seen, 15)

	_, ok := ParseCategory("nope")
	assert.False(t, ok)
	assert.False(t, Category(99).Valid())
	assert.Empty(t, Category(99).Table())
}

package classify

// Category is the semantic kind of a relayed message. Every category owns
// exactly one destination table.
type Category int

const (
	Chat Category = iota
	Drop
	RaidDrop
	Quest
	CollectionLog
	PersonalBest
	PvP
	PetDrop
	LevelUp
	CombatAchievement
	ClueReward
	Attendance
	Diary
	CombatTask
	LootKey
)

// Categories returns every category, CHAT first.
func Categories() []Category {
	return []Category{
		Chat,
		Drop,
		RaidDrop,
		Quest,
		CollectionLog,
		PersonalBest,
		PvP,
		PetDrop,
		LevelUp,
		CombatAchievement,
		ClueReward,
		Attendance,
		Diary,
		CombatTask,
		LootKey,
	}
}

func (c Category) String() string {
	switch c {
	case Chat:
		return "chat"
	case Drop:
		return "drop"
	case RaidDrop:
		return "raid_drop"
	case Quest:
		return "quest"
	case CollectionLog:
		return "collection_log"
	case PersonalBest:
		return "personal_best"
	case PvP:
		return "pvp"
	case PetDrop:
		return "pet_drop"
	case LevelUp:
		return "level_up"
	case CombatAchievement:
		return "combat_achievement"
	case ClueReward:
		return "clue_reward"
	case Attendance:
		return "attendance"
	case Diary:
		return "diary"
	case CombatTask:
		return "combat_task"
	case LootKey:
		return "loot_key"
	}
	return "unknown"
}

// Table is the name of the table that stores messages of this category.
func (c Category) Table() string {
	switch c {
	case Chat:
		return "chat_messages"
	case Drop:
		return "drops"
	case RaidDrop:
		return "raid_drops"
	case Quest:
		return "quest_completed"
	case CollectionLog:
		return "collection_log"
	case PersonalBest:
		return "personal_bests"
	case PvP:
		return "pvp_messages"
	case PetDrop:
		return "pet_drops"
	case LevelUp:
		return "level_ups"
	case CombatAchievement:
		return "combat_achievements"
	case ClueReward:
		return "clue_rewards"
	case Attendance:
		return "clan_traffic"
	case Diary:
		return "diary_completed"
	case CombatTask:
		return "combat_tasks_completed"
	case LootKey:
		return "loot_key_rewards"
	}
	return ""
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	return c >= Chat && c <= LootKey
}

// ParseCategory maps a name as returned by String back to its Category.
func ParseCategory(name string) (Category, bool) {
	for _, c := range Categories() {
		if c.String() == name {
			return c, true
		}
	}
	return Chat, false
}

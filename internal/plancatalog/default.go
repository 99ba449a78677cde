package plancatalog

// Ключи функций трекера привычек.
const (
	FeatureHabitTracking    = "habit_tracking"
	FeatureDailyReminders   = "daily_reminders"
	FeatureStreaks          = "streaks"
	FeatureUnlimitedHabits  = "unlimited_habits"
	FeatureHabitStatistics  = "habit_statistics"
	FeatureCustomCategories = "custom_categories"
	FeatureMoodTracking     = "mood_tracking"
	FeatureHabitInsights    = "habit_insights"
	FeatureDataExport       = "data_export"
	FeatureAICoaching       = "ai_coaching"
	FeatureGoalPlanner      = "goal_planner"
	FeaturePrioritySupport  = "priority_support"
)

// defaultDefinition описывает планы трекера привычек:
//
//	| План    | Что добавляется                                      |
//	|---------|------------------------------------------------------|
//	| Free    | привычки, напоминания, серии                         |
//	| Basic   | без лимита привычек, статистика, свои категории      |
//	| Pro     | трекинг настроения, инсайты, экспорт данных          |
//	| Premium | AI-коучинг, планировщик целей, приоритетная поддержка |
var defaultDefinition = Definition{
	Tiers: []Tier{
		{Plan: Free, Features: []string{
			FeatureHabitTracking, FeatureDailyReminders, FeatureStreaks,
		}},
		{Plan: Basic, Features: []string{
			FeatureHabitTracking, FeatureDailyReminders, FeatureStreaks,
			FeatureUnlimitedHabits, FeatureHabitStatistics, FeatureCustomCategories,
		}},
		{Plan: Pro, Features: []string{
			FeatureHabitTracking, FeatureDailyReminders, FeatureStreaks,
			FeatureUnlimitedHabits, FeatureHabitStatistics, FeatureCustomCategories,
			FeatureMoodTracking, FeatureHabitInsights, FeatureDataExport,
		}},
		{Plan: Premium, Features: []string{
			FeatureHabitTracking, FeatureDailyReminders, FeatureStreaks,
			FeatureUnlimitedHabits, FeatureHabitStatistics, FeatureCustomCategories,
			FeatureMoodTracking, FeatureHabitInsights, FeatureDataExport,
			FeatureAICoaching, FeatureGoalPlanner, FeaturePrioritySupport,
		}},
	},
	Titles: map[string]string{
		FeatureHabitTracking:    "Habit tracking",
		FeatureDailyReminders:   "Daily reminders",
		FeatureStreaks:          "Streaks",
		FeatureUnlimitedHabits:  "Unlimited habits",
		FeatureHabitStatistics:  "Statistics",
		FeatureCustomCategories: "Custom categories",
		FeatureMoodTracking:     "Mood tracking",
		FeatureHabitInsights:    "Insights",
		FeatureDataExport:       "Data export",
		FeatureAICoaching:       "AI coaching",
		FeatureGoalPlanner:      "Goal planner",
		FeaturePrioritySupport:  "Priority support",
	},
	Routes: map[string]string{
		FeatureHabitTracking:    "/habits",
		FeatureDailyReminders:   "/reminders",
		FeatureStreaks:          "/habits/streaks",
		FeatureUnlimitedHabits:  "/habits/new",
		FeatureHabitStatistics:  "/statistics",
		FeatureCustomCategories: "/categories",
		FeatureMoodTracking:     "/mood",
		FeatureHabitInsights:    "/insights",
		FeatureDataExport:       "/settings/export",
		FeatureAICoaching:       "/coach",
		FeatureGoalPlanner:      "/goals",
		FeaturePrioritySupport:  "/support",
	},
}

// Default возвращает каталог трекера привычек.
func Default() *Catalog {
	return MustNew(defaultDefinition)
}

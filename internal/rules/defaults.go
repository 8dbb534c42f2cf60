package rules

// DefaultRules returns the built-in competition rules. The embedded default
// config carries the same set.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:       "premier-league",
			Name:     "Premier League",
			Enabled:  true,
			Priority: High,
			Criteria: Criteria{
				Leagues:   []string{"Premier League"},
				Countries: []string{"England"},
			},
			Analysis: AnalysisSettings{
				AutoAnalyze: true, AutoPublish: true, MinConfidence: 75,
				RequireNews: true, MaxDailyMatches: 10,
			},
			News: NewsSettings{
				Sources:      allSources(),
				Keywords:     []string{"premier league", "epl", "english football"},
				MinRelevance: 0.6,
				MaxPerSource: 5,
			},
			Timing: Timing{AnalyzeHoursBefore: 24, StopHoursBefore: 2, PublishHoursBefore: 6},
		},
		{
			ID:       "champions-league",
			Name:     "UEFA Champions League",
			Enabled:  true,
			Priority: High,
			Criteria: Criteria{Leagues: []string{"UEFA Champions League", "Champions League"}},
			Analysis: AnalysisSettings{
				AutoAnalyze: true, AutoPublish: true, MinConfidence: 80,
				RequireNews: true, MaxDailyMatches: 8,
			},
			News:   NewsSettings{Sources: allSources(), MinRelevance: 0.7, MaxPerSource: 8},
			Timing: Timing{AnalyzeHoursBefore: 48, StopHoursBefore: 3, PublishHoursBefore: 12},
		},
		{
			ID:       "la-liga",
			Name:     "La Liga",
			Enabled:  true,
			Priority: Medium,
			Criteria: Criteria{
				Leagues:      []string{"La Liga", "Primera División"},
				Countries:    []string{"Spain"},
				IncludeTeams: []string{"Real Madrid", "Barcelona", "Atletico Madrid"},
			},
			Analysis: AnalysisSettings{
				AutoAnalyze: true, AutoPublish: true, MinConfidence: 70,
				RequireNews: false, MaxDailyMatches: 6,
			},
			News:   NewsSettings{Sources: []string{"reddit", "guardian"}, MinRelevance: 0.6, MaxPerSource: 4},
			Timing: Timing{AnalyzeHoursBefore: 24, StopHoursBefore: 2, PublishHoursBefore: 8},
		},
		{
			ID:       "serie-a",
			Name:     "Serie A",
			Enabled:  false,
			Priority: Medium,
			Criteria: Criteria{Leagues: []string{"Serie A"}, Countries: []string{"Italy"}},
			Analysis: AnalysisSettings{
				AutoAnalyze: true, AutoPublish: false, MinConfidence: 75,
				RequireNews: false, MaxDailyMatches: 4,
			},
			News:   NewsSettings{Sources: []string{"reddit"}, MinRelevance: 0.6, MaxPerSource: 3},
			Timing: Timing{AnalyzeHoursBefore: 24, StopHoursBefore: 2, PublishHoursBefore: 8},
		},
	}
}

func allSources() []string {
	return []string{"reddit", "guardian", "rss"}
}

package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/TobiSchelling/matchwire/internal/database"
)

// fixtureRecord is the import format for fixtures. JSON files parse too.
type fixtureRecord struct {
	ID        string    `yaml:"id"`
	League    string    `yaml:"league"`
	Country   string    `yaml:"country"`
	HomeTeam  string    `yaml:"home_team"`
	AwayTeam  string    `yaml:"away_team"`
	Venue     string    `yaml:"venue"`
	Kickoff   time.Time `yaml:"kickoff"`
	Status    string    `yaml:"status"`
	HomeScore *int      `yaml:"home_score"`
	AwayScore *int      `yaml:"away_score"`
}

func (r fixtureRecord) fixture() (database.Fixture, error) {
	if r.League == "" || r.HomeTeam == "" || r.AwayTeam == "" || r.Kickoff.IsZero() {
		return database.Fixture{}, fmt.Errorf("fixture %q: league, home_team, away_team and kickoff are required",
			r.HomeTeam+" vs "+r.AwayTeam)
	}
	f := database.Fixture{
		ID:          r.ID,
		League:      r.League,
		Country:     r.Country,
		HomeTeam:    r.HomeTeam,
		AwayTeam:    r.AwayTeam,
		Kickoff:     r.Kickoff.UTC(),
		MatchStatus: r.Status,
		HomeScore:   r.HomeScore,
		AwayScore:   r.AwayScore,
	}
	if f.ID == "" {
		f.ID = fixtureID(f)
	}
	if f.MatchStatus == "" {
		f.MatchStatus = database.MatchScheduled
		if f.HomeScore != nil && f.AwayScore != nil {
			f.MatchStatus = database.MatchFinished
		}
	}
	if r.Venue != "" {
		v := r.Venue
		f.Venue = &v
	}
	return f, nil
}

// fixtureID derives a stable id so re-importing a fixture updates it.
func fixtureID(f database.Fixture) string {
	key := strings.ToLower(strings.Join([]string{
		f.League, f.HomeTeam, f.AwayTeam, f.Kickoff.Format("2006-01-02"),
	}, "|"))
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

var fixturesCmd = &cobra.Command{
	Use:   "fixtures",
	Short: "Manage the fixture calendar",
}

var addRecord fixtureRecord
var addKickoff string

var fixturesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add or update one fixture",
	RunE: func(cmd *cobra.Command, args []string) error {
		kickoff, err := time.Parse(time.RFC3339, addKickoff)
		if err != nil {
			return fmt.Errorf("invalid --kickoff (want RFC 3339, e.g. 2026-03-14T17:30:00Z): %w", err)
		}
		rec := addRecord
		rec.Kickoff = kickoff
		f, err := rec.fixture()
		if err != nil {
			return err
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.UpsertFixture(f); err != nil {
			return err
		}
		fmt.Printf("Saved fixture %s: %s (%s)\n", f.ID, f.Label(), f.Kickoff.Local().Format("Mon 02 Jan 15:04"))
		return nil
	},
}

func init() {
	fl := fixturesAddCmd.Flags()
	fl.StringVar(&addRecord.ID, "id", "", "Fixture id (derived when empty)")
	fl.StringVar(&addRecord.League, "league", "", "League name")
	fl.StringVar(&addRecord.Country, "country", "", "Country of the league")
	fl.StringVar(&addRecord.HomeTeam, "home", "", "Home team")
	fl.StringVar(&addRecord.AwayTeam, "away", "", "Away team")
	fl.StringVar(&addRecord.Venue, "venue", "", "Venue name")
	fl.StringVar(&addKickoff, "kickoff", "", "Kickoff time in RFC 3339")
	for _, name := range []string{"league", "home", "away", "kickoff"} {
		_ = fixturesAddCmd.MarkFlagRequired(name)
	}
}

var fixturesImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import fixtures and results from a YAML or JSON list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading %s: %w", args[0], err)
		}
		var records []fixtureRecord
		if err := yaml.Unmarshal(data, &records); err != nil {
			return fmt.Errorf("parsing %s: %w", args[0], err)
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		saved := 0
		for _, rec := range records {
			f, err := rec.fixture()
			if err != nil {
				fmt.Printf("  Skipped: %v\n", err)
				continue
			}
			if err := db.UpsertFixture(f); err != nil {
				return err
			}
			saved++
		}
		fmt.Printf("Imported %d of %d fixtures\n", saved, len(records))
		return nil
	},
}

var (
	listStage  string
	listLeague string
	listLimit  uint64
)

var fixturesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List upcoming fixtures",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		from := time.Now().Add(-3 * time.Hour)
		filter := database.FixtureFilter{League: listLeague, From: &from, Limit: listLimit}
		if listStage != "" {
			filter.Stages = []database.Stage{database.Stage(listStage)}
		}
		fixtures, err := db.ListFixtures(filter)
		if err != nil {
			return err
		}
		if len(fixtures) == 0 {
			fmt.Println("No fixtures. Add some with: matchwire fixtures add")
			return nil
		}
		for _, f := range fixtures {
			stage := string(f.Stage)
			if stage == "" {
				stage = "new"
			}
			fmt.Printf("  %s  %-16s %-40s %-15s %s\n", f.Kickoff.Local().Format("Mon 02 Jan 15:04"),
				f.League, f.Label(), stage, f.ID)
		}
		return nil
	},
}

func init() {
	fixturesListCmd.Flags().StringVar(&listStage, "stage", "", "Only fixtures in this stage")
	fixturesListCmd.Flags().StringVar(&listLeague, "league", "", "Only fixtures of this league")
	fixturesListCmd.Flags().Uint64Var(&listLimit, "limit", 50, "Maximum number of fixtures")

	fixturesCmd.AddCommand(fixturesAddCmd)
	fixturesCmd.AddCommand(fixturesImportCmd)
	fixturesCmd.AddCommand(fixturesListCmd)
}

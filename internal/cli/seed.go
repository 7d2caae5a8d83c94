package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/tbourn/persona-chat-backend/internal/domain"
	"github.com/tbourn/persona-chat-backend/internal/repo"
)

var seedFile string

// fixtures is the seed file layout.
//
//	users:
//	  - id: u-1
//	    display_name: Alice
//	    credits: 20
//	operators:
//	  - id: op-1
//	    display_name: Bob
//	personas:
//	  - display_name: Mia
//	    gender: female
//	    age: 29
//	    location: Zürich
//	    gallery: [mia-1.jpg, mia-2.jpg]
//	    message_cost: 2
type fixtures struct {
	Users     []userFixture     `yaml:"users"`
	Operators []operatorFixture `yaml:"operators"`
	Personas  []personaFixture  `yaml:"personas"`
}

type userFixture struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	Credits     int64  `yaml:"credits"`
}

type operatorFixture struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	Status      string `yaml:"status"`
}

type personaFixture struct {
	ID          string   `yaml:"id"`
	DisplayName string   `yaml:"display_name"`
	Gender      string   `yaml:"gender"`
	Age         int      `yaml:"age"`
	Location    string   `yaml:"location"`
	Gallery     []string `yaml:"gallery"`
	MessageCost int64    `yaml:"message_cost"`
}

// parseFixtures decodes and validates a seed document.
func parseFixtures(data []byte) (*fixtures, error) {
	var f fixtures
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixtures: %w", err)
	}
	for i, u := range f.Users {
		if strings.TrimSpace(u.ID) == "" {
			return nil, fmt.Errorf("users[%d]: id is required", i)
		}
		if u.Credits < 0 {
			return nil, fmt.Errorf("users[%d]: credits must be >= 0", i)
		}
	}
	for i, o := range f.Operators {
		if strings.TrimSpace(o.ID) == "" {
			return nil, fmt.Errorf("operators[%d]: id is required", i)
		}
		switch domain.OperatorStatus(o.Status) {
		case "", domain.OperatorActive, domain.OperatorSuspended, domain.OperatorLeft:
		default:
			return nil, fmt.Errorf("operators[%d]: unknown status %q", i, o.Status)
		}
	}
	for i, p := range f.Personas {
		if strings.TrimSpace(p.DisplayName) == "" || p.Age <= 0 {
			return nil, fmt.Errorf("personas[%d]: display_name and a positive age are required", i)
		}
		if !domain.Gender(strings.ToLower(p.Gender)).Valid() {
			return nil, fmt.Errorf("personas[%d]: gender must be male or female", i)
		}
	}
	return &f, nil
}

// apply upserts every fixture in one transaction.
func (f *fixtures) apply(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, u := range f.Users {
			if err := repo.UpsertRealUser(ctx, tx, &domain.RealUser{ID: u.ID, DisplayName: u.DisplayName, Credits: u.Credits}); err != nil {
				return fmt.Errorf("user %s: %w", u.ID, err)
			}
		}
		for _, o := range f.Operators {
			status := domain.OperatorStatus(o.Status)
			if status == "" {
				status = domain.OperatorActive
			}
			if err := repo.UpsertOperator(ctx, tx, &domain.Operator{ID: o.ID, DisplayName: o.DisplayName, Status: status}); err != nil {
				return fmt.Errorf("operator %s: %w", o.ID, err)
			}
		}
		for _, p := range f.Personas {
			id := p.ID
			if id == "" {
				id = uuid.NewString()
			}
			if err := repo.SavePersona(ctx, tx, &domain.Persona{
				ID:          id,
				DisplayName: strings.TrimSpace(p.DisplayName),
				Gender:      domain.Gender(strings.ToLower(p.Gender)),
				Age:         p.Age,
				Location:    p.Location,
				Gallery:     domain.StringList(p.Gallery),
				MessageCost: p.MessageCost,
			}); err != nil {
				return fmt.Errorf("persona %s: %w", p.DisplayName, err)
			}
		}
		return nil
	})
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Upsert users, operators and personas from a YAML file",
	Long: `Upsert users, operators and personas from a YAML file.

Existing rows with the same id are replaced. Personas without an id get a
fresh one, so re-running such a file adds duplicates.

Examples:
  personachat seed --file fixtures.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		data, err := os.ReadFile(seedFile)
		if err != nil {
			return fmt.Errorf("read fixtures: %w", err)
		}
		f, err := parseFixtures(data)
		if err != nil {
			return err
		}
		db, err := migratedStore()
		if err != nil {
			return err
		}
		if err := f.apply(cmd.Context(), db); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "seeded %d users, %d operators, %d personas\n",
			len(f.Users), len(f.Operators), len(f.Personas))
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVarP(&seedFile, "file", "f", "fixtures.yaml", "YAML fixtures file")
}

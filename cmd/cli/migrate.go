package cli

import (
	"context"
	"fmt"

	"nexusdesk/internal/config"
	"nexusdesk/internal/models"
	"nexusdesk/internal/repository"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	flagSeedCompany string
	flagSeedPlan    string
	flagSeedManager string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate the database schema and optionally seed a company",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if err := config.InitLogger(cfg); err != nil {
			return err
		}
		db, err := openDatabase(cfg)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}

		logrus.Info("Starting database migration...")
		if err := repository.AutoMigrate(db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logrus.Info("Database migration completed successfully")

		if flagSeedCompany == "" {
			return nil
		}
		store := repository.NewStore(db, logrus.StandardLogger())
		ctx := context.Background()
		company := &models.Company{ID: flagSeedCompany, Name: flagSeedCompany, PlanTier: models.PlanTier(flagSeedPlan)}
		if err := store.SaveCompany(ctx, company); err != nil {
			return fmt.Errorf("seed company: %w", err)
		}
		if flagSeedManager != "" {
			manager := &models.User{
				ID:        flagSeedManager,
				CompanyID: company.ID,
				Email:     flagSeedManager + "@" + company.ID + ".local",
				Role:      models.RoleManager,
			}
			if err := store.CreateUser(ctx, manager); err != nil {
				return fmt.Errorf("seed manager: %w", err)
			}
		}
		logrus.WithFields(logrus.Fields{
			"company_id": company.ID,
			"plan":       company.PlanTier,
		}).Info("seeded company")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().StringVar(&flagSeedCompany, "seed-company", "", "create or update a company with this id")
	migrateCmd.Flags().StringVar(&flagSeedPlan, "plan", string(models.PlanFreemium), "plan tier for the seeded company (freemium, standard, pro)")
	migrateCmd.Flags().StringVar(&flagSeedManager, "manager", "", "user id of a manager to create in the seeded company")
}

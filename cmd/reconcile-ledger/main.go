package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/rideshare-booking/internal/config"
	"github.com/smarttransit/rideshare-booking/internal/database"
	"github.com/smarttransit/rideshare-booking/internal/models"
	"github.com/smarttransit/rideshare-booking/internal/services"
)

// reconcile-ledger compares ledger account rows with the sum of their settled
// entries. Exits 1 when any account has drifted.
//
//	reconcile-ledger                 # every account
//	reconcile-ledger -user <uuid>    # one account
func main() {
	userFlag := flag.String("user", "", "reconcile only this user id")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall timeout")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stderr)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ledger := services.NewLedgerService(database.NewLedgerRepository(db), logger)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var reports []*models.ReconciliationReport
	if *userFlag != "" {
		userID, err := uuid.Parse(*userFlag)
		if err != nil {
			logger.Fatalf("Invalid user id %q: %v", *userFlag, err)
		}
		report, err := ledger.Reconcile(ctx, userID)
		if err != nil {
			logger.Fatalf("Reconciliation failed: %v", err)
		}
		reports = append(reports, report)
	} else {
		drifted, err := ledger.ReconcileAll(ctx)
		if err != nil {
			logger.Fatalf("Reconciliation failed: %v", err)
		}
		for i := range drifted {
			reports = append(reports, &drifted[i])
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	outOfBalance := 0
	for _, report := range reports {
		if !report.InBalance {
			outOfBalance++
		}
		if err := enc.Encode(report); err != nil {
			logger.Fatalf("Failed to write report: %v", err)
		}
	}

	logger.WithField("out_of_balance", outOfBalance).Info("Ledger reconciliation finished")
	if outOfBalance > 0 {
		os.Exit(1)
	}
}

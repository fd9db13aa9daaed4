package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/goodtune/terastv/internal/config"
	"github.com/goodtune/terastv/internal/policy"
	"github.com/goodtune/terastv/internal/probe"
	"github.com/goodtune/terastv/internal/storage"
	"github.com/goodtune/terastv/internal/title"
)

var (
	checkLabel    string
	checkTitle    string
	checkTitleFor string
	checkTitleAge time.Duration
)

var checkCmd = &cobra.Command{
	Use:   "check [flags] PACKAGE",
	Short: "Check tracking decisions for a package",
	Long:  `Check whether TerasTV would track a package and which title it would report for it.`,
	Example: `  terastv check com.netflix.ninja
  terastv check --title Inception --title-for com.netflix.ninja --title-age 30s com.netflix.ninja
  terastv -c config.yaml check com.google.android.tvlauncher`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkLabel, "label", "", "Display label reported by the platform (defaults to configured label)")
	checkCmd.Flags().StringVar(&checkTitle, "title", "", "Latest title published by the title oracle")
	checkCmd.Flags().StringVar(&checkTitleFor, "title-for", "", "Package the latest title belongs to (defaults to PACKAGE)")
	checkCmd.Flags().DurationVar(&checkTitleAge, "title-age", 0, "Age of the latest title")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	packageID := args[0]

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Create a quiet logger for check mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	staticPolicy := policy.NewStaticPolicy(cfg.Device.SelfPackage, cfg.Tracking.IgnorePackages)
	var trackingPolicy policy.TrackingPolicy = staticPolicy
	source := "static ignore list"
	if cfg.Policy.OPAPolicyDir != "" {
		opaPolicy, err := policy.NewOPAPolicy(cfg.Policy.OPAPolicyDir, staticPolicy, logger)
		if err != nil {
			return fmt.Errorf("failed to load tracking policy: %w", err)
		}
		trackingPolicy = opaPolicy
		source = "OPA policy " + cfg.Policy.OPAPolicyDir
	}

	ignored := trackingPolicy.Ignored(context.Background(), packageID)

	label := checkLabel
	if label == "" {
		labels, err := probe.NewLabelCache(cfg.Tracking.LabelMap(), 1, logger)
		if err != nil {
			return err
		}
		if l, err := labels.Label(packageID); err == nil {
			label = l
		} else {
			label = packageID
		}
	}

	now := time.Now()
	var record *storage.TitleRecord
	if checkTitle != "" {
		owner := checkTitleFor
		if owner == "" {
			owner = packageID
		}
		record = &storage.TitleRecord{PackageID: owner, Title: checkTitle, CapturedAt: now.Add(-checkTitleAge)}
	}
	staleness := config.ParseDuration(cfg.Tracking.TitleStaleness, title.DefaultStaleness)
	appTitle, titleSource := title.Pick(packageID, label, record, now, staleness)

	printCheckResult(packageID, label, source, ignored, appTitle, titleSource)
	return nil
}

func printCheckResult(packageID, label, policySource string, ignored bool, appTitle string, source title.Source) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	_, _ = cyan.Println("\n=== Tracking Decision ===")
	fmt.Printf("Package:    %s\n", packageID)
	fmt.Printf("Label:      %s\n", label)
	fmt.Printf("Policy:     %s\n", policySource)

	fmt.Printf("Decision:   ")
	if ignored {
		_, _ = red.Println("IGNORED")
		fmt.Println()
		return
	}
	_, _ = green.Println("TRACKED")

	fmt.Printf("Title:      %s ", appTitle)
	if source == title.SourcePackage || source == title.SourceFallback {
		_, _ = yellow.Printf("(%s)\n", source)
	} else {
		fmt.Printf("(%s)\n", source)
	}
	fmt.Println()
}

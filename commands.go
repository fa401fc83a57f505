package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"trading-bot/internal/api"
	"trading-bot/internal/leverage"
	"trading-bot/internal/market"
	"trading-bot/pkg/config"
)

func newLeverageCmd(strategyPath *string) *cobra.Command {
	var req leverage.Request
	var regime string

	cmd := &cobra.Command{
		Use:   "leverage",
		Short: "Print a leverage recommendation for one entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			strat, err := config.LoadStrategyFile(*strategyPath)
			if err != nil {
				return err
			}
			calc, err := leverage.NewCalculator(strat.Leverage)
			if err != nil {
				return err
			}
			if req.EntryPrice <= 0 {
				return fmt.Errorf("--price must be positive")
			}
			req.Symbol = strings.ToUpper(req.Symbol)
			req.Regime = market.ParseRegime(strings.ToUpper(regime))

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(calc.Calculate(req))
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Symbol, "symbol", "BTCUSDT", "symbol")
	f.Float64Var(&req.EntryPrice, "price", 0, "entry price")
	f.StringVar(&regime, "regime", "NEUTRAL", "market regime (STRONG_TREND, WEAK_TREND, NEUTRAL, CHOP, VOLATILE)")
	f.Float64Var(&req.ATR, "atr", 0, "average true range in price units")
	f.Float64Var(&req.RequestedLeverage, "requested", 0, "requested leverage, 0 for the recommendation")
	f.Float64Var(&req.AccountBalance, "balance", 0, "account balance for the exposure check")
	f.Float64Var(&req.CurrentExposure, "exposure", 0, "current notional exposure")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator JWT for the control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			secret := os.Getenv("JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("JWT_SECRET is not set")
			}
			tok, exp, err := api.GenerateToken(subject, secret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func newCheckConfigCmd(strategyPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the environment and strategy file and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, strat, err := loadSettings(*strategyPath)
			if err != nil {
				return err
			}
			out := struct {
				Symbols  []string        `yaml:"symbols"`
				DryRun   bool            `yaml:"dry_run"`
				Port     string          `yaml:"port"`
				DBPath   string          `yaml:"db_path"`
				Strategy config.Strategy `yaml:"strategy"`
			}{cfg.Symbols, cfg.DryRun, cfg.Port, cfg.DBPath, strat}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(out)
		},
	}
}

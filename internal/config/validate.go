package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"tradingbot/internal/domain"
)

var validate = validator.New()

// Validate checks field ranges and cross-field constraints. It is called
// once by Load; callers building a Config by hand should call it too.
func (c *Config) Validate() error {
	var problems []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	if len(c.Trading.AllSymbols()) == 0 {
		problems = append(problems, "trading.symbol or trading.symbols is required")
	}
	if r := c.Risk; r.BackstopPct > 0 && r.BackstopPct <= r.StopLossPct {
		problems = append(problems, "risk.backstop_pct must be > risk.stop_loss_pct")
	}
	s := c.Strategy
	if s.GridLevels > 0 && s.GridSpacing*float64(s.GridLevels) >= 1 {
		problems = append(problems, "strategy.grid_spacing * grid_levels must be < 1")
	}
	if s.MaxInvestment < s.Budget {
		problems = append(problems, "strategy.max_investment must be >= strategy.budget")
	}

	switch domain.TradingMode(c.Trading.Mode) {
	case domain.ModeLive:
		switch c.Trading.Exchange {
		case "binance":
			if c.Exchange.Binance.APIKey == "" || c.Exchange.Binance.APISecret == "" {
				problems = append(problems, "live mode on binance requires api_key and api_secret")
			}
		case "alpaca":
			if c.Exchange.Alpaca.APIKey == "" || c.Exchange.Alpaca.APISecret == "" {
				problems = append(problems, "live mode on alpaca requires api_key and api_secret")
			}
		default:
			problems = append(problems, "live mode requires trading.exchange binance or alpaca")
		}
	case domain.ModeBacktest:
		if c.Storage.DataDir == "" {
			problems = append(problems, "backtest mode requires storage.data_dir")
		}
		if _, _, err := c.Backtest.Range(); err != nil {
			problems = append(problems, err.Error())
		}
	}

	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			problems = append(problems, "storage.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Storage.DSN == "" {
			problems = append(problems, "storage.dsn is required for the postgres driver")
		}
	}

	if len(c.Notify.KafkaBrokers) > 0 && (c.Notify.TradeTopic == "" || c.Notify.AlertTopic == "") {
		problems = append(problems, "notify topics are required when kafka_brokers is set")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

// Range parses the backtest window. End defaults to now.
func (b Backtest) Range() (time.Time, time.Time, error) {
	if b.Start == "" {
		return time.Time{}, time.Time{}, errors.New("backtest.start is required")
	}
	start, err := time.Parse("2006-01-02", b.Start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest.start: %v", err)
	}
	end := time.Now().UTC()
	if b.End != "" {
		if end, err = time.Parse("2006-01-02", b.End); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("backtest.end: %v", err)
		}
		end = end.Add(24*time.Hour - time.Millisecond)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, errors.New("backtest.end is before backtest.start")
	}
	return start, end, nil
}

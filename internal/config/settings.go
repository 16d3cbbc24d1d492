package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"lv-propdesk/internal/model"
	"lv-propdesk/internal/pricing"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// TradingSettings is the file-backed part of the configuration: instrument
// pricing and the catalogue of challenge products on sale.
type TradingSettings struct {
	Pricing    pricing.Settings       `yaml:"pricing"`
	Challenges []model.ChallengeRules `yaml:"challenges"`
}

func DefaultTradingSettings() TradingSettings {
	return TradingSettings{
		Pricing: pricing.DefaultSettings(),
		Challenges: []model.ChallengeRules{
			{
				Name:           "classic-100k",
				InitialBalance: decimal.NewFromInt(100000),
				PurchasePrice:  decimal.NewFromInt(549),
				Leverage:       100,
				Phases: []model.PhaseRule{
					{ProfitTarget: decimal.NewFromInt(8), MinTradingDays: 3, MaxDays: 30},
					{ProfitTarget: decimal.NewFromInt(5), MinTradingDays: 3, MaxDays: 60},
				},
				MaxDailyLoss:       decimal.NewFromInt(5),
				MaxTotalLoss:       decimal.NewFromInt(10),
				MaxSingleTradeLoss: decimal.NewFromInt(2),
				RefundPercent:      decimal.NewFromInt(100),
				ProfitSplit:        decimal.NewFromInt(80),
				InactivityDays:     30,
			},
			{
				Name:           "starter-10k",
				InitialBalance: decimal.NewFromInt(10000),
				PurchasePrice:  decimal.NewFromInt(99),
				Leverage:       50,
				Phases: []model.PhaseRule{
					{ProfitTarget: decimal.NewFromInt(10), MinTradingDays: 3},
				},
				MaxDailyLoss:       decimal.NewFromInt(5),
				MaxTotalLoss:       decimal.NewFromInt(10),
				MaxSingleTradeLoss: decimal.NewFromInt(3),
				ProfitSplit:        decimal.NewFromInt(70),
				InactivityDays:     30,
			},
		},
	}
}

// LoadTradingSettings reads a YAML settings file. Sections missing from the
// file keep their defaults; an empty path yields the defaults.
func LoadTradingSettings(path string) (TradingSettings, error) {
	s := DefaultTradingSettings()
	if strings.TrimSpace(path) == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read trading settings: %w", err)
	}
	var file TradingSettings
	if err := yaml.Unmarshal(data, &file); err != nil {
		return s, fmt.Errorf("parse trading settings: %w", err)
	}
	if len(file.Pricing.Instruments) > 0 {
		s.Pricing = file.Pricing
	}
	if len(file.Challenges) > 0 {
		s.Challenges = file.Challenges
	}
	return s, s.Validate()
}

func (s TradingSettings) Validate() error {
	if err := s.Pricing.Validate(); err != nil {
		return fmt.Errorf("pricing: %w", err)
	}
	seen := map[string]bool{}
	for _, c := range s.Challenges {
		if c.Name == "" {
			return errors.New("challenge name is required")
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate challenge %s", c.Name)
		}
		seen[c.Name] = true
		if !c.InitialBalance.GreaterThan(decimal.Zero) {
			return fmt.Errorf("challenge %s: initial_balance must be positive", c.Name)
		}
		if len(c.Phases) == 0 {
			return fmt.Errorf("challenge %s: at least one phase is required", c.Name)
		}
		if !c.MaxTotalLoss.GreaterThan(decimal.Zero) || c.MaxTotalLoss.GreaterThan(decimal.NewFromInt(100)) {
			return fmt.Errorf("challenge %s: max_total_loss must be within (0, 100]", c.Name)
		}
		if c.ProfitSplit.IsNegative() || c.ProfitSplit.GreaterThan(decimal.NewFromInt(100)) {
			return fmt.Errorf("challenge %s: profit_split must be within [0, 100]", c.Name)
		}
		for i, p := range c.Phases {
			if !p.ProfitTarget.GreaterThan(decimal.Zero) {
				return fmt.Errorf("challenge %s phase %d: profit_target must be positive", c.Name, i+1)
			}
		}
	}
	return nil
}

func (s TradingSettings) Product(name string) (model.ChallengeRules, bool) {
	for _, c := range s.Challenges {
		if c.Name == name {
			return c, true
		}
	}
	return model.ChallengeRules{}, false
}

// SettingsHolder publishes the current snapshot. Readers get the snapshot
// that was current when they called Load; replacing it never affects a
// calculation already in progress.
type SettingsHolder struct {
	p atomic.Pointer[TradingSettings]
}

func NewSettingsHolder(s TradingSettings) *SettingsHolder {
	h := &SettingsHolder{}
	h.p.Store(&s)
	return h
}

func (h *SettingsHolder) Load() TradingSettings {
	return *h.p.Load()
}

func (h *SettingsHolder) Pricing() pricing.Settings {
	return h.p.Load().Pricing
}

func (h *SettingsHolder) Store(s TradingSettings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	h.p.Store(&s)
	return nil
}

// Reload swaps in the settings at path. The previous snapshot stays when
// the file is invalid.
func (h *SettingsHolder) Reload(path string) error {
	s, err := LoadTradingSettings(path)
	if err != nil {
		return err
	}
	return h.Store(s)
}

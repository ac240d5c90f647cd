package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// CreditPackage is a purchasable bundle of investigation credits.
type CreditPackage struct {
	ID         string `mapstructure:"id"`
	Name       string `mapstructure:"name"`
	Credits    int64  `mapstructure:"credits"`
	UnitAmount int64  `mapstructure:"unitAmount"`
	Currency   string `mapstructure:"currency"`
}

type BillingConfig struct {
	Packages []CreditPackage `mapstructure:"packages"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		Packages: []CreditPackage{
			{ID: "starter", Name: "Starter", Credits: 3, UnitAmount: 9_00, Currency: "usd"},
			{ID: "standard", Name: "Standard", Credits: 10, UnitAmount: 25_00, Currency: "usd"},
			{ID: "bulk", Name: "Bulk", Credits: 50, UnitAmount: 99_00, Currency: "usd"},
		},
	}
}

// BillingConfigHolder exposes the current billing config and reloads it when
// the underlying file changes.
type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/casefile")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CASEFILE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &BillingConfigHolder{}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		holder.current.Store(DefaultBillingConfig())
		return holder, nil
	}

	cfg, err := unmarshalBilling(v)
	if err != nil {
		return nil, err
	}
	holder.current.Store(cfg)

	v.OnConfigChange(func(fsnotify.Event) {
		reloaded, err := unmarshalBilling(v)
		if err != nil {
			log.Printf("billing config reload failed: %v", err)
			return
		}
		holder.current.Store(reloaded)
	})
	v.WatchConfig()

	return holder, nil
}

func unmarshalBilling(v *viper.Viper) (BillingConfig, error) {
	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return BillingConfig{}, err
	}
	if len(cfg.Packages) == 0 {
		return BillingConfig{}, errors.New("billing config has no packages")
	}
	for _, pkg := range cfg.Packages {
		if strings.TrimSpace(pkg.ID) == "" || pkg.Credits <= 0 || pkg.UnitAmount <= 0 {
			return BillingConfig{}, errors.New("billing config package is invalid")
		}
	}
	return cfg, nil
}

func (h *BillingConfigHolder) Current() BillingConfig {
	if h == nil {
		return DefaultBillingConfig()
	}
	value, ok := h.current.Load().(BillingConfig)
	if !ok {
		return DefaultBillingConfig()
	}
	return value
}

// Package returns the package with the given id, if configured.
func (h *BillingConfigHolder) Package(id string) (CreditPackage, bool) {
	id = strings.TrimSpace(id)
	for _, pkg := range h.Current().Packages {
		if pkg.ID == id {
			return pkg, true
		}
	}
	return CreditPackage{}, false
}

package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/RepairPipe/internal/models"
	"github.com/BTreeMap/RepairPipe/internal/signals"
)

// PricingTable is the offline estimate table used when the backend is down.
// Prices are looked up by canonical equipment name, then by equipment family,
// then fall back to Default.
type PricingTable struct {
	Currency  string                        `yaml:"currency"`
	Default   float64                       `yaml:"default"`
	Equipment map[string]map[string]float64 `yaml:"equipment"`
	Families  map[string]map[string]float64 `yaml:"families"`
}

// DefaultPricingTable returns the built-in estimates.
func DefaultPricingTable() *PricingTable {
	return &PricingTable{
		Currency: "BRL",
		Default:  150,
		Equipment: map[string]map[string]float64{
			"cooktop":         {signals.ServiceInstallation: 160},
			"ar-condicionado": {signals.ServiceRepair: 250, signals.ServiceInstallation: 450, signals.ServiceMaintenance: 220},
			"lava-louças":     {signals.ServiceRepair: 220, signals.ServiceInstallation: 200},
		},
		Families: map[string]map[string]float64{
			signals.FamilyCooking:       {signals.ServiceRepair: 180, signals.ServiceInstallation: 150, signals.ServiceMaintenance: 140},
			signals.FamilyRefrigeration: {signals.ServiceRepair: 220, signals.ServiceMaintenance: 180},
			signals.FamilyLaundry:       {signals.ServiceRepair: 200, signals.ServiceInstallation: 120, signals.ServiceMaintenance: 160},
			signals.FamilyMicrowave:     {signals.ServiceRepair: 150},
			signals.FamilyHood:          {signals.ServiceRepair: 160, signals.ServiceInstallation: 220},
			signals.FamilyWaterHeater:   {signals.ServiceRepair: 230, signals.ServiceInstallation: 350, signals.ServiceMaintenance: 200},
		},
	}
}

// LoadPricingTable reads a YAML pricing table from path.
func LoadPricingTable(path string) (*PricingTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing table: %w", err)
	}
	return ParsePricingTable(data)
}

// ParsePricingTable decodes a YAML pricing table.
func ParsePricingTable(data []byte) (*PricingTable, error) {
	var t PricingTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse pricing table: %w", err)
	}
	if t.Default <= 0 {
		return nil, errors.New("pricing table: default must be positive")
	}
	if t.Currency == "" {
		t.Currency = "BRL"
	}
	return &t, nil
}

// Lookup returns the estimate for equipment and service type.
func (t *PricingTable) Lookup(equipment, serviceType string) float64 {
	if serviceType == "" {
		serviceType = signals.ServiceRepair
	}
	if v, ok := t.Equipment[strings.ToLower(equipment)][serviceType]; ok {
		return v
	}
	if fam := signals.FamilyOf(equipment); fam != "" {
		if v, ok := t.Families[fam][serviceType]; ok {
			return v
		}
	}
	return t.Default
}

// QuoteInput is what the pricing backend needs.
type QuoteInput struct {
	Equipment   string
	ServiceType string
	Brand       string
	Problem     string
}

type quoteRequest struct {
	Equipment   string `json:"equipment"`
	ServiceType string `json:"service_type"`
	Brand       string `json:"brand"`
	Problem     string `json:"problem"`
	Region      string `json:"region,omitempty"`
}

type quoteResponse struct {
	Value    *float64 `json:"value"`
	Currency string   `json:"currency"`
}

// BuildQuote prices in. It never fails for lack of a backend: when both hosts
// are unusable the offline table is used and the record's Source says so.
func (c *Client) BuildQuote(ctx context.Context, in QuoteInput) (models.QuoteRecord, error) {
	if in.ServiceType == "" {
		in.ServiceType = signals.ServiceRepair
	}
	rec := models.QuoteRecord{
		Equipment:   in.Equipment,
		ServiceType: in.ServiceType,
		Brand:       in.Brand,
		Problem:     in.Problem,
		CreatedAt:   c.opts.Now(),
	}

	key := IdempotencyKey()
	body := quoteRequest{Equipment: in.Equipment, ServiceType: in.ServiceType, Brand: in.Brand, Problem: in.Problem, Region: c.opts.Region}
	resp, usedFallback, err := WithFallback(ctx, c.policy(), func(ctx context.Context, base string) (quoteResponse, error) {
		var out quoteResponse
		if err := c.postJSON(ctx, base, "/quote/estimate", key, body, &out); err != nil {
			return out, err
		}
		if out.Value == nil || *out.Value <= 0 || math.IsNaN(*out.Value) {
			return out, fmt.Errorf("quote response without a usable value")
		}
		return out, nil
	})
	if err != nil {
		slog.Warn("tools.Client.BuildQuote: using offline table", "equipment", in.Equipment, "service_type", in.ServiceType, "error", err)
		rec.Value = c.opts.Pricing.Lookup(in.Equipment, in.ServiceType)
		rec.Currency = c.opts.Pricing.Currency
		rec.Source = models.QuoteSourceOffline
		return rec, nil
	}

	rec.Value = *resp.Value
	rec.Currency = resp.Currency
	if rec.Currency == "" {
		rec.Currency = "BRL"
	}
	rec.Source = models.QuoteSourceBackend
	if usedFallback {
		rec.Source = models.QuoteSourceFallback
	}
	slog.Info("tools.Client.BuildQuote: quote ready", "equipment", in.Equipment, "value", rec.Value, "source", rec.Source)
	return rec, nil
}

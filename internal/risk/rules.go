package risk

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Rules holds the tunable thresholds for order validation and risk
// scoring. Amounts are minor currency units.
type Rules struct {
	MinOrderAmount int64 `yaml:"min_order_amount"`
	MaxOrderAmount int64 `yaml:"max_order_amount"`

	// Scoring thresholds. An amount above HighAmount scores harder than
	// one above MediumAmount.
	HighAmount   int64 `yaml:"high_amount"`
	MediumAmount int64 `yaml:"medium_amount"`

	// BulkQuantity is the total item quantity above which an order is
	// treated as a bulk purchase.
	BulkQuantity int `yaml:"bulk_quantity"`

	MaxOrdersPerWindow int           `yaml:"max_orders_per_window"`
	Window             time.Duration `yaml:"window"`
}

func DefaultRules() Rules {
	return Rules{
		MinOrderAmount:     100,
		MaxOrderAmount:     50_000_000,
		HighAmount:         100_000,
		MediumAmount:       50_000,
		BulkQuantity:       20,
		MaxOrdersPerWindow: 5,
		Window:             time.Hour,
	}
}

// LoadRules reads a YAML overrides file on top of the defaults. Fields
// left at zero in the file keep their default values.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()

	data, err := os.ReadFile(path)
	if err != nil {
		return rules, fmt.Errorf("failed to read risk rules: %w", err)
	}

	var overrides Rules
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return rules, fmt.Errorf("failed to parse risk rules: %w", err)
	}

	if overrides.MinOrderAmount > 0 {
		rules.MinOrderAmount = overrides.MinOrderAmount
	}
	if overrides.MaxOrderAmount > 0 {
		rules.MaxOrderAmount = overrides.MaxOrderAmount
	}
	if overrides.HighAmount > 0 {
		rules.HighAmount = overrides.HighAmount
	}
	if overrides.MediumAmount > 0 {
		rules.MediumAmount = overrides.MediumAmount
	}
	if overrides.BulkQuantity > 0 {
		rules.BulkQuantity = overrides.BulkQuantity
	}
	if overrides.MaxOrdersPerWindow > 0 {
		rules.MaxOrdersPerWindow = overrides.MaxOrdersPerWindow
	}
	if overrides.Window > 0 {
		rules.Window = overrides.Window
	}

	if rules.MinOrderAmount >= rules.MaxOrderAmount {
		return rules, fmt.Errorf("risk rules: min order amount %d must be below max %d", rules.MinOrderAmount, rules.MaxOrderAmount)
	}
	if rules.MediumAmount >= rules.HighAmount {
		return rules, fmt.Errorf("risk rules: medium amount %d must be below high %d", rules.MediumAmount, rules.HighAmount)
	}
	return rules, nil
}

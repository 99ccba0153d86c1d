package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"multi-trader/internal/state"
	"multi-trader/pkg/db"
)

// SeedCombo is one combo entry in the seed file.
type SeedCombo struct {
	ID         string         `yaml:"id"`
	Name       string         `yaml:"name"`
	BuyLogic   string         `yaml:"buy_logic"`
	BuyParams  map[string]any `yaml:"buy_params"`
	SellLogic  string         `yaml:"sell_logic"`
	SellParams map[string]any `yaml:"sell_params"`
	// Reference names another combo of the same account (by name or id).
	Reference string `yaml:"reference"`
	Enabled   *bool  `yaml:"enabled"`
	// State seeds scope keys (e.g. base_price) the first time only.
	State map[string]string `yaml:"state"`
}

// SeedAccount is one account entry in the seed file.
type SeedAccount struct {
	ID               string      `yaml:"id"`
	Name             string      `yaml:"name"`
	Exchange         string      `yaml:"exchange"`
	Symbol           string      `yaml:"symbol"`
	BaseAsset        string      `yaml:"base_asset"`
	QuoteAsset       string      `yaml:"quote_asset"`
	APIKey           string      `yaml:"api_key"`
	APISecret        string      `yaml:"api_secret"`
	Active           *bool       `yaml:"active"`
	LoopIntervalSec  int         `yaml:"loop_interval_sec"`
	OrderCooldownSec int         `yaml:"order_cooldown_sec"`
	Combos           []SeedCombo `yaml:"combos"`
}

// SeedFile is the top-level YAML structure.
type SeedFile struct {
	Accounts []SeedAccount `yaml:"accounts"`
}

// LoadSeedFile reads accounts and combos from a YAML file.
func LoadSeedFile(path string) (SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SeedFile{}, err
	}
	return ParseSeed(data)
}

// ParseSeed decodes seed YAML.
func ParseSeed(data []byte) (SeedFile, error) {
	var file SeedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return SeedFile{}, fmt.Errorf("parse seed: %w", err)
	}
	return file, nil
}

// seedID keeps ids stable across re-syncs when the file omits them.
func seedID(explicit string, parts ...string) string {
	if explicit != "" {
		return explicit
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.Join(parts, "/"))).String()
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

func paramsJSON(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SyncSeedToDB upserts the seed into the database in one transaction. Logic
// names are checked against reg; trend_buy combos must name a reference.
func SyncSeedToDB(ctx context.Context, database *db.Database, reg *Registry, seed SeedFile) error {
	return database.WithTx(ctx, func(tx *db.Tx) error {
		for _, sa := range seed.Accounts {
			if sa.Name == "" && sa.ID == "" {
				return fmt.Errorf("seed account needs a name or id")
			}
			acc := db.Account{
				ID:               seedID(sa.ID, "account", sa.Name),
				Name:             sa.Name,
				Exchange:         sa.Exchange,
				Symbol:           sa.Symbol,
				BaseAsset:        sa.BaseAsset,
				QuoteAsset:       sa.QuoteAsset,
				APIKey:           sa.APIKey,
				APISecret:        sa.APISecret,
				IsActive:         boolOr(sa.Active, true),
				LoopIntervalSec:  sa.LoopIntervalSec,
				OrderCooldownSec: sa.OrderCooldownSec,
			}
			if err := tx.UpsertAccount(ctx, acc); err != nil {
				return err
			}
			if err := syncCombos(ctx, tx, reg, acc, sa.Combos); err != nil {
				return fmt.Errorf("account %s: %w", acc.Name, err)
			}
		}
		return nil
	})
}

func syncCombos(ctx context.Context, tx *db.Tx, reg *Registry, acc db.Account, combos []SeedCombo) error {
	comboIDs := make([]string, len(combos))
	ids := make(map[string]string, 2*len(combos))
	for i, sc := range combos {
		id := seedID(sc.ID, "combo", acc.ID, sc.Name)
		comboIDs[i] = id
		if sc.Name != "" {
			ids[sc.Name] = id
		}
		ids[id] = id
	}

	for i, sc := range combos {
		if err := reg.Validate(sc.BuyLogic, sc.SellLogic); err != nil {
			return fmt.Errorf("combo %s: %w", sc.Name, err)
		}
		ref := ""
		if sc.Reference != "" {
			var ok bool
			if ref, ok = ids[sc.Reference]; !ok {
				return fmt.Errorf("combo %s: unknown reference %q", sc.Name, sc.Reference)
			}
		}
		if sc.BuyLogic == TrendBuyName && ref == "" {
			return fmt.Errorf("combo %s: %w", sc.Name, state.ErrNoReference)
		}
		buyParams, err := paramsJSON(sc.BuyParams)
		if err != nil {
			return fmt.Errorf("combo %s buy params: %w", sc.Name, err)
		}
		sellParams, err := paramsJSON(sc.SellParams)
		if err != nil {
			return fmt.Errorf("combo %s sell params: %w", sc.Name, err)
		}
		c := db.Combo{
			ID:               comboIDs[i],
			AccountID:        acc.ID,
			Name:             sc.Name,
			BuyLogicName:     sc.BuyLogic,
			BuyParams:        buyParams,
			SellLogicName:    sc.SellLogic,
			SellParams:       sellParams,
			ReferenceComboID: ref,
			IsEnabled:        boolOr(sc.Enabled, true),
			SortOrder:        i,
		}
		if err := tx.UpsertCombo(ctx, c); err != nil {
			return fmt.Errorf("combo %s: %w", sc.Name, err)
		}
		for k, v := range sc.State {
			if err := tx.InitState(ctx, acc.ID, c.ID, k, v); err != nil {
				return err
			}
		}
	}
	return nil
}

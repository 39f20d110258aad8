package setup

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/custody/config"
)

// OutputFile is where the wizard writes the generated configuration.
const OutputFile = "config.gen.yaml"

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

// Answers are the values collected by the wizard.
type Answers struct {
	Platform       string
	StableAsset    string
	BankCap        string
	MaxWithdraw    string
	Staleness      string
	MinSwapOutput  string
	Admins         string
	CustodyAddress string
	Asset          string
	AssetDecimals  string
	Feed           string
}

func defaults() Answers {
	return Answers{
		Platform:      config.PlatformSimulate,
		StableAsset:   "USDC",
		BankCap:       "1000000",
		MaxWithdraw:   "10000",
		Staleness:     "1h",
		MinSwapOutput: "0.01",
		Asset:         "ETH",
		AssetDecimals: "18",
		Feed:          "ETH_USDT",
	}
}

// RunTUI launches the terminal configuration wizard and returns the path of the written config.
func RunTUI() (string, error) {
	a := defaults()
	var confirm bool

	step := func(title string) {
		fmt.Print("\033[H\033[2J") // clear screen
		fmt.Println(headerStyle.Render("CUSTODY CONFIG WIZARD"))
		fmt.Println(stepStyle.Render(title))
	}

	step("STEP 1: PRICE SOURCE")
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Deposits are valued with prices from this source.\n"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Select price source").
				Options(
					huh.NewOption("Binance", config.PlatformBinance),
					huh.NewOption("Bybit", config.PlatformBybit),
					huh.NewOption("Hyperliquid", config.PlatformHyperliquid),
					huh.NewOption("Simulation (public Binance prices)", config.PlatformSimulate),
				).
				Value(&a.Platform),
		),
	).Run()
	if err != nil {
		return "", err
	}

	step("STEP 2: VAULT LIMITS")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Stable asset").
				Description("Symbol of the 6-decimal settlement asset").
				Value(&a.StableAsset).
				Validate(validateSymbol),
			huh.NewInput().
				Title("Bank cap (USD)").
				Description("Fixed when the vault is created").
				Value(&a.BankCap).
				Validate(validatePositive),
			huh.NewInput().
				Title("Max withdrawal (USD)").
				Description("Per request, for non-stable assets").
				Value(&a.MaxWithdraw).
				Validate(validatePositive),
			huh.NewInput().
				Title("Price staleness tolerance").
				Description("Duration string (e.g. 30s, 1h); 0 disables the check").
				Value(&a.Staleness).
				Validate(validateDuration),
			huh.NewInput().
				Title("Min swap output").
				Description("Smallest stable amount a swap deposit may yield").
				Value(&a.MinSwapOutput).
				Validate(validatePositive),
		),
	).Run()
	if err != nil {
		return "", err
	}

	step("STEP 3: ACCOUNTS")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Administrators").
				Description("Comma separated addresses").
				Value(&a.Admins).
				Validate(validateAddresses),
			huh.NewInput().
				Title("Custody address").
				Description("Leave empty to derive it from CUSTODY_PRIVATE_KEY").
				Value(&a.CustodyAddress).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return nil
					}
					return validateAddresses(s)
				}),
		),
	).Run()
	if err != nil {
		return "", err
	}

	step("STEP 4: DIRECT DEPOSIT ASSET")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Asset").
				Value(&a.Asset).
				Validate(validateSymbol),
			huh.NewInput().
				Title("Decimals").
				Value(&a.AssetDecimals).
				Validate(validateDecimals),
			huh.NewInput().
				Title("Price feed").
				Description("Must contain underscore (e.g. ETH_USDT)").
				Value(&a.Feed).
				Validate(func(s string) error {
					if !strings.Contains(s, "_") {
						return fmt.Errorf("invalid format: must be BASE_QUOTE (e.g. ETH_USDT)")
					}
					return nil
				}),
		),
	).Run()
	if err != nil {
		return "", err
	}

	step("FINAL CONFIRMATION")
	summary := fmt.Sprintf(
		"Platform: %s\nStable: %s\nBank cap: %s USD\nMax withdraw: %s USD\nStaleness: %s\nAsset: %s (%s)\n",
		a.Platform, a.StableAsset, a.BankCap, a.MaxWithdraw, a.Staleness, a.Asset, a.Feed,
	)
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save Configuration?").
				Affirmative("Yes, save and start").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return "", err
	}
	if !confirm {
		return "", fmt.Errorf("setup cancelled by user")
	}

	if err := Write(OutputFile, a); err != nil {
		return "", err
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf("\n✓ Configuration saved to %s\nStarting vault...", OutputFile)))
	time.Sleep(1500 * time.Millisecond) // small pause to read success message
	return OutputFile, nil
}

// Build converts wizard answers into the YAML config form and validates it.
func Build(a Answers) (config.ConfigTmp, error) {
	staleness, err := time.ParseDuration(a.Staleness)
	if err != nil {
		return config.ConfigTmp{}, fmt.Errorf("staleness tolerance: %w", err)
	}
	decimals, err := parseDecimals(a.AssetDecimals)
	if err != nil {
		return config.ConfigTmp{}, err
	}

	tmp := config.ConfigTmp{
		Platform:           a.Platform,
		StableAsset:        strings.ToUpper(strings.TrimSpace(a.StableAsset)),
		BankCap:            a.BankCap,
		MaxWithdraw:        a.MaxWithdraw,
		StalenessTolerance: staleness,
		MinSwapOutput:      a.MinSwapOutput,
		CustodyAddress:     strings.TrimSpace(a.CustodyAddress),
		Assets: []config.AssetTmp{
			{Symbol: strings.ToUpper(strings.TrimSpace(a.StableAsset)), Decimals: 6},
			{Symbol: strings.ToUpper(strings.TrimSpace(a.Asset)), Decimals: decimals, Feed: strings.ToUpper(strings.TrimSpace(a.Feed))},
		},
	}
	for _, admin := range strings.Split(a.Admins, ",") {
		if admin = strings.TrimSpace(admin); admin != "" {
			tmp.Admins = append(tmp.Admins, admin)
		}
	}

	if _, err := tmp.Config(); err != nil {
		return config.ConfigTmp{}, err
	}
	return tmp, nil
}

// Write builds the config from a and saves it as YAML.
func Write(path string, a Answers) error {
	tmp, err := Build(a)
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(tmp)
	if err != nil {
		return fmt.Errorf("failed to generate yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to save config file: %w", err)
	}
	return nil
}

func validatePositive(s string) error {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("must be a valid number")
	}
	if !d.IsPositive() {
		return fmt.Errorf("must be greater than zero")
	}
	return nil
}

func validateDuration(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if d < 0 {
		return fmt.Errorf("must not be negative")
	}
	return nil
}

func validateSymbol(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	return nil
}

func validateDecimals(s string) error {
	_, err := parseDecimals(s)
	return err
}

func parseDecimals(s string) (uint8, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil || !d.IsInteger() || d.IsNegative() || d.GreaterThan(decimal.NewFromInt(38)) {
		return 0, fmt.Errorf("decimals must be a whole number between 0 and 38")
	}
	return uint8(d.IntPart()), nil
}

func validateAddresses(s string) error {
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part == "" {
			continue
		}
		if !common.IsHexAddress(part) {
			return fmt.Errorf("invalid address %q", part)
		}
	}
	return nil
}

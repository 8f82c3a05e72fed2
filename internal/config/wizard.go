package config

import (
	"fmt"
	"strconv"

	"github.com/manifoldco/promptui"
)

// RunWizard runs an interactive configuration wizard and returns the
// resulting Config. It also saves the config to .proxyme.yml.
func RunWizard() (*Config, error) {
	fmt.Println("Welcome to proxyme! Let's configure your token authority.")
	fmt.Println()

	cfg := DefaultConfig()

	// 1. Listen port.
	portPrompt := promptui.Prompt{
		Label:   "Listen port",
		Default: strconv.Itoa(cfg.Server.Port),
		Validate: func(s string) error {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 || n > 65535 {
				return fmt.Errorf("port must be a number between 1 and 65535")
			}
			return nil
		},
	}
	portStr, err := portPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("port selection: %w", err)
	}
	cfg.Server.Port, _ = strconv.Atoi(portStr)

	// 2. Issuer URL advertised in the OIDC discovery document.
	issuerPrompt := promptui.Prompt{
		Label:   "Issuer URL",
		Default: fmt.Sprintf("http://localhost:%d", cfg.Server.Port),
	}
	issuer, err := issuerPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("issuer: %w", err)
	}
	cfg.Server.Issuer = issuer

	// 3. Database location.
	dbPrompt := promptui.Prompt{
		Label:   "SQLite database path",
		Default: cfg.Database.Path,
	}
	dbPath, err := dbPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("database path: %w", err)
	}
	cfg.Database.Path = dbPath

	// 4. Token lifetimes.
	ttlPrompt := promptui.Select{
		Label: "Auth token lifetime",
		Items: []string{
			"1 hour (recommended)",
			"8 hours",
			"24 hours",
		},
	}
	ttlIdx, _, err := ttlPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("token lifetime: %w", err)
	}
	cfg.Tokens.AuthTTLSeconds = []int{3600, 8 * 3600, 24 * 3600}[ttlIdx]

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Save(DefaultConfigFile); err != nil {
		return nil, fmt.Errorf("saving config: %w", err)
	}

	fmt.Printf("\nConfiguration saved to %s\n", DefaultConfigFile)
	return cfg, nil
}

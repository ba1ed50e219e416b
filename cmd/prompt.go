package cmd

import (
	"fmt"

	"github.com/charmbracelet/huh"

	"github.com/nextlevelbuilder/devlink/internal/pairing"
)

// runWithHelp wraps a huh field in a Form with help hints visible at the bottom.
func runWithHelp(fields ...huh.Field) error {
	return huh.NewForm(huh.NewGroup(fields...)).WithShowHelp(true).Run()
}

// promptCode asks for the verification code a device is showing.
func promptCode(deviceID string) (string, error) {
	var value string
	inp := huh.NewInput().
		Title("Verification code").
		Description(fmt.Sprintf("Enter the %d-digit code shown on %s", pairing.CodeLength, deviceID)).
		CharLimit(pairing.CodeLength).
		Validate(validateCode).
		Value(&value)

	if err := runWithHelp(inp); err != nil {
		return "", err
	}
	return value, nil
}

func validateCode(s string) error {
	if len(s) != pairing.CodeLength {
		return fmt.Errorf("code must be %d digits", pairing.CodeLength)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return fmt.Errorf("code must be digits only")
		}
	}
	return nil
}

// promptString prompts for a text input using huh TUI.
// If defaultVal is non-empty it is shown as placeholder; pressing Enter returns it.
func promptString(title, description, defaultVal string) (string, error) {
	var value string
	inp := huh.NewInput().
		Title(title).
		Value(&value)

	if description != "" {
		inp = inp.Description(description)
	}
	if defaultVal != "" {
		inp = inp.Placeholder(defaultVal)
	}

	if err := runWithHelp(inp); err != nil {
		return "", err
	}
	if value == "" {
		return defaultVal, nil
	}
	return value, nil
}

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CheckoutProfile holds the descriptive text placed into purchase payloads.
// None of it affects the amounts charged.
type CheckoutProfile struct {
	Description string      `yaml:"description"`
	NoteToPayer string      `yaml:"note_to_payer"`
	Item        ProfileItem `yaml:"item"`
}

type ProfileItem struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	SKU         string `yaml:"sku"`
}

// DefaultCheckoutProfile is used when no profile file is configured.
func DefaultCheckoutProfile() CheckoutProfile {
	return CheckoutProfile{
		Description: "This is a test of capture.",
		NoteToPayer: "This is a test.",
		Item: ProfileItem{
			Name:        "An item",
			Description: "Some random item.",
			SKU:         "1",
		},
	}
}

// LoadCheckoutProfile reads the profile at path. An empty path returns the
// default profile; fields missing from the file keep their default values.
func LoadCheckoutProfile(path string) (CheckoutProfile, error) {
	profile := DefaultCheckoutProfile()
	if path == "" {
		return profile, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return profile, fmt.Errorf("reading checkout profile %s: %w", path, err)
	}

	return ParseCheckoutProfile(content)
}

// ParseCheckoutProfile decodes a YAML checkout profile over the defaults.
func ParseCheckoutProfile(content []byte) (CheckoutProfile, error) {
	profile := DefaultCheckoutProfile()

	if err := yaml.Unmarshal(content, &profile); err != nil {
		return DefaultCheckoutProfile(), fmt.Errorf("parsing checkout profile: %w", err)
	}

	if profile.Item.Name == "" {
		return DefaultCheckoutProfile(), fmt.Errorf("checkout profile item name must not be empty")
	}

	return profile, nil
}

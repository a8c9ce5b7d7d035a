// Package profile loads the synthetic shopper identity used to fill checkout
// forms, together with the per-language address and payment profiles.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/checkout-crawler/internal/crawler"
)

// ErrProfileMissing is returned when the user data has no profile for a language.
var ErrProfileMissing = errors.New("no profile for language")

// General holds the identity shared by every language profile.
type General struct {
	Gender                string `yaml:"gender" json:"gender"`
	FirstName             string `yaml:"first_name" json:"first_name"`
	LastName              string `yaml:"last_name" json:"last_name"`
	EmailPrefix           string `yaml:"email_prefix" json:"email_prefix"`
	EmailSuffix           string `yaml:"email_suffix" json:"email_suffix"`
	Password              string `yaml:"password" json:"password"`
	DateOfBirth           string `yaml:"date_of_birth" json:"date_of_birth"`
	PhoneNumber           string `yaml:"phone_number" json:"phone_number"`
	CreditCardNumber      string `yaml:"credit_card_number" json:"credit_card_number"`
	CreditCardExpiryMonth string `yaml:"credit_card_expiry_month" json:"credit_card_expiry_month"`
	CreditCardExpiryYear  string `yaml:"credit_card_expiry_year" json:"credit_card_expiry_year"`
	CreditCardCVV         string `yaml:"credit_card_cvv" json:"credit_card_cvv"`
}

// Email returns the per-site tagged address (prefix+tag@suffix).
func (g General) Email(tag string) string {
	return fmt.Sprintf("%s+%s@%s", g.EmailPrefix, tag, g.EmailSuffix)
}

// CardHolder is the name printed on the card.
func (g General) CardHolder() string {
	return strings.TrimSpace(g.FirstName + " " + g.LastName)
}

// Regional is the address, phone and payment data for one language.
type Regional struct {
	CountryCode         string `yaml:"country_code" json:"country_code"`
	LocalFormat         string `yaml:"local_format" json:"local_format"`
	InternationalFormat string `yaml:"international_format" json:"international_format"`
	Street              string `yaml:"street" json:"street"`
	HouseNumber         string `yaml:"house_number" json:"house_number"`
	ZipCode             string `yaml:"zip_code" json:"zip_code"`
	City                string `yaml:"city" json:"city"`
	Province            string `yaml:"province" json:"province"`
	Country             string `yaml:"country" json:"country"`
	PaymentOptions      string `yaml:"payment_options" json:"payment_options"`
}

// Address joins street and house number.
func (r Regional) Address() string {
	return strings.TrimSpace(r.Street + " " + r.HouseNumber)
}

// UserData is the whole profile file.
type UserData struct {
	General  General                       `yaml:"general" json:"general"`
	Profiles map[crawler.Language]Regional `yaml:"profile" json:"profile"`
}

// Shopper is the data a checkout directive is rendered from: one identity,
// one regional profile and the site the email address is tagged with.
type Shopper struct {
	General  General
	Regional Regional
	Language crawler.Language
	SiteTag  string
}

// Email returns the shopper's address for the current site.
func (s Shopper) Email() string {
	return s.General.Email(s.SiteTag)
}

// InternationalPhone builds country code + general phone number without its leading zero.
func (s Shopper) InternationalPhone() string {
	return s.Regional.CountryCode + strings.TrimPrefix(s.General.PhoneNumber, "0")
}

// Load reads a YAML or JSON profile file, picked by extension.
func Load(path string) (*UserData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read user data: %w", err)
	}
	var ud UserData
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &ud); err != nil {
			return nil, fmt.Errorf("parse user data JSON: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, &ud); err != nil {
			return nil, fmt.Errorf("parse user data YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported user data extension %q", filepath.Ext(path))
	}
	if err := ud.Validate(); err != nil {
		return nil, err
	}
	return &ud, nil
}

// Validate checks the fields every checkout directive needs.
func (u *UserData) Validate() error {
	if u.General.FirstName == "" || u.General.LastName == "" {
		return fmt.Errorf("user data: general.first_name and general.last_name are required")
	}
	if u.General.EmailPrefix == "" || u.General.EmailSuffix == "" {
		return fmt.Errorf("user data: general.email_prefix and general.email_suffix are required")
	}
	for lang := range u.Profiles {
		if !lang.Valid() {
			return fmt.Errorf("user data: profile for unsupported language %q", lang)
		}
	}
	return nil
}

// Resolve returns the shopper for a site. A missing or unsupported language is a ConfigError.
func (u *UserData) Resolve(site crawler.SiteEntry) (Shopper, error) {
	if !site.Language.Valid() {
		return Shopper{}, &crawler.ConfigError{
			Row:   site.Row,
			Field: "language",
			Err:   fmt.Errorf("unsupported language %q", site.Language),
		}
	}
	regional, ok := u.Profiles[site.Language]
	if !ok {
		return Shopper{}, &crawler.ConfigError{
			Row:   site.Row,
			Field: "language",
			Err:   fmt.Errorf("%w %s", ErrProfileMissing, site.Language),
		}
	}
	return Shopper{
		General:  u.General,
		Regional: regional,
		Language: site.Language,
		SiteTag:  crawler.EmailTag(site.URL),
	}, nil
}

// Package prompt builds the instruction handed to the browser agent: the base
// system prompt, the consent directive for the run's consent mode, the
// product-selection directive and the checkout directive for the run's variant.
package prompt

import (
	"fmt"
	"os"
	"strings"

	"github.com/JakeFAU/checkout-crawler/internal/crawler"
	"github.com/JakeFAU/checkout-crawler/internal/profile"
)

// Instruction is the composed agent task, kept in sections so callers and
// tests can inspect each part.
type Instruction struct {
	System   string
	Entry    string
	Consent  string
	Product  string
	Checkout string
}

// String renders the instruction in the order the agent should work through it.
func (i Instruction) String() string {
	var b strings.Builder
	if s := strings.TrimSpace(i.System); s != "" {
		b.WriteString(s)
		b.WriteString("\n\n")
	}
	b.WriteString("## STEP 1: OPEN THE WEBSHOP\n")
	b.WriteString(i.Entry)
	b.WriteString("\n\n")
	b.WriteString(i.Consent)
	b.WriteString("\n\n## STEP 2: SELECT A PRODUCT\n")
	b.WriteString(i.Product)
	b.WriteString("\n\n## STEP 3: CHECKOUT\n")
	b.WriteString(i.Checkout)
	return b.String()
}

// EntryDirective tells the agent which site to open.
func EntryDirective(siteURL string) string {
	return fmt.Sprintf("Go to %s.", siteURL)
}

// Composer assembles instructions for one run. Consent mode and checkout
// variant are fixed for the lifetime of the composer.
type Composer struct {
	SystemPrompt string
	Consent      crawler.ConsentMode
	Variant      crawler.CheckoutVariant
}

// NewComposer derives a composer from the run configuration.
func NewComposer(systemPrompt string, cfg crawler.RunConfiguration) Composer {
	return Composer{
		SystemPrompt: systemPrompt,
		Consent:      cfg.ConsentMode,
		Variant:      cfg.CheckoutVariant,
	}
}

// Compose builds the instruction for one site and shopper.
func (c Composer) Compose(siteURL string, shopper profile.Shopper) (Instruction, error) {
	checkout, err := CheckoutDirective(c.Variant, shopper)
	if err != nil {
		return Instruction{}, err
	}
	return Instruction{
		System:   c.SystemPrompt,
		Entry:    EntryDirective(siteURL),
		Consent:  ConsentDirective(c.Consent, shopper.Language),
		Product:  ProductDirective,
		Checkout: checkout,
	}, nil
}

// LoadSystemPrompt reads the base system prompt. An empty path yields an empty prompt.
func LoadSystemPrompt(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read system prompt: %w", err)
	}
	return string(data), nil
}

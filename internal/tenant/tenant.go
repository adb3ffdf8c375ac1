// Package tenant resolves per-tenant configuration: identity, voice,
// and the guardrails the generator folds into its prompts.
package tenant

import (
	"fmt"

	"github.com/samber/lo"
)

// Industry tags a tenant's domain so answers use fitting vocabulary.
type Industry string

const (
	IndustryEcommerce  Industry = "ecommerce"
	IndustryFinance    Industry = "finance"
	IndustryHealthcare Industry = "healthcare"
	IndustryRealEstate Industry = "real_estate"
	IndustryInsurance  Industry = "insurance"
	IndustryEducation  Industry = "education"
	IndustryTechnology Industry = "technology"
	IndustryRetail     Industry = "retail"
	IndustryOther      Industry = "other"
)

// BrandTone sets the register the assistant answers in.
type BrandTone string

const (
	ToneProfessional BrandTone = "professional"
	ToneFriendly     BrandTone = "friendly"
	ToneCasual       BrandTone = "casual"
	ToneFormal       BrandTone = "formal"
	ToneTechnical    BrandTone = "technical"
	ToneEmpathetic   BrandTone = "empathetic"
)

var (
	validIndustries = []Industry{
		IndustryEcommerce, IndustryFinance, IndustryHealthcare,
		IndustryRealEstate, IndustryInsurance, IndustryEducation,
		IndustryTechnology, IndustryRetail, IndustryOther,
	}
	validTones = []BrandTone{
		ToneProfessional, ToneFriendly, ToneCasual,
		ToneFormal, ToneTechnical, ToneEmpathetic,
	}
)

// Config describes one tenant. Everything here feeds the generator's
// system preamble; none of it is data-plane state.
type Config struct {
	ID        string    `yaml:"id" json:"id"`
	Name      string    `yaml:"name" json:"name"`
	Industry  Industry  `yaml:"industry" json:"industry"`
	BrandTone BrandTone `yaml:"brand_tone" json:"brand_tone"`
	// Languages the assistant may answer in, ISO 639-1 codes.
	Languages []string `yaml:"languages" json:"languages"`
	// Capabilities the assistant should volunteer, e.g. "order lookup".
	Capabilities []string `yaml:"capabilities" json:"capabilities"`
	// Constraints the assistant must observe, e.g. "never quote prices".
	Constraints []string `yaml:"constraints" json:"constraints"`
	// CustomInstructions is free-form prompt text appended verbatim.
	CustomInstructions string `yaml:"custom_instructions" json:"custom_instructions"`
}

// Validate checks enum fields and fills defaults. The map key from the
// tenants file is passed as id and wins over an empty ID field.
func (c *Config) Validate(id string) error {
	if c.ID == "" {
		c.ID = id
	}
	if id != "" && c.ID != id {
		return fmt.Errorf("tenant %s: id mismatch (%s)", id, c.ID)
	}
	if c.ID == "" {
		return fmt.Errorf("tenant config missing id")
	}
	if c.Name == "" {
		c.Name = c.ID
	}
	if c.Industry == "" {
		c.Industry = IndustryOther
	}
	if !lo.Contains(validIndustries, c.Industry) {
		return fmt.Errorf("tenant %s: unknown industry %q", c.ID, c.Industry)
	}
	if c.BrandTone == "" {
		c.BrandTone = ToneProfessional
	}
	if !lo.Contains(validTones, c.BrandTone) {
		return fmt.Errorf("tenant %s: unknown brand tone %q", c.ID, c.BrandTone)
	}
	if len(c.Languages) == 0 {
		c.Languages = []string{"en"}
	}
	return nil
}

// SupportsLanguage reports whether the tenant permits answering in the
// given ISO 639-1 language code.
func (c *Config) SupportsLanguage(code string) bool {
	return lo.Contains(c.Languages, code)
}

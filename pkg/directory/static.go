package directory

import (
	"context"
	"fmt"
	"strings"
)

// defaultProductTemplates are the Security Hub products scheduled when no
// explicit list is configured. %s is the Security Hub region.
var defaultProductTemplates = []string{
	"arn:aws:securityhub:%s::product/aws/inspector",
	"arn:aws:securityhub:%s::product/aws/securityhub",
	"arn:aws:securityhub:%s:956882708938:product/sumologicinc/sumologic-mda",
	"arn:aws:securityhub:%s::product/aws/macie",
	"arn:aws:securityhub:%s::product/aws/guardduty",
}

// DefaultProviders returns the built-in product ARNs for region.
func DefaultProviders(region string) []string {
	out := make([]string, 0, len(defaultProductTemplates))
	for _, template := range defaultProductTemplates {
		out = append(out, fmt.Sprintf(template, region))
	}
	return out
}

// StaticDirectory serves a fixed provider list as a single page.
type StaticDirectory struct {
	providers []string
}

// NewStaticDirectory uses providers verbatim, or the built-in list for region
// when providers is empty.
func NewStaticDirectory(region string, providers []string) (*StaticDirectory, error) {
	cleaned := make([]string, 0, len(providers))
	for _, provider := range providers {
		if trimmed := strings.TrimSpace(provider); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	if len(cleaned) == 0 {
		if strings.TrimSpace(region) == "" {
			return nil, directoryError(ErrInvalidArgument, "region is required for the default provider list")
		}
		cleaned = DefaultProviders(strings.TrimSpace(region))
	}
	return &StaticDirectory{providers: cleaned}, nil
}

func (d *StaticDirectory) Name() string { return "static" }

func (d *StaticDirectory) ListActiveProviders(ctx context.Context, fn PageFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	page := make([]string, len(d.providers))
	copy(page, d.providers)
	return fn(page)
}

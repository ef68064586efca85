package pricefeed

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/r3e-network/neo-service-layer-sub002/internal/core"
)

// sourcesFile is the on-disk shape of the price sources declaration.
type sourcesFile struct {
	Sources []Source `yaml:"sources"`
}

// LoadSources reads the YAML source declarations at path. Every declared
// source must pass static validation; duplicate ids are rejected.
func LoadSources(path string) ([]Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read price sources: %w", err)
	}

	var file sourcesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse price sources: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Sources))
	for i, src := range file.Sources {
		if err := checkSource(src); err != nil {
			return nil, fmt.Errorf("source %d (%s): %w", i, src.ID, err)
		}
		if _, dup := seen[src.ID]; dup {
			return nil, fmt.Errorf("source id %q declared twice", src.ID)
		}
		seen[src.ID] = struct{}{}
	}
	return file.Sources, nil
}

// checkSource validates the static parts of a source declaration: identity,
// URL well-formedness, declared type and extraction rule. The live
// connectivity probe is ValidateSource's job.
func checkSource(src Source) error {
	if src.ID == "" {
		return core.RequiredError("id")
	}
	if src.Name == "" {
		return core.RequiredError("name")
	}
	switch src.Type {
	case SourceTypeREST, SourceTypeExchange, SourceTypeAggregator:
	default:
		return core.NewValidationError("type",
			fmt.Sprintf("must be one of %s, %s, %s, got %q",
				SourceTypeREST, SourceTypeExchange, SourceTypeAggregator, src.Type))
	}
	if src.URL == "" {
		return core.RequiredError("url")
	}
	// Substitute placeholders before parsing so templated hosts or paths
	// do not trip the URL parser.
	probe := substitute(src.URL, "SYM", "BASE")
	u, err := url.Parse(probe)
	if err != nil {
		return core.NewValidationError("url", fmt.Sprintf("malformed: %v", err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return core.NewValidationError("url", fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}
	if u.Host == "" {
		return core.NewValidationError("url", "missing host")
	}
	if src.PricePath == "" {
		return core.RequiredError("pricePath")
	}
	if src.Weight < 0 {
		return core.NewValidationError("weight", "must not be negative")
	}
	if len(src.Symbols) == 0 {
		return core.RequiredError("symbols")
	}
	return nil
}

// substitute expands the {symbol} and {base} placeholders in a template.
func substitute(template, symbol, base string) string {
	out := strings.ReplaceAll(template, "{symbol}", symbol)
	return strings.ReplaceAll(out, "{base}", base)
}

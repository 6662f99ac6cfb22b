package vault

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var serviceTagPattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)

var reservedTables = map[string]bool{
	"schema_migrations": true,
	"services":          true,
}

// ServiceTable validates a service tag for use as a per-service table name.
// SQL vaults interpolate the result into statements, so anything outside
// [A-Za-z0-9_] is rejected.
func ServiceTable(service string) (string, error) {
	trimmed := strings.TrimSpace(service)
	if !serviceTagPattern.MatchString(trimmed) {
		return "", fmt.Errorf("invalid service tag %q", service)
	}
	if reservedTables[strings.ToLower(trimmed)] {
		return "", fmt.Errorf("service tag %q is reserved", service)
	}
	return trimmed, nil
}

type titleKey struct{}

// WithTitle annotates ctx with the title being processed. Vaults that record
// titles alongside keys read it back with TitleFromContext.
func WithTitle(ctx context.Context, title string) context.Context {
	if title == "" {
		return ctx
	}
	return context.WithValue(ctx, titleKey{}, title)
}

// TitleFromContext returns the title set by WithTitle.
func TitleFromContext(ctx context.Context) (string, bool) {
	title, ok := ctx.Value(titleKey{}).(string)
	return title, ok && title != ""
}

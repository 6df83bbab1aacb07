// Package directory lists the providers that are currently active.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidArgument classifies invalid caller arguments.
	ErrInvalidArgument = errors.New("directory invalid argument")
	// ErrUnresolved classifies subscriptions that map to no known provider.
	ErrUnresolved = errors.New("directory unresolved subscription")
)

func directoryError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

// PageFunc receives one page of provider ids. Returning an error stops listing.
type PageFunc func(page []string) error

// Directory lists active providers page by page.
type Directory interface {
	Name() string
	ListActiveProviders(ctx context.Context, fn PageFunc) error
}

// Collect merges every page into one list, trimming ids, dropping empty ones
// and keeping the first occurrence of duplicates.
func Collect(ctx context.Context, dir Directory) ([]string, int, error) {
	seen := map[string]struct{}{}
	ids := []string{}
	pages := 0
	err := dir.ListActiveProviders(ctx, func(page []string) error {
		pages++
		for _, id := range page {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, pages, err
	}
	return ids, pages, nil
}

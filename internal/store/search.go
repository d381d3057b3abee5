package store

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/steveyegge/ghsync/internal/schema"
)

// SearchLocal returns records whose login or note contains or equals query,
// ignoring case and diacritics, ascending by id. A blank query matches
// nothing. No match is not an error.
func (s *Store) SearchLocal(ctx context.Context, query string) ([]schema.Record, error) {
	needle := fold(strings.TrimSpace(query))
	if needle == "" {
		return []schema.Record{}, nil
	}

	rows, err := s.reader.QueryContext(ctx, `SELECT `+userColumns+` FROM users
		WHERE (login IS NOT NULL AND login != '') OR (note IS NOT NULL AND note != '')
		ORDER BY id ASC`)
	if err != nil {
		return nil, readError("search_local", fmt.Errorf("failed to query users: %w", err))
	}
	defer rows.Close()

	candidates, err := scanRecords(rows)
	if err != nil {
		return nil, readError("search_local", err)
	}

	matches := []schema.Record{}
	for _, rec := range candidates {
		if matchField(needle, rec.Login) || matchField(needle, rec.Note) {
			matches = append(matches, rec)
		}
	}
	return matches, nil
}

// matchField is the per-field predicate: contains OR equals.
func matchField(needle, field string) bool {
	if field == "" {
		return false
	}
	hay := fold(field)
	return hay == needle || strings.Contains(hay, needle)
}

// fold strips combining marks and case-folds s.
// Transformers and casers are stateful, so a fresh one is built per call.
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	return cases.Fold().String(stripped)
}

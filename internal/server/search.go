package server

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/open-eprescription/erx-service/internal/store"
)

// searchParams are the paging, sorting and filtering parameters of the list
// endpoints. They are applied after the authorisation filter.
type searchParams struct {
	count      int
	offset     int
	sortField  string
	sortDesc   bool
	status     string
	authoredOn *time.Time
	revinclude string
}

const defaultPageSize = 50

func parseSearchParams(r *http.Request) searchParams {
	query := r.URL.Query()

	params := searchParams{count: defaultPageSize}

	if v, err := strconv.Atoi(query.Get("_count")); err == nil && v > 0 {
		params.count = v
	}
	if v, err := strconv.Atoi(query.Get("_offset")); err == nil && v > 0 {
		params.offset = v
	}

	if sortKey := query.Get("_sort"); sortKey != "" {
		if field, ok := strings.CutPrefix(sortKey, "-"); ok {
			params.sortField = field
			params.sortDesc = true
		} else {
			params.sortField = sortKey
		}
	}

	if status := query.Get("status"); store.ValidStatus(status) {
		params.status = status
	}
	if authored := query.Get("authored-on"); authored != "" {
		if when, err := time.Parse("2006-01-02", authored); err == nil {
			params.authoredOn = &when
		}
	}

	params.revinclude = query.Get("_revinclude")

	return params
}

// applyTaskSearch filters, sorts and pages the authorised candidate set.
func applyTaskSearch(tasks []*store.Task, params searchParams) []*store.Task {
	filtered := tasks[:0:0]
	for _, task := range tasks {
		if params.status != "" && string(task.Status) != params.status {
			continue
		}
		if params.authoredOn != nil {
			day := task.AuthoredOn.UTC().Truncate(24 * time.Hour)
			if !day.Equal(params.authoredOn.UTC().Truncate(24 * time.Hour)) {
				continue
			}
		}
		filtered = append(filtered, task)
	}

	less := taskLess(params.sortField)
	sort.SliceStable(filtered, func(i, j int) bool {
		if params.sortDesc {
			return less(filtered[j], filtered[i])
		}
		return less(filtered[i], filtered[j])
	})

	return page(filtered, params.offset, params.count)
}

func taskLess(field string) func(a, b *store.Task) bool {
	switch field {
	case "last-modified", "lastModified", "modified":
		return func(a, b *store.Task) bool { return a.LastModified.Before(b.LastModified) }
	case "status":
		return func(a, b *store.Task) bool { return a.Status < b.Status }
	default: // authored-on is the stable default order
		return func(a, b *store.Task) bool { return a.AuthoredOn.Before(b.AuthoredOn) }
	}
}

func page[T any](items []T, offset, count int) []T {
	if offset >= len(items) {
		return nil
	}
	end := offset + count
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

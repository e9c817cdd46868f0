package inventory

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/anstrom/neondeck/internal/categorizer"
	"github.com/anstrom/neondeck/internal/db"
	"github.com/anstrom/neondeck/internal/errors"
	"github.com/anstrom/neondeck/internal/logging"
	"github.com/anstrom/neondeck/internal/metrics"
	"github.com/anstrom/neondeck/internal/probe"
)

// Summary is the outcome of one reconciliation pass.
type Summary struct {
	// Found is the size of the probed batch before de-duplication.
	Found         int `json:"found"`
	Created       int `json:"created"`
	Updated       int `json:"updated"`
	Inactivated   int `json:"inactivated"`
	SkippedHidden int `json:"skipped_hidden"`
	Duplicates    int `json:"duplicates"`
}

// Counts converts the summary to the totals stored on a run.
func (s Summary) Counts() db.RunCounts {
	return db.RunCounts{
		ServicesFound:   s.Found,
		NewServices:     s.Created,
		RemovedServices: s.Inactivated,
	}
}

// Reconciler merges probe results into the service inventory.
type Reconciler struct {
	services    ServiceStore
	categories  CategoryStore
	categorizer *categorizer.Categorizer
	logger      *logging.Logger
	metrics     *metrics.PrometheusMetrics
	now         func() time.Time
}

// NewReconciler creates a reconciler over the given stores.
func NewReconciler(services ServiceStore, categories CategoryStore, c *categorizer.Categorizer) *Reconciler {
	if c == nil {
		c = categorizer.New()
	}
	return &Reconciler{
		services:    services,
		categories:  categories,
		categorizer: c,
		logger:      logging.Default().WithComponent("reconciler"),
		metrics:     metrics.GetGlobalMetrics(),
		now:         time.Now,
	}
}

// WithLogger replaces the reconciler's logger.
func (r *Reconciler) WithLogger(logger *logging.Logger) *Reconciler {
	r.logger = logger.WithComponent("reconciler")
	return r
}

// WithClock replaces the time source used for last_seen.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Reconcile applies a probed batch to the inventory:
//   - the batch is ordered by (ip, port, protocol) and de-duplicated by URL,
//     first occurrence winning;
//   - URLs of hidden records are ignored;
//   - known URLs are touched (last_seen, response time, active) with their
//     name, description and category left as they are;
//   - unknown URLs are categorized and created;
//   - non-manual, non-hidden records absent from the batch become inactive.
//
// Writes are per record. An error aborts the pass with earlier writes kept.
func (r *Reconciler) Reconcile(ctx context.Context, probed []probe.Service) (Summary, error) {
	summary := Summary{Found: len(probed)}

	existing, err := r.services.ListAll(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to load inventory: %w", err)
	}

	hidden := make(map[string]struct{})
	byURL := make(map[string]*db.Service, len(existing))
	for _, s := range existing {
		if s.IsHidden {
			hidden[s.URL] = struct{}{}
			continue
		}
		byURL[s.URL] = s
	}

	categoryIDs, err := r.categoryIDs(ctx)
	if err != nil {
		return summary, err
	}

	seenAt := r.now().UTC()
	seen := make(map[string]struct{}, len(probed))

	for _, svc := range sortedBatch(probed) {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		url := truncate(svc.URL, db.MaxURLLength)
		if _, dup := seen[url]; dup {
			summary.Duplicates++
			continue
		}
		seen[url] = struct{}{}

		if _, isHidden := hidden[url]; isHidden {
			summary.SkippedHidden++
			r.logger.Debug("Skipping hidden service", "url", url)
			continue
		}

		if current, ok := byURL[url]; ok {
			if err := r.services.Touch(ctx, current.ID, seenAt, intPtr(svc.ResponseTimeMS)); err != nil {
				return summary, fmt.Errorf("failed to update service %s: %w", url, err)
			}
			summary.Updated++
			continue
		}

		record := r.newRecord(svc, url, categoryIDs, seenAt)
		if err := r.services.Create(ctx, record); err != nil {
			if errors.IsConflict(err) {
				// Created concurrently, possibly by hand; it exists now.
				r.logger.Warn("Service already exists, skipping", "url", url)
				continue
			}
			return summary, fmt.Errorf("failed to create service %s: %w", url, err)
		}
		summary.Created++
		r.logger.InfoEndpoint("Added service", url,
			"name", record.Name,
			"category", categoryName(record, categoryIDs))
	}

	var stale []uuid.UUID
	for url, s := range byURL {
		if _, ok := seen[url]; ok || s.IsManual {
			continue
		}
		if s.Status == db.StatusInactive {
			continue
		}
		stale = append(stale, s.ID)
	}
	if len(stale) > 0 {
		n, err := r.services.MarkInactive(ctx, stale)
		if err != nil {
			return summary, fmt.Errorf("failed to mark services inactive: %w", err)
		}
		summary.Inactivated = int(n)
	}

	r.metrics.AddReconciled("created", summary.Created)
	r.metrics.AddReconciled("updated", summary.Updated)
	r.metrics.AddReconciled("inactivated", summary.Inactivated)
	r.metrics.AddReconciled("skipped_hidden", summary.SkippedHidden)
	r.metrics.AddReconciled("duplicate", summary.Duplicates)

	r.logger.Info("Reconciliation complete",
		"found", summary.Found,
		"created", summary.Created,
		"updated", summary.Updated,
		"inactivated", summary.Inactivated,
		"skipped_hidden", summary.SkippedHidden,
		"duplicates", summary.Duplicates)
	return summary, nil
}

func (r *Reconciler) newRecord(svc probe.Service, url string, categoryIDs map[string]uuid.UUID,
	seenAt time.Time) *db.Service {
	title := strings.ToValidUTF8(svc.Title, "")
	description := strings.ToValidUTF8(svc.Description, "")
	category := r.categorizer.Categorize(title, svc.URL, description)

	record := &db.Service{
		Name:           truncate(title, db.MaxNameLength),
		URL:            url,
		Status:         db.StatusActive,
		ResponseTimeMS: intPtr(svc.ResponseTimeMS),
		LastSeen:       &seenAt,
	}
	if id, ok := categoryIDs[category]; ok {
		record.CategoryID = &id
	}
	if description != "" {
		record.Description = stringPtr(description)
	}
	// Oversized favicons are usually inline data URIs; cutting them
	// produces a broken URL, so they are dropped instead.
	if svc.Favicon != "" && len(svc.Favicon) <= db.MaxFaviconURLLength {
		record.FaviconURL = stringPtr(svc.Favicon)
	}
	if addr, err := netip.ParseAddr(svc.IP); err == nil {
		record.IPAddress = db.IPAddr{IP: addr.AsSlice()}
	}
	if svc.Port > 0 {
		record.Port = intPtr(svc.Port)
	}
	if svc.Protocol != "" {
		record.Protocol = stringPtr(svc.Protocol)
	}
	return record
}

// categoryIDs maps category names to IDs. "Other" has no row and maps to
// no category.
func (r *Reconciler) categoryIDs(ctx context.Context) (map[string]uuid.UUID, error) {
	categories, err := r.categories.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load categories: %w", err)
	}
	ids := make(map[string]uuid.UUID, len(categories))
	for _, c := range categories {
		ids[c.Name] = c.ID
	}
	return ids, nil
}

// sortedBatch returns a copy of the batch stably ordered by address, port
// and protocol.
func sortedBatch(probed []probe.Service) []probe.Service {
	batch := make([]probe.Service, len(probed))
	copy(batch, probed)

	sort.SliceStable(batch, func(i, j int) bool {
		a, b := batch[i], batch[j]
		if c := compareIP(a.IP, b.IP); c != 0 {
			return c < 0
		}
		if a.Port != b.Port {
			return a.Port < b.Port
		}
		return a.Protocol < b.Protocol
	})
	return batch
}

// compareIP orders parseable addresses numerically and before anything
// unparseable, which falls back to string order.
func compareIP(a, b string) int {
	ipA, errA := netip.ParseAddr(a)
	ipB, errB := netip.ParseAddr(b)
	switch {
	case errA == nil && errB == nil:
		return ipA.Compare(ipB)
	case errA == nil:
		return -1
	case errB == nil:
		return 1
	default:
		return strings.Compare(a, b)
	}
}

func categoryName(s *db.Service, ids map[string]uuid.UUID) string {
	if s.CategoryID == nil {
		return categorizer.Other
	}
	for name, id := range ids {
		if id == *s.CategoryID {
			return name
		}
	}
	return categorizer.Other
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func intPtr(v int) *int { return &v }

func stringPtr(v string) *string { return &v }

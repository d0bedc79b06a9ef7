package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/takeout-platform/api/internal/domain"
	"github.com/takeout-platform/api/internal/repositories"
)

const reconcilerCheckName = "reconciler"

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SweepReporter exposes the latest reconciler outcomes.
type SweepReporter interface {
	LastSweeps() []SweepResult
}

// SystemServiceDeps bundles collaborators required to construct a system service.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Sweeps           SweepReporter
	Clock            func() time.Time
	Build            BuildInfo
}

type systemService struct {
	healthRepo repositories.HealthRepository
	sweeps     SweepReporter
	clock      func() time.Time
	build      BuildInfo
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the system utility service providing health reports and metadata.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}

	return &systemService{
		healthRepo: deps.HealthRepository,
		sweeps:     deps.Sweeps,
		clock: func() time.Time {
			return clock().UTC()
		},
		build: build,
	}, nil
}

func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	if ctx == nil {
		return SystemHealthReport{}, errors.New("system service: context is required")
	}

	report, err := s.healthRepo.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}

	now := s.clock()
	report.GeneratedAt = ensureTimestamp(report.GeneratedAt, now)
	report.Version = chooseFirstNonEmpty(report.Version, s.build.Version)
	report.CommitSHA = chooseFirstNonEmpty(report.CommitSHA, s.build.CommitSHA)
	report.Environment = chooseFirstNonEmpty(report.Environment, s.build.Environment)

	if report.Uptime <= 0 && !s.build.StartedAt.IsZero() {
		report.Uptime = now.Sub(s.build.StartedAt)
	}

	if len(report.Checks) == 0 {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}

	if s.sweeps != nil {
		if check, ok := sweepCheck(s.sweeps.LastSweeps(), now); ok {
			report.Checks[reconcilerCheckName] = check
			report.Status = ""
		}
	}

	if strings.TrimSpace(report.Status) == "" {
		report.Status = deriveStatus(report.Checks)
	}

	return report, nil
}

// sweepCheck folds the latest sweeps into one check. Failed sweeps degrade the service but never fail it;
// the next tick retries every candidate.
func sweepCheck(results []SweepResult, now time.Time) (domain.SystemHealthCheck, bool) {
	if len(results) == 0 {
		return domain.SystemHealthCheck{}, false
	}
	check := domain.SystemHealthCheck{Status: domain.HealthStatusOK}
	details := make([]string, 0, len(results))
	for _, result := range results {
		details = append(details, fmt.Sprintf("%s: scanned=%d transitioned=%d skipped=%d failed=%d",
			result.Sweep, result.Scanned, result.Transitioned, result.Skipped, result.Failed))
		if result.FinishedAt.After(check.CheckedAt) {
			check.CheckedAt = result.FinishedAt
		}
		check.Latency += result.FinishedAt.Sub(result.StartedAt)
		if result.Err != nil {
			check.Status = domain.HealthStatusDegraded
			check.Error = result.Err.Error()
		} else if result.Failed > 0 {
			check.Status = domain.HealthStatusDegraded
		}
	}
	if check.CheckedAt.IsZero() {
		check.CheckedAt = now
	}
	check.Detail = strings.Join(details, "; ")
	return check, true
}

func ensureTimestamp(ts time.Time, fallback time.Time) time.Time {
	if ts.IsZero() {
		return fallback
	}
	return ts.UTC()
}

func chooseFirstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func deriveStatus(checks map[string]domain.SystemHealthCheck) string {
	if len(checks) == 0 {
		return domain.HealthStatusOK
	}
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusOK, "":
			continue
		case domain.HealthStatusError:
			return domain.HealthStatusError
		default:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}

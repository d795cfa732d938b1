package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Check probes one dependency. A nil error means healthy.
type Check func(ctx context.Context) error

// Service encapsulates health-related checks.
type Service struct {
	Timeout time.Duration
	Details func() map[string]any

	checks map[string]Check
}

// NewService constructs a new health service.
func NewService(details func() map[string]any) *Service {
	return &Service{Timeout: 2 * time.Second, Details: details, checks: map[string]Check{}}
}

// Register adds a named check. A nil check is ignored.
func (s *Service) Register(name string, check Check) {
	if check == nil {
		return
	}
	s.checks[name] = check
}

// Status runs every check concurrently and returns the payload and whether
// all checks passed.
func (s *Service) Status(ctx context.Context) (map[string]any, bool) {
	body := map[string]any{}
	if s.Details != nil {
		for k, v := range s.Details() {
			body[k] = v
		}
	}

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make([]string, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, check Check) {
			defer wg.Done()
			if err := check(ctx); err != nil {
				results[i] = err.Error()
				return
			}
			results[i] = "ok"
		}(i, s.checks[name])
	}
	wg.Wait()

	ok := true
	checks := make(map[string]string, len(names))
	for i, name := range names {
		checks[name] = results[i]
		if results[i] != "ok" {
			ok = false
		}
	}
	if len(checks) > 0 {
		body["checks"] = checks
	}
	body["ok"] = ok
	return body, ok
}

// ABOUTME: Org hierarchy lookups: which departments and services exist and what they are called.
// ABOUTME: Static implementation is built from configuration and safe for concurrent reads.

package directory

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrUnknownDepartment indicates the department ID does not exist.
var ErrUnknownDepartment = errors.New("unknown department")

// ErrUnknownService indicates the service ID does not exist in the department.
var ErrUnknownService = errors.New("unknown service")

// Directory resolves department and service references.
type Directory interface {
	// Validate checks that departmentID (when set) exists and that serviceID
	// (when set) belongs to it. A service without a department is unknown.
	Validate(ctx context.Context, departmentID, serviceID string) error
	Department(ctx context.Context, departmentID string) (Department, error)
	Departments(ctx context.Context) []Department
}

// Service is one service offered by a department.
type Service struct {
	ID   string `json:"id" yaml:"id" toml:"id"`
	Name string `json:"name" yaml:"name" toml:"name"`
}

// Department groups services handled by the same agents.
type Department struct {
	ID       string    `json:"id" yaml:"id" toml:"id"`
	Name     string    `json:"name" yaml:"name" toml:"name"`
	Services []Service `json:"services" yaml:"services" toml:"services"`
}

// Static is an in-memory Directory.
type Static struct {
	mu          sync.RWMutex
	departments map[string]Department
	services    map[string]map[string]Service
}

var _ Directory = (*Static)(nil)

// NewStatic builds a directory from a department list.
func NewStatic(departments []Department) *Static {
	s := &Static{}
	s.Replace(departments)
	return s
}

// Replace swaps the whole hierarchy, e.g. after a config reload.
func (s *Static) Replace(departments []Department) {
	byID := make(map[string]Department, len(departments))
	services := make(map[string]map[string]Service, len(departments))
	for _, d := range departments {
		byID[d.ID] = d
		svc := make(map[string]Service, len(d.Services))
		for _, sv := range d.Services {
			svc[sv.ID] = sv
		}
		services[d.ID] = svc
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.departments = byID
	s.services = services
}

func (s *Static) Validate(ctx context.Context, departmentID, serviceID string) error {
	if departmentID == "" && serviceID == "" {
		return nil
	}
	if departmentID == "" {
		return ErrUnknownService
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	svc, ok := s.services[departmentID]
	if !ok {
		return ErrUnknownDepartment
	}
	if serviceID == "" {
		return nil
	}
	if _, ok := svc[serviceID]; !ok {
		return ErrUnknownService
	}
	return nil
}

func (s *Static) Department(ctx context.Context, departmentID string) (Department, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.departments[departmentID]
	if !ok {
		return Department{}, ErrUnknownDepartment
	}
	return d, nil
}

// Departments returns every department ordered by ID.
func (s *Static) Departments(ctx context.Context) []Department {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Department, 0, len(s.departments))
	for _, d := range s.departments {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

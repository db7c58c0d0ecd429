package tapcap

import (
	"fmt"
	"strings"

	"github.com/thoas/go-funk"
	"go.uber.org/zap"
)

// Endpoint is a snapshot of one logical audio device.
type Endpoint struct {
	ID          ObjectID `json:"id"`
	Name        string   `json:"name"`
	UID         string   `json:"uid"`
	IsOutput    bool     `json:"is_output"`
	IsInput     bool     `json:"is_input"`
	IsAggregate bool     `json:"is_aggregate"`
}

func (e Endpoint) String() string {
	kinds := []string{}
	if e.IsOutput {
		kinds = append(kinds, "output")
	}
	if e.IsInput {
		kinds = append(kinds, "input")
	}
	if e.IsAggregate {
		kinds = append(kinds, "aggregate")
	}
	return fmt.Sprintf("%s (%s) [%s]", e.Name, e.UID, strings.Join(kinds, ","))
}

// Directory answers endpoint queries against an Enumerator. Nothing is cached:
// every call asks the host again, so results reflect hot-plugged devices.
type Directory struct {
	logger *zap.SugaredLogger
	enum   Enumerator
}

func NewDirectory(enum Enumerator, logger *zap.SugaredLogger) *Directory {
	return &Directory{
		logger: logger.Named("directory"),
		enum:   enum,
	}
}

// Devices returns every endpoint currently known to the host.
func (d *Directory) Devices() ([]Endpoint, error) {
	endpoints, err := d.enum.Endpoints()
	if err != nil {
		d.logger.Warnw("Failed to enumerate audio endpoints", "error", err)
		return nil, fmt.Errorf("enumerate audio endpoints: %w: %w", ErrDeviceQueryFailed, err)
	}

	d.logger.Debugw("Enumerated audio endpoints", "count", len(endpoints))
	return endpoints, nil
}

// Outputs returns the endpoints that can be tapped.
func (d *Directory) Outputs() ([]Endpoint, error) {
	endpoints, err := d.Devices()
	if err != nil {
		return nil, err
	}

	return funk.Filter(endpoints, func(e Endpoint) bool {
		return e.IsOutput
	}).([]Endpoint), nil
}

// DefaultOutput returns the system default output endpoint.
func (d *Directory) DefaultOutput() (Endpoint, error) {
	uid, err := d.enum.DefaultOutputUID()
	if err != nil {
		d.logger.Warnw("Failed to query default output", "error", err)
		return Endpoint{}, fmt.Errorf("query default output: %w: %w", ErrDeviceQueryFailed, err)
	}

	endpoints, err := d.Devices()
	if err != nil {
		return Endpoint{}, err
	}

	for _, e := range endpoints {
		if e.UID == uid {
			return e, nil
		}
	}

	d.logger.Warnw("Default output is not among enumerated endpoints", "uid", uid)
	return Endpoint{}, fmt.Errorf("default output %q: %w", uid, ErrDeviceNotFound)
}

// Resolve finds an endpoint by UID, falling back to a case-insensitive name match.
// An empty uid resolves to the default output.
func (d *Directory) Resolve(uid string) (Endpoint, error) {
	if uid == "" {
		return d.DefaultOutput()
	}

	endpoints, err := d.Devices()
	if err != nil {
		return Endpoint{}, err
	}

	for _, e := range endpoints {
		if e.UID == uid {
			return e, nil
		}
	}

	for _, e := range endpoints {
		if strings.EqualFold(e.Name, uid) {
			d.logger.Debugw("Resolved endpoint by name", "name", uid, "uid", e.UID)
			return e, nil
		}
	}

	return Endpoint{}, fmt.Errorf("resolve endpoint %q: %w", uid, ErrDeviceNotFound)
}

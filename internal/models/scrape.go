package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	DefaultScrapePath  = "/metrics"
	DefaultScrapeScope = "default"
)

type ScrapeTarget struct {
	Service string
	Scope   string
	Path    string
	Port    uint16
	// Disabled targets render an empty target list, the service stopped being scrapeable.
	Disabled bool
}

type fileSDGroup struct {
	Targets []string          `json:"targets"`
	Labels  map[string]string `json:"labels"`
}

// Artifact renders the Prometheus file_sd document for the target.
func (t ScrapeTarget) Artifact() []byte {
	groups := []fileSDGroup{}
	if !t.Disabled {
		groups = append(groups, fileSDGroup{
			Targets: []string{fmt.Sprintf("%s.%s.svc:%d", t.Service, t.Scope, t.Port)},
			Labels: map[string]string{
				"__metrics_path__": t.Path,
				"job":              t.Service,
				"namespace":        t.Scope,
			},
		})
	}
	js, err := json.Marshal(groups)
	if err != nil {
		panic(err)
	}
	return js
}

// Document converts the target into the monitoring subsystem's desired state.
func (t ScrapeTarget) Document() Document {
	values := map[string]string{
		"service": t.Service,
		"scope":   t.Scope,
		"path":    t.Path,
		"port":    strconv.Itoa(int(t.Port)),
	}
	if t.Disabled {
		values = map[string]string{
			"service":  t.Service,
			"disabled": "true",
		}
	}
	return Document{
		Target: TargetRef{Kind: KindScrapeTarget, Name: t.Service},
		Values: values,
	}
}

// ScrapeTargetFromDocument is the inverse of ScrapeTarget.Document.
func ScrapeTargetFromDocument(doc Document) (ScrapeTarget, error) {
	if doc.Target.Kind != KindScrapeTarget {
		return ScrapeTarget{}, fmt.Errorf("%w: %s is not a scrape target", ErrValidation, doc.Target)
	}
	t := ScrapeTarget{
		Service: doc.Value("service", doc.Target.Name),
	}
	if doc.Value("disabled", "") == "true" {
		t.Disabled = true
		return t, nil
	}
	port, err := strconv.ParseUint(doc.Value("port", ""), 10, 16)
	if err != nil || port == 0 {
		return ScrapeTarget{}, fmt.Errorf("%w: scrape target %s has bad port", ErrValidation, doc.Target.Name)
	}
	t.Port = uint16(port)
	t.Scope = doc.Value("scope", DefaultScrapeScope)
	t.Path = doc.Value("path", DefaultScrapePath)
	return t, nil
}

// ScrapeSettings reads the scrape values of a service document. enabled is
// false when scrape.enabled is unset or "false".
func (d Document) ScrapeSettings() (port uint16, path string, enabled bool, err error) {
	switch v := d.Value(ValueScrapeEnabled, "false"); v {
	case "false":
		return 0, "", false, nil
	case "true":
	default:
		return 0, "", false, fmt.Errorf(
			"%w: service %s has bad %s %q, want true or false", ErrValidation, d.Target.Name, ValueScrapeEnabled, v,
		)
	}
	raw := d.Value(ValueScrapePort, "")
	n, err := strconv.ParseUint(raw, 10, 16)
	if err != nil || n == 0 {
		return 0, "", false, fmt.Errorf("%w: service %s has bad %s %q", ErrValidation, d.Target.Name, ValueScrapePort, raw)
	}
	path = d.Value(ValueScrapePath, DefaultScrapePath)
	if !strings.HasPrefix(path, "/") {
		return 0, "", false, fmt.Errorf("%w: service %s has bad %s %q", ErrValidation, d.Target.Name, ValueScrapePath, path)
	}
	return uint16(n), path, true, nil
}

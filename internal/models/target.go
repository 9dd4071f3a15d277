package models

import (
	"cmp"
	"fmt"
	"strings"
)

type TargetKind string

const (
	KindService      TargetKind = "service"
	KindScrapeTarget TargetKind = "scrape-target"
)

func (k TargetKind) Valid() bool {
	return k == KindService || k == KindScrapeTarget
}

// TargetRef identifies one target object: a workload or its monitoring configuration.
type TargetRef struct {
	Kind TargetKind `json:"kind" yaml:"kind"`
	Name string     `json:"name" yaml:"name"`
}

func (t TargetRef) String() string {
	return string(t.Kind) + "/" + t.Name
}

func ParseTargetRef(s string) (TargetRef, error) {
	kind, name, found := strings.Cut(s, "/")
	if !found {
		// bare names are services
		kind, name = string(KindService), s
	}
	ref := TargetRef{Kind: TargetKind(kind), Name: name}
	if err := ref.Validate(); err != nil {
		return TargetRef{}, err
	}
	return ref, nil
}

func (t TargetRef) Validate() error {
	if !t.Kind.Valid() {
		return fmt.Errorf("%w: unknown target kind %q", ErrValidation, t.Kind)
	}
	if t.Name == "" {
		return fmt.Errorf("%w: empty target name", ErrValidation)
	}
	if strings.ContainsAny(t.Name, "/ ") {
		return fmt.Errorf("%w: target name %q contains '/' or spaces", ErrValidation, t.Name)
	}
	return nil
}

// CompareTargets orders targets by kind, then name.
func CompareTargets(a, b TargetRef) int {
	if c := cmp.Compare(a.Kind, b.Kind); c != 0 {
		return c
	}
	return cmp.Compare(a.Name, b.Name)
}

package models

import (
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
)

// TagDigest is one entry of a registry listing.
type TagDigest struct {
	Tag    string
	Digest string
}

type ArtifactVersion struct {
	Repository   string    `json:"repository"`
	Tag          string    `json:"tag"`
	Digest       string    `json:"digest,omitempty"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

func (v ArtifactVersion) String() string {
	if v.Digest == "" {
		return fmt.Sprintf("%s:%s", v.Repository, v.Tag)
	}
	return fmt.Sprintf("%s:%s@%s", v.Repository, v.Tag, v.Digest)
}

func (v ArtifactVersion) ImageRef() ImageRef {
	return ImageRef{
		Repository: v.Repository,
		Tag:        v.Tag,
		Digest:     v.Digest,
	}
}

// Semver returns the parsed tag. Pre-release tags parse but are reported separately
// so callers can decide whether they are promotable.
func (v ArtifactVersion) Semver() (*semver.Version, error) {
	return ParseTag(v.Tag)
}

func ParseTag(tag string) (*semver.Version, error) {
	ver, err := semver.NewVersion(tag)
	if err != nil {
		return nil, fmt.Errorf("%w: tag %q is not semver: %v", ErrValidation, tag, err)
	}
	return ver, nil
}

// Observation is a registry listing entry recorded by the watcher.
// PromotedAt is set once the version became the declared image.
type Observation struct {
	Version    ArtifactVersion `json:"version"`
	PromotedAt *time.Time      `json:"promoted_at,omitempty"`
}

// Promotion asks the mutator to declare Version in every service that follows
// its repository. The outcome is sent once on Result: nil when every follower
// declares the version, the joined commit errors otherwise.
type Promotion struct {
	Version ArtifactVersion
	Result  chan<- error
}

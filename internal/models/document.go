package models

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// known auxiliary keys
const (
	ValueNamespace     = "namespace"
	ValueReplicas      = "replicas"
	ValueContainer     = "container"
	ValueScrapeEnabled = "scrape.enabled"
	ValueScrapePath    = "scrape.path"
	ValueScrapePort    = "scrape.port"
	ValueScrapeScope   = "scrape.scope"
)

type ImageRef struct {
	Repository string `json:"repository" yaml:"repository"`
	Tag        string `json:"tag" yaml:"tag"`
	Digest     string `json:"digest,omitempty" yaml:"digest,omitempty"`
}

func (i ImageRef) IsZero() bool {
	return i.Repository == "" && i.Tag == "" && i.Digest == ""
}

func (i ImageRef) String() string {
	if i.IsZero() {
		return ""
	}
	ref := i.Repository + ":" + i.Tag
	if i.Digest != "" {
		ref += "@" + i.Digest
	}
	return ref
}

// ParseImageRef parses repo:tag[@digest]. Registry hosts with ports are handled
// by looking for the tag separator after the last '/'.
func ParseImageRef(s string) (ImageRef, error) {
	ref := ImageRef{}
	rest, digest, _ := strings.Cut(s, "@")
	ref.Digest = digest

	slash := strings.LastIndex(rest, "/")
	colon := strings.LastIndex(rest, ":")
	if colon <= slash {
		return ImageRef{}, fmt.Errorf("%w: image %q has no tag", ErrValidation, s)
	}
	ref.Repository = rest[:colon]
	ref.Tag = rest[colon+1:]
	if ref.Repository == "" || ref.Tag == "" {
		return ImageRef{}, fmt.Errorf("%w: malformed image %q", ErrValidation, s)
	}
	return ref, nil
}

// Document is a desired state document. It is never mutated after it was
// committed into a revision: use Clone before patching.
type Document struct {
	Target TargetRef         `json:"target" yaml:"target"`
	Image  ImageRef          `json:"image" yaml:"image"`
	Values map[string]string `json:"values,omitempty" yaml:"values,omitempty"`
}

func (d Document) Clone() Document {
	cp := d
	if d.Values != nil {
		cp.Values = maps.Clone(d.Values)
	}
	return cp
}

func (d Document) Value(key, def string) string {
	v, ok := d.Values[key]
	if !ok || v == "" {
		return def
	}
	return v
}

func (d Document) Validate() error {
	if err := d.Target.Validate(); err != nil {
		return err
	}
	switch d.Target.Kind {
	case KindService:
		if d.Image.Repository == "" || d.Image.Tag == "" {
			return fmt.Errorf("%w: service %s declares no image", ErrValidation, d.Target.Name)
		}
		if r, ok := d.Values[ValueReplicas]; ok {
			n, err := strconv.Atoi(r)
			if err != nil || n < 0 {
				return fmt.Errorf("%w: service %s has bad replicas %q", ErrValidation, d.Target.Name, r)
			}
		}
		if _, _, _, err := d.ScrapeSettings(); err != nil {
			return err
		}
	case KindScrapeTarget:
		if !d.Image.IsZero() {
			return fmt.Errorf("%w: scrape target %s must not declare an image", ErrValidation, d.Target.Name)
		}
	}
	return nil
}

// Canonical is the serialization the content hash is computed over.
// encoding/json writes map keys sorted, so equal documents give equal bytes.
func (d Document) Canonical() []byte {
	if len(d.Values) == 0 {
		d.Values = nil
	}
	js, err := json.Marshal(d)
	if err != nil {
		panic(err)
	}
	return js
}

func (d Document) Hash() string {
	return ContentHash(d.Canonical())
}

func ContentHash(data []byte) string {
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}

type Revision struct {
	Seq         uint64    `json:"seq"`
	Hash        string    `json:"hash"`
	Document    Document  `json:"document"`
	CommittedAt time.Time `json:"committed_at"`
}

func (r Revision) String() string {
	return fmt.Sprintf("{target=%s, seq=%d, hash=%s}", r.Document.Target, r.Seq, r.Hash)
}

func NewRevision(doc Document, seq uint64, at time.Time) Revision {
	return Revision{
		Seq:         seq,
		Hash:        doc.Hash(),
		Document:    doc.Clone(),
		CommittedAt: at,
	}
}

package etcd

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/Sh00ty/gitops-loop/internal/models"
)

/*
gitops-registry/manifests/latest/service/fastapi           -> latest revision json, key version == seq
gitops-registry/manifests/revisions/service/fastapi/0000000001 -> revision json, never rewritten
gitops-registry/manifests/revisions/scrape-target/fastapi/0000000001

gitops-registry/reconciler/leader -> election prefix
*/

const (
	registryFolder       = "/gitops-registry"
	manifestsFolder      = registryFolder + "/manifests"
	ReconcilerLeadership = registryFolder + "/reconciler/leader"

	revisionKeyTemplate = "%010d"
)

// gitops-registry/manifests/latest
func LatestFolder() string {
	return path.Join(manifestsFolder, "latest")
}

// gitops-registry/manifests/latest/service/fastapi
func latestKey(target models.TargetRef) string {
	return path.Join(
		LatestFolder(),
		string(target.Kind),
		target.Name,
	)
}

// gitops-registry/manifests/revisions
func revisionsFolder() string {
	return path.Join(manifestsFolder, "revisions")
}

// gitops-registry/manifests/revisions/service/fastapi
func targetRevisionsFolder(target models.TargetRef) string {
	return path.Join(
		revisionsFolder(),
		string(target.Kind),
		target.Name,
	)
}

// gitops-registry/manifests/revisions/service/fastapi/0000000001
func revisionKey(target models.TargetRef, seq uint64) string {
	return path.Join(
		targetRevisionsFolder(target),
		fmt.Sprintf(revisionKeyTemplate, seq),
	)
}

func parseLatestKey(key string) (models.TargetRef, error) {
	rest, found := strings.CutPrefix(key, LatestFolder()+"/")
	if !found {
		return models.TargetRef{}, fmt.Errorf("key %s is not under latest folder", key)
	}
	kind, name, found := strings.Cut(rest, "/")
	if !found {
		return models.TargetRef{}, fmt.Errorf("can't parse kind and name from key %s", key)
	}
	target := models.TargetRef{Kind: models.TargetKind(kind), Name: name}
	return target, target.Validate()
}

func parseRevisionKey(key string) (models.TargetRef, uint64, error) {
	rest, found := strings.CutPrefix(key, revisionsFolder()+"/")
	if !found {
		return models.TargetRef{}, 0, fmt.Errorf("key %s is not under revisions folder", key)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return models.TargetRef{}, 0, fmt.Errorf("can't parse revision key %s", key)
	}
	seq, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return models.TargetRef{}, 0, fmt.Errorf("failed to parse revision seq: %w", err)
	}
	target := models.TargetRef{Kind: models.TargetKind(parts[0]), Name: parts[1]}
	return target, seq, target.Validate()
}

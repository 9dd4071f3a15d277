package etcd

import (
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/Sh00ty/gitops-loop/internal/models"
)

type revisionDto struct {
	Seq         uint64          `json:"seq"`
	Hash        string          `json:"hash"`
	CommittedAt time.Time       `json:"committed_at"`
	Document    models.Document `json:"document"`
}

func revisionToDto(rev models.Revision) revisionDto {
	return revisionDto{
		Seq:         rev.Seq,
		Hash:        rev.Hash,
		CommittedAt: rev.CommittedAt,
		Document:    rev.Document,
	}
}

func parseRevision(value []byte) (models.Revision, error) {
	dto := revisionDto{}
	err := json.Unmarshal(value, &dto)
	if err != nil {
		return models.Revision{}, fmt.Errorf("failed to unmarshal revision: %w", err)
	}
	rev := models.Revision{
		Seq:         dto.Seq,
		Hash:        dto.Hash,
		CommittedAt: dto.CommittedAt,
		Document:    dto.Document,
	}
	if rev.Hash != rev.Document.Hash() {
		return models.Revision{}, fmt.Errorf(
			"revision %d of %s: stored hash %s doesn't match content",
			rev.Seq, rev.Document.Target, rev.Hash,
		)
	}
	return rev, nil
}

func extractRevisionFromTxnResponse(txResp *clientv3.TxnResponse) (models.Revision, bool, error) {
	if len(txResp.Responses) == 0 {
		return models.Revision{}, false, fmt.Errorf("etcd empty response, expected latest revision")
	}
	kvs := txResp.Responses[0].GetResponseRange().GetKvs()
	if len(kvs) < 1 {
		return models.Revision{}, false, nil
	}
	rev, err := parseRevision(kvs[0].Value)
	return rev, true, err
}

func mustJsonMarshal(val any) string {
	js, err := json.Marshal(val)
	if err != nil {
		panic(err)
	}
	return string(js)
}

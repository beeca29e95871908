// Package crdt implements the CrdtAdapter from spec §4.E. The core
// treats CRDT document state as an opaque blob keyed by file_id — no
// merge or conflict resolution happens here, only storage — so this
// adapter is a thin specialization of storage/bolt's raw byte methods,
// grounded on the teacher's db/bolt wrapper the same way storage/meta
// and storage/auth are.
package crdt

import (
	"strconv"

	"github.com/cloudillo/cloudillo/clerr"
	"github.com/cloudillo/cloudillo/storage/bolt"
	"github.com/cloudillo/cloudillo/tenant"
)

const bucketDocs = "crdt_docs"

type Adapter struct {
	db *bolt.DB
}

func Open(path string) (*Adapter, error) {
	db, err := bolt.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.CreateBucket(bucketDocs); err != nil {
		return nil, clerr.Wrap(clerr.DbError, "create crdt bucket", err)
	}
	return &Adapter{db: db}, nil
}

func key(tnID tenant.TnId, fileID string) string {
	return strconv.FormatInt(int64(tnID), 10) + ":" + fileID
}

// PutDoc replaces the stored state for fileID wholesale. Callers
// (typically a sync or autosave task) are responsible for producing the
// merged bytes; this adapter never inspects them.
func (a *Adapter) PutDoc(tnID tenant.TnId, fileID string, state []byte) error {
	return a.db.PutRaw(bucketDocs, key(tnID, fileID), state)
}

// GetDoc returns the stored state and whether it exists at all.
func (a *Adapter) GetDoc(tnID tenant.TnId, fileID string) ([]byte, bool, error) {
	return a.db.GetRaw(bucketDocs, key(tnID, fileID))
}

func (a *Adapter) DeleteDoc(tnID tenant.TnId, fileID string) error {
	if err := a.db.Delete(bucketDocs, key(tnID, fileID)); err != nil {
		return clerr.Wrap(clerr.DbError, "delete crdt doc", err)
	}
	return nil
}

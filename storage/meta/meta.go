// Package meta implements the MetaAdapter from spec §4.E: tenants,
// profiles, actions, files+variants, tasks, settings, refs, tags, push
// subscriptions, reactions and collections, all bbolt-backed and all
// tenant-scoped by key prefix within a shared set of buckets. It also
// satisfies scheduler.Store and settings.Store so the scheduler and
// settings service can run directly against it.
package meta

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cloudillo/cloudillo/clerr"
	"github.com/cloudillo/cloudillo/scheduler"
	"github.com/cloudillo/cloudillo/settings"
	"github.com/cloudillo/cloudillo/storage/bolt"
	"github.com/cloudillo/cloudillo/tenant"
)

const (
	bucketTenants    = "tenants"
	bucketProfiles   = "profiles"
	bucketProfileKey = "profile_keys"
	bucketActions    = "actions"
	bucketFiles      = "files"
	bucketVariants   = "variants"
	bucketTasks      = "tasks"
	bucketTaskByKey  = "task_by_key"
	bucketSettings   = "settings"
	bucketRefs       = "refs"
	bucketTags       = "tags"
	bucketPushSubs   = "push_subs"
	bucketReactions  = "reactions"
	bucketCollection = "collections"
	bucketIdentities = "identities"
)

var allBuckets = []string{
	bucketTenants, bucketProfiles, bucketProfileKey, bucketActions,
	bucketFiles, bucketVariants, bucketTasks, bucketTaskByKey,
	bucketSettings, bucketRefs, bucketTags, bucketPushSubs,
	bucketReactions, bucketCollection, bucketIdentities,
}

// Adapter is the bbolt-backed MetaAdapter.
type Adapter struct {
	db *bolt.DB
}

func Open(path string) (*Adapter, error) {
	db, err := bolt.Open(path)
	if err != nil {
		return nil, err
	}
	for _, b := range allBuckets {
		if err := db.CreateBucket(b); err != nil {
			return nil, clerr.Wrap(clerr.DbError, "create bucket "+b, err)
		}
	}
	return &Adapter{db: db}, nil
}

func tnKey(tnID tenant.TnId, rest string) string {
	return strconv.FormatInt(int64(tnID), 10) + ":" + rest
}

func tnPrefix(tnID tenant.TnId) []byte {
	return []byte(strconv.FormatInt(int64(tnID), 10) + ":")
}

// --- Profiles -----------------------------------------------------------

func (a *Adapter) PutProfile(p tenant.Profile) error {
	return a.db.PutJSON(bucketProfiles, tnKey(p.TnId, p.IdTag), p)
}

func (a *Adapter) GetProfile(tnID tenant.TnId, idTag string) (tenant.Profile, error) {
	var p tenant.Profile
	found, err := a.db.GetJSON(bucketProfiles, tnKey(tnID, idTag), &p)
	if err != nil {
		return tenant.Profile{}, err
	}
	if !found {
		return tenant.Profile{}, clerr.New(clerr.NotFound, "profile not found")
	}
	return p, nil
}

func (a *Adapter) ListProfiles(tnID tenant.TnId) ([]tenant.Profile, error) {
	var out []tenant.Profile
	err := a.db.ForEachPrefixJSON(bucketProfiles, tnPrefix(tnID), func(_ []byte, raw []byte) error {
		var p tenant.Profile
		if err := unmarshalInto(raw, &p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

// ProfileKeyEntry caches a remote identity's public key for signature
// verification, keyed by (id_tag, key_id) per spec §4.E.
type ProfileKeyEntry struct {
	IdTag     string
	KeyID     string
	PublicKey []byte
	ExpireAt  *time.Time
}

func (a *Adapter) PutProfileKey(e ProfileKeyEntry) error {
	return a.db.PutJSON(bucketProfileKey, e.IdTag+":"+e.KeyID, e)
}

func (a *Adapter) GetProfileKey(idTag, keyID string) (ProfileKeyEntry, error) {
	var e ProfileKeyEntry
	found, err := a.db.GetJSON(bucketProfileKey, idTag+":"+keyID, &e)
	if err != nil {
		return ProfileKeyEntry{}, err
	}
	if !found {
		return ProfileKeyEntry{}, clerr.New(clerr.NotFound, "profile key not cached")
	}
	if e.ExpireAt != nil && time.Now().After(*e.ExpireAt) {
		return ProfileKeyEntry{}, clerr.New(clerr.NotFound, "profile key expired")
	}
	return e, nil
}

// --- Actions --------------------------------------------------------------

// ActionRow is the persisted row for one action instance (spec §4.H).
// Before the action.create task finalizes it, ActionID is empty and the
// row is keyed by TempID; FinalizeAction sets ActionID, Token and
// status "A" and re-keys the row by ActionID (attachments are left as
// stored), mirroring FileRow's temp-id → file-id lifecycle.
type ActionRow struct {
	TnId      tenant.TnId
	TempID    string
	ActionID  string
	Type      string
	Subtype   string
	IssuerTag string
	Audience  string
	Parent    string
	Subject   string
	Token     string
	Status    string // P/A/C/N/D
	Content   string // serialized content JSON
	CreatedAt time.Time
	UpdatedAt time.Time
}

func actionKey(row ActionRow) string {
	if row.ActionID != "" {
		return row.ActionID
	}
	return row.TempID
}

func (a *Adapter) InsertAction(row ActionRow) error {
	key := tnKey(row.TnId, actionKey(row))
	var existing ActionRow
	found, err := a.db.GetJSON(bucketActions, key, &existing)
	if err != nil {
		return err
	}
	if found {
		// Duplicate inbound actions are idempotent (spec §7).
		return nil
	}
	return a.db.PutJSON(bucketActions, key, row)
}

func (a *Adapter) GetAction(tnID tenant.TnId, actionID string) (ActionRow, error) {
	var row ActionRow
	found, err := a.db.GetJSON(bucketActions, tnKey(tnID, actionID), &row)
	if err != nil {
		return ActionRow{}, err
	}
	if !found {
		return ActionRow{}, clerr.New(clerr.NotFound, "action not found")
	}
	return row, nil
}

// UpdateAction overwrites an already-finalized action row unconditionally,
// unlike InsertAction's idempotent-on-existing-key semantics. Used by the
// DSL's UpdateAction operation to apply a field patch (spec §4.H.2).
func (a *Adapter) UpdateAction(row ActionRow) error {
	row.UpdatedAt = time.Now()
	return a.db.PutJSON(bucketActions, tnKey(row.TnId, actionKey(row)), row)
}

func (a *Adapter) UpdateActionStatus(tnID tenant.TnId, actionID, status string) error {
	row, err := a.GetAction(tnID, actionID)
	if err != nil {
		return err
	}
	row.Status = status
	row.UpdatedAt = time.Now()
	return a.db.PutJSON(bucketActions, tnKey(tnID, actionID), row)
}

// FinalizeAction re-keys a pending action row from its temp id to its
// finalized action_id, attaching the signed token and flipping status
// P → A. Called once by the action.create task (spec §4.H.4 step 4).
func (a *Adapter) FinalizeAction(tnID tenant.TnId, tempID, actionID, token string) error {
	row, err := a.GetAction(tnID, tempID)
	if err != nil {
		return err
	}
	row.ActionID = actionID
	row.Token = token
	row.Status = "A"
	row.UpdatedAt = time.Now()
	if err := a.db.PutJSON(bucketActions, tnKey(tnID, actionID), row); err != nil {
		return err
	}
	return a.db.Delete(bucketActions, tnKey(tnID, tempID))
}

// FindActionByKeyPattern looks up an existing action by its rendered
// key_pattern value (spec §4.H.1), used to dedupe or locate related
// actions such as a mutual CONN request.
func (a *Adapter) FindActionByKeyPattern(tnID tenant.TnId, renderedKey string) (ActionRow, bool, error) {
	var out ActionRow
	found := false
	err := a.db.ForEachPrefixJSON(bucketActions, tnPrefix(tnID), func(_ []byte, raw []byte) error {
		if found {
			return nil
		}
		var row ActionRow
		if err := unmarshalInto(raw, &row); err != nil {
			return err
		}
		if row.renderedKeyMatches(renderedKey) {
			out = row
			found = true
		}
		return nil
	})
	return out, found, err
}

// renderedKeyMatches is a placeholder hook for key_pattern comparison;
// callers that need a specific pattern compare fields directly via
// ListActionsByStatus/ListActionsByIssuerAndType instead for anything beyond
// exact-type+issuer+audience matching action/lifecycle.go performs.
func (row ActionRow) renderedKeyMatches(renderedKey string) bool {
	return row.Type+":"+row.IssuerTag+":"+row.Audience == renderedKey
}

// ListActionsByIssuerAndType supports following-list construction
// (broadcast fanout, spec §4.I) and mutual-CONN detection (spec
// §4.H.6): every non-deleted action of a given type issued by idTag.
func (a *Adapter) ListActionsByIssuerAndType(tnID tenant.TnId, issuerTag, actionType string) ([]ActionRow, error) {
	var out []ActionRow
	err := a.db.ForEachPrefixJSON(bucketActions, tnPrefix(tnID), func(_ []byte, raw []byte) error {
		var row ActionRow
		if err := unmarshalInto(raw, &row); err != nil {
			return err
		}
		if row.IssuerTag == issuerTag && row.Type == actionType && row.Status != "D" {
			out = append(out, row)
		}
		return nil
	})
	return out, err
}

// ListActionsByAudienceAndType mirrors ListActionsByIssuerAndType from
// the receiving side, used to detect an inbound CONN's mutual pending
// counterpart.
func (a *Adapter) ListActionsByAudienceAndType(tnID tenant.TnId, audienceTag, actionType string) ([]ActionRow, error) {
	var out []ActionRow
	err := a.db.ForEachPrefixJSON(bucketActions, tnPrefix(tnID), func(_ []byte, raw []byte) error {
		var row ActionRow
		if err := unmarshalInto(raw, &row); err != nil {
			return err
		}
		if row.Audience == audienceTag && row.Type == actionType && row.Status != "D" {
			out = append(out, row)
		}
		return nil
	})
	return out, err
}

func (a *Adapter) ListActionsByStatus(tnID tenant.TnId, status string) ([]ActionRow, error) {
	var out []ActionRow
	err := a.db.ForEachPrefixJSON(bucketActions, tnPrefix(tnID), func(_ []byte, raw []byte) error {
		var row ActionRow
		if err := unmarshalInto(raw, &row); err != nil {
			return err
		}
		if row.Status == status {
			out = append(out, row)
		}
		return nil
	})
	return out, err
}

// --- Files & variants -------------------------------------------------------

// FileRow is a file's metadata row; Descriptor/FileID are empty until
// the file.id-generate task finalizes it.
type FileRow struct {
	TnId       tenant.TnId
	TempID     string // pre-finalization identifier
	FileID     string // "f1" + hash(descriptor), set on finalize
	Descriptor string
	Status     string // P (pending) | A (active)
	Visibility string // P (public) | D (direct/restricted); "" means the upload path's default
	CreatedAt  time.Time
}

func (a *Adapter) PutFile(row FileRow) error {
	id := row.FileID
	if id == "" {
		id = row.TempID
	}
	return a.db.PutJSON(bucketFiles, tnKey(row.TnId, id), row)
}

func (a *Adapter) GetFile(tnID tenant.TnId, id string) (FileRow, error) {
	var row FileRow
	found, err := a.db.GetJSON(bucketFiles, tnKey(tnID, id), &row)
	if err != nil {
		return FileRow{}, err
	}
	if !found {
		return FileRow{}, clerr.New(clerr.NotFound, "file not found")
	}
	return row, nil
}

// FinalizeFile sets descriptor/file_id on a pending file and flips its
// status P → A, re-keying the row from its temp id to file_id. Called
// exactly once per file, by the file.id-generate task.
func (a *Adapter) FinalizeFile(tnID tenant.TnId, tempID, descriptor, fileID string) error {
	row, err := a.GetFile(tnID, tempID)
	if err != nil {
		return err
	}
	row.Descriptor = descriptor
	row.FileID = fileID
	row.Status = "A"
	if err := a.db.PutJSON(bucketFiles, tnKey(tnID, fileID), row); err != nil {
		return err
	}
	return a.db.Delete(bucketFiles, tnKey(tnID, tempID))
}

// VariantRow records one stored blob variant of a file.
type VariantRow struct {
	TnId      tenant.TnId
	FileID    string
	Name      string // class.quality
	VariantID string // "b1" + hex(sha256(bytes)), see idhash.Hash
	Format    string
	Size      int64
	Width     int
	Height    int
	DurationS float64
	BitrateKb int
	Pages     int
	Available bool // false for a sync-created metadata-only row (spec §4.J step 4)
}

func (a *Adapter) PutVariant(v VariantRow) error {
	return a.db.PutJSON(bucketVariants, tnKey(v.TnId, v.FileID+":"+v.Name), v)
}

func (a *Adapter) ListVariants(tnID tenant.TnId, fileID string) ([]VariantRow, error) {
	var out []VariantRow
	prefix := append(tnPrefix(tnID), []byte(fileID+":")...)
	err := a.db.ForEachPrefixJSON(bucketVariants, prefix, func(_ []byte, raw []byte) error {
		var v VariantRow
		if err := unmarshalInto(raw, &v); err != nil {
			return err
		}
		out = append(out, v)
		return nil
	})
	return out, err
}

// --- Refs, tags, reactions, collections (spec §4.E, lighter-weight rows) ---

func (a *Adapter) PutRef(tnID tenant.TnId, name, value string) error {
	return a.db.PutJSON(bucketRefs, tnKey(tnID, name), value)
}

func (a *Adapter) GetRef(tnID tenant.TnId, name string) (string, error) {
	var v string
	found, err := a.db.GetJSON(bucketRefs, tnKey(tnID, name), &v)
	if err != nil {
		return "", err
	}
	if !found {
		return "", clerr.New(clerr.NotFound, "ref not found")
	}
	return v, nil
}

// --- Identities (spec §4.H.7: identity-provider registration) -------------

// IdentityRow is one registered identity on a tenant acting as an
// identity provider.
type IdentityRow struct {
	TnId       tenant.TnId
	IdTag      string
	Email      string
	OwnerIdTag string
	Issuer     string // "registrar" or "owner"
	Status     string // Pending/Active/Expired
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

func (a *Adapter) CreateIdentity(row IdentityRow) error {
	return a.db.PutJSON(bucketIdentities, tnKey(row.TnId, row.IdTag), row)
}

func (a *Adapter) GetIdentity(tnID tenant.TnId, idTag string) (IdentityRow, error) {
	var row IdentityRow
	found, err := a.db.GetJSON(bucketIdentities, tnKey(tnID, idTag), &row)
	if err != nil {
		return IdentityRow{}, err
	}
	if !found {
		return IdentityRow{}, clerr.New(clerr.NotFound, "identity not found")
	}
	return row, nil
}

// CountIdentitiesByRegistrar counts non-expired identities a given
// registrar has created on this IDP tenant, for quota enforcement
// (spec §4.H.7 step 3).
func (a *Adapter) CountIdentitiesByRegistrar(tnID tenant.TnId, registrarTag string) (int, error) {
	count := 0
	err := a.db.ForEachPrefixJSON(bucketIdentities, tnPrefix(tnID), func(_ []byte, raw []byte) error {
		var row IdentityRow
		if err := unmarshalInto(raw, &row); err != nil {
			return err
		}
		if row.OwnerIdTag == registrarTag && row.Status != "Expired" {
			count++
		}
		return nil
	})
	return count, err
}

func (a *Adapter) AddTag(tnID tenant.TnId, entityID, tag string) error {
	return a.db.PutJSON(bucketTags, tnKey(tnID, entityID+":"+tag), true)
}

func (a *Adapter) ListTags(tnID tenant.TnId, entityID string) ([]string, error) {
	var tags []string
	prefix := append(tnPrefix(tnID), []byte(entityID+":")...)
	err := a.db.ForEachPrefixJSON(bucketTags, prefix, func(k []byte, _ []byte) error {
		parts := strings.SplitN(string(k), entityID+":", 2)
		if len(parts) == 2 {
			tags = append(tags, parts[1])
		}
		return nil
	})
	return tags, err
}

type ReactionRow struct {
	TnId     tenant.TnId
	EntityID string
	IdTag    string
	Emoji    string
}

func (a *Adapter) PutReaction(r ReactionRow) error {
	return a.db.PutJSON(bucketReactions, tnKey(r.TnId, r.EntityID+":"+r.IdTag), r)
}

// CollectionKind is one of favorites/pinned/recent/bookmarks.
type CollectionKind string

const (
	CollectionFavorites CollectionKind = "favorites"
	CollectionPinned    CollectionKind = "pinned"
	CollectionRecent    CollectionKind = "recent"
	CollectionBookmarks CollectionKind = "bookmarks"
)

func (a *Adapter) AddToCollection(tnID tenant.TnId, kind CollectionKind, idTag, entityID string) error {
	return a.db.PutJSON(bucketCollection, tnKey(tnID, string(kind)+":"+idTag+":"+entityID), time.Now())
}

func (a *Adapter) ListCollection(tnID tenant.TnId, kind CollectionKind, idTag string) ([]string, error) {
	var out []string
	prefix := append(tnPrefix(tnID), []byte(string(kind)+":"+idTag+":")...)
	err := a.db.ForEachPrefixJSON(bucketCollection, prefix, func(k []byte, _ []byte) error {
		parts := strings.SplitN(string(k), idTag+":", 2)
		if len(parts) == 2 {
			out = append(out, parts[1])
		}
		return nil
	})
	return out, err
}

// unmarshalInto decodes a raw row value read via a cursor scan (which
// bypasses bolt.DB.GetJSON's own decode step).
func unmarshalInto(raw []byte, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return clerr.Wrap(clerr.DbError, "decode row", err)
	}
	return nil
}

// satisfy scheduler.Store and settings.Store — implemented in tasks.go
// and settings_store.go respectively.
var (
	_ scheduler.Store = (*Adapter)(nil)
	_ settings.Store  = (*Adapter)(nil)
)

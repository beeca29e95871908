package meta

import (
	"github.com/cloudillo/cloudillo/clerr"
	"github.com/cloudillo/cloudillo/settings"
	"github.com/cloudillo/cloudillo/tenant"
)

func (a *Adapter) GetSetting(tnID tenant.TnId, key string) (settings.Value, bool, error) {
	var v settings.Value
	found, err := a.db.GetJSON(bucketSettings, tnKey(tnID, key), &v)
	if err != nil {
		return settings.Value{}, false, err
	}
	return v, found, nil
}

func (a *Adapter) PutSetting(tnID tenant.TnId, key string, v settings.Value) error {
	return a.db.PutJSON(bucketSettings, tnKey(tnID, key), v)
}

func (a *Adapter) DeleteSetting(tnID tenant.TnId, key string) error {
	if err := a.db.Delete(bucketSettings, tnKey(tnID, key)); err != nil {
		return clerr.Wrap(clerr.DbError, "delete setting", err)
	}
	return nil
}

package settings

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cloudillo/cloudillo/clerr"
	"github.com/cloudillo/cloudillo/tenant"
)

// Store is the persistence contract the settings service needs from the
// meta adapter (spec §4.E MetaAdapter owns settings rows).
type Store interface {
	GetSetting(tnID tenant.TnId, key string) (Value, bool, error)
	PutSetting(tnID tenant.TnId, key string, v Value) error
	DeleteSetting(tnID tenant.TnId, key string) error
}

type cacheKey struct {
	tnID tenant.TnId
	key  string
}

// Service resolves settings through a three-level lookup (tenant →
// global → definition default) behind an LRU cache, per spec §4.A.
type Service struct {
	registry *Registry
	store    Store
	cache    *lru.Cache[cacheKey, Value]
}

func NewService(registry *Registry, store Store, cacheSize int) (*Service, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	c, err := lru.New[cacheKey, Value](cacheSize)
	if err != nil {
		return nil, clerr.Wrap(clerr.Internal, "allocate settings cache", err)
	}
	return &Service{registry: registry, store: store, cache: c}, nil
}

// Get resolves a setting for tnID: tenant row → global row (tn_id=0) →
// definition default. Returns ValidationError if no default exists and
// the definition is non-optional.
func (s *Service) Get(tnID tenant.TnId, key string) (Value, error) {
	def, ok := s.registry.Lookup(key)
	if !ok {
		return Value{}, clerr.New(clerr.NotFound, fmt.Sprintf("unknown setting %q", key))
	}

	if !tnID.IsGlobal() {
		if v, ok := s.cache.Get(cacheKey{tnID, key}); ok {
			return v, nil
		}
		if v, ok, err := s.store.GetSetting(tnID, key); err != nil {
			return Value{}, err
		} else if ok {
			s.cache.Add(cacheKey{tnID, key}, v)
			return v, nil
		}
	}

	if v, ok := s.cache.Get(cacheKey{0, key}); ok {
		return v, nil
	}
	if v, ok, err := s.store.GetSetting(0, key); err != nil {
		return Value{}, err
	} else if ok {
		s.cache.Add(cacheKey{0, key}, v)
		return v, nil
	}

	if def.Default != nil {
		return *def.Default, nil
	}
	if def.Optional {
		return Value{}, nil
	}
	return Value{}, clerr.New(clerr.ValidationError, fmt.Sprintf("required setting %q has no value and no default", key))
}

// Set writes a value, enforcing scope/permission rules and invalidating
// the cache. callerIsAdmin gates Global writes; System settings can
// never be written at runtime.
func (s *Service) Set(tnID tenant.TnId, key string, v Value, callerIsAdmin bool) error {
	def, ok := s.registry.Lookup(key)
	if !ok {
		return clerr.New(clerr.NotFound, fmt.Sprintf("unknown setting %q", key))
	}
	if def.Scope == ScopeSystem {
		return clerr.New(clerr.PermissionDenied, fmt.Sprintf("setting %q is immutable at runtime", key))
	}
	if def.Default != nil && !v.sameTypeAs(*def.Default) {
		return clerr.New(clerr.ValidationError, fmt.Sprintf("setting %q: type mismatch", key))
	}
	if def.Validator != nil {
		if err := def.Validator(v); err != nil {
			return clerr.Wrap(clerr.ValidationError, fmt.Sprintf("setting %q failed validation", key), err)
		}
	}

	var writeTn tenant.TnId
	switch def.Scope {
	case ScopeGlobal:
		if !callerIsAdmin {
			return clerr.New(clerr.PermissionDenied, "writing a Global setting requires admin")
		}
		writeTn = 0
	case ScopeTenant:
		writeTn = tnID
	default:
		return clerr.New(clerr.PermissionDenied, fmt.Sprintf("setting %q cannot be written", key))
	}

	if err := s.store.PutSetting(writeTn, key, v); err != nil {
		return err
	}

	if writeTn == 0 {
		s.invalidateKey(key)
	} else {
		s.cache.Remove(cacheKey{writeTn, key})
	}
	return nil
}

// invalidateKey drops every cached entry for a key across all tenants
// (a global write can change what every tenant sees as fallthrough).
func (s *Service) invalidateKey(key string) {
	for _, k := range s.cache.Keys() {
		if k.key == key {
			s.cache.Remove(k)
		}
	}
}

// AuditRequiredSettings performs the startup audit from spec §4.A /
// §8 Scenario 6: every non-optional, defaultless setting must have a
// global row, or startup must fail before serving any request.
func (s *Service) AuditRequiredSettings() error {
	for _, def := range s.registry.All() {
		if def.Default != nil || def.Optional {
			continue
		}
		if _, ok, err := s.store.GetSetting(0, def.Key); err != nil {
			return err
		} else if !ok {
			return clerr.New(clerr.ValidationError, fmt.Sprintf("required setting %q has no global value configured", def.Key))
		}
	}
	return nil
}

package action

// NativeHookFunc is a hook implementation written in Go rather than the
// DSL, used for the handful of canonical action types whose logic is
// too stateful or security-sensitive for the sandboxed interpreter
// (spec §4.H.3: CONN's mutual-pending detection, IDP:REG's identity
// provisioning).
type NativeHookFunc func(p *Pipeline, hc *HookContext) (HookResult, error)

// HookRegistry maps (action type, native hook name) to its Go
// implementation. A Hybrid hook's Dsl half runs first (via Engine.Run);
// only if it leaves ContinueProcessing true does the native half here
// run too.
type HookRegistry struct {
	fns map[string]NativeHookFunc
}

func NewHookRegistry() *HookRegistry {
	return &HookRegistry{fns: make(map[string]NativeHookFunc)}
}

func nativeKey(actionType, name string) string { return actionType + "/" + name }

// Register adds a native hook implementation under actionType/name, the
// same name an ActionDefinition's Hook.NativeName field must reference.
func (r *HookRegistry) Register(actionType, name string, fn NativeHookFunc) {
	r.fns[nativeKey(actionType, name)] = fn
}

func (r *HookRegistry) lookup(actionType, name string) (NativeHookFunc, bool) {
	fn, ok := r.fns[nativeKey(actionType, name)]
	return fn, ok
}

// RegisterBuiltins wires up every canonical action type's native hooks
// (spec §4.H.6 CONN, §4.H.7 IDP:REG). Call once during app composition
// after constructing the HookRegistry, before Registry.Register-ing the
// corresponding ActionDefinitions.
func RegisterBuiltins(r *HookRegistry) {
	r.Register("CONN", "onCreateConn", onCreateConn)
	r.Register("CONN", "onReceiveConn", onReceiveConn)
	r.Register("CONN", "onAcceptConn", onAcceptConn)
	r.Register("CONN", "onRejectConn", onRejectConn)
	r.Register("IDP:REG", "onReceiveIdpReg", onReceiveIdpReg)
}

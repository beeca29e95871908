package action

// RegisterCanonicalTypes loads the ActionDefinitions for every built-in
// action type spec §4.H.6 names (CONN, POST, MSG, IDP:REG, FLLW, REACT,
// APRV) into reg. Call once during app composition, after
// RegisterBuiltins has populated the matching HookRegistry — a
// definition referencing a native hook name that hasn't been
// registered yet fails only when that hook actually runs, not at
// Register time, so the two calls may come in either order as long as
// both happen before any hook runs.
func RegisterCanonicalTypes(reg *Registry) error {
	defs := []ActionDefinition{
		{
			Type:        "CONN",
			Version:     "1.0.0",
			Description: "Connection request between two identities",
			Fields: FieldConstraints{
				Content: Optional, Audience: Required, Parent: Optional,
				Subject: Optional, Attachments: Forbidden,
			},
			Behavior:   BehaviorFlags{RequiresAcceptance: true, Federated: true},
			KeyPattern: "CONN:{issuer}:{audience}",
			Hooks: Hooks{
				OnCreate:  Hook{Kind: HookNative, NativeName: "onCreateConn"},
				OnReceive: Hook{Kind: HookNative, NativeName: "onReceiveConn"},
				OnAccept:  Hook{Kind: HookNative, NativeName: "onAcceptConn"},
				OnReject:  Hook{Kind: HookNative, NativeName: "onRejectConn"},
			},
		},
		{
			Type:        "CONN:ACC",
			Version:     "1.0.0",
			Description: "Connection request accepted (reply leg)",
			Fields: FieldConstraints{
				Content: Forbidden, Audience: Required, Parent: Required,
				Subject: Optional, Attachments: Forbidden,
			},
			Behavior:   BehaviorFlags{Federated: true},
			KeyPattern: "CONN:ACC:{issuer}:{audience}",
		},
		{
			Type:        "CONN:DEL",
			Version:     "1.0.0",
			Description: "Connection removed or rejected (reply leg)",
			Fields: FieldConstraints{
				Content: Forbidden, Audience: Required, Parent: Optional,
				Subject: Optional, Attachments: Forbidden,
			},
			Behavior:   BehaviorFlags{Federated: true},
			KeyPattern: "CONN:DEL:{issuer}:{audience}",
		},
		{
			Type:        "POST",
			Version:     "1.0.0",
			Description: "Public broadcast post",
			Fields: FieldConstraints{
				Content: Required, Audience: Forbidden, Parent: Optional,
				Subject: Optional, Attachments: Optional,
			},
			Behavior:   BehaviorFlags{Broadcast: true, Federated: true, Sync: true},
			KeyPattern: "POST:{issuer}:{subject}",
		},
		{
			Type:        "MSG",
			Version:     "1.0.0",
			Description: "Direct message to a single audience",
			Fields: FieldConstraints{
				Content: Required, Audience: Required, Parent: Optional,
				Subject: Optional, Attachments: Optional,
			},
			Behavior:   BehaviorFlags{Broadcast: false, Federated: true},
			KeyPattern: "MSG:{issuer}:{audience}:{subject}",
		},
		{
			Type:        "IDP:REG",
			Version:     "1.0.0",
			Description: "Identity-provider registration",
			Fields: FieldConstraints{
				Content: Required, Audience: Required, Parent: Forbidden,
				Subject: Forbidden, Attachments: Forbidden,
			},
			Behavior:   BehaviorFlags{Federated: true},
			KeyPattern: "IDP:REG:{issuer}:{audience}",
			Hooks: Hooks{
				OnReceive: Hook{Kind: HookNative, NativeName: "onReceiveIdpReg"},
			},
		},
		{
			Type:        "FLLW",
			Version:     "1.0.0",
			Description: "Follow relationship",
			Fields: FieldConstraints{
				Content: Forbidden, Audience: Required, Parent: Optional,
				Subject: Optional, Attachments: Forbidden,
			},
			Behavior:   BehaviorFlags{Federated: true},
			KeyPattern: "FLLW:{issuer}:{audience}",
		},
		{
			Type:        "REACT",
			Version:     "1.0.0",
			Description: "Reaction to a parent action",
			Fields: FieldConstraints{
				Content: Optional, Audience: Optional, Parent: Required,
				Subject: Optional, Attachments: Forbidden,
			},
			Behavior:   BehaviorFlags{Federated: true, Ephemeral: true},
			KeyPattern: "REACT:{issuer}:{parent}",
		},
		{
			Type:        "APRV",
			Version:     "1.0.0",
			Description: "Moderation approval of an approvable action",
			Fields: FieldConstraints{
				Content: Optional, Audience: Optional, Parent: Required,
				Subject: Optional, Attachments: Forbidden,
			},
			Behavior:   BehaviorFlags{Federated: false, LocalOnly: true},
			KeyPattern: "APRV:{issuer}:{parent}",
			Permissions: PermissionRules{
				CanCreate: []string{"moderator", "leader"},
			},
		},
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

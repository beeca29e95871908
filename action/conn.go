package action

import (
	"github.com/cloudillo/cloudillo/tenant"
)

// onCreateConn marks the outbound follow/connect state on the local
// cache of the audience's profile the moment a CONN request is issued
// (spec §4.H.6, Scenario 2 step 1): the requester sees itself as
// following and RequestPending before any reply arrives.
func onCreateConn(p *Pipeline, hc *HookContext) (HookResult, error) {
	profile, err := hc.Meta.GetProfile(hc.TnID, hc.Action.Audience)
	if err != nil {
		profile = tenant.Profile{TnId: hc.TnID, IdTag: hc.Action.Audience}
	}
	profile.Following = true
	if profile.Connected != tenant.Connected {
		profile.Connected = tenant.RequestPending
	}
	if err := hc.Meta.PutProfile(profile); err != nil {
		return HookResult{}, err
	}
	return HookResult{Vars: hc.Vars, ContinueProcessing: true}, nil
}

// onReceiveConn implements the mutual-pending auto-detection at the
// core of Scenario 2: if the local identity already has its own
// outbound CONN pending toward this same remote issuer, both sides are
// connected immediately instead of asking the local user to confirm a
// request they themselves already made. Otherwise it falls back to the
// local identity's configured connection_mode (spec §4.H.6).
func onReceiveConn(p *Pipeline, hc *HookContext) (HookResult, error) {
	localTag := hc.Action.Audience
	remoteTag := hc.Action.IssuerTag

	outbound, err := hc.Meta.ListActionsByIssuerAndType(hc.TnID, localTag, "CONN")
	if err != nil {
		return HookResult{}, err
	}
	mutual := false
	for _, row := range outbound {
		if row.Audience == remoteTag && row.Status != StatusDeleted {
			mutual = true
			if err := hc.Meta.UpdateActionStatus(hc.TnID, row.ActionID, StatusActive); err != nil {
				return HookResult{}, err
			}
		}
	}

	if mutual {
		if err := hc.Meta.UpdateActionStatus(hc.TnID, hc.Action.ActionID, StatusActive); err != nil {
			return HookResult{}, err
		}
		return HookResult{Vars: hc.Vars, ContinueProcessing: true}, connectProfiles(hc, remoteTag)
	}

	profile, err := hc.Meta.GetProfile(hc.TnID, remoteTag)
	if err != nil {
		profile = tenant.Profile{TnId: hc.TnID, IdTag: remoteTag}
	}
	switch profile.ConnMode {
	case tenant.ConnModeAutoAccept:
		if err := hc.Meta.UpdateActionStatus(hc.TnID, hc.Action.ActionID, StatusActive); err != nil {
			return HookResult{}, err
		}
		return HookResult{Vars: hc.Vars, ContinueProcessing: true}, connectProfiles(hc, remoteTag)
	case tenant.ConnModeIgnore:
		return HookResult{Vars: hc.Vars, ContinueProcessing: false}, hc.Meta.UpdateActionStatus(hc.TnID, hc.Action.ActionID, StatusDeleted)
	default: // ConnModeConfirm, "": leave at whatever status ReceiveAction already assigned (C)
		return HookResult{Vars: hc.Vars, ContinueProcessing: true}, nil
	}
}

func connectProfiles(hc *HookContext, remoteTag string) error {
	profile, err := hc.Meta.GetProfile(hc.TnID, remoteTag)
	if err != nil {
		profile = tenant.Profile{TnId: hc.TnID, IdTag: remoteTag}
	}
	profile.Connected = tenant.Connected
	profile.Following = true
	return hc.Meta.PutProfile(profile)
}

// onAcceptConn runs when the local user explicitly accepts a status-C
// CONN request (spec §4.H.6, Decide(accept=true)): the local cache is
// marked Connected, and a CONN:ACC reply is issued back to the
// requester so their side updates too.
func onAcceptConn(p *Pipeline, hc *HookContext) (HookResult, error) {
	remoteTag := hc.Action.IssuerTag
	if err := connectProfiles(hc, remoteTag); err != nil {
		return HookResult{}, err
	}
	_, err := p.CreateAction(hc.TnID, hc.Action.Audience, "CONN:ACC", "", remoteTag, hc.Action.ActionID, "", nil)
	return HookResult{Vars: hc.Vars, ContinueProcessing: true}, err
}

// onRejectConn runs when the local user explicitly rejects a status-C
// CONN request: the cache reverts to Disconnected and a CONN:DEL reply
// tells the requester the connection will not be made.
func onRejectConn(p *Pipeline, hc *HookContext) (HookResult, error) {
	remoteTag := hc.Action.IssuerTag
	profile, err := hc.Meta.GetProfile(hc.TnID, remoteTag)
	if err != nil {
		profile = tenant.Profile{TnId: hc.TnID, IdTag: remoteTag}
	}
	profile.Connected = tenant.Disconnected
	profile.Following = false
	if err := hc.Meta.PutProfile(profile); err != nil {
		return HookResult{}, err
	}
	_, err = p.CreateAction(hc.TnID, hc.Action.Audience, "CONN:DEL", "", remoteTag, hc.Action.ActionID, "", nil)
	return HookResult{Vars: hc.Vars, ContinueProcessing: true}, err
}

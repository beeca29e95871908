package action

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/cloudillo/cloudillo/clerr"
	"github.com/cloudillo/cloudillo/logging"
	"github.com/cloudillo/cloudillo/storage/meta"
	"github.com/cloudillo/cloudillo/tenant"
)

var log = logging.WithComponent("action")

// KindDelivery is the scheduler task kind used by federation.ActionDeliveryTask
// (spec §4.I); declared here so DSL operations that schedule delivery
// don't need to import the federation package (which itself depends on
// action for token/lifecycle types).
const KindDelivery = "action.delivery"

func (eng *Engine) execUpdateProfile(op Operation, hc *HookContext) error {
	idTag, _ := hc.Vars[op.As].(string)
	if idTag == "" {
		idTag = hc.Action.IssuerTag
	}
	profile, err := hc.Meta.GetProfile(hc.TnID, idTag)
	if err != nil {
		return err
	}
	applyProfilePatch(&profile, op.Fields)
	return hc.Meta.PutProfile(profile)
}

func applyProfilePatch(p *tenant.Profile, fields Vars) {
	if v, ok := fields["following"].(bool); ok {
		p.Following = v
	}
	if v, ok := fields["connected"].(string); ok {
		p.Connected = tenant.ConnState(v)
	}
	if v, ok := fields["connMode"].(string); ok {
		p.ConnMode = tenant.ConnectionMode(v)
	}
}

func (eng *Engine) execGetProfile(op Operation, hc *HookContext) error {
	idTag, _ := hc.Vars["target"].(string)
	if idTag == "" {
		idTag = hc.Action.IssuerTag
	}
	profile, err := hc.Meta.GetProfile(hc.TnID, idTag)
	if err != nil {
		return err
	}
	hc.Vars[op.As] = profileToVars(profile)
	return nil
}

func profileToVars(p tenant.Profile) map[string]any {
	return map[string]any{
		"idTag":     p.IdTag,
		"name":      p.Name,
		"following": p.Following,
		"connected": string(p.Connected),
		"connMode":  string(p.ConnMode),
	}
}

func (eng *Engine) execCreateAction(op Operation, hc *HookContext) error {
	actionType, err := eng.eval(op.ActionType, hc)
	if err != nil {
		return err
	}
	content, err := eng.eval(op.Content, hc)
	if err != nil {
		return err
	}
	var audience, parent, subject string
	if op.Audience != nil {
		v, err := eng.eval(op.Audience, hc)
		if err != nil {
			return err
		}
		audience = fmt.Sprint(v)
	}
	if op.Parent != nil {
		v, err := eng.eval(op.Parent, hc)
		if err != nil {
			return err
		}
		parent = fmt.Sprint(v)
	}
	if op.Subject != nil {
		v, err := eng.eval(op.Subject, hc)
		if err != nil {
			return err
		}
		subject = fmt.Sprint(v)
	}

	row := meta.ActionRow{
		TnId:      hc.TnID,
		TempID:    "t1" + randomSuffix(),
		Type:      fmt.Sprint(actionType),
		IssuerTag: hc.Action.IssuerTag,
		Audience:  audience,
		Parent:    parent,
		Subject:   subject,
		Content:   fmt.Sprint(content),
		Status:    "P",
	}
	if err := hc.Meta.InsertAction(row); err != nil {
		return err
	}
	if op.As != "" {
		hc.Vars[op.As] = row.TempID
	}
	return ScheduleCreate(hc.Scheduler, hc.TnID, row.TempID)
}

func (eng *Engine) execGetAction(op Operation, hc *HookContext) error {
	var row meta.ActionRow
	var err error
	if op.ActionID != nil {
		v, everr := eng.eval(op.ActionID, hc)
		if everr != nil {
			return everr
		}
		row, err = hc.Meta.GetAction(hc.TnID, fmt.Sprint(v))
	} else if op.Key != nil {
		v, everr := eng.eval(op.Key, hc)
		if everr != nil {
			return everr
		}
		var found bool
		row, found, err = hc.Meta.FindActionByKeyPattern(hc.TnID, fmt.Sprint(v))
		if err == nil && !found {
			hc.Vars[op.As] = nil
			return nil
		}
	} else {
		return clerr.New(clerr.ValidationError, "GetAction requires key or actionId")
	}
	if err != nil {
		if clerr.Is(err, clerr.NotFound) {
			hc.Vars[op.As] = nil
			return nil
		}
		return err
	}
	hc.Vars[op.As] = actionToVars(row)
	return nil
}

func actionToVars(row meta.ActionRow) map[string]any {
	return map[string]any{
		"action_id": row.ActionID,
		"type":      row.Type,
		"subtype":   row.Subtype,
		"issuer":    row.IssuerTag,
		"audience":  row.Audience,
		"parent":    row.Parent,
		"subject":   row.Subject,
		"content":   row.Content,
		"status":    row.Status,
	}
}

func (eng *Engine) execUpdateAction(op Operation, hc *HookContext) error {
	targetVal, err := eng.eval(op.Target, hc)
	if err != nil {
		return err
	}
	actionID := fmt.Sprint(targetVal)
	row, err := hc.Meta.GetAction(hc.TnID, actionID)
	if err != nil {
		return err
	}
	for field, expr := range op.SetVal {
		val, err := eng.eval(expr, hc)
		if err != nil {
			return err
		}
		switch field {
		case "status":
			row.Status = fmt.Sprint(val)
		case "subject":
			row.Subject = fmt.Sprint(val)
		case "content":
			row.Content = fmt.Sprint(val)
		}
	}
	return hc.Meta.UpdateAction(row)
}

func (eng *Engine) execBroadcastToFollowers(op Operation, hc *HookContext) error {
	actionIDVal, err := eng.eval(op.ActionID, hc)
	if err != nil {
		return err
	}
	tokenVal, err := eng.eval(op.Token, hc)
	if err != nil {
		return err
	}
	actionID := fmt.Sprint(actionIDVal)
	token := fmt.Sprint(tokenVal)

	followers, err := ListFollowers(hc.Meta, hc.TnID, hc.Action.IssuerTag)
	if err != nil {
		return err
	}
	for _, target := range followers {
		key := "delivery:" + actionID + ":" + target
		if _, err := hc.Scheduler.Schedule(KindDelivery, key, DeliveryInput(target, token), nil); err != nil {
			return err
		}
	}
	return nil
}

func (eng *Engine) execSendToAudience(op Operation, hc *HookContext) error {
	actionIDVal, err := eng.eval(op.ActionID, hc)
	if err != nil {
		return err
	}
	tokenVal, err := eng.eval(op.Token, hc)
	if err != nil {
		return err
	}
	audienceVal, err := eng.eval(op.Audience, hc)
	if err != nil {
		return err
	}
	target := fmt.Sprint(audienceVal)
	if target == "" || target == hc.Action.IssuerTag {
		return nil
	}
	key := "delivery:" + fmt.Sprint(actionIDVal) + ":" + target
	_, err = hc.Scheduler.Schedule(KindDelivery, key, DeliveryInput(target, fmt.Sprint(tokenVal)), nil)
	return err
}

func (eng *Engine) execCreateNotification(op Operation, hc *HookContext) error {
	userVal, err := eng.eval(op.User, hc)
	if err != nil {
		return err
	}
	typeVal, err := eng.eval(op.NotifType, hc)
	if err != nil {
		return err
	}
	row := meta.ActionRow{
		TnId:      hc.TnID,
		TempID:    "t1" + randomSuffix(),
		Type:      "NOTIF",
		Subtype:   fmt.Sprint(typeVal),
		IssuerTag: "system",
		Audience:  fmt.Sprint(userVal),
		Content:   hc.Action.ActionID,
		Status:    "N",
	}
	return hc.Meta.InsertAction(row)
}

// ListFollowers lists everyone the issuer should broadcast a POST-like
// action to: every distinct issuer of a non-deleted FLLW or CONN
// action issued BY someone else TO the issuer (spec §4.H.4 step 6:
// "list all FLLW/CONN actions whose issuer != self, dedup"). Follows
// are themselves just actions, so this has no separate follower table.
func ListFollowers(m *meta.Adapter, tnID tenant.TnId, issuerTag string) ([]string, error) {
	seen := make(map[string]bool)
	for _, actionType := range []string{"FLLW", "CONN"} {
		rows, err := m.ListActionsByAudienceAndType(tnID, issuerTag, actionType)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			if r.IssuerTag != issuerTag {
				seen[r.IssuerTag] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for tag := range seen {
		out = append(out, tag)
	}
	return out, nil
}

func randomSuffix() string {
	return uuid.NewString()
}

package action

import (
	"encoding/json"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cloudillo/cloudillo/clerr"
	"github.com/cloudillo/cloudillo/idhash"
	"github.com/cloudillo/cloudillo/scheduler"
	"github.com/cloudillo/cloudillo/storage/meta"
	"github.com/cloudillo/cloudillo/tenant"
)

// KindIdpActivationEmail is the scheduler task kind for step 7 of
// spec §4.H.7: the activation email sent to a newly-registered
// identity, only scheduled when content.email was supplied.
const KindIdpActivationEmail = "idp-activation"

const identityActivationTTL = 24 * time.Hour

// idpRegContent is the parsed shape of an IDP:REG action's content
// field (spec §4.H.7 step 1).
type idpRegContent struct {
	IdTag      string `json:"id_tag"`
	Email      string `json:"email,omitempty"`
	OwnerIdTag string `json:"owner_id_tag,omitempty"`
	Issuer     string `json:"issuer,omitempty"` // "registrar" or "owner"
	Address    string `json:"address,omitempty"`
	Lang       string `json:"lang,omitempty"`
}

// idpRegResult is what a successful (or rejected) registration reports
// back (spec §4.H.7 step 8). It is stored in hc.Vars under "result" and
// returned as the hook's ReturnValue.
type idpRegResult struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	IdentityStatus string `json:"identity_status,omitempty"`
	ActivationRef  string `json:"activation_ref,omitempty"`
	APIKey         string `json:"api_key,omitempty"`
}

// registrarQuota bounds how many pending/active identities a single
// registrar may create on this IDP tenant at once. A fixed constant
// here rather than a settings lookup: the teacher's settings package
// models configuration as (tenant, key) -> Value, which is the right
// place for this once an operator needs to tune it, but no Definition
// for it is registered.
const registrarQuota = 100

func onReceiveIdpReg(p *Pipeline, hc *HookContext) (HookResult, error) {
	var content idpRegContent
	if err := json.Unmarshal([]byte(hc.Action.Content), &content); err != nil {
		return rejectIdpReg(hc, "malformed registration content")
	}
	if !tenant.ValidIdTag(content.IdTag) {
		return rejectIdpReg(hc, "invalid id_tag shape")
	}

	domain := hc.Action.Audience // the IDP's own domain, per spec §4.H.6 CONN-style audience semantics
	if !strings.HasSuffix(content.IdTag, "."+domain) && content.IdTag != domain {
		return rejectIdpReg(hc, "id_tag domain does not match this identity provider")
	}

	registrar := hc.Action.IssuerTag
	count, err := hc.Meta.CountIdentitiesByRegistrar(hc.TnID, registrar)
	if err != nil {
		return HookResult{}, err
	}
	if count >= registrarQuota {
		return rejectIdpReg(hc, "registrar quota exceeded")
	}

	now := time.Now()
	row := meta.IdentityRow{
		TnId:       hc.TnID,
		IdTag:      content.IdTag,
		Email:      content.Email,
		OwnerIdTag: firstNonEmpty(content.OwnerIdTag, registrar),
		Issuer:     firstNonEmpty(content.Issuer, "registrar"),
		Status:     "Pending",
		ExpiresAt:  now.Add(identityActivationTTL),
		CreatedAt:  now,
	}
	if err := hc.Meta.CreateIdentity(row); err != nil {
		return HookResult{}, err
	}

	apiKey, err := hc.Auth.IssueAPIKey(hc.TnID, content.IdTag, []string{"identity.address.update"})
	if err != nil {
		return HookResult{}, err
	}

	activationToken := "ref1" + idhash.Hash("", []byte(content.IdTag+uuid.NewString()))[:24]
	activationRef := "idp.activation:" + content.IdTag
	if err := hc.Meta.PutRef(hc.TnID, activationRef, activationToken); err != nil {
		return HookResult{}, err
	}

	if content.Email != "" {
		vars := map[string]string{
			"identity_tag":      content.IdTag,
			"activation_link":   fmt.Sprintf("https://%s/idp/activate/%s", domain, activationToken),
			"identity_provider": domain,
			"expire_hours":      fmt.Sprintf("%d", int(identityActivationTTL.Hours())),
		}
		if _, err := hc.Scheduler.Schedule(KindIdpActivationEmail, "idp-activation:"+content.IdTag, encodeMailVars(content.Email, vars), nil); err != nil {
			return HookResult{}, err
		}
	}

	result := idpRegResult{
		Success:        true,
		Message:        "registration pending activation",
		IdentityStatus: row.Status,
		ActivationRef:  activationRef,
		APIKey:         apiKey,
	}
	hc.Vars["result"] = result
	return HookResult{Vars: hc.Vars, ContinueProcessing: true, ReturnValue: result}, nil
}

func rejectIdpReg(hc *HookContext, reason string) (HookResult, error) {
	result := idpRegResult{Success: false, Message: reason}
	hc.Vars["result"] = result
	return HookResult{Vars: hc.Vars, ContinueProcessing: false, ReturnValue: result}, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// encodeMailVars/decodeMailVars serialize the idp-activation task's
// input: recipient address followed by its template variables, one
// per line, "key=value". Plain text rather than JSON to match the
// other scheduler task kinds' single-line string inputs (file/task.go,
// action/lifecycle.go).
func encodeMailVars(to string, vars map[string]string) string {
	var b strings.Builder
	b.WriteString(to)
	for _, k := range []string{"identity_tag", "activation_link", "identity_provider", "expire_hours"} {
		b.WriteString("\n")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(vars[k])
	}
	return b.String()
}

func decodeMailVars(input string) (to string, vars map[string]string) {
	lines := strings.Split(input, "\n")
	if len(lines) == 0 {
		return "", nil
	}
	to = lines[0]
	vars = make(map[string]string, len(lines)-1)
	for _, line := range lines[1:] {
		k, v, ok := strings.Cut(line, "=")
		if ok {
			vars[k] = v
		}
	}
	return to, vars
}

// mailActivationContext is the reconstructed build context for
// KindIdpActivationEmail.
type mailActivationContext struct {
	To   string
	Vars map[string]string
}

func BuildIdpActivationEmail(taskID, input string) (any, error) {
	to, vars := decodeMailVars(input)
	if to == "" {
		return nil, clerr.New(clerr.Internal, "idp-activation: missing recipient")
	}
	return mailActivationContext{To: to, Vars: vars}, nil
}

// SMTPConfig is the minimal outbound-mail configuration the activation
// runner needs; app composition populates it. No smtp.* setting
// definitions are registered in this module.
type SMTPConfig struct {
	Addr string // host:port
	From string
	Auth smtp.Auth
}

// NewIdpActivationRunner renders and sends the activation email over
// SMTP (stdlib net/smtp: no third-party SMTP client appears anywhere in
// the example pack, so this is one of the few ambient concerns that
// stays on the standard library). A zero-value cfg.Addr
// means no SMTP server is configured; the runner then only logs, which
// is the expected fallback whenever email activation isn't wired up
// and owner-based activation is used instead (spec §4.H.7 step 7).
func NewIdpActivationRunner(cfg SMTPConfig) scheduler.Runner {
	return func(rc scheduler.RunContext) (string, error) {
		ctx, ok := rc.Context.(mailActivationContext)
		if !ok {
			return "", clerr.New(clerr.Internal, "idp-activation: missing build context")
		}
		body := renderActivationEmail(ctx.Vars)
		if cfg.Addr == "" {
			log.WithField("id_tag", ctx.Vars["identity_tag"]).Info("idp-activation: no smtp configured, skipping send")
			return "skipped", nil
		}
		msg := []byte("Subject: Activate your identity\r\n\r\n" + body)
		if err := smtp.SendMail(cfg.Addr, cfg.Auth, cfg.From, []string{ctx.To}, msg); err != nil {
			return "", clerr.Wrap(clerr.NetworkError, "send activation email", err)
		}
		return "sent", nil
	}
}

func renderActivationEmail(vars map[string]string) string {
	return fmt.Sprintf(
		"Your identity %s on %s is ready to activate.\nActivate within %s hours: %s\n",
		vars["identity_tag"], vars["identity_provider"], vars["expire_hours"], vars["activation_link"],
	)
}

package dcflow

import (
	"encoding/json"
	"strings"

	"github.com/samber/lo"
	"github.com/tidwall/gjson"

	"github.com/sirosfoundation/go-digital-credentials/internal/domain"
)

// DefaultAnnexCPolicies are applied when a template names no policies
var DefaultAnnexCPolicies = []string{"mdoc-device-auth", "mdoc-issuer-auth"}

// AnnexCCreateRequest is the body of POST /annex-c/create
type AnnexCCreateRequest struct {
	DocType           string          `json:"docType"`
	RequestedElements json.RawMessage `json:"requestedElements"`
	Policies          []string        `json:"policies"`
	Origin            string          `json:"origin"`
	TTLSeconds        int64           `json:"ttlSeconds,omitempty"`
}

// BuildAnnexCCreateRequest converts a request template into an Annex C
// create request. Templates already in create-request shape are kept and
// completed; OpenID4VP templates are converted from the first DCQL
// credential query.
func BuildAnnexCCreateRequest(template json.RawMessage, origin string) (*AnnexCCreateRequest, error) {
	doc := gjson.ParseBytes(template)

	docType := doc.Get("docType")
	elements := doc.Get("requestedElements")
	if docType.Type == gjson.String && (elements.IsObject() || elements.IsArray()) {
		req := &AnnexCCreateRequest{
			DocType:           docType.Str,
			RequestedElements: json.RawMessage(elements.Raw),
			Policies:          normalizePolicies(doc.Get("policies")),
			Origin:            origin,
		}
		if ttl := doc.Get("ttlSeconds"); ttl.Type == gjson.Number {
			req.TTLSeconds = ttl.Int()
		}
		return req, nil
	}

	core := doc.Get("core")
	var first gjson.Result
	for _, cred := range core.Get("dcql_query.credentials").Array() {
		if cred.IsObject() {
			first = cred
			break
		}
	}

	docTypeValue := first.Get("meta.doctype_value")
	if docTypeValue.Type != gjson.String || docTypeValue.Str == "" {
		return nil, newError(domain.StageRequest, ErrSessionCreate,
			"annex-c create requires a docType (expected core.dcql_query.credentials[0].meta.doctype_value)", nil)
	}

	requested := make(map[string][]string)
	for _, claim := range first.Get("claims").Array() {
		path := claim.Get("path").Array()
		if len(path) < 2 {
			continue
		}
		namespace := strings.TrimSpace(path[0].String())
		element := strings.TrimSpace(path[1].String())
		if namespace == "" || element == "" {
			continue
		}
		if !lo.Contains(requested[namespace], element) {
			requested[namespace] = append(requested[namespace], element)
		}
	}
	if len(requested) == 0 {
		return nil, newError(domain.StageRequest, ErrSessionCreate,
			"annex-c create requires requestedElements (expected core.dcql_query.credentials[0].claims[].path)", nil)
	}
	raw, err := json.Marshal(requested)
	if err != nil {
		return nil, newError(domain.StageRequest, ErrSessionCreate, "failed to encode requested elements", err)
	}

	policies := doc.Get("policies")
	if !policies.IsArray() {
		policies = core.Get("policies")
	}

	return &AnnexCCreateRequest{
		DocType:           docTypeValue.Str,
		RequestedElements: raw,
		Policies:          normalizePolicies(policies),
		Origin:            origin,
	}, nil
}

func normalizePolicies(v gjson.Result) []string {
	if !v.IsArray() {
		return append([]string(nil), DefaultAnnexCPolicies...)
	}
	return lo.FilterMap(v.Array(), func(item gjson.Result, _ int) (string, bool) {
		if item.Type != gjson.String {
			return "", false
		}
		p := strings.TrimSpace(item.Str)
		return p, p != ""
	})
}

// ExtractAnnexCResponse finds the base64url EncryptedResponse string in a
// wallet response. The payload may be the string itself, an object with
// response/encryptedResponse (directly or below data), or any of those
// wrapped in a credential member.
func ExtractAnnexCResponse(walletResponse json.RawMessage) (string, error) {
	cred := gjson.ParseBytes(walletResponse)
	if cred.IsObject() {
		if inner := cred.Get("credential"); inner.Exists() && inner.Type != gjson.Null {
			cred = inner
		}
	}

	if cred.Type == gjson.String {
		return cred.Str, nil
	}

	if cred.IsObject() {
		if direct := firstPresent(cred, "response", "encryptedResponse"); direct.Type == gjson.String {
			return direct.Str, nil
		}
		if data := cred.Get("data"); data.IsObject() {
			if nested := firstPresent(data, "response", "encryptedResponse"); nested.Type == gjson.String {
				return nested.Str, nil
			}
		}
	}

	return "", newError(domain.StageVerification, ErrSubmission,
		"annex-c response must contain a base64url EncryptedResponse string (e.g. credential.data.response)", nil)
}

// firstPresent returns the first member that is neither missing nor null
func firstPresent(obj gjson.Result, keys ...string) gjson.Result {
	for _, key := range keys {
		if v := obj.Get(key); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

package upstream

import (
	"net/url"
	"strings"
)

// Variant selects the upstream address scheme.
type Variant string

const (
	// VariantPrimary is the unified /openai/v1 realtime surface.
	VariantPrimary Variant = "primary"
	// VariantLegacy is the older cognitive-services realtime surface.
	VariantLegacy Variant = "legacy"
)

const legacyDomainSuffix = ".cognitiveservices.azure.com"

// ResolveVariant picks the address scheme from the endpoint domain suffix.
func ResolveVariant(endpoint string) Variant {
	host := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		host = u.Host
	}
	if strings.HasSuffix(strings.ToLower(host), legacyDomainSuffix) {
		return VariantLegacy
	}
	return VariantPrimary
}

// RealtimeURL renders the outbound WebSocket URL for one upstream attempt.
//
// Primary: wss://<endpoint>/openai/v1?api-version=<version>&model=<deployment>
// Legacy:  wss://<endpoint>/openai/realtime?deployment=<deployment>
func RealtimeURL(endpoint, deployment, apiVersion string) string {
	base := wsBase(endpoint)
	switch ResolveVariant(endpoint) {
	case VariantLegacy:
		return base + "/openai/realtime?deployment=" + url.QueryEscape(deployment)
	default:
		return base + "/openai/v1?api-version=" + url.QueryEscape(apiVersion) +
			"&model=" + url.QueryEscape(deployment)
	}
}

// ControlURL renders the control-channel URL addressed by a call id.
func ControlURL(endpoint, callID string) string {
	return wsBase(endpoint) + "/openai/v1/realtime?call_id=" + url.QueryEscape(callID)
}

func wsBase(endpoint string) string {
	base := strings.TrimSuffix(endpoint, "/")
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base
}

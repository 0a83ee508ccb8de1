// Package gatewaymatcher implements the pure gateway-filtering rule
// spec.md §4.4 describes: given a gateway a remote node advertises, decide
// whether the local node may use it.
package gatewaymatcher

import "github.com/anthanhphan/atapp/internal/discovery"

// LocalMeta is the subset of local node configuration the matcher reads.
type LocalMeta struct {
	Hostname      string
	NamespaceName string
	Labels        map[string]string
}

// Match evaluates gw against local left to right, short-circuiting on the
// first failed rule.
func Match(gw discovery.Gateway, local LocalMeta) bool {
	if gw.Address == "" {
		return false
	}
	if !matchList(gw.MatchHosts, local.Hostname) {
		return false
	}
	if !matchList(gw.MatchNamespaces, local.NamespaceName) {
		return false
	}
	return matchLabels(gw.MatchLabels, local.Labels)
}

// matchList treats an all-empty list as absent (pass); otherwise at least
// one non-empty entry must equal value.
func matchList(list []string, value string) bool {
	hasNonEmpty := false
	for _, entry := range list {
		if entry == "" {
			continue
		}
		hasNonEmpty = true
		if entry == value {
			return true
		}
	}
	return !hasNonEmpty
}

// matchLabels requires every (k, v) with both non-empty to exist in local
// with the same value; unlike matchList, an empty map is vacuously true and
// a single failing pair rejects (no "at least one match" leniency).
func matchLabels(required map[string]string, local map[string]string) bool {
	for k, v := range required {
		if k == "" || v == "" {
			continue
		}
		if local[k] != v {
			return false
		}
	}
	return true
}

package resolver

import "github.com/chittyos/chittybridge/internal/integrity"

// AnchorHints carries the session-provided anchors used to fingerprint a
// context entity (§4.D "Anchor fingerprinting").
type AnchorHints struct {
	ProjectPath      string
	Workspace        string
	SupportType      string
	Organization     string
	ExplicitChittyID string
}

// AnchorHash computes the stable contextHash over the static anchors
// (projectPath, workspace, supportType, organization), using the
// length-prefixed multi-field hash from internal/integrity so that anchor
// values containing delimiter-like characters cannot collide (resolves the
// spec's Open Question on hash canonicalisation — see DESIGN.md).
func AnchorHash(h AnchorHints) string {
	return integrity.StableHash(h.ProjectPath, h.Workspace, h.SupportType, h.Organization)
}

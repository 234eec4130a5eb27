package services

import (
	"fmt"
	"strings"

	"github.com/nexgate-io/console/modules/policy/domain/ports"
	"github.com/nexgate-io/console/modules/policy/domain/types"
	"github.com/nexgate-io/console/pkg/httperr"
)

// defaultVersions is applied when a spec names no versions.
var defaultVersions = []string{"Default"}

// ComposeAccessRights turns the caller-facing access specs plus the catalog's
// view of those APIs into the nested access-rights document the control plane
// expects. Output depends only on the inputs: same specs and catalog rows
// always produce the same document.
//
// Duplicate api ids in specs are rejected, a spec whose api id is missing
// from infos means the catalog lookup was incomplete and is an internal
// error, and defaults are filled here so no other layer has to.
func ComposeAccessRights(specs []types.APIAccessSpec, infos []ports.APIInfo) (types.AccessRights, error) {
	byID := make(map[string]ports.APIInfo, len(infos))
	for _, info := range infos {
		byID[info.APIID] = info
	}

	rights := make(types.AccessRights, len(specs))
	for _, spec := range specs {
		apiID := strings.TrimSpace(spec.APIID)
		if apiID == "" {
			return nil, httperr.NewBadRequest("EMPTY_API_ID")
		}
		if _, dup := rights[apiID]; dup {
			return nil, httperr.NewBadRequest("DUPLICATE_API_ID")
		}
		info, ok := byID[apiID]
		if !ok {
			return nil, fmt.Errorf("compose access rights: api %q not resolved by catalog", apiID)
		}

		versions := spec.Versions
		if len(versions) == 0 {
			versions = defaultVersions
		}
		allowed := spec.AllowedURLs
		if allowed == nil {
			allowed = []types.AllowedURL{}
		}

		rights[apiID] = types.AccessRightsEntry{
			APIID:       apiID,
			APIName:     info.Name,
			Versions:    versions,
			AllowedURLs: allowed,
		}
	}
	return rights, nil
}

// grantsFromSpecs projects the same specs into local grant rows. It must be
// called with the same infos as ComposeAccessRights so the stored projection
// matches the remote document.
func grantsFromSpecs(policyID string, specs []types.APIAccessSpec, infos []ports.APIInfo) []types.APIAccessGrant {
	byID := make(map[string]ports.APIInfo, len(infos))
	for _, info := range infos {
		byID[info.APIID] = info
	}

	grants := make([]types.APIAccessGrant, 0, len(specs))
	for _, spec := range specs {
		info := byID[spec.APIID]
		versions := spec.Versions
		if len(versions) == 0 {
			versions = defaultVersions
		}
		allowed := spec.AllowedURLs
		if allowed == nil {
			allowed = []types.AllowedURL{}
		}
		grants = append(grants, types.APIAccessGrant{
			PolicyID:    policyID,
			APIID:       spec.APIID,
			APIName:     info.Name,
			APIOrgID:    info.OrgID,
			Versions:    versions,
			AllowedURLs: allowed,
		})
	}
	return grants
}

// accessRightsFromGrants rebuilds the remote document from stored grant rows.
// Used on update and reconciliation paths where the specs are long gone.
func accessRightsFromGrants(grants []types.APIAccessGrant) types.AccessRights {
	rights := make(types.AccessRights, len(grants))
	for _, g := range grants {
		versions := g.Versions
		if len(versions) == 0 {
			versions = defaultVersions
		}
		allowed := g.AllowedURLs
		if allowed == nil {
			allowed = []types.AllowedURL{}
		}
		rights[g.APIID] = types.AccessRightsEntry{
			APIID:       g.APIID,
			APIName:     g.APIName,
			Versions:    versions,
			AllowedURLs: allowed,
		}
	}
	return rights
}

func apiIDsFromSpecs(specs []types.APIAccessSpec) []string {
	ids := make([]string, 0, len(specs))
	for _, spec := range specs {
		ids = append(ids, spec.APIID)
	}
	return ids
}
